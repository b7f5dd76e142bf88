package detlog

import (
	"time"

	"github.com/clalos/container-reader/internal/detect"
	"github.com/clalos/container-reader/internal/frame"
)

// Finding is one OCR reading of a detected region, ready to be persisted.
type Finding struct {
	Camera    string
	Time      time.Time
	Frame     frame.Frame
	Region    frame.Frame
	Detection detect.Detection
	Value     string
	Valid     bool
}

// EvidenceWriter stores the images that back a log entry and returns their
// paths. Valid findings become training samples; invalid ones keep the
// region for later review.
type EvidenceWriter interface {
	SaveSample(f Finding) ([]string, error)
	SaveInvalid(f Finding) ([]string, error)
}

// Limiter decides whether a finding for label may be persisted. Refund
// returns the slot of an admitted finding whose write failed.
type Limiter interface {
	Allow(label string, valid bool) bool
	Refund(label string, valid bool)
}

// Recorder gates findings through a Limiter, writes their evidence and
// appends the log entry.
type Recorder struct {
	store    Store
	limiter  Limiter
	evidence EvidenceWriter
}

// NewRecorder wires a recorder. limiter and evidence may be nil: a nil
// limiter admits everything, a nil evidence writer records no image paths.
func NewRecorder(store Store, limiter Limiter, evidence EvidenceWriter) *Recorder {
	return &Recorder{store: store, limiter: limiter, evidence: evidence}
}

// Record persists f if the limiter allows it. It reports whether an entry
// was written. Errors are always *PersistenceError; a failed write does not
// use up the label's limiter slot.
func (r *Recorder) Record(f Finding) (bool, error) {
	if r.limiter != nil && !r.limiter.Allow(f.Detection.Label, f.Valid) {
		return false, nil
	}

	ok, err := r.write(f)
	if err != nil && r.limiter != nil {
		r.limiter.Refund(f.Detection.Label, f.Valid)
	}
	return ok, err
}

func (r *Recorder) write(f Finding) (bool, error) {
	var paths []string
	if r.evidence != nil {
		var err error
		if f.Valid {
			paths, err = r.evidence.SaveSample(f)
		} else {
			paths, err = r.evidence.SaveInvalid(f)
		}
		if err != nil {
			return false, asPersistence("save evidence", err)
		}
	}

	entry := Entry{
		Time:       f.Time,
		Camera:     f.Camera,
		Label:      f.Detection.Label,
		Value:      f.Value,
		Valid:      f.Valid,
		ImagePaths: paths,
	}
	if err := r.store.Append(entry); err != nil {
		return false, asPersistence("append", err)
	}
	return true, nil
}

func asPersistence(op string, err error) *PersistenceError {
	if pe, ok := err.(*PersistenceError); ok {
		return pe
	}
	return &PersistenceError{Op: op, Err: err}
}
