// Package stream runs the per-camera capture loop: it pulls frames from a
// frame.Source, optionally runs detection and text extraction on them and
// publishes frame, detection and error events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clalos/container-reader/internal/container"
	"github.com/clalos/container-reader/internal/detect"
	"github.com/clalos/container-reader/internal/detlog"
	"github.com/clalos/container-reader/internal/frame"
	"github.com/clalos/container-reader/internal/metrics"
	"github.com/clalos/container-reader/internal/ratelimit"
)

// ErrNotIdle is returned by Start on a worker that was already started.
// Workers are single-use: start a new one instead.
var ErrNotIdle = errors.New("stream: worker already started")

// State is the worker lifecycle state.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Extractor reads text from a region image.
type Extractor interface {
	Extract(f frame.Frame) (string, error)
}

// Publisher receives worker events. Publish must not block.
type Publisher interface {
	Publish(e Event)
}

// Deps are the collaborators of a Worker. Opener and Publisher are required.
// A nil Engine or Extractor turns the matching stage into a no-op, a nil
// Store disables the detection log.
//
// Limiter should be shared by every worker writing to Store so its per-label
// counters outlive a single Start/Stop. When nil, New gives the worker a
// limiter of its own.
type Deps struct {
	Opener    frame.Opener
	Engine    detect.Engine
	Extractor Extractor
	Store     detlog.Store
	Evidence  detlog.EvidenceWriter
	Limiter   detlog.Limiter
	Publisher Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// ProcessingError is a failure of detection or extraction on one frame.
// It is reported but never stops the worker.
type ProcessingError struct {
	Stage string
	Seq   int64
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s failed on frame %d: %v", e.Stage, e.Seq, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Stats are the worker's lifetime counters.
type Stats struct {
	FramesRead        int64     `json:"frames_read"`
	Detections        int64     `json:"detections"`
	ProcessingErrors  int64     `json:"processing_errors"`
	LogEntries        int64     `json:"log_entries"`
	PersistenceErrors int64     `json:"persistence_errors"`
	LastFrameAt       time.Time `json:"last_frame_at"`
}

// Worker owns one camera stream for one Start/Stop lifecycle.
//
// The loop runs on its own goroutine. The detection and extraction toggles
// are atomics read once per frame, right after the frame is acquired, so a
// toggle applies from the next frame on and never to a frame in flight.
// Stop cancels the loop, closes the source to unblock a pending Read and
// waits for the loop to exit; once Stop returns the worker publishes nothing.
type Worker struct {
	id       string
	camera   string
	deps     Deps
	logger   *slog.Logger
	recorder *detlog.Recorder

	state      atomic.Int32
	detection  atomic.Bool
	extraction atomic.Bool
	stopping   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards src between the loop and Stop.
	mu  sync.Mutex
	src frame.Source

	stopOnce sync.Once
	done     chan struct{}

	framesRead        atomic.Int64
	detections        atomic.Int64
	processingErrors  atomic.Int64
	logEntries        atomic.Int64
	persistenceErrors atomic.Int64
	lastFrameAt       atomic.Int64
	lastFrame         atomic.Pointer[frame.Frame]
}

// New creates an idle worker for camera.
func New(camera string, deps Deps) *Worker {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		id:     uuid.NewString(),
		camera: camera,
		deps:   deps,
		done:   make(chan struct{}),
	}
	w.logger = logger.With("camera", camera, "worker_id", w.id)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	if deps.Store != nil {
		limiter := deps.Limiter
		if limiter == nil {
			limiter = ratelimit.New(ratelimit.WithClock(deps.Now))
		}
		w.recorder = detlog.NewRecorder(deps.Store, limiter, deps.Evidence)
	}
	return w
}

// ID is the unique id of this worker lifecycle.
func (w *Worker) ID() string { return w.id }

// Camera the worker was created for.
func (w *Worker) Camera() string { return w.camera }

// State returns the current lifecycle state. It reads Stopped before the
// terminal error event is published, so a subscriber reacting to that event
// may start a replacement worker right away.
func (w *Worker) State() State { return State(w.state.Load()) }

// Done is closed once the loop has exited (or Stop was called on an idle worker).
func (w *Worker) Done() <-chan struct{} { return w.done }

// Detection reports the detection toggle.
func (w *Worker) Detection() bool { return w.detection.Load() }

// Extraction reports the extraction toggle.
func (w *Worker) Extraction() bool { return w.extraction.Load() }

// Start begins capturing from uri. The stream is opened on the worker's
// goroutine; an open failure is reported as a terminal error event.
func (w *Worker) Start(uri string) error {
	if !w.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrNotIdle
	}

	w.deps.Metrics.WorkerStarted()
	w.logger.Info("Stream worker starting", "url", frame.Redact(uri))

	go w.run(w.ctx, uri)
	return nil
}

// Stop ends the worker and waits for its loop to exit. It is safe to call
// concurrently with a blocked read, from several goroutines and repeatedly.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
			w.cancel()
			close(w.done)
			return
		}

		w.stopping.Store(true)
		w.state.CompareAndSwap(int32(Running), int32(Stopping))
		w.cancel()

		w.mu.Lock()
		src := w.src
		w.mu.Unlock()

		if src != nil {
			if err := src.Close(); err != nil {
				w.logger.Warn("Failed to close frame source", "error", err)
			}
		}
	})
	<-w.done
}

// SetDetection switches the detection stage. It returns false, changing
// nothing, when the worker is not running.
func (w *Worker) SetDetection(on bool) bool {
	if w.State() != Running {
		return false
	}
	w.detection.Store(on)
	return true
}

// SetExtraction switches the extraction stage. It returns false, changing
// nothing, when the worker is not running.
func (w *Worker) SetExtraction(on bool) bool {
	if w.State() != Running {
		return false
	}
	w.extraction.Store(on)
	return true
}

// LastFrame returns the most recently read frame, if any.
func (w *Worker) LastFrame() (frame.Frame, bool) {
	f := w.lastFrame.Load()
	if f == nil {
		return frame.Frame{}, false
	}
	return *f, true
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	s := Stats{
		FramesRead:        w.framesRead.Load(),
		Detections:        w.detections.Load(),
		ProcessingErrors:  w.processingErrors.Load(),
		LogEntries:        w.logEntries.Load(),
		PersistenceErrors: w.persistenceErrors.Load(),
	}
	if ns := w.lastFrameAt.Load(); ns != 0 {
		s.LastFrameAt = time.Unix(0, ns)
	}
	return s
}

func (w *Worker) run(ctx context.Context, uri string) {
	defer close(w.done)
	defer w.deps.Metrics.WorkerStopped()
	defer w.state.Store(int32(Stopped))

	src, err := w.deps.Opener.Open(ctx, uri)
	if err != nil {
		if w.stopping.Load() {
			return
		}
		var oe *frame.OpenError
		if !errors.As(err, &oe) {
			err = &frame.OpenError{URI: uri, Err: err}
		}
		w.fail("open", err)
		return
	}

	w.mu.Lock()
	if w.stopping.Load() {
		w.mu.Unlock()
		src.Close()
		return
	}
	w.src = src
	w.mu.Unlock()
	defer src.Close()

	w.logger.Info("Stream opened")

	for seq := int64(1); ; seq++ {
		f, err := src.Read()
		if w.stopping.Load() {
			w.logger.Debug("Stream worker stopped", "frames_read", w.framesRead.Load())
			return
		}
		if err != nil {
			var re *frame.ReadError
			if !errors.As(err, &re) {
				err = &frame.ReadError{Err: err}
			}
			w.fail("read", err)
			return
		}

		detectOn, extractOn := w.detection.Load(), w.extraction.Load()

		ts := f.Timestamp()
		if ts.IsZero() {
			ts = w.deps.Now()
		}
		f = f.WithMeta(seq, ts)

		w.handleFrame(f, detectOn, extractOn)
	}
}

// fail publishes the single terminal error event of this worker. The state
// is Stopped by the time the event is out.
func (w *Worker) fail(kind string, err error) {
	w.state.Store(int32(Stopped))
	w.deps.Metrics.StreamError(w.camera, kind)
	w.logger.Error("Stream worker failed", "stage", kind, "error", err)
	w.publish(Event{Kind: KindError, Time: w.deps.Now(), Err: err, Terminal: true})
}

func (w *Worker) publish(e Event) {
	e.Camera = w.camera
	e.WorkerID = w.id
	w.deps.Publisher.Publish(e)
}

func (w *Worker) handleFrame(f frame.Frame, detectOn, extractOn bool) {
	w.framesRead.Add(1)
	w.lastFrameAt.Store(f.Timestamp().UnixNano())
	w.lastFrame.Store(&f)
	w.deps.Metrics.FrameRead(w.camera)

	w.publish(Event{Kind: KindFrame, Seq: f.Seq(), Time: f.Timestamp(), Frame: f})

	if !detectOn || w.deps.Engine == nil {
		return
	}

	var dets []detect.Detection
	err := guard(func() (err error) {
		dets, err = w.deps.Engine.Detect(f)
		return err
	})
	if err != nil {
		w.processingFailed(&ProcessingError{Stage: "detect", Seq: f.Seq(), Err: err})
		return
	}

	for _, d := range dets {
		w.detections.Add(1)
		w.deps.Metrics.Detection(w.camera, d.Label)

		region, err := f.Crop(d.Box)
		if err != nil {
			w.processingFailed(&ProcessingError{Stage: "crop", Seq: f.Seq(), Err: err})
			continue
		}

		ev := Event{
			Kind:      KindDetection,
			Seq:       f.Seq(),
			Time:      f.Timestamp(),
			Frame:     f,
			Region:    region,
			Detection: d,
		}
		if extractOn && w.deps.Extractor != nil {
			w.extract(&ev)
		}
		w.publish(ev)
	}
}

// extract runs OCR on the event's region, classifies the text and hands
// non-empty readings to the recorder.
func (w *Worker) extract(ev *Event) {
	var text string
	err := guard(func() (err error) {
		text, err = w.deps.Extractor.Extract(ev.Region)
		return err
	})
	if err != nil {
		w.processingFailed(&ProcessingError{Stage: "extract", Seq: ev.Seq, Err: err})
		return
	}

	reading := container.Classify(ev.Detection.Label, text)
	ev.Extracted = true
	ev.Text = text
	ev.Value = reading.Value
	ev.Valid = reading.Valid

	if reading.Value == "" || w.recorder == nil {
		return
	}

	logged, err := w.recorder.Record(detlog.Finding{
		Camera:    w.camera,
		Time:      ev.Time,
		Frame:     ev.Frame,
		Region:    ev.Region,
		Detection: ev.Detection,
		Value:     reading.Value,
		Valid:     reading.Valid,
	})
	if err != nil {
		w.persistenceErrors.Add(1)
		w.logger.Error("Failed to persist detection",
			"label", ev.Detection.Label,
			"value", reading.Value,
			"error", err)
		w.publish(Event{Kind: KindError, Seq: ev.Seq, Time: w.deps.Now(), Err: err})
		return
	}
	if logged {
		w.logEntries.Add(1)
		w.deps.Metrics.LogEntry(w.camera, ev.Detection.Label, reading.Valid)
		w.logger.Info("Container code logged",
			"label", ev.Detection.Label,
			"value", reading.Value,
			"valid", reading.Valid,
			"frame_seq", ev.Seq)
	}
}

func (w *Worker) processingFailed(err *ProcessingError) {
	w.processingErrors.Add(1)
	w.deps.Metrics.ProcessingError(w.camera, err.Stage)
	w.logger.Warn("Frame processing failed", "stage", err.Stage, "frame_seq", err.Seq, "error", err.Err)
	w.publish(Event{Kind: KindError, Seq: err.Seq, Time: w.deps.Now(), Err: err})
}

// guard runs fn, turning a panic in native detection or OCR code into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
