package stream

import (
	"time"

	"github.com/clalos/container-reader/internal/detect"
	"github.com/clalos/container-reader/internal/frame"
)

// Kind identifies what an Event reports.
type Kind int

const (
	// KindFrame is published once per successfully read frame.
	KindFrame Kind = iota
	// KindDetection is published once per detected region, after the frame
	// event of the frame it was found in.
	KindDetection
	// KindError reports a failure. Terminal errors end the worker.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindDetection:
		return "detection"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is what a worker publishes. Which fields are set depends on Kind.
type Event struct {
	Kind     Kind
	Camera   string
	WorkerID string
	Seq      int64
	Time     time.Time

	// Frame is the full captured frame, set on frame events and, for
	// reference, on detection events.
	Frame frame.Frame

	// Region is the cropped detection, Detection its label and box.
	Region    frame.Frame
	Detection detect.Detection

	// Extracted is true when OCR ran on Region. Text is the raw OCR output,
	// Value and Valid the classified reading.
	Extracted bool
	Text      string
	Value     string
	Valid     bool

	// Err and Terminal are set on error events.
	Err      error
	Terminal bool
}

// Message is the transport-friendly summary of an Event, without pixels.
type Message struct {
	Kind       string    `json:"kind"`
	Camera     string    `json:"camera"`
	WorkerID   string    `json:"worker_id"`
	Seq        int64     `json:"seq,omitempty"`
	Time       time.Time `json:"time"`
	Label      string    `json:"label,omitempty"`
	Box        []int     `json:"box,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Text       string    `json:"text,omitempty"`
	Value      string    `json:"value,omitempty"`
	Valid      *bool     `json:"valid,omitempty"`
	Error      string    `json:"error,omitempty"`
	Terminal   bool      `json:"terminal,omitempty"`
}

// Message summarises e for the websocket and MQTT outputs.
func (e Event) Message() Message {
	m := Message{
		Kind:     e.Kind.String(),
		Camera:   e.Camera,
		WorkerID: e.WorkerID,
		Seq:      e.Seq,
		Time:     e.Time,
	}
	switch e.Kind {
	case KindDetection:
		b := e.Detection.Box
		m.Label = e.Detection.Label
		m.Box = []int{b.Min.X, b.Min.Y, b.Max.X, b.Max.Y}
		m.Confidence = e.Detection.Confidence
		if e.Extracted {
			valid := e.Valid
			m.Text = e.Text
			m.Value = e.Value
			m.Valid = &valid
		}
	case KindError:
		if e.Err != nil {
			m.Error = e.Err.Error()
		}
		m.Terminal = e.Terminal
	}
	return m
}
