// Package detect holds the detection types and the model-independent parts of
// YOLO post-processing: output decoding and non-maximum suppression.
package detect

import (
	"fmt"
	"image"

	"github.com/clalos/container-reader/internal/frame"
)

// Class is a model class index.
type Class int

const (
	// ClassContainerNumber is the 11-character owner/serial/check-digit code.
	ClassContainerNumber Class = 0
	// ClassISOType is the 4-character ISO 6346 size and type code.
	ClassISOType Class = 1
)

// Label returns the class name used in the detection log and event stream.
func (c Class) Label() string {
	switch c {
	case ClassContainerNumber:
		return "cn-11"
	case ClassISOType:
		return "iso-type"
	default:
		return fmt.Sprintf("class-%d", int(c))
	}
}

// Detection is one labelled region found in a frame.
type Detection struct {
	Label      string          `json:"label"`
	Class      Class           `json:"class"`
	Box        image.Rectangle `json:"box"`
	Confidence float64         `json:"confidence"`
}

// Engine finds regions in a frame. Implementations need not be safe for
// concurrent use; each stream worker owns its engine calls.
type Engine interface {
	Detect(f frame.Frame) ([]Detection, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(f frame.Frame) ([]Detection, error)

// Detect calls fn(f).
func (fn EngineFunc) Detect(f frame.Frame) ([]Detection, error) { return fn(f) }
