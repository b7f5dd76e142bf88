package container

import (
	"strings"

	"github.com/clalos/container-reader/internal/detect"
)

// Reading is the outcome of interpreting OCR text for one detected region.
type Reading struct {
	// Value is the cleaned-up text that goes into the detection log.
	Value string
	// Valid is true when Value passes the check for its label.
	Valid bool
}

// Classify interprets text read from a region labelled label.
//
// cn-11 regions are repaired for common OCR swaps and must carry a correct
// check digit. iso-type regions must contain a whitespace separated word that is a
// size/type code. For any other
// label a non-empty reading counts as valid.
func Classify(label, text string) Reading {
	norm := Normalize(text)
	if norm == "" {
		return Reading{}
	}

	switch label {
	case detect.ClassContainerNumber.Label():
		if found := Find(norm); len(found) > 0 {
			return Reading{Value: found[0], Valid: true}
		}
		if len(norm) == 11 {
			return Reading{Value: RepairNumber(norm)}
		}
		return Reading{Value: norm}

	case detect.ClassISOType.Label():
		for _, word := range strings.Fields(text) {
			if cand := Normalize(word); ValidTypeCode(cand) {
				return Reading{Value: cand, Valid: true}
			}
		}
		return Reading{Value: norm}

	default:
		return Reading{Value: norm, Valid: true}
	}
}
