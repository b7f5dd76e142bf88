package detect

import (
	"image"
	"math"
	"sort"
)

// Decoder turns raw YOLOv8 output into Detections in frame coordinates.
//
// The network output is laid out attribute-major, shape [1, 4+classes, N]:
// rows 0..3 are cx, cy, w, h in input pixels, the remaining rows are the
// per-class scores of each of the N candidates.
type Decoder struct {
	// InputSize is the square network input edge, usually 640.
	InputSize int
	// ConfThreshold drops candidates whose best class score is lower.
	ConfThreshold float64
	// NMSThreshold is the IoU above which a lower-scored box of the same
	// class is suppressed.
	NMSThreshold float64
}

// DefaultDecoder matches the stock YOLOv8 export used for container codes.
func DefaultDecoder() Decoder {
	return Decoder{InputSize: 640, ConfThreshold: 0.5, NMSThreshold: 0.45}
}

// Decode reads numAttrs*numCandidates floats from data and returns the
// surviving boxes scaled to a frameW x frameH frame.
func (d Decoder) Decode(data []float32, numAttrs, numCandidates, frameW, frameH int) []Detection {
	if numAttrs <= 4 || numCandidates <= 0 || len(data) < numAttrs*numCandidates {
		return nil
	}

	sx := float64(frameW) / float64(d.InputSize)
	sy := float64(frameH) / float64(d.InputSize)
	bounds := image.Rect(0, 0, frameW, frameH)

	at := func(attr, i int) float64 { return float64(data[attr*numCandidates+i]) }

	var out []Detection
	for i := 0; i < numCandidates; i++ {
		best, bestScore := -1, 0.0
		for c := 4; c < numAttrs; c++ {
			if s := at(c, i); s > bestScore {
				best, bestScore = c-4, s
			}
		}
		if best < 0 || bestScore < d.ConfThreshold {
			continue
		}

		cx, cy, w, h := at(0, i), at(1, i), at(2, i), at(3, i)
		box := image.Rect(
			int(math.Round((cx-w/2)*sx)),
			int(math.Round((cy-h/2)*sy)),
			int(math.Round((cx+w/2)*sx)),
			int(math.Round((cy+h/2)*sy)),
		).Intersect(bounds)
		if box.Empty() {
			continue
		}

		class := Class(best)
		out = append(out, Detection{
			Label:      class.Label(),
			Class:      class,
			Box:        box,
			Confidence: bestScore,
		})
	}

	return NMS(out, d.NMSThreshold)
}

// NMS performs per-class greedy non-maximum suppression. The result is
// ordered by descending confidence.
func NMS(dets []Detection, iouThreshold float64) []Detection {
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := sorted[:0:0]
	for _, cand := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.Class == cand.Class && IoU(k.Box, cand.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, cand)
		}
	}
	return kept
}

// IoU returns the intersection-over-union of two rectangles.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - ia
	if union <= 0 {
		return 0
	}
	return ia / union
}
