// Package training exports detections as images for retraining the
// detection model: valid readings as YOLO-annotated samples, invalid ones
// as region crops for manual labelling.
package training

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/clalos/container-reader/internal/cv"
	"github.com/clalos/container-reader/internal/detect"
	"github.com/clalos/container-reader/internal/detlog"
)

const (
	// ValidDir holds annotated samples of valid readings.
	ValidDir = "valid_samples"
	// InvalidDir holds region crops of invalid readings.
	InvalidDir = "train"

	// MaxInvalidSide is the longest side invalid crops are scaled to.
	MaxInvalidSide = 800
	sampleQuality  = 100
)

// Exporter writes training images below a root directory.
type Exporter struct {
	root string
}

// NewExporter creates root/valid_samples and root/train.
func NewExporter(root string) (*Exporter, error) {
	for _, dir := range []string{ValidDir, InvalidDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create training directory: %w", err)
		}
	}
	return &Exporter{root: root}, nil
}

// Annotation is a YOLO label line: class and box normalized to the image.
func Annotation(class detect.Class, box image.Rectangle, w, h int) string {
	xc := float64(box.Min.X+box.Max.X) / (2 * float64(w))
	yc := float64(box.Min.Y+box.Max.Y) / (2 * float64(h))
	bw := float64(box.Dx()) / float64(w)
	bh := float64(box.Dy()) / float64(h)
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f\n", class, xc, yc, bw, bh)
}

// uniqueBase returns dir/name, adding _1, _2, ... while a file with any of
// exts exists.
func uniqueBase(dir, name string, exts ...string) string {
	base := filepath.Join(dir, name)
	for i := 1; ; i++ {
		free := true
		for _, ext := range exts {
			if _, err := os.Stat(base + ext); err == nil {
				free = false
				break
			}
		}
		if free {
			return base
		}
		base = filepath.Join(dir, fmt.Sprintf("%s_%d", name, i))
	}
}

func stamp(f detlog.Finding) string {
	return f.Time.Format(detlog.TimestampLayout)
}

// SaveSample writes the full frame as <label>_<ts>_<conf>.jpg and a YOLO
// .txt sidecar for the detection box.
func (e *Exporter) SaveSample(f detlog.Finding) ([]string, error) {
	dir := filepath.Join(e.root, ValidDir)
	name := fmt.Sprintf("%s_%s_%.2f", f.Detection.Label, stamp(f), f.Detection.Confidence)
	base := uniqueBase(dir, name, ".jpg", ".txt")

	img := base + ".jpg"
	if err := cv.WriteJPEG(img, f.Frame, sampleQuality); err != nil {
		return nil, err
	}

	ann := base + ".txt"
	line := Annotation(f.Detection.Class, f.Detection.Box, f.Frame.Width(), f.Frame.Height())
	if err := os.WriteFile(ann, []byte(line), 0o644); err != nil {
		return []string{img}, fmt.Errorf("failed to write annotation: %w", err)
	}
	return []string{img, ann}, nil
}

// InvalidSize scales w x h so the longer side becomes MaxInvalidSide.
func InvalidSize(w, h int) (int, int) {
	scale := float64(MaxInvalidSide) / float64(max(w, h))
	return max(1, int(math.Round(float64(w)*scale))), max(1, int(math.Round(float64(h)*scale)))
}

// SaveInvalid writes the region, scaled to MaxInvalidSide, as
// <label>_<ts>_<value>.jpg.
func (e *Exporter) SaveInvalid(f detlog.Finding) ([]string, error) {
	w, h := InvalidSize(f.Region.Width(), f.Region.Height())
	region, err := cv.Resize(f.Region, w, h)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(e.root, InvalidDir)
	name := fmt.Sprintf("%s_%s_%s", f.Detection.Label, stamp(f), sanitize(f.Value))
	img := uniqueBase(dir, name, ".jpg") + ".jpg"
	if err := cv.WriteJPEG(img, region, sampleQuality); err != nil {
		return nil, err
	}
	return []string{img}, nil
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return -1
		}
	}, s)
	if s == "" {
		return "empty"
	}
	return s
}

var _ detlog.EvidenceWriter = (*Exporter)(nil)
