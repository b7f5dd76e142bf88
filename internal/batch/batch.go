// Package batch runs detection and OCR over still image files.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/clalos/container-reader/internal/container"
	"github.com/clalos/container-reader/internal/detect"
	"github.com/clalos/container-reader/internal/detlog"
	"github.com/clalos/container-reader/internal/frame"
	"github.com/clalos/container-reader/internal/stream"
)

// Camera is the camera name recorded for batch findings.
const Camera = "batch"

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// ListImages returns the image files directly inside dir, sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Reading is one classified text region of an image.
type Reading struct {
	Detection detect.Detection `json:"detection"`
	Text      string           `json:"text"`
	Value     string           `json:"value"`
	Valid     bool             `json:"valid"`
	Logged    bool             `json:"logged"`
}

// Result is the outcome for one file. A failed file carries Err and does
// not stop the batch.
type Result struct {
	Path     string    `json:"path"`
	Readings []Reading `json:"readings"`
	Err      error     `json:"-"`
}

// Progress is called after each file with the number of files done.
type Progress func(done, total int, r Result)

// Processor reads container codes from image files. Without an Engine the
// whole image is read and scanned for container numbers.
type Processor struct {
	Engine    detect.Engine
	Extractor stream.Extractor
	// Recorder persists every reading. Batch findings are not rate limited.
	Recorder *detlog.Recorder
	// Load reads an image file.
	Load   func(path string) (frame.Frame, error)
	Logger *slog.Logger
	Now    func() time.Time
}

// Run processes paths in order until done or ctx is cancelled. On
// cancellation it returns the results so far and ctx.Err().
func (p *Processor) Run(ctx context.Context, paths []string, progress Progress) ([]Result, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}

	if p.Extractor == nil || p.Load == nil {
		return nil, fmt.Errorf("batch: extractor and loader are required")
	}

	results := make([]Result, 0, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			logger.Info("Batch cancelled", "done", i, "total", len(paths))
			return results, err
		}

		r := p.processFile(path, now())
		if r.Err != nil {
			logger.Warn("Batch file failed", "path", path, "error", r.Err)
		} else {
			logger.Debug("Batch file processed", "path", path, "readings", len(r.Readings))
		}
		results = append(results, r)
		if progress != nil {
			progress(i+1, len(paths), r)
		}
	}
	return results, nil
}

func (p *Processor) processFile(path string, ts time.Time) Result {
	r := Result{Path: path}

	f, err := p.Load(path)
	if err != nil {
		r.Err = err
		return r
	}
	f = f.WithMeta(0, ts)

	if p.Engine == nil {
		r.Readings, r.Err = p.scanWhole(f)
		return r
	}

	dets, err := p.Engine.Detect(f)
	if err != nil {
		r.Err = fmt.Errorf("detect: %w", err)
		return r
	}

	for _, d := range dets {
		region, err := f.Crop(d.Box)
		if err != nil {
			continue
		}
		text, err := p.Extractor.Extract(region)
		if err != nil {
			r.Err = fmt.Errorf("extract: %w", err)
			return r
		}

		reading := container.Classify(d.Label, text)
		rd := Reading{Detection: d, Text: text, Value: reading.Value, Valid: reading.Valid}
		if rd.Logged, err = p.record(f, region, rd); err != nil {
			r.Err = err
			return r
		}
		r.Readings = append(r.Readings, rd)
	}
	return r
}

// scanWhole reads the whole image and keeps every container number found
// in the text.
func (p *Processor) scanWhole(f frame.Frame) ([]Reading, error) {
	text, err := p.Extractor.Extract(f)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	var readings []Reading
	for _, code := range container.Find(text) {
		rd := Reading{
			Detection: detect.Detection{
				Label: detect.ClassContainerNumber.Label(),
				Class: detect.ClassContainerNumber,
				Box:   f.Bounds(),
			},
			Text:  text,
			Value: code,
			Valid: container.ValidNumber(code),
		}
		if rd.Logged, err = p.record(f, f, rd); err != nil {
			return readings, err
		}
		readings = append(readings, rd)
	}
	return readings, nil
}

func (p *Processor) record(f, region frame.Frame, rd Reading) (bool, error) {
	if p.Recorder == nil || rd.Value == "" {
		return false, nil
	}
	return p.Recorder.Record(detlog.Finding{
		Camera:    Camera,
		Time:      f.Timestamp(),
		Frame:     f,
		Region:    region,
		Detection: rd.Detection,
		Value:     rd.Value,
		Valid:     rd.Valid,
	})
}
