// Package ocr extracts text from detected regions with Tesseract.
package ocr

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/clalos/container-reader/internal/frame"
)

// ContainerWhitelist restricts recognition to the characters of container
// and type codes.
const ContainerWhitelist = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ValidPageSegModes are the Tesseract page segmentation modes that make
// sense for single container code regions.
var ValidPageSegModes = []int{0, 1, 3, 6, 7}

// Config configures a Pool.
type Config struct {
	// Language is a Tesseract language list such as "eng" or "eng+deu".
	Language string
	// PageSegMode is a Tesseract PSM number, see ValidPageSegModes.
	PageSegMode int
	// Whitelist limits the recognized characters. Empty allows all.
	Whitelist string
	// MinConfidence in [0,1]: text whose mean word confidence is lower is
	// discarded. Text without word boxes is always kept.
	MinConfidence float64
	// Size is the number of Tesseract clients. Zero picks one from the CPU
	// count.
	Size int
}

// DefaultConfig reads single uniform blocks of container code characters.
func DefaultConfig() Config {
	return Config{
		Language:      "eng",
		PageSegMode:   int(gosseract.PSM_SINGLE_BLOCK),
		Whitelist:     ContainerWhitelist,
		MinConfidence: 0.5,
	}
}

// ValidPageSegMode reports whether psm is one of ValidPageSegModes.
func ValidPageSegMode(psm int) bool {
	for _, m := range ValidPageSegModes {
		if m == psm {
			return true
		}
	}
	return false
}

// Result is the outcome of reading one region.
type Result struct {
	Text       string
	Confidence float64
	Words      int
}

// Pool hands out Tesseract clients, one per concurrent caller. A
// gosseract client is not safe for concurrent use.
type Pool struct {
	cfg     Config
	clients chan *gosseract.Client
	all     []*gosseract.Client
	logger  *slog.Logger
}

// poolSize is 80% of the CPU count, between 2 and 8.
func poolSize() int {
	n := int(float64(runtime.NumCPU()) * 0.8)
	if n < 2 {
		n = 2
	}
	if n > 8 {
		n = 8
	}
	return n
}

func newClient(cfg Config) (*gosseract.Client, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(strings.Split(cfg.Language, "+")...); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PageSegMode(cfg.PageSegMode)); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if cfg.Whitelist != "" {
		if err := client.SetWhitelist(cfg.Whitelist); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set character whitelist: %w", err)
		}
	}
	return client, nil
}

// NewPool creates cfg.Size Tesseract clients.
func NewPool(cfg Config, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Language == "" {
		return nil, errors.New("OCR language is required")
	}
	if !ValidPageSegMode(cfg.PageSegMode) {
		return nil, fmt.Errorf("unsupported page segmentation mode %d", cfg.PageSegMode)
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("min confidence must be between 0 and 1, got %f", cfg.MinConfidence)
	}
	size := cfg.Size
	if size <= 0 {
		size = poolSize()
	}

	p := &Pool{
		cfg:     cfg,
		clients: make(chan *gosseract.Client, size),
		logger:  logger,
	}
	for i := 0; i < size; i++ {
		client, err := newClient(cfg)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("client %d: %w", i, err)
		}
		p.all = append(p.all, client)
		p.clients <- client
	}

	logger.Debug("Created OCR client pool",
		"size", size,
		"cpu_cores", runtime.NumCPU(),
		"language", cfg.Language,
		"psm", cfg.PageSegMode)
	return p, nil
}

// Read runs OCR on f. It blocks while every client is busy.
func (p *Pool) Read(f frame.Frame) (Result, error) {
	img, err := Preprocess(f)
	if err != nil {
		return Result{}, err
	}

	client := <-p.clients
	defer func() { p.clients <- client }()

	if err := client.SetImageFromBytes(img); err != nil {
		return Result{}, fmt.Errorf("failed to set OCR image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return Result{}, fmt.Errorf("failed to extract text: %w", err)
	}

	res := Result{Text: strings.TrimSpace(text)}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		p.logger.Debug("Failed to get bounding boxes", "error", err)
		return res, nil
	}
	var total float64
	for _, box := range boxes {
		if box.Confidence > 0 {
			total += box.Confidence
			res.Words++
		}
	}
	if res.Words > 0 {
		res.Confidence = total / float64(res.Words) / 100.0
	}
	return res, nil
}

// Extract returns the recognized text of f, or "" when its confidence is
// below the configured minimum.
func (p *Pool) Extract(f frame.Frame) (string, error) {
	res, err := p.Read(f)
	if err != nil {
		return "", err
	}
	if res.Words > 0 && res.Confidence < p.cfg.MinConfidence {
		p.logger.Debug("OCR text below confidence threshold",
			"text", res.Text,
			"confidence", res.Confidence,
			"min_confidence", p.cfg.MinConfidence)
		return "", nil
	}
	return res.Text, nil
}

// Close releases all clients.
func (p *Pool) Close() error {
	var errs []error
	for i, client := range p.all {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("client %d: %w", i, err))
		}
	}
	p.all = nil
	return errors.Join(errs...)
}
