package ocr

import (
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/clalos/container-reader/internal/cv"
)

func TestScaledSize(t *testing.T) {
	tests := []struct {
		name string
		w, h int
		want image.Point
	}{
		{name: "upscale small region", w: 200, h: 40, want: image.Pt(300, 60)},
		{name: "cap wide region", w: 4096, h: 256, want: image.Pt(2048, 128)},
		{name: "cap tall region", w: 100, h: 4096, want: image.Pt(50, 2048)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, scaledSize(tt.w, tt.h))
		})
	}
}

func TestValidPageSegMode(t *testing.T) {
	for _, psm := range []int{0, 1, 3, 6, 7} {
		require.True(t, ValidPageSegMode(psm), "psm %d", psm)
	}
	for _, psm := range []int{-1, 2, 4, 13} {
		require.False(t, ValidPageSegMode(psm), "psm %d", psm)
	}
}

func TestNewPoolValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "missing language", mutate: func(c *Config) { c.Language = "" }, wantErr: "language"},
		{name: "bad psm", mutate: func(c *Config) { c.PageSegMode = 13 }, wantErr: "page segmentation"},
		{name: "confidence too high", mutate: func(c *Config) { c.MinConfidence = 1.5 }, wantErr: "confidence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewPool(cfg, nil)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestPoolReadsRenderedCode(t *testing.T) {
	if testing.Short() {
		t.Skip("needs tesseract language data")
	}

	mat := gocv.NewMatWithSize(80, 520, gocv.MatTypeCV8UC3)
	defer mat.Close()
	mat.SetTo(gocv.NewScalar(255, 255, 255, 0))
	gocv.PutText(&mat, "CSQU3054383", image.Pt(10, 58), gocv.FontHersheySimplex, 1.6, color.RGBA{0, 0, 0, 0}, 3)

	f, err := cv.FromMat(mat, time.Now())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Size = 1
	cfg.MinConfidence = 0
	pool, err := NewPool(cfg, nil)
	require.NoError(t, err)
	defer pool.Close()

	text, err := pool.Extract(f)
	require.NoError(t, err)
	require.Contains(t, strings.ReplaceAll(text, " ", ""), "CSQU")
}
