package ocr

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/clalos/container-reader/internal/cv"
	"github.com/clalos/container-reader/internal/frame"
)

const (
	upscale      = 1.5
	maxDimension = 2048
)

// scaledSize grows w x h by 1.5, shrinking the factor so neither side
// exceeds maxDimension.
func scaledSize(w, h int) image.Point {
	scale := upscale
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)

	if newW > maxDimension || newH > maxDimension {
		scale = math.Min(float64(maxDimension)/float64(w), float64(maxDimension)/float64(h))
		newW = int(float64(w) * scale)
		newH = int(float64(h) * scale)
	}
	return image.Point{X: newW, Y: newH}
}

// Preprocess turns a region into a high-contrast, upscaled gray PNG for
// Tesseract.
func Preprocess(f frame.Frame) ([]byte, error) {
	src, err := cv.ToMat(f)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	if f.Layout() == frame.Gray {
		src.CopyTo(&gray)
	} else {
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(gray, &resized, scaledSize(f.Width(), f.Height()), 0, 0, gocv.InterpolationLinear)

	thresholded := gocv.NewMat()
	defer thresholded.Close()
	gocv.AdaptiveThreshold(resized, &thresholded, 255, gocv.AdaptiveThresholdMean, gocv.ThresholdBinary, 11, 2)

	buf, err := gocv.IMEncode(gocv.PNGFileExt, thresholded)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}
