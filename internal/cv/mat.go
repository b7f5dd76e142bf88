// Package cv binds the frame, detection and image helpers to OpenCV through
// gocv: RTSP capture, the YOLO ONNX engine and JPEG encoding.
package cv

import (
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"

	"github.com/clalos/container-reader/internal/frame"
)

// ToMat copies f into a new Mat. The caller closes it.
func ToMat(f frame.Frame) (gocv.Mat, error) {
	if f.Empty() {
		return gocv.NewMat(), fmt.Errorf("empty frame")
	}

	mt := gocv.MatTypeCV8UC3
	if f.Layout() == frame.Gray {
		mt = gocv.MatTypeCV8UC1
	}

	wrapped, err := gocv.NewMatFromBytes(f.Height(), f.Width(), mt, f.Bytes())
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to create mat: %w", err)
	}
	defer wrapped.Close()

	// Detach from the Go slice.
	return wrapped.Clone(), nil
}

// FromMat copies mat into a Frame. 8-bit BGR, BGRA and single channel mats
// are supported.
func FromMat(mat gocv.Mat, ts time.Time) (frame.Frame, error) {
	if mat.Empty() {
		return frame.Frame{}, fmt.Errorf("empty mat")
	}

	src := mat
	switch mat.Channels() {
	case 1, 3:
	case 4:
		bgr := gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(mat, &bgr, gocv.ColorBGRAToBGR)
		src = bgr
	default:
		return frame.Frame{}, fmt.Errorf("unsupported channel count %d", mat.Channels())
	}

	if !src.IsContinuous() {
		cont := src.Clone()
		defer cont.Close()
		src = cont
	}

	layout := frame.BGR
	if src.Channels() == 1 {
		layout = frame.Gray
	}
	return frame.Adopt(src.ToBytes(), src.Cols(), src.Rows(), layout, ts)
}

// EncodeJPEG encodes f at the given quality (1-100).
func EncodeJPEG(f frame.Frame, quality int) ([]byte, error) {
	mat, err := ToMat(f)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}

// WriteJPEG writes f to path at the given quality.
func WriteJPEG(path string, f frame.Frame, quality int) error {
	mat, err := ToMat(f)
	if err != nil {
		return err
	}
	defer mat.Close()

	if !gocv.IMWriteWithParams(path, mat, []int{gocv.IMWriteJpegQuality, quality}) {
		return fmt.Errorf("failed to write image %s", path)
	}
	return nil
}

// ReadImage loads an image file as a BGR frame.
func ReadImage(path string) (frame.Frame, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	defer mat.Close()
	if mat.Empty() {
		return frame.Frame{}, fmt.Errorf("failed to read image %s", path)
	}
	return FromMat(mat, time.Now())
}

// Resize scales f to w x h. Shrinking uses area interpolation, growing
// uses cubic.
func Resize(f frame.Frame, w, h int) (frame.Frame, error) {
	if w == f.Width() && h == f.Height() {
		return f, nil
	}

	mat, err := ToMat(f)
	if err != nil {
		return frame.Frame{}, err
	}
	defer mat.Close()

	interp := gocv.InterpolationCubic
	if w < f.Width() {
		interp = gocv.InterpolationArea
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(mat, &resized, image.Pt(w, h), 0, 0, interp)
	return FromMat(resized, f.Timestamp())
}
