package cv

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/clalos/container-reader/internal/detect"
	"github.com/clalos/container-reader/internal/frame"
)

// YOLOEngine runs a YOLOv8 ONNX model with the OpenCV DNN module. The net
// is shared, so calls are serialized.
type YOLOEngine struct {
	mu      sync.Mutex
	net     gocv.Net
	decoder detect.Decoder
}

// NewYOLOEngine loads the model at path. It fails if the model cannot be
// read.
func NewYOLOEngine(path string, decoder detect.Decoder) (*YOLOEngine, error) {
	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load detection model %s", path)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set DNN backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set DNN target: %w", err)
	}
	return &YOLOEngine{net: net, decoder: decoder}, nil
}

// Detect implements detect.Engine.
func (e *YOLOEngine) Detect(f frame.Frame) ([]detect.Detection, error) {
	mat, err := ToMat(f)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	input := mat
	if f.Layout() == frame.Gray {
		bgr := gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(mat, &bgr, gocv.ColorGrayToBGR)
		input = bgr
	}

	size := e.decoder.InputSize
	blob := gocv.BlobFromImage(input, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	e.mu.Lock()
	e.net.SetInput(blob, "")
	output := e.net.Forward("")
	e.mu.Unlock()
	defer output.Close()

	// [1, 4+classes, candidates]
	dims := output.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected model output shape %v", dims)
	}
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read model output: %w", err)
	}

	return e.decoder.Decode(data, dims[1], dims[2], f.Width(), f.Height()), nil
}

// Close releases the net.
func (e *YOLOEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.net.Close()
}
