package cv

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/clalos/container-reader/internal/frame"
)

// CaptureOpener opens RTSP (or any OpenCV-readable) streams.
type CaptureOpener struct {
	// BufferSize is passed to the capture backend. 1 keeps latency low.
	BufferSize int
	Logger     *slog.Logger
}

// Open connects to uri. The blocking OpenCV open runs on its own goroutine
// so ctx can abandon it; a capture that opens after ctx is done is closed.
func (o CaptureOpener) Open(ctx context.Context, uri string) (frame.Source, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	type opened struct {
		capture *gocv.VideoCapture
		err     error
	}
	result := make(chan opened, 1)

	go func() {
		capture, err := gocv.OpenVideoCapture(uri)
		if err == nil && !capture.IsOpened() {
			capture.Close()
			err = errors.New("capture is not opened")
		}
		result <- opened{capture: capture, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-result; r.err == nil {
				r.capture.Close()
			}
		}()
		return nil, &frame.OpenError{URI: uri, Err: ctx.Err()}
	case r := <-result:
		if r.err != nil {
			return nil, &frame.OpenError{URI: uri, Err: r.err}
		}
		if o.BufferSize > 0 {
			r.capture.Set(gocv.VideoCaptureBufferSize, float64(o.BufferSize))
		}
		logger.Debug("Video capture opened",
			"url", frame.Redact(uri),
			"fps", r.capture.Get(gocv.VideoCaptureFPS),
			"width", r.capture.Get(gocv.VideoCaptureFrameWidth),
			"height", r.capture.Get(gocv.VideoCaptureFrameHeight))
		return newCaptureSource(r.capture), nil
	}
}

type readResult struct {
	frame frame.Frame
	err   error
}

// CaptureSource reads frames from a VideoCapture on a pump goroutine that
// owns the capture. Read returns as soon as Close is called even if the
// pump is still blocked inside OpenCV; the capture is released once the
// pump gets control back.
type CaptureSource struct {
	frames    chan readResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newCaptureSource(capture *gocv.VideoCapture) *CaptureSource {
	s := &CaptureSource{
		frames: make(chan readResult),
		closed: make(chan struct{}),
	}
	go s.pump(capture)
	return s
}

func (s *CaptureSource) pump(capture *gocv.VideoCapture) {
	defer capture.Close()

	img := gocv.NewMat()
	defer img.Close()

	for {
		var r readResult
		if ok := capture.Read(&img); !ok || img.Empty() {
			r.err = &frame.ReadError{Err: errors.New("capture returned no frame")}
		} else {
			r.frame, r.err = FromMat(img, time.Now())
			if r.err != nil {
				r.err = &frame.ReadError{Err: r.err}
			}
		}

		select {
		case s.frames <- r:
		case <-s.closed:
			return
		}
		if r.err != nil {
			return
		}
	}
}

// Read returns the next frame.
func (s *CaptureSource) Read() (frame.Frame, error) {
	select {
	case r := <-s.frames:
		return r.frame, r.err
	case <-s.closed:
		return frame.Frame{}, frame.ErrClosed
	}
}

// Close unblocks pending reads and releases the capture.
func (s *CaptureSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
