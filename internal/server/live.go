package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hybridgroup/mjpeg"

	"github.com/clalos/container-reader/internal/frame"
	"github.com/clalos/container-reader/internal/stream"
)

const liveSubscriber = "live"

// Encoder turns a frame into JPEG bytes.
type Encoder func(f frame.Frame) ([]byte, error)

// LiveView keeps one MJPEG stream per camera, fed from frame events. Frames
// arriving faster than MinInterval are skipped.
type LiveView struct {
	encode      Encoder
	minInterval time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	streams map[string]*mjpeg.Stream
	last    map[string]time.Time
}

// NewLiveView encodes at most one frame per camera every minInterval.
func NewLiveView(encode Encoder, minInterval time.Duration, logger *slog.Logger) *LiveView {
	return &LiveView{
		encode:      encode,
		minInterval: minInterval,
		logger:      logger,
		streams:     make(map[string]*mjpeg.Stream),
		last:        make(map[string]time.Time),
	}
}

// Stream returns the camera's MJPEG stream, creating it on first use.
func (v *LiveView) Stream(camera string) *mjpeg.Stream {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.streams[camera]
	if !ok {
		s = mjpeg.NewStream()
		v.streams[camera] = s
	}
	return s
}

// due reports whether a frame of camera taken at ts should be shown.
func (v *LiveView) due(camera string, ts time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if last, ok := v.last[camera]; ok && ts.Sub(last) < v.minInterval {
		return false
	}
	v.last[camera] = ts
	return true
}

// Update pushes f to the camera's stream if it is due.
func (v *LiveView) Update(camera string, f frame.Frame) {
	if f.Empty() || !v.due(camera, f.Timestamp()) {
		return
	}
	buf, err := v.encode(f)
	if err != nil {
		v.logger.Warn("Failed to encode live frame", "camera", camera, "error", err)
		return
	}
	v.Stream(camera).UpdateJPEG(buf)
}

// Run feeds frame events from bus until ctx is done. The queue is short, so
// a slow encoder shows the newest frames.
func (v *LiveView) Run(ctx context.Context, bus *stream.Bus) error {
	events, err := bus.Subscribe(liveSubscriber, 4, stream.KindFrame)
	if err != nil {
		return err
	}
	defer bus.Unsubscribe(liveSubscriber)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			v.Update(ev.Camera, ev.Frame)
		}
	}
}

// ServeHTTP serves /mjpeg/{name}.
func (v *LiveView) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v.Stream(r.PathValue("name")).ServeHTTP(w, r)
}
