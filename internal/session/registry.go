// Package session keeps the set of configured cameras and guarantees at most
// one live stream worker per camera.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clalos/container-reader/internal/frame"
	"github.com/clalos/container-reader/internal/ratelimit"
	"github.com/clalos/container-reader/internal/stream"
)

var (
	// ErrUnknownCamera is returned for a camera name that was never added.
	ErrUnknownCamera = errors.New("session: unknown camera")
	// ErrCameraExists is returned when adding a name twice.
	ErrCameraExists = errors.New("session: camera already exists")
	// ErrStreamActive is returned by StartStream while the camera's worker
	// is still running or stopping.
	ErrStreamActive = errors.New("session: stream already active")
)

// Status describes one camera and its current worker.
type Status struct {
	Name       string       `json:"name"`
	URL        string       `json:"url"`
	Active     bool         `json:"active"`
	State      string       `json:"state"`
	WorkerID   string       `json:"worker_id,omitempty"`
	Detection  bool         `json:"detection"`
	Extraction bool         `json:"extraction"`
	Stats      stream.Stats `json:"stats"`
}

type camera struct {
	name   string
	uri    string
	worker *stream.Worker
	// wanted is true between a successful StartStream and the next
	// StopStream. The restart supervisor only revives wanted streams.
	wanted bool
}

// Registry maps camera names to their stream worker.
type Registry struct {
	deps   stream.Deps
	logger *slog.Logger

	mu      sync.Mutex
	cameras map[string]*camera
}

// NewRegistry returns an empty registry. Every worker it starts is built
// from deps. When deps has a Store but no Limiter, one limiter is created
// here and shared by all cameras and restarts.
func NewRegistry(deps stream.Deps, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	deps.Logger = logger
	if deps.Store != nil && deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.WithClock(deps.Now))
	}
	return &Registry{
		deps:    deps,
		logger:  logger,
		cameras: make(map[string]*camera),
	}
}

// Add registers a camera.
func (r *Registry) Add(name, uri string) error {
	if name == "" || uri == "" {
		return fmt.Errorf("session: camera name and url are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cameras[name]; ok {
		return fmt.Errorf("%w: %q", ErrCameraExists, name)
	}
	r.cameras[name] = &camera{name: name, uri: uri}
	return nil
}

func (r *Registry) lookup(name string) (*camera, error) {
	c, ok := r.cameras[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCamera, name)
	}
	return c, nil
}

func live(w *stream.Worker) bool {
	if w == nil {
		return false
	}
	s := w.State()
	return s == stream.Running || s == stream.Stopping
}

// StartStream starts a new worker for name. It is rejected with
// ErrStreamActive while a previous worker is still live; a worker that ended
// on its own is replaced.
func (r *Registry) StartStream(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.lookup(name)
	if err != nil {
		return err
	}
	if live(c.worker) {
		return fmt.Errorf("%w: %q", ErrStreamActive, name)
	}

	w := stream.New(name, r.deps)
	if err := w.Start(c.uri); err != nil {
		return fmt.Errorf("start stream %q: %w", name, err)
	}
	c.worker = w
	c.wanted = true

	go r.reap(c, w)
	return nil
}

// reap forgets a worker once its loop has ended.
func (r *Registry) reap(c *camera, w *stream.Worker) {
	<-w.Done()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c.worker == w {
		c.worker = nil
		r.logger.Debug("Stream worker reaped", "camera", c.name, "worker_id", w.ID())
	}
}

// Restart starts a fresh worker for a wanted camera whose worker staleID
// has failed. It waits for the failed worker to exit first. It returns
// false without error when the camera is no longer wanted or was already
// restarted by someone else.
func (r *Registry) Restart(name, staleID string) (bool, error) {
	w, err := r.worker(name)
	if err != nil {
		return false, err
	}
	if w != nil {
		if w.ID() != staleID {
			return false, nil
		}
		<-w.Done()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.lookup(name)
	if err != nil {
		return false, err
	}
	if !c.wanted || (c.worker != nil && c.worker.ID() != staleID) {
		return false, nil
	}

	nw := stream.New(name, r.deps)
	if err := nw.Start(c.uri); err != nil {
		return false, fmt.Errorf("restart stream %q: %w", name, err)
	}
	c.worker = nw
	go r.reap(c, nw)
	return true, nil
}

// StopStream stops the camera's worker and waits for it to exit. Stopping a
// camera with no worker is a no-op.
func (r *Registry) StopStream(name string) error {
	r.mu.Lock()
	c, err := r.lookup(name)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	c.wanted = false
	w := c.worker
	r.mu.Unlock()

	if w == nil {
		return nil
	}
	w.Stop()

	r.mu.Lock()
	if c.worker == w {
		c.worker = nil
	}
	r.mu.Unlock()

	r.logger.Info("Stream stopped", "camera", name, "worker_id", w.ID())
	return nil
}

func (r *Registry) worker(name string) (*stream.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return c.worker, nil
}

// ToggleDetection switches detection for the camera's running worker.
// Without a running worker it does nothing.
func (r *Registry) ToggleDetection(name string, on bool) error {
	w, err := r.worker(name)
	if err != nil || w == nil {
		return err
	}
	if w.SetDetection(on) {
		r.logger.Info("Detection toggled", "camera", name, "active", on)
	}
	return nil
}

// ToggleExtraction switches extraction for the camera's running worker.
// Without a running worker it does nothing.
func (r *Registry) ToggleExtraction(name string, on bool) error {
	w, err := r.worker(name)
	if err != nil || w == nil {
		return err
	}
	if w.SetExtraction(on) {
		r.logger.Info("Extraction toggled", "camera", name, "active", on)
	}
	return nil
}

// Wanted reports whether name was started and not stopped since.
func (r *Registry) Wanted(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cameras[name]
	return ok && c.wanted
}

// LastFrame returns the latest frame of the camera's worker.
func (r *Registry) LastFrame(name string) (frame.Frame, bool) {
	w, err := r.worker(name)
	if err != nil || w == nil {
		return frame.Frame{}, false
	}
	return w.LastFrame()
}

func statusOf(c *camera) Status {
	s := Status{Name: c.name, URL: frame.Redact(c.uri), State: stream.Idle.String()}
	if w := c.worker; w != nil {
		s.Active = live(w)
		s.State = w.State().String()
		s.WorkerID = w.ID()
		s.Detection = w.Detection()
		s.Extraction = w.Extraction()
		s.Stats = w.Stats()
	}
	return s
}

// Status reports one camera.
func (r *Registry) Status(name string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.lookup(name)
	if err != nil {
		return Status{}, err
	}
	return statusOf(c), nil
}

// List reports every camera, sorted by name.
func (r *Registry) List() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.cameras))
	for _, c := range r.cameras {
		out = append(out, statusOf(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StopAll stops every worker concurrently and waits for all of them.
func (r *Registry) StopAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.cameras))
	for name := range r.cameras {
		names = append(names, name)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_ = r.StopStream(name)
		}(name)
	}
	wg.Wait()
}

// ReportStats logs the counters of every live worker each interval until
// ctx is done. Workers that have not delivered a frame for stallAfter are
// reported as stalled.
func (r *Registry) ReportStats(ctx context.Context, interval, stallAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Stats reporting stopped")
			return
		case <-ticker.C:
			for _, s := range r.List() {
				if !s.Active {
					continue
				}
				r.logger.Debug("Stream stats",
					"camera", s.Name,
					"worker_id", s.WorkerID,
					"frames_read", s.Stats.FramesRead,
					"detections", s.Stats.Detections,
					"processing_errors", s.Stats.ProcessingErrors,
					"log_entries", s.Stats.LogEntries,
					"persistence_errors", s.Stats.PersistenceErrors,
					"detection", s.Detection,
					"extraction", s.Extraction)

				if !s.Stats.LastFrameAt.IsZero() {
					if age := time.Since(s.Stats.LastFrameAt); age > stallAfter {
						r.logger.Warn("Stream may be stalled",
							"camera", s.Name,
							"last_frame_age", age,
							"threshold", stallAfter)
					}
				}
			}
		}
	}
}
