// Package server exposes the camera sessions over HTTP: a JSON control API,
// a WebSocket event feed, MJPEG live views and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/clalos/container-reader/internal/batch"
	"github.com/clalos/container-reader/internal/config"
	"github.com/clalos/container-reader/internal/detlog"
	"github.com/clalos/container-reader/internal/metrics"
	"github.com/clalos/container-reader/internal/session"
	"github.com/clalos/container-reader/internal/stream"
)

const defaultRecent = 50

var errOutsideRoot = errors.New("path is outside the batch root")

// Options wires a Server. Registry is required; a nil Cameras, Log, Batch,
// Hub, Live, Encode or Metrics disables the matching endpoints. POST /batch
// also needs BatchRoot and only reads images below it.
type Options struct {
	Registry  *session.Registry
	Cameras   *config.CameraStore
	Log       detlog.Lister
	Batch     *batch.Processor
	BatchRoot string
	Bus       *stream.Bus
	Metrics   *metrics.Metrics
	Hub       *Hub
	Live      *LiveView
	Encode    Encoder
	Logger    *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	opts   Options
	logger *slog.Logger
}

// New creates a server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{opts: opts, logger: logger}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /cameras", s.listCameras)
	mux.HandleFunc("POST /cameras", s.addCamera)
	mux.HandleFunc("GET /cameras/{name}", s.cameraStatus)
	mux.HandleFunc("POST /cameras/{name}/start", s.startStream)
	mux.HandleFunc("POST /cameras/{name}/stop", s.stopStream)
	mux.HandleFunc("POST /cameras/{name}/detection", s.toggle(s.opts.Registry.ToggleDetection))
	mux.HandleFunc("POST /cameras/{name}/extraction", s.toggle(s.opts.Registry.ToggleExtraction))

	if s.opts.Encode != nil {
		mux.HandleFunc("GET /cameras/{name}/snapshot", s.snapshot)
	}
	if s.opts.Log != nil {
		mux.HandleFunc("GET /detections", s.recentDetections)
	}
	if s.opts.Batch != nil && s.opts.BatchRoot != "" {
		mux.HandleFunc("POST /batch", s.runBatch)
	}
	if s.opts.Bus != nil {
		mux.HandleFunc("GET /stats", s.busStats)
	}
	if s.opts.Hub != nil {
		mux.Handle("GET /ws", s.opts.Hub)
	}
	if s.opts.Live != nil {
		mux.Handle("GET /mjpeg/{name}", s.opts.Live)
	}
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
	return mux
}

// ListenAndServe serves addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnknownCamera):
		status = http.StatusNotFound
	case errors.Is(err, errOutsideRoot):
		status = http.StatusForbidden
	case errors.Is(err, session.ErrStreamActive),
		errors.Is(err, session.ErrCameraExists),
		errors.Is(err, config.ErrDuplicateCamera):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (s *Server) listCameras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Registry.List())
}

func (s *Server) addCamera(w http.ResponseWriter, r *http.Request) {
	var c config.Camera
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		badRequest(w, "invalid camera: "+err.Error())
		return
	}
	if c.Name == "" || c.URL == "" {
		badRequest(w, "name and rtsp_url are required")
		return
	}

	if s.opts.Cameras != nil {
		if err := s.opts.Cameras.Add(c); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if err := s.opts.Registry.Add(c.Name, c.URL); err != nil {
		s.writeError(w, err)
		return
	}

	st, err := s.opts.Registry.Status(c.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("Camera added", "camera", c.Name)
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) cameraStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Registry.Status(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.opts.Registry.Status(name); err != nil {
		s.writeError(w, err)
		return
	}
	f, ok := s.opts.Registry.LastFrame(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no frame yet"})
		return
	}
	buf, err := s.opts.Encode(f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf)
}

func (s *Server) startStream(w http.ResponseWriter, r *http.Request) {
	s.apply(w, r, s.opts.Registry.StartStream)
}

func (s *Server) stopStream(w http.ResponseWriter, r *http.Request) {
	s.apply(w, r, s.opts.Registry.StopStream)
}

// apply runs op on the path camera and answers with its status.
func (s *Server) apply(w http.ResponseWriter, r *http.Request, op func(name string) error) {
	name := r.PathValue("name")
	if err := op(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.cameraStatus(w, r)
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) toggle(op func(name string, on bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			badRequest(w, `body must be {"enabled": true|false}`)
			return
		}
		s.apply(w, r, func(name string) error { return op(name, *req.Enabled) })
	}
}

func (s *Server) recentDetections(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecent
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.opts.Log.Recent(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []detlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type batchRequest struct {
	Dir   string   `json:"dir"`
	Files []string `json:"files"`
}

type batchFile struct {
	batch.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) runBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid batch request: "+err.Error())
		return
	}

	var paths []string
	for _, file := range req.Files {
		p, err := s.resolve(file)
		if err != nil {
			s.batchError(w, err)
			return
		}
		paths = append(paths, p)
	}
	if req.Dir != "" {
		dir, err := s.resolve(req.Dir)
		if err != nil {
			s.batchError(w, err)
			return
		}
		listed, err := batch.ListImages(dir)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		paths = append(paths, listed...)
	}
	if len(paths) == 0 {
		badRequest(w, "no images to process")
		return
	}

	results, err := s.opts.Batch.Run(r.Context(), paths, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]batchFile, len(results))
	for i, res := range results {
		out[i] = batchFile{Result: res}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) batchError(w http.ResponseWriter, err error) {
	if errors.Is(err, errOutsideRoot) {
		s.writeError(w, err)
		return
	}
	badRequest(w, err.Error())
}

// resolve maps a requested batch path onto the batch root. Relative paths
// start at the root. Symlinks are followed before the containment check.
func (s *Server) resolve(p string) (string, error) {
	root, err := filepath.Abs(s.opts.BatchRoot)
	if err != nil {
		return "", err
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return "", err
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(p))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s does not exist", p)
		}
		return "", err
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errOutsideRoot, p)
	}
	return resolved, nil
}

func (s *Server) busStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Bus.Stats())
}
