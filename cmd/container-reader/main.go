// Command container-reader watches RTSP camera streams for shipping
// container codes. Each camera runs its own stream worker; detection (YOLO
// on OpenCV DNN) and text extraction (Tesseract) can be toggled per camera
// over the HTTP API. Findings are appended to a CSV log and optionally to
// SQLite, fanned out to WebSocket viewers and an MQTT broker.
//
// With -batch the same pipeline reads a directory of images once and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/clalos/container-reader/internal/batch"
	"github.com/clalos/container-reader/internal/config"
	"github.com/clalos/container-reader/internal/cv"
	"github.com/clalos/container-reader/internal/detect"
	"github.com/clalos/container-reader/internal/detlog"
	"github.com/clalos/container-reader/internal/emitter"
	"github.com/clalos/container-reader/internal/frame"
	"github.com/clalos/container-reader/internal/metrics"
	"github.com/clalos/container-reader/internal/ocr"
	"github.com/clalos/container-reader/internal/ratelimit"
	"github.com/clalos/container-reader/internal/server"
	"github.com/clalos/container-reader/internal/session"
	"github.com/clalos/container-reader/internal/stream"
	"github.com/clalos/container-reader/internal/training"
)

const (
	liveInterval = 200 * time.Millisecond
	liveQuality  = 80
)

// parseLevel maps a -log-level value to a slog level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger configures structured logging based on the specified format.
func setupLogger(w io.Writer, format, level string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "kv":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Starting container reader", cfg.LogAttrs()...)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Container reader failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Container reader stopped")
}

// pipeline holds the components shared by stream and batch mode.
type pipeline struct {
	store    detlog.Store
	lister   detlog.Lister
	limiter  *ratelimit.Limiter
	evidence *training.Exporter
	engine   detect.Engine
	ocr      *ocr.Pool
	closers  []io.Closer
}

func (p *pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i].Close())
	}
	return errors.Join(errs...)
}

func newPipeline(cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	p := &pipeline{}

	csvLog, err := detlog.OpenCSV(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	p.store = csvLog
	p.lister = csvLog
	logger.Info("Detection log ready", "path", csvLog.Path())

	if cfg.SQLitePath != "" {
		db, err := detlog.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, db)
		p.store = detlog.MultiStore{csvLog, db}
		p.lister = db
		logger.Info("SQLite detection store ready", "path", cfg.SQLitePath)
	}
	p.limiter = ratelimit.New()

	if p.evidence, err = training.NewExporter(cfg.OutputDir); err != nil {
		_ = p.Close()
		return nil, err
	}

	yolo, err := cv.NewYOLOEngine(cfg.ModelPath, detect.Decoder{
		InputSize:     detect.DefaultDecoder().InputSize,
		ConfThreshold: cfg.ConfThreshold,
		NMSThreshold:  cfg.NMSThreshold,
	})
	if err != nil {
		logger.Warn("Detection model unavailable, detection disabled", "model", cfg.ModelPath, "error", err)
	} else {
		p.engine = yolo
		p.closers = append(p.closers, yolo)
	}

	ocrCfg := ocr.DefaultConfig()
	ocrCfg.Language = cfg.Language
	ocrCfg.PageSegMode = cfg.PageSegMode
	ocrCfg.MinConfidence = cfg.OCRConfidence
	ocrCfg.Size = cfg.OCRWorkers
	if p.ocr, err = ocr.NewPool(ocrCfg, logger); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to initialize OCR: %w", err)
	}
	p.closers = append(p.closers, p.ocr)

	return p, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	p, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn("Failed to release resources", "error", err)
		}
	}()

	proc := &batch.Processor{
		Engine:    p.engine,
		Extractor: p.ocr,
		Recorder:  detlog.NewRecorder(p.store, nil, p.evidence),
		Load:      cv.ReadImage,
		Logger:    logger,
	}
	if cfg.BatchDir != "" {
		return runBatch(ctx, cfg.BatchDir, proc, logger)
	}
	return serve(ctx, cfg, p, proc, logger)
}

func runBatch(ctx context.Context, dir string, proc *batch.Processor, logger *slog.Logger) error {
	paths, err := batch.ListImages(dir)
	if err != nil {
		return err
	}
	logger.Info("Processing images", "dir", dir, "count", len(paths))

	var failed, readings int
	_, err = proc.Run(ctx, paths, func(done, total int, r batch.Result) {
		if r.Err != nil {
			failed++
			logger.Warn("Image failed", "path", r.Path, "error", r.Err)
		}
		readings += len(r.Readings)
		logger.Info("Batch progress", "done", done, "total", total, "path", r.Path, "readings", len(r.Readings))
	})
	logger.Info("Batch finished", "images", len(paths), "failed", failed, "readings", readings)
	return err
}

func serve(ctx context.Context, cfg *config.Config, p *pipeline, proc *batch.Processor, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()
	bus := stream.NewBus()
	bus.OnDrop = m.EventDropped
	defer bus.Close()

	deps := stream.Deps{
		Opener:    cv.CaptureOpener{BufferSize: 1, Logger: logger},
		Engine:    p.engine,
		Extractor: p.ocr,
		Store:     p.store,
		Evidence:  p.evidence,
		Limiter:   p.limiter,
		Publisher: bus,
		Metrics:   m,
	}
	reg := session.NewRegistry(deps, logger)

	cameras, err := config.LoadCameras(cfg.CamerasFile)
	if err != nil {
		return err
	}
	for _, c := range cameras.List() {
		if err := reg.Add(c.Name, c.URL); err != nil {
			return err
		}
	}
	logger.Info("Cameras loaded", "file", cameras.Path(), "count", len(cameras.List()))

	hub := server.NewHub(logger)
	encode := func(f frame.Frame) ([]byte, error) {
		return cv.EncodeJPEG(f, liveQuality)
	}
	live := server.NewLiveView(encode, liveInterval, logger)

	var wg sync.WaitGroup
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				logger.Error("Component stopped", "component", name, "error", err)
			}
		}()
	}

	spawn("hub", func() error { hub.Run(ctx); return nil })
	spawn("hub-forward", func() error { return hub.Forward(ctx, bus) })
	spawn("live", func() error { return live.Run(ctx, bus) })
	spawn("stats", func() error { reg.ReportStats(ctx, cfg.StatsPeriod, 2*cfg.StatsPeriod); return nil })

	if cfg.Restart {
		sup := session.NewSupervisor(reg, bus, session.DefaultBackoff(), logger)
		spawn("supervisor", func() error { return sup.Run(ctx) })
	}

	if cfg.MQTTBroker != "" {
		mq := emitter.NewMQTT(emitter.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: "container-reader-" + uuid.NewString()[:8],
			Prefix:   cfg.MQTTPrefix,
		}, logger)
		if err := mq.Connect(ctx); err != nil {
			logger.Warn("MQTT unavailable, continuing without it", "broker", cfg.MQTTBroker, "error", err)
		} else {
			defer mq.Disconnect()
			spawn("mqtt", func() error { return mq.Run(ctx, bus) })
		}
	}

	if cfg.Autostart {
		autostart(reg, cameras.List(), cfg.Detect, cfg.Extract, logger)
	}

	srv := server.New(server.Options{
		Registry:  reg,
		Cameras:   cameras,
		Log:       p.lister,
		Batch:     proc,
		BatchRoot: cfg.BatchRoot,
		Bus:       bus,
		Metrics:   m,
		Hub:       hub,
		Live:      live,
		Encode:    encode,
		Logger:    logger,
	})
	err = srv.ListenAndServe(ctx, cfg.Listen)
	cancel()

	reg.StopAll()
	wg.Wait()
	return err
}

// autostart starts every camera with the requested stages switched on.
func autostart(reg *session.Registry, cameras []config.Camera, detection, extraction bool, logger *slog.Logger) {
	for _, c := range cameras {
		if err := reg.StartStream(c.Name); err != nil {
			logger.Error("Failed to start stream", "camera", c.Name, "error", err)
			continue
		}
		if err := reg.ToggleDetection(c.Name, detection); err != nil {
			logger.Warn("Failed to set detection", "camera", c.Name, "error", err)
		}
		if err := reg.ToggleExtraction(c.Name, extraction); err != nil {
			logger.Warn("Failed to set extraction", "camera", c.Name, "error", err)
		}
	}
}
