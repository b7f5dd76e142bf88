package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clalos/container-reader/internal/batch"
	"github.com/clalos/container-reader/internal/config"
	"github.com/clalos/container-reader/internal/detlog"
	"github.com/clalos/container-reader/internal/frame"
	"github.com/clalos/container-reader/internal/session"
	"github.com/clalos/container-reader/internal/stream"
)

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name   string
		format string
		level  string
		json   bool
	}{
		{name: "json logger", format: "json", level: "info", json: true},
		{name: "kv logger", format: "kv", level: "debug"},
		{name: "default to json", format: "invalid", level: "warn", json: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := setupLogger(&buf, tt.format, tt.level)
			require.NotNil(t, logger)

			logger.Error("stream failed", "camera", "Gate1")
			require.Equal(t, tt.json, json.Valid(bytes.TrimSpace(buf.Bytes())), buf.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, parseLevel("warn"))
	require.Equal(t, slog.LevelError, parseLevel("error"))
	require.Equal(t, slog.LevelInfo, parseLevel("info"))
	require.Equal(t, slog.LevelInfo, parseLevel(""))

	logger := setupLogger(io.Discard, "kv", "warn")
	require.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
}

type textExtractor string

func (s textExtractor) Extract(frame.Frame) (string, error) { return string(s), nil }

func TestRunBatch(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.jpg", "b.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	out := t.TempDir()
	csvLog, err := detlog.OpenCSV(out)
	require.NoError(t, err)

	proc := &batch.Processor{
		Extractor: textExtractor("TGHU 123456 7"),
		Recorder:  detlog.NewRecorder(csvLog, nil, nil),
		Load: func(string) (frame.Frame, error) {
			return frame.New(make([]byte, 4*4*3), 4, 4, frame.BGR, time.Time{})
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	require.NoError(t, runBatch(context.Background(), dir, proc, proc.Logger))

	entries, err := csvLog.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "TGHU1234567", entries[0].Value)
	require.True(t, entries[0].Valid)

	require.Error(t, runBatch(context.Background(), filepath.Join(dir, "missing"), proc, proc.Logger))
}

// idleSource blocks in Read until closed.
type idleSource struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *idleSource) Read() (frame.Frame, error) {
	<-s.closed
	return frame.Frame{}, frame.ErrClosed
}

func (s *idleSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func newIdleRegistry(t *testing.T) *session.Registry {
	t.Helper()
	bus := stream.NewBus()
	t.Cleanup(bus.Close)
	opener := frame.OpenerFunc(func(context.Context, string) (frame.Source, error) {
		return &idleSource{closed: make(chan struct{})}, nil
	})
	reg := session.NewRegistry(stream.Deps{Opener: opener, Publisher: bus}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(reg.StopAll)
	return reg
}

func TestAutostartSkipsUnknownCamera(t *testing.T) {
	reg := newIdleRegistry(t)
	require.NoError(t, reg.Add("Gate1", "rtsp://10.0.0.1/stream"))

	autostart(reg, []config.Camera{
		{Name: "Gate1", URL: "rtsp://10.0.0.1/stream"},
		{Name: "Ghost", URL: "rtsp://10.0.0.9/stream"},
	}, true, false, slog.New(slog.NewTextHandler(io.Discard, nil)))

	st, err := reg.Status("Gate1")
	require.NoError(t, err)
	require.True(t, st.Active)
	require.True(t, st.Detection)
	require.False(t, st.Extraction)
}
