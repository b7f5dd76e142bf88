// Package config parses the command line and loads the camera list.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes the environment variables that provide flag defaults,
// e.g. CR_LISTEN for -listen.
const EnvPrefix = "CR_"

// Config holds the application configuration.
type Config struct {
	CamerasFile string
	OutputDir   string
	SQLitePath  string

	ModelPath     string
	ConfThreshold float64
	NMSThreshold  float64

	Language      string
	PageSegMode   int
	OCRConfidence float64
	OCRWorkers    int

	Listen      string
	MQTTBroker  string
	MQTTPrefix  string
	Autostart   bool
	Detect      bool
	Extract     bool
	Restart     bool
	BatchDir    string
	BatchRoot   string
	StatsPeriod time.Duration

	LogFormat string
	LogLevel  string
}

// envName maps a flag name to its environment variable.
func envName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnv sets every flag not given on the command line from its
// environment variable, if present.
func applyEnv(fs *flag.FlagSet) error {
	given := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { given[f.Name] = true })

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || given[f.Name] {
			return
		}
		if v, ok := os.LookupEnv(envName(f.Name)); ok {
			if setErr := fs.Set(f.Name, v); setErr != nil {
				err = fmt.Errorf("invalid value %q for %s: %w", v, envName(f.Name), setErr)
			}
		}
	})
	return err
}

// Parse parses args (without the program name). A .env file in the working
// directory is loaded first; it never overrides variables already set.
func Parse(args []string) (*Config, error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("container-reader", flag.ContinueOnError)
	cfg := &Config{}

	fs.StringVar(&cfg.CamerasFile, "cameras", "cameras.yaml", "Camera list file (YAML or JSON)")
	fs.StringVar(&cfg.OutputDir, "output", "output", "Directory for the detection log and training images")
	fs.StringVar(&cfg.SQLitePath, "sqlite", "", "Also mirror the detection log into this SQLite database")

	fs.StringVar(&cfg.ModelPath, "model", "models/best.onnx", "YOLO ONNX detection model")
	fs.Float64Var(&cfg.ConfThreshold, "conf", 0.5, "Minimum detection confidence")
	fs.Float64Var(&cfg.NMSThreshold, "nms", 0.45, "Non-maximum suppression IoU threshold")

	fs.StringVar(&cfg.Language, "lang", "eng", "Tesseract language codes (plus-separated)")
	fs.IntVar(&cfg.PageSegMode, "psm", 6, "Tesseract page segmentation mode (0, 1, 3, 6 or 7)")
	fs.Float64Var(&cfg.OCRConfidence, "ocr-confidence", 0.5, "Minimum OCR confidence to keep a reading")
	fs.IntVar(&cfg.OCRWorkers, "ocr-workers", 0, "Tesseract clients (0 picks from the CPU count)")

	fs.StringVar(&cfg.Listen, "listen", ":8080", "HTTP listen address, empty disables the server")
	fs.StringVar(&cfg.MQTTBroker, "mqtt", "", "MQTT broker host:port, empty disables publishing")
	fs.StringVar(&cfg.MQTTPrefix, "mqtt-prefix", "container-reader", "MQTT topic prefix")
	fs.BoolVar(&cfg.Autostart, "autostart", false, "Start every configured camera at launch")
	fs.BoolVar(&cfg.Detect, "detect", false, "Enable detection on autostarted cameras")
	fs.BoolVar(&cfg.Extract, "extract", false, "Enable extraction on autostarted cameras")
	fs.BoolVar(&cfg.Restart, "restart", false, "Restart streams that fail, with backoff")
	fs.StringVar(&cfg.BatchDir, "batch", "", "Process the images in this directory and exit")
	fs.StringVar(&cfg.BatchRoot, "batch-root", "", "Directory POST /batch may read images from, empty disables the endpoint")
	fs.DurationVar(&cfg.StatsPeriod, "stats-interval", 30*time.Second, "Stream statistics logging interval")

	fs.StringVar(&cfg.LogFormat, "logfmt", "json", "Log format: json or kv")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := applyEnv(fs); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.LogFormat != "json" && c.LogFormat != "kv" {
		return fmt.Errorf("logfmt must be 'json' or 'kv'")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be one of debug, info, warn, error")
	}
	if c.ConfThreshold < 0.0 || c.ConfThreshold > 1.0 {
		return fmt.Errorf("conf must be between 0.0 and 1.0")
	}
	if c.NMSThreshold < 0.0 || c.NMSThreshold > 1.0 {
		return fmt.Errorf("nms must be between 0.0 and 1.0")
	}
	if c.OCRConfidence < 0.0 || c.OCRConfidence > 1.0 {
		return fmt.Errorf("ocr-confidence must be between 0.0 and 1.0")
	}
	if c.OCRWorkers < 0 {
		return fmt.Errorf("ocr-workers must not be negative")
	}
	switch c.PageSegMode {
	case 0, 1, 3, 6, 7:
	default:
		return fmt.Errorf("psm must be one of 0, 1, 3, 6, 7")
	}
	if c.Language == "" {
		return fmt.Errorf("lang must not be empty")
	}
	if c.StatsPeriod <= 0 {
		return fmt.Errorf("stats-interval must be positive")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output must not be empty")
	}
	return nil
}

// LogAttrs lists the settings for the startup log line. The MQTT broker is
// reduced to whether it is set.
func (c *Config) LogAttrs() []any {
	return []any{
		"cameras", c.CamerasFile,
		"output", c.OutputDir,
		"sqlite", c.SQLitePath,
		"model", c.ModelPath,
		"conf", c.ConfThreshold,
		"language", c.Language,
		"psm", c.PageSegMode,
		"ocr_confidence", c.OCRConfidence,
		"listen", c.Listen,
		"mqtt", c.MQTTBroker != "",
		"autostart", c.Autostart,
		"restart", c.Restart,
		"batch", c.BatchDir,
		"batch_root", c.BatchRoot,
		"log_format", c.LogFormat,
		"log_level", c.LogLevel,
		"stats_interval", c.StatsPeriod,
	}
}
