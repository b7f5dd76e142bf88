package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrDuplicateCamera is returned when adding a camera name twice.
var ErrDuplicateCamera = errors.New("camera already configured")

// Camera is one configured RTSP source.
type Camera struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"rtsp_url" json:"rtsp_url"`
}

type cameraFile struct {
	Cameras []Camera `yaml:"cameras" json:"cameras"`
}

// CameraStore is the camera list file. JSON files are read as YAML and
// written back as JSON.
type CameraStore struct {
	path string

	mu      sync.Mutex
	cameras []Camera
}

// LoadCameras reads path. A missing file is an empty list.
func LoadCameras(path string) (*CameraStore, error) {
	s := &CameraStore{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read camera file: %w", err)
	}

	var f cameraFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse camera file: %w", err)
	}

	seen := make(map[string]bool)
	for i, c := range f.Cameras {
		if err := c.validate(); err != nil {
			return nil, fmt.Errorf("camera %d: %w", i, err)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateCamera, c.Name)
		}
		seen[c.Name] = true
	}
	s.cameras = f.Cameras
	return s, nil
}

func (c Camera) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rtsp_url is required")
	}
	return nil
}

// Path is the backing file.
func (s *CameraStore) Path() string { return s.path }

// List returns a copy of the cameras in file order.
func (s *CameraStore) List() []Camera {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Camera(nil), s.cameras...)
}

// Add appends c and saves the file.
func (s *CameraStore) Add(c Camera) error {
	if err := c.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.cameras {
		if existing.Name == c.Name {
			return fmt.Errorf("%w: %q", ErrDuplicateCamera, c.Name)
		}
	}

	next := append(append([]Camera(nil), s.cameras...), c)
	if err := s.save(next); err != nil {
		return err
	}
	s.cameras = next
	return nil
}

func (s *CameraStore) save(cameras []Camera) error {
	f := cameraFile{Cameras: cameras}

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(s.path), ".json") {
		data, err = json.MarshalIndent(f, "", "  ")
	} else {
		data, err = yaml.Marshal(f)
	}
	if err != nil {
		return fmt.Errorf("failed to encode camera file: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create camera file directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write camera file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace camera file: %w", err)
	}
	return nil
}
