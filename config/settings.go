package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Settings represents the application configuration persisted to disk.
type Settings struct {
	Server    ServerSettings    `json:"server"`
	Cache     CacheSettings     `json:"cache"`
	Streaming StreamingSettings `json:"streaming"`
	Downloads DownloadSettings  `json:"downloads"`
	Log       LogConfig         `json:"log"`
}

type ServerSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type CacheSettings struct {
	Directory string `json:"directory"`
}

// StreamingSettings controls HLS synthesis from DASH manifests.
type StreamingSettings struct {
	// MaxVideoBandwidth excludes video representations at or above this
	// bitrate (bits/sec) from synthesized master playlists. Policy cap,
	// not a protocol limit.
	MaxVideoBandwidth int `json:"maxVideoBandwidth"`
	// FetchAttempts bounds manifest fetch retries.
	FetchAttempts int `json:"fetchAttempts"`
}

// DownloadSettings controls the episode download pipeline.
type DownloadSettings struct {
	Directory     string `json:"directory"`
	MaxConcurrent int    `json:"maxConcurrent"`
}

// LogConfig represents logging configuration (lumberjack-compatible fields).
type LogConfig struct {
	File       string `json:"file"`
	Level      string `json:"level"`
	MaxSize    int    `json:"maxSize"`
	MaxAge     int    `json:"maxAge"`
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

func DefaultSettings() Settings {
	return Settings{
		Server: ServerSettings{
			Host: "0.0.0.0",
			Port: 7879,
		},
		Cache: CacheSettings{
			Directory: "cache",
		},
		Streaming: StreamingSettings{
			MaxVideoBandwidth: 14_000_000,
			FetchAttempts:     3,
		},
		Downloads: DownloadSettings{
			Directory:     filepath.Join("cache", "downloads"),
			MaxConcurrent: 3,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    25,
			MaxAge:     14,
			MaxBackups: 3,
		},
	}
}

// Manager loads and persists settings to a JSON file.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// EnsureDir ensures parent directory exists.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads settings.json from disk or creates defaults if missing.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		defaults := DefaultSettings()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	s := DefaultSettings()
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return Settings{}, err
	}

	// Backfill values older settings files predate.
	if s.Streaming.MaxVideoBandwidth <= 0 {
		s.Streaming.MaxVideoBandwidth = 14_000_000
	}
	if s.Streaming.FetchAttempts <= 0 {
		s.Streaming.FetchAttempts = 3
	}
	if s.Downloads.Directory == "" {
		s.Downloads.Directory = filepath.Join(s.Cache.Directory, "downloads")
	}
	if s.Downloads.MaxConcurrent <= 0 {
		s.Downloads.MaxConcurrent = 3
	}

	return s, nil
}

// Save writes the provided settings to disk atomically.
func (m *Manager) Save(s Settings) error {
	if m.path == "" {
		return errors.New("config path not set")
	}
	if err := m.EnsureDir(); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.path)
}
