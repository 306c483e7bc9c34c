package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/drivefetch/internal/safety"
)

// EnvAPIKey is consulted when neither the flag nor the config file set a key.
const EnvAPIKey = "DRIVEFETCH_API_KEY"

// XDG lookups, swapped out in tests.
var (
	xdgDataFile   = xdg.DataFile
	xdgConfigDirs = func() []string { return append([]string{xdg.ConfigHome}, xdg.ConfigDirs...) }
)

// UI modes
const (
	UIModeAuto  = "auto"
	UIModeTUI   = "tui"
	UIModePlain = "plain"
)

// Config is the top-level configuration
type Config struct {
	APIKey        string         `yaml:"api_key"`
	ParallelLevel int            `yaml:"parallel_level"`
	Drive         DriveConfig    `yaml:"drive"`
	Download      DownloadConfig `yaml:"download"`
	History       HistoryConfig  `yaml:"history"`
	UI            UIConfig       `yaml:"ui"`
}

// DriveConfig holds settings for the metadata/content service
type DriveConfig struct {
	BaseURL             string   `yaml:"base_url"`
	Timeout             string   `yaml:"timeout"`
	MetadataConcurrency int      `yaml:"metadata_concurrency"`
	AcknowledgeAbuse    bool     `yaml:"acknowledge_abuse"`
	UnsupportedTypes    []string `yaml:"unsupported_types"`
}

// DownloadConfig holds transfer settings
type DownloadConfig struct {
	ChunkSize     string `yaml:"chunk_size"`
	RetryAttempts int    `yaml:"retry_attempts"`
	AtomicWrites  bool   `yaml:"atomic_writes"`
}

// HistoryConfig controls the run history database
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// UIConfig controls progress rendering
type UIConfig struct {
	Mode      string `yaml:"mode"`
	NameWidth int    `yaml:"name_width"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ParallelLevel: 1,
		Drive: DriveConfig{
			BaseURL:             "https://www.googleapis.com/drive/v3",
			Timeout:             "60s",
			MetadataConcurrency: 16,
			AcknowledgeAbuse:    true,
		},
		Download: DownloadConfig{
			ChunkSize:     "16MB",
			RetryAttempts: 3,
			AtomicWrites:  true,
		},
		History: HistoryConfig{
			Enabled: true,
		},
		UI: UIConfig{
			Mode:      UIModeAuto,
			NameWidth: 80,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"drivefetch.yaml",
	}

	for _, dir := range xdgConfigDirs() {
		searchPaths = append(searchPaths, filepath.Join(dir, "drivefetch", "drivefetch.yaml"))
	}
	searchPaths = append(searchPaths, "/etc/drivefetch/drivefetch.yaml")

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.ParallelLevel < 1 {
		return fmt.Errorf("parallel_level must be at least 1, got %d", c.ParallelLevel)
	}

	u, err := safety.ValidateHTTPURL(c.Drive.BaseURL)
	if err != nil {
		return fmt.Errorf("drive.base_url: %w", err)
	}
	if u.Scheme == "http" && !safety.IsLoopbackHost(u) {
		return fmt.Errorf("drive.base_url: plain http is only allowed for loopback hosts")
	}

	if _, err := c.DriveTimeout(); err != nil {
		return err
	}
	if _, err := c.ChunkBytes(); err != nil {
		return err
	}
	if c.Download.RetryAttempts < 0 {
		return fmt.Errorf("download.retry_attempts must not be negative")
	}

	switch strings.ToLower(c.UI.Mode) {
	case "", UIModeAuto, UIModeTUI, UIModePlain:
	default:
		return fmt.Errorf("ui.mode must be one of auto, tui, plain; got %q", c.UI.Mode)
	}
	return nil
}

// DriveTimeout parses drive.timeout.
func (c *Config) DriveTimeout() (time.Duration, error) {
	if c.Drive.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Drive.Timeout)
	if err != nil {
		return 0, fmt.Errorf("drive.timeout: %w", err)
	}
	return d, nil
}

// ChunkBytes parses download.chunk_size.
func (c *Config) ChunkBytes() (int64, error) {
	n, err := ParseSize(c.Download.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("download.chunk_size: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("download.chunk_size must be positive")
	}
	return n, nil
}

// ResolveAPIKey applies flag > environment > file precedence.
func (c *Config) ResolveAPIKey(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvAPIKey); env != "" {
		return env
	}
	return c.APIKey
}

// HistoryDBPath returns the configured history database path, defaulting to
// drivefetch/history.db under the XDG data directory.
func (c *Config) HistoryDBPath() (string, error) {
	if c.History.DBPath != "" {
		return c.History.DBPath, nil
	}
	path, err := xdgDataFile(filepath.Join("drivefetch", "history.db"))
	if err != nil {
		return "", fmt.Errorf("locating data directory: %w", err)
	}
	return path, nil
}
