package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// DownloadConfig represents configuration for the manifest downloader
type DownloadConfig struct {
	DownloadDir  string `json:"downloadDir,omitempty"`
	OutputDir    string `json:"outputDir,omitempty"`
	Threads      int    `json:"threads,omitempty"`
	MaxRetry     int    `json:"maxRetry,omitempty"`
	KeepSegments bool   `json:"keepSegments,omitempty"`
	// SkipPattern drops segments whose URL contains it, for spliced-in adverts
	SkipPattern string `json:"skipPattern,omitempty"`
}

// Config represents the application configuration shared by the proxy,
// crawl and download commands
type Config struct {
	PageURL      string `json:"pageUrl"`
	Proxy        string `json:"proxy"`
	Episodes     int    `json:"episodes"`
	StartEpisode int    `json:"startEpisode,omitempty"`
	ChromePath   string `json:"chromePath,omitempty"`
	RemoteURL    string `json:"remoteUrl,omitempty"`
	Headless     bool   `json:"headless,omitempty"`
	// CookieFile receives the browser's cookies after the page loads and is
	// replayed by the downloader. Empty disables it.
	CookieFile string `json:"cookieFile,omitempty"`

	// CoordinationFile is written by the proxy and polled by the crawler.
	// Both ends must point at the same file.
	CoordinationFile string `json:"coordinationFile"`
	ManifestPattern  string `json:"manifestPattern"`
	PollAttempts     int    `json:"pollAttempts,omitempty"`
	PollInterval     int    `json:"pollInterval,omitempty"` // Interval in milliseconds

	Listen        string `json:"listen"`
	CertDir       string `json:"certDir,omitempty"`
	AntiDetection bool   `json:"antiDetection,omitempty"`
	DisableQRCode bool   `json:"disableQRCode,omitempty"`

	Download DownloadConfig `json:"download"`
}

const (
	DefaultProxy            = "127.0.0.1:8080"
	DefaultListen           = "127.0.0.1:8080"
	DefaultCoordinationFile = "m3u8_file.txt"
	DefaultManifestPattern  = "b.baobuzz.com/m3u8"
	DefaultPollAttempts     = 16
	DefaultPollInterval     = 3000
)

// defaults holds every default except Proxy, which is preset before decoding
// so that an explicit "" survives
func defaults() Config {
	return Config{
		StartEpisode:     1,
		CoordinationFile: DefaultCoordinationFile,
		ManifestPattern:  DefaultManifestPattern,
		PollAttempts:     DefaultPollAttempts,
		PollInterval:     DefaultPollInterval,
		Listen:           DefaultListen,
		CertDir:          ".",
		Download: DownloadConfig{
			DownloadDir: "./Download",
			OutputDir:   "./Complete",
			Threads:     16,
			MaxRetry:    5,
		},
	}
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := defaults()
	cfg.Proxy = DefaultProxy
	return &cfg
}

// PollEvery returns the wait loop interval as a duration
func (c *Config) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// LoadConfig loads configuration from a JSON5 file, merging `<name>.local.<ext>`
// over it when present. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config, err := readLayered(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("config file not found, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}

	// Validate and set defaults
	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// readLayered reads name and its local override. It returns os.ErrNotExist
// only when neither file exists.
func readLayered(name string) (Config, error) {
	// proxy is preset so that an explicit "" in the file means a direct connection
	out := Config{Proxy: DefaultProxy}
	found := false

	data, err := os.ReadFile(name)
	if err != nil && !os.IsNotExist(err) {
		return out, fmt.Errorf("error reading config file: %w", err)
	}
	if len(data) > 0 {
		if err := json5.Unmarshal(data, &out); err != nil {
			return out, fmt.Errorf("error parsing config file: %w", err)
		}
		found = true
	}

	localPath := localName(name)
	local, err := os.ReadFile(localPath)
	if err != nil && !os.IsNotExist(err) {
		return out, fmt.Errorf("error reading local config file: %w", err)
	}
	if len(local) > 0 {
		// Decoding over the base only replaces the keys the local file sets
		if err := json5.Unmarshal(local, &out); err != nil {
			return out, fmt.Errorf("error parsing local config file: %w", err)
		}
		slog.Info("merging config with local overrides", "local", localPath)
		found = true
	}

	if !found {
		return out, os.ErrNotExist
	}
	return out, nil
}

// localName turns dir/config.json5 into dir/config.local.json5
func localName(name string) string {
	dir := filepath.Dir(name)
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, prefix+".local"+ext)
}

// Validate validates configuration and sets defaults
func Validate(config *Config) error {
	if config.PollAttempts < 0 {
		return fmt.Errorf("pollAttempts must be at least 1")
	}
	if config.PollInterval < 0 {
		return fmt.Errorf("pollInterval must not be negative")
	}
	if config.Episodes < 0 {
		return fmt.Errorf("episodes must not be negative")
	}
	if config.StartEpisode < 0 {
		return fmt.Errorf("startEpisode must be at least 1")
	}
	if config.Download.Threads < 0 {
		return fmt.Errorf("download.threads must be at least 1")
	}
	if config.Download.MaxRetry < 0 {
		return fmt.Errorf("download.maxRetry must not be negative")
	}

	// Fill every zero field from the defaults
	if err := mergo.Merge(config, defaults()); err != nil {
		return fmt.Errorf("error applying config defaults: %w", err)
	}
	return nil
}

// ValidateCrawl checks the fields only the crawl command needs
func (c *Config) ValidateCrawl() error {
	if c.PageURL == "" {
		return fmt.Errorf("no page URL configured (pageUrl or --url)")
	}
	if c.Episodes < 1 {
		return fmt.Errorf("episodes must be at least 1")
	}
	if c.StartEpisode > c.Episodes {
		return fmt.Errorf("startEpisode %d is past the last episode %d", c.StartEpisode, c.Episodes)
	}
	return nil
}
