package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// API configuration
	API APIConfig `mapstructure:"api" json:"api"`

	// Authentication configuration
	Auth AuthConfig `mapstructure:"auth" json:"auth"`

	// Push channel behavior
	Push PushConfig `mapstructure:"push" json:"push"`

	// Targeted polling
	Poll PollConfig `mapstructure:"poll" json:"poll"`

	// Reconciliation sweep
	Sweep SweepConfig `mapstructure:"sweep" json:"sweep"`

	// Storage paths
	Storage StorageConfig `mapstructure:"storage" json:"storage"`

	// Logging
	Log LogConfig `mapstructure:"log" json:"log"`

	// Metrics endpoint
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
}

// APIConfig for platform communication.
type APIConfig struct {
	BaseURL    string        `mapstructure:"base_url" json:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`
	UserAgent  string        `mapstructure:"user_agent" json:"user_agent"`
}

// AuthConfig for session token handling.
type AuthConfig struct {
	// Token persistence
	TokenFile string `mapstructure:"token_file" json:"token_file"`

	// A token expiring within this window is treated as already expired.
	ExpiryMargin time.Duration `mapstructure:"expiry_margin" json:"expiry_margin"`
}

// PushConfig for the server-to-client event stream.
type PushConfig struct {
	Enabled     bool          `mapstructure:"enabled" json:"enabled"`
	Transport   string        `mapstructure:"transport" json:"transport"` // sse, websocket
	Path        string        `mapstructure:"path" json:"path"`
	BaseDelay   time.Duration `mapstructure:"base_delay" json:"base_delay"`
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
}

// PollConfig for per-resource polling.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

// SweepConfig for the periodic full refresh.
type SweepConfig struct {
	RefreshInterval  time.Duration `mapstructure:"refresh_interval" json:"refresh_interval"`
	AuthInterval     time.Duration `mapstructure:"auth_interval" json:"auth_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" json:"probe_timeout"`
	ProbeConcurrency int           `mapstructure:"probe_concurrency" json:"probe_concurrency"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir  string `mapstructure:"data_dir" json:"data_dir"` // Base directory for all data
	StateDir string `mapstructure:"state_dir" json:"state_dir"`
	Snapshot string `mapstructure:"snapshot" json:"snapshot"` // none, json, sqlite
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // text, json
	File   string `mapstructure:"file" json:"file"`     // Log file path (empty = stderr)
}

// MetricsConfig for the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" json:"addr"` // empty disables the listener
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".fleetwatch"

	return &Config{
		API: APIConfig{
			BaseURL:    "http://127.0.0.1:8080",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			UserAgent:  "fleetwatch/0.1",
		},
		Auth: AuthConfig{
			TokenFile:    filepath.Join(dataDir, "auth", "token.json"),
			ExpiryMargin: 5 * time.Minute,
		},
		Push: PushConfig{
			Enabled:     true,
			Transport:   "sse",
			Path:        "/api/events",
			BaseDelay:   time.Second,
			MaxAttempts: 5,
		},
		Poll: PollConfig{
			Interval: 5 * time.Second,
		},
		Sweep: SweepConfig{
			RefreshInterval:  2 * time.Minute,
			AuthInterval:     time.Minute,
			ProbeTimeout:     5 * time.Second,
			ProbeConcurrency: 4,
		},
		Storage: StorageConfig{
			DataDir:  dataDir,
			StateDir: filepath.Join(dataDir, "state"),
			Snapshot: "json",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.Auth.ExpiryMargin < 0 {
		return errors.New("auth.expiry_margin must not be negative")
	}

	if c.Push.BaseDelay <= 0 {
		return errors.New("push.base_delay must be positive")
	}

	if c.Push.MaxAttempts <= 0 {
		return errors.New("push.max_attempts must be positive")
	}

	validTransports := map[string]bool{"sse": true, "websocket": true}
	if !validTransports[c.Push.Transport] {
		return fmt.Errorf("invalid push transport: %s", c.Push.Transport)
	}

	if c.Poll.Interval <= 0 {
		return errors.New("poll.interval must be positive")
	}

	if c.Sweep.RefreshInterval <= 0 || c.Sweep.AuthInterval <= 0 {
		return errors.New("sweep intervals must be positive")
	}

	validSnapshots := map[string]bool{"none": true, "json": true, "sqlite": true}
	if !validSnapshots[c.Storage.Snapshot] {
		return fmt.Errorf("invalid snapshot store: %s", c.Storage.Snapshot)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.StateDir,
	}

	if c.Auth.TokenFile != "" {
		dirs = append(dirs, filepath.Dir(c.Auth.TokenFile))
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
