package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// FLEETWATCH_API_BASE_URL overrides api.base_url.
const EnvPrefix = "FLEETWATCH"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	v          *viper.Viper
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{
		configPath: configPath,
		v:          v,
	}
}

// ConfigFile reports the file the last Load read, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	setDefaults(l.v, DefaultConfig())

	path := l.configPath
	if path == "" {
		for _, candidate := range l.defaultPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		l.v.SetConfigFile(expandHome(path))
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Auth.TokenFile = expandHome(cfg.Auth.TokenFile)
	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)
	cfg.Storage.StateDir = expandHome(cfg.Storage.StateDir)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	// Validate final config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"fleetwatch.yaml",
		".fleetwatch.yaml",
		"fleetwatch.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "fleetwatch", "config.yaml"),
			filepath.Join(homeDir, ".config", "fleetwatch", "config.json"),
			filepath.Join(homeDir, ".fleetwatch", "config.yaml"),
		)
	}

	return paths
}

// setDefaults registers every key so environment overrides resolve during
// Unmarshal; viper only consults the environment for keys it knows about.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.timeout", cfg.API.Timeout)
	v.SetDefault("api.max_retries", cfg.API.MaxRetries)
	v.SetDefault("api.user_agent", cfg.API.UserAgent)

	v.SetDefault("auth.token_file", cfg.Auth.TokenFile)
	v.SetDefault("auth.expiry_margin", cfg.Auth.ExpiryMargin)

	v.SetDefault("push.enabled", cfg.Push.Enabled)
	v.SetDefault("push.transport", cfg.Push.Transport)
	v.SetDefault("push.path", cfg.Push.Path)
	v.SetDefault("push.base_delay", cfg.Push.BaseDelay)
	v.SetDefault("push.max_attempts", cfg.Push.MaxAttempts)

	v.SetDefault("poll.interval", cfg.Poll.Interval)

	v.SetDefault("sweep.refresh_interval", cfg.Sweep.RefreshInterval)
	v.SetDefault("sweep.auth_interval", cfg.Sweep.AuthInterval)
	v.SetDefault("sweep.probe_timeout", cfg.Sweep.ProbeTimeout)
	v.SetDefault("sweep.probe_concurrency", cfg.Sweep.ProbeConcurrency)

	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.state_dir", cfg.Storage.StateDir)
	v.SetDefault("storage.snapshot", cfg.Storage.Snapshot)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
