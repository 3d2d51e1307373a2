// Package config loads relay server configuration from JSONC files and
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Duration is a time.Duration that unmarshals from JSON strings like "30m".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full relay configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Session   SessionConfig   `json:"session"`
	Retention RetentionConfig `json:"retention"`
	Log       LogConfig       `json:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port     int    `json:"port"`
	Hostname string `json:"hostname"`
	CORS     bool   `json:"cors"`
}

// SessionConfig configures session lifecycle policy.
type SessionConfig struct {
	IdleTimeout   Duration `json:"idleTimeout"`
	SweepInterval Duration `json:"sweepInterval"`
}

// RetentionConfig bounds channel ledger history.
type RetentionConfig struct {
	MaxEvents int      `json:"maxEvents"`
	MaxAge    Duration `json:"maxAge"`
	// Backend is "memory" (default) or "file".
	Backend string `json:"backend"`
	// Dir is where the file backend keeps ledgers.
	Dir string `json:"dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8484,
			Hostname: "127.0.0.1",
			CORS:     true,
		},
		Session: SessionConfig{
			IdleTimeout:   Duration(30 * time.Minute),
			SweepInterval: Duration(time.Minute),
		},
		Retention: RetentionConfig{
			MaxEvents: 1024,
			Backend:   "memory",
			Dir:       defaultLedgerDir(),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds configuration from (lowest to highest priority): defaults,
// relay.json / relay.jsonc in the working directory, the file named by
// $RELAY_CONFIG, and RELAY_* environment variables.
func Load(directory string) (*Config, error) {
	cfg := Default()

	if directory != "" {
		loadFile(filepath.Join(directory, "relay.json"), cfg)
		loadFile(filepath.Join(directory, "relay.jsonc"), cfg)
	}
	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		// Unlike the conventional files, an explicitly named config must exist.
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadFile overlays one config file onto cfg. Missing files are skipped.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data)

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate replaces {env:VAR} placeholders with environment values and
// {file:path} placeholders with the trimmed file contents (secrets mounted as
// files, typically). Unreadable files interpolate to empty.
func interpolate(data []byte) []byte {
	data = envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
	return filePattern.ReplaceAllFunc(data, func(match []byte) []byte {
		path := filePattern.FindSubmatch(match)[1]
		content, err := os.ReadFile(string(path))
		if err != nil {
			return nil
		}
		return []byte(strings.TrimSpace(string(content)))
	})
}

// applyEnvOverrides applies RELAY_* variables, which win over files.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RELAY_HOSTNAME"); v != "" {
		cfg.Server.Hostname = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RELAY_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.IdleTimeout = Duration(d)
		}
	}
	if v := os.Getenv("RELAY_RETENTION_MAX_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.MaxEvents = n
		}
	}
	if v := os.Getenv("RELAY_RETENTION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.MaxAge = Duration(d)
		}
	}
	if v := os.Getenv("RELAY_RETENTION_BACKEND"); v != "" {
		cfg.Retention.Backend = v
	}
	if v := os.Getenv("RELAY_RETENTION_DIR"); v != "" {
		cfg.Retention.Dir = v
	}
}

func defaultLedgerDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "relay", "ledger")
	}
	return filepath.Join(os.TempDir(), "relay-ledger")
}
