package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration loaded from <home>/config.yaml.
// A missing file yields the defaults; a malformed file is an error.
type Config struct {
	Server struct {
		Addr   string `yaml:"addr"`
		APIKey string `yaml:"api_key"`
	} `yaml:"server"`
	Store struct {
		Driver string `yaml:"driver"` // "sqlite" (default) or "postgres"
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Confidence struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"confidence"`
}

// DefaultAddr is the default listen address for the daemon.
const DefaultAddr = "127.0.0.1:7030"

// Load reads config.yaml from the orbit home, applying defaults for any
// missing values. Environment variables ORBIT_API_KEY and
// ORBIT_CONFIDENCE_API_KEY override the file so secrets can stay out of it.
func Load(home string) (Config, error) {
	var c Config
	path := filepath.Join(home, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults only
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if env := os.Getenv("ORBIT_API_KEY"); env != "" {
		c.Server.APIKey = env
	}
	if env := os.Getenv("ORBIT_CONFIDENCE_API_KEY"); env != "" {
		c.Confidence.APIKey = env
	}
	return c, nil
}

// ConfidenceTimeout returns the configured provider timeout, or 0 to let the
// client apply its own default.
func (c Config) ConfidenceTimeout() time.Duration {
	if c.Confidence.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Confidence.TimeoutSeconds) * time.Second
}
