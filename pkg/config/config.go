// Package config loads the sync server's YAML configuration.
//
// A config file only needs the keys it changes; everything else keeps the
// value from Default. Paths may reference environment variables as
// ${NAME} or ${NAME:-fallback}.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Addr is the address the HTTP server listens on.
	Addr string `yaml:"addr"`

	// ProjectsDir holds one directory per project.
	ProjectsDir string `yaml:"projects_dir"`

	// RevisionsDatabase is the sqlite file holding asset revisions. Empty
	// disables revisions.
	RevisionsDatabase string `yaml:"revisions_database"`

	// EvictionGracePeriod is how long an unreferenced document stays
	// loaded. Default: 60s
	EvictionGracePeriod string `yaml:"eviction_grace_period"`

	// SaveDelay debounces writes of changed documents. Default: 60s
	SaveDelay string `yaml:"save_delay"`

	// PersistInterval flushes every pending save periodically. Default: 5m
	PersistInterval string `yaml:"persist_interval"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		Addr:                ":8080",
		ProjectsDir:         "projects",
		RevisionsDatabase:   "${SUPERPOWERS_DATA:-.}/revisions.sqlite3",
		EvictionGracePeriod: "60s",
		SaveDelay:           "60s",
		PersistInterval:     "5m",
		LogLevel:            "info",
	}
}

// LoadFile reads path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Expand()
	return cfg, nil
}

// Expand substitutes environment variables in the path settings.
func (c *Config) Expand() {
	c.ProjectsDir = expandVars(c.ProjectsDir)
	c.RevisionsDatabase = expandVars(c.RevisionsDatabase)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

func (c *Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, fmt.Errorf("addr is required"))
	}
	if c.ProjectsDir == "" {
		errs = append(errs, fmt.Errorf("projects_dir is required"))
	}
	for key, value := range map[string]string{
		"eviction_grace_period": c.EvictionGracePeriod,
		"save_delay":            c.SaveDelay,
		"persist_interval":      c.PersistInterval,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Durations returns the parsed grace period, save delay and persist
// interval. Call Validate first.
func (c *Config) Durations() (grace, saveDelay, persist time.Duration) {
	grace, _ = time.ParseDuration(c.EvictionGracePeriod)
	saveDelay, _ = time.ParseDuration(c.SaveDelay)
	persist, _ = time.ParseDuration(c.PersistInterval)
	return grace, saveDelay, persist
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	return level, nil
}
