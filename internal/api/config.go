// Package api serves channel diagnostics and run control over HTTP.
package api

import (
	"time"

	"github.com/rocdaq/readout/internal/conf"
	"github.com/rocdaq/readout/internal/errors"
)

const componentName = "api"

// Default constants for the HTTP server.
const (
	DefaultListen          = "127.0.0.1:8090"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	// End can wait for the full drain timeout before it answers.
	minWriteTimeout = 5 * time.Second
)

// Config holds the HTTP server configuration.
type Config struct {
	Listen string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// BodyLimit is the largest accepted request body, e.g. "64K".
	BodyLimit string
}

// DefaultConfig returns a Config with the default timeouts.
func DefaultConfig() *Config {
	return &Config{
		Listen:          DefaultListen,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		BodyLimit:       "64K",
	}
}

// ConfigFromSettings creates a Config from the application settings. The
// write timeout is stretched so an end request can outlive the drain.
func ConfigFromSettings(s *conf.Settings) *Config {
	cfg := DefaultConfig()
	if s.HTTP.Listen != "" {
		cfg.Listen = s.HTTP.Listen
	}
	if need := s.Readout.DrainTimeout + minWriteTimeout; need > cfg.WriteTimeout {
		cfg.WriteTimeout = need
	}
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.Newf("listen address is required").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build())
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		errs = append(errs, errors.Newf("read and write timeouts must be positive").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("read_timeout", c.ReadTimeout.String()).
			Context("write_timeout", c.WriteTimeout.String()).
			Build())
	}
	return errors.Join(errs...)
}
