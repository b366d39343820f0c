// Copyright 2018 Marco Pfatschbacher. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sshmux

import (
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Config controls the ambient behavior of a Run/RunStdin call. The zero
// value is a valid Config: no dial deadline beyond the caller's context,
// no cap on buffered output, and a no-op logger.
type Config struct {
	// DialTimeout bounds connecting to the control socket. Zero means
	// rely solely on the caller's context.Context deadline, if any.
	DialTimeout time.Duration `validate:"gte=0"`

	// MaxOutputBytes caps the total bytes accumulated from stdout or
	// stderr before the read is aborted with an *IoError. Zero means
	// unbounded, matching the reference implementation.
	MaxOutputBytes int64 `validate:"gte=0"`

	// Logger receives protocol-tracing events. Nil is replaced with a
	// no-op logger.
	Logger *zap.Logger
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithDialTimeout bounds the time spent connecting to the control
// socket.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) { c.DialTimeout = d }
}

// WithMaxOutputBytes caps the total bytes read from stdout or stderr.
// A value of zero leaves the read unbounded.
func WithMaxOutputBytes(n int64) Option {
	return func(c *Config) { c.MaxOutputBytes = n }
}

// WithLogger installs a structured logger for protocol tracing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

var configValidator = validator.New()

// buildConfig applies opts over the zero-value default and validates the
// result. A caller mistake here (negative durations or byte counts) is
// surfaced as a *ProtocolError: it's not a wire violation, but the
// taxonomy has no separate "configuration error" kind.
func buildConfig(opts ...Option) (Config, error) {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := configValidator.Struct(cfg); err != nil {
		return Config{}, newProtocolError("invalid configuration", err)
	}
	return cfg, nil
}
