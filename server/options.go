// File: server/options.go
// Package server defines functional options for the Instance.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"log"

	"github.com/momentics/wscore/control"
)

// Option customizes Instance initialization.
type Option func(*Instance)

// WithLogger routes server and connection logs to l.
func WithLogger(l *log.Logger) Option {
	return func(s *Instance) {
		s.log = l
	}
}

// WithMetrics shares a metrics registry, e.g. between several instances.
func WithMetrics(m *control.MetricsRegistry) Option {
	return func(s *Instance) {
		s.metrics = m
	}
}

// WithDebug toggles verbose connection logging.
func WithDebug(on bool) Option {
	return func(s *Instance) {
		s.cfg.Debug = on
	}
}
