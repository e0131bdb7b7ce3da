// File: server/config.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/protocol"
)

// Config holds all server-side configuration parameters.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`      // TCP bind address, e.g. ":9000"
	Protocols       string        `yaml:"protocols"`        // allowed subprotocols in preference order
	Extensions      string        `yaml:"extensions"`       // allowed extensions in preference order
	MaxHeaderSize   int           `yaml:"max_header_size"`  // bound on the upgrade request header block
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // graceful shutdown timeout

	protocol.Tuning `yaml:",inline"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":9000",
		MaxHeaderSize:   protocol.MaxHandshakeHeadersSize,
		ShutdownTimeout: 10 * time.Second,
		Tuning:          protocol.DefaultTuning(),
	}
}

// LoadConfig reads a YAML file over DefaultConfig. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, api.Wrap(api.ErrCodeParam, "read server config", err).WithContext("path", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, api.Wrap(api.ErrCodeParam, "parse server config", err).WithContext("path", path)
	}
	return cfg, nil
}
