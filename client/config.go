// File: client/config.go
// Package client
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/protocol"
)

// Config holds all configurable parameters for the WebSocket client.
type Config struct {
	Protocols          string        `yaml:"protocols"`            // offered subprotocols
	Extensions         string        `yaml:"extensions"`           // offered extensions
	Origin             string        `yaml:"origin"`               // overrides the derived Origin
	DialTimeout        time.Duration `yaml:"dial_timeout"`         // TCP connect bound
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`    // TLS plus upgrade exchange bound
	MaxHeaderSize      int           `yaml:"max_header_size"`      // response header block bound
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`   // ping period, 0 disables
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"` // wss without certificate checks

	protocol.Tuning `yaml:",inline"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxHeaderSize:    protocol.MaxHandshakeHeadersSize,
		Tuning:           protocol.DefaultTuning(),
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
		return nil, api.Wrap(api.ErrCodeParam, "read client config", err).WithContext("path", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, api.Wrap(api.ErrCodeParam, "parse client config", err).WithContext("path", path)
	}
	return cfg, nil
}
