// File: protocol/config.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection tuning shared by server and client configuration files.

package protocol

import (
	"context"
	"time"
)

// Tuning is the YAML-mapped subset of Options. Zero values keep the
// package defaults.
type Tuning struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	CloseWait        time.Duration `yaml:"close_wait"`
	CloseRetries     int           `yaml:"close_retries"`
	FrameReadTimeout time.Duration `yaml:"frame_read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	FragmentSize     int           `yaml:"fragment_size"`
	Debug            bool          `yaml:"debug"`
}

// DefaultTuning returns the package defaults.
func DefaultTuning() Tuning {
	return Tuning{
		PollInterval:     DefaultPollInterval,
		CloseWait:        DefaultCloseWait,
		CloseRetries:     DefaultCloseRetries,
		FrameReadTimeout: DefaultFrameReadTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
	}
}

// Apply copies the tuning into o.
func (t Tuning) Apply(o *Options) {
	o.PollInterval = t.PollInterval
	o.CloseWait = t.CloseWait
	o.CloseRetries = t.CloseRetries
	o.FrameReadTimeout = t.FrameReadTimeout
	o.WriteTimeout = t.WriteTimeout
	o.MaxMessageSize = t.MaxMessageSize
	o.Debug = o.Debug || t.Debug
}

// Send writes payload as one frame, or fragmented when FragmentSize is set.
func (t Tuning) Send(ctx context.Context, c *WSConnection, opcode byte, payload []byte) error {
	if t.FragmentSize > 0 {
		return c.SendFragmentedMessage(ctx, opcode, payload, t.FragmentSize)
	}
	return c.SendMessage(ctx, opcode, payload)
}
