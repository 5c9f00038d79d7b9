// Package transport holds the pieces shared by the stream based network
// modules: wire framing, the per-connection reader/writer engine, ordered
// callback delivery, the accept loop, the host/port configuration and the
// optional pcap capture.
package transport

import (
	"errors"
	"time"
)

// StreamCfg configures the connection engine. Modules embed it in their
// manifest configuration, so every field carries a mapstructure tag.
type StreamCfg struct {
	// SendChannelSize is the number of frames queued per connection before
	// Send reports flow control.
	SendChannelSize int `mapstructure:"sendChannelSize"`
	// MaxFrameSize bounds a single inbound frame body.
	MaxFrameSize int `mapstructure:"maxFrameSize"`
	// IdleTimeout closes a connection that received nothing for this many
	// seconds. Zero disables it.
	IdleTimeout uint32 `mapstructure:"idleTimeout"`
	// LingerMs bounds how long an orderly close waits for queued frames.
	LingerMs uint32 `mapstructure:"lingerMs"`
	// MaxQueuedDatagrams bounds the inbound datagram queue; excess is dropped.
	MaxQueuedDatagrams int `mapstructure:"maxQueuedDatagrams"`
}

// DefaultStreamCfg returns the defaults used when a manifest omits a field.
func DefaultStreamCfg() StreamCfg {
	return StreamCfg{
		SendChannelSize:    256,
		MaxFrameSize:       64 * 1024,
		LingerMs:           2000,
		MaxQueuedDatagrams: 512,
	}
}

// Validate fills zero fields with defaults and rejects negative sizes.
func (c *StreamCfg) Validate() error {
	def := DefaultStreamCfg()
	if c.SendChannelSize < 0 || c.MaxFrameSize < 0 || c.MaxQueuedDatagrams < 0 {
		return errors.New("stream sizes must not be negative")
	}
	if c.SendChannelSize == 0 {
		c.SendChannelSize = def.SendChannelSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.LingerMs == 0 {
		c.LingerMs = def.LingerMs
	}
	if c.MaxQueuedDatagrams == 0 {
		c.MaxQueuedDatagrams = def.MaxQueuedDatagrams
	}
	return nil
}

func (c *StreamCfg) linger() time.Duration {
	return time.Duration(c.LingerMs) * time.Millisecond
}

func (c *StreamCfg) idle() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}
