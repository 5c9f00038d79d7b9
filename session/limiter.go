package session

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// Receive limiter modes.
const (
	LimitNone   = ""
	LimitToken  = "token"
	LimitFunnel = "funnel"
)

// RecvLimitCfg configures the host's inbound user message limit.
type RecvLimitCfg struct {
	// Mode is LimitNone, LimitToken or LimitFunnel.
	Mode  string `mapstructure:"mode"`
	Rate  int    `mapstructure:"rate"`
	Burst int    `mapstructure:"burst"`
}

// Validate checks the mode and fills the burst.
func (c *RecvLimitCfg) Validate() error {
	switch c.Mode {
	case LimitNone:
		return nil
	case LimitToken, LimitFunnel:
	default:
		return fmt.Errorf("unknown receive limit mode %q", c.Mode)
	}
	if c.Rate <= 0 {
		return fmt.Errorf("receive limit rate must be positive, got %d", c.Rate)
	}
	if c.Burst <= 0 {
		c.Burst = c.Rate
	}
	return nil
}

// RecvLimiter decides whether an inbound message may be processed.
type RecvLimiter interface {
	// Admit reports false when the message must be dropped.
	Admit() bool
}

// NewRecvLimiter builds the limiter for cfg, or nil for LimitNone.
func NewRecvLimiter(cfg RecvLimitCfg) RecvLimiter {
	switch cfg.Mode {
	case LimitToken:
		return NewTokenRecvLimiter(cfg.Rate, cfg.Burst)
	case LimitFunnel:
		return NewFunnelRecvLimiter(cfg.Rate)
	}
	return nil
}

// TokenRecvLimiter is a token bucket. Messages over the budget are dropped,
// short bursts up to the bucket size pass.
type TokenRecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenRecvLimiter allows limit messages per second with the given burst.
func NewTokenRecvLimiter(limit int, burst int) *TokenRecvLimiter {
	l := &TokenRecvLimiter{}
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
	return l
}

// Admit takes a token without waiting.
func (l *TokenRecvLimiter) Admit() bool {
	return l.limiter.Load().Allow()
}

// Reload swaps in a new rate and burst.
func (l *TokenRecvLimiter) Reload(limit int, burst int) {
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

// FunnelRecvLimiter is a leaky bucket. It never drops; Admit blocks the
// delivering connection until the message may pass, which pushes back on
// the sender through the transport.
type FunnelRecvLimiter struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewFunnelRecvLimiter lets limit messages per second through.
func NewFunnelRecvLimiter(limit int) *FunnelRecvLimiter {
	l := &FunnelRecvLimiter{}
	rl := ratelimit.New(limit)
	l.limiter.Store(&rl)
	return l
}

// Admit waits for the next slot.
func (l *FunnelRecvLimiter) Admit() bool {
	(*l.limiter.Load()).Take()
	return true
}

// Reload swaps in a new rate.
func (l *FunnelRecvLimiter) Reload(limit int) {
	rl := ratelimit.New(limit)
	l.limiter.Store(&rl)
}
