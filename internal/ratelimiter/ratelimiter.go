// Package ratelimiter throttles the requests of a single connection.
package ratelimiter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Config holds the per-connection request budget.
//
// RequestsPerSecond = 0 disables limiting.
type Config struct {
	RequestsPerSecond uint `mapstructure:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`
	Burst             uint `mapstructure:"burst" yaml:"burst" json:"burst"`
}

// Enabled reports whether the configuration limits anything.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0
}

// Limiter is a token bucket charged once per request.
//
// A nil *Limiter never throttles, so callers can hold one unconditionally.
//
// Thread safety:
// All methods are safe for concurrent use.
type Limiter struct {
	limiter *rate.Limiter
}

// New builds a limiter from cfg. It returns nil when cfg is disabled.
//
// A burst below one request is raised to one; a zero burst would reject
// every request.
func New(cfg Config) *Limiter {
	if !cfg.Enabled() {
		return nil
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(burst))}
}

// Allow consumes one token without waiting.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

// Wait blocks until a request may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("request throttled: %w", err)
	}
	return nil
}

// Tokens returns the tokens currently available, for logs and tests.
func (l *Limiter) Tokens() float64 {
	if l == nil {
		return 0
	}
	return l.limiter.Tokens()
}
