package main

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig holds the reconnect delay parameters.
type BackoffConfig struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoffConfig matches the reference client: 2s, x1.5, capped at 30s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:       2 * time.Second,
		Multiplier: 1.5,
		Max:        30 * time.Second,
	}
}

// BackoffScheduler computes reconnect delays and tracks the attempt counter.
// It never waits; the session owns the timer.
type BackoffScheduler struct {
	cfg     BackoffConfig
	attempt int
}

// NewBackoffScheduler fills unset parameters from DefaultBackoffConfig.
func NewBackoffScheduler(cfg BackoffConfig) *BackoffScheduler {
	def := DefaultBackoffConfig()
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	return &BackoffScheduler{cfg: cfg}
}

func (s *BackoffScheduler) newExponential() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.Base
	bo.Multiplier = s.cfg.Multiplier
	bo.MaxInterval = s.cfg.Max
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Delay returns min(base * multiplier^(attempt-1), max). attempt < 1 is
// treated as 1.
func (s *BackoffScheduler) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	bo := s.newExponential()
	d := bo.NextBackOff()
	for i := 1; i < attempt && d < s.cfg.Max; i++ {
		d = bo.NextBackOff()
	}
	if d > s.cfg.Max {
		d = s.cfg.Max
	}
	return d
}

// Next counts one failed connection cycle and returns its delay.
func (s *BackoffScheduler) Next() (attempt int, delay time.Duration) {
	s.attempt++
	return s.attempt, s.Delay(s.attempt)
}

// Reset zeroes the attempt counter after a successful connection.
func (s *BackoffScheduler) Reset() { s.attempt = 0 }

// Attempt returns the current attempt counter.
func (s *BackoffScheduler) Attempt() int { return s.attempt }
