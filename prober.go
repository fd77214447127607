package main

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Outcome is how one connection attempt settled.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

const (
	// DefaultProbeTimeout bounds each candidate's handshake.
	DefaultProbeTimeout = 5 * time.Second
	handshakeGrace      = time.Second
)

// ProberConfig configures an Endpoint Prober.
type ProberConfig struct {
	Timeout   time.Duration
	Keepalive time.Duration
	Header    http.Header
	// OnAttempt is called before each candidate is dialed.
	OnAttempt func(url string)
	// OnSettled is called exactly once per attempt.
	OnSettled func(url string, outcome Outcome, err error)
}

// Prober tries candidate endpoints in order until one completes a handshake.
type Prober struct {
	cfg     ProberConfig
	dialer  *websocket.Dialer
	logger  zerolog.Logger
	metrics *Metrics
}

// NewProber creates a prober using gorilla's default dialer settings.
func NewProber(cfg ProberConfig, logger zerolog.Logger, metrics *Metrics) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	dialer := *websocket.DefaultDialer
	// The prober's own timer bounds the handshake.
	dialer.HandshakeTimeout = 0
	return &Prober{
		cfg:     cfg,
		dialer:  &dialer,
		logger:  logger.With().Str("component", "prober").Logger(),
		metrics: metrics,
	}
}

// WithHooks returns a copy of p that reports to the given callbacks.
func (p *Prober) WithHooks(onAttempt func(url string), onSettled func(url string, outcome Outcome, err error)) *Prober {
	cp := *p
	cp.cfg.OnAttempt = onAttempt
	cp.cfg.OnSettled = onSettled
	return &cp
}

// Probe returns an OPEN channel bound to the first candidate that completes
// a handshake. When every candidate fails it returns *ExhaustionError; when
// ctx is cancelled it returns ctx.Err().
func (p *Prober) Probe(ctx context.Context, candidates []string) (*LiveChannel, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	exhausted := &ExhaustionError{}
	for i, url := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.cfg.OnAttempt != nil {
			p.cfg.OnAttempt(url)
		}
		p.logger.Info().Str("url", url).Int("candidate", i+1).Int("of", len(candidates)).Msg("connecting")

		ch, failure := p.attempt(ctx, url)
		if failure == nil {
			p.logger.Info().Str("url", url).Msg("connected")
			return ch, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.logger.Warn().Str("url", url).Stringer("outcome", failure.Outcome).Err(failure.Err).Msg("candidate failed")
		exhausted.Attempts = append(exhausted.Attempts, failure)
	}
	p.logger.Error().Int("candidates", len(candidates)).Msg("all candidates failed")
	return nil, exhausted
}

type dialResult struct {
	conn *websocket.Conn
	err  error
}

// attempt races one handshake against the per-candidate timer. Whichever
// side flips settled first owns the result; the loser cleans up after itself.
func (p *Prober) attempt(ctx context.Context, url string) (*LiveChannel, *TransientConnectionError) {
	ch := newLiveChannel(url, p.cfg.Keepalive, p.logger, p.metrics)
	// The deadline outlives the timer so a slow handshake settles as a
	// timeout, while still bounding the dial goroutine.
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout+handshakeGrace)
	defer cancel()

	var settled atomic.Bool
	results := make(chan dialResult, 1)
	go func() {
		conn, _, err := p.dialer.DialContext(attemptCtx, url, p.cfg.Header)
		if !settled.CompareAndSwap(false, true) {
			if conn != nil {
				conn.Close()
			}
			return
		}
		results <- dialResult{conn: conn, err: err}
	}()

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	var res dialResult
	select {
	case res = <-results:
	case <-timer.C:
		if settled.CompareAndSwap(false, true) {
			ch.abandon()
			return nil, p.settle(url, OutcomeTimeout, context.DeadlineExceeded)
		}
		res = <-results
	case <-ctx.Done():
		if settled.CompareAndSwap(false, true) {
			ch.abandon()
			return nil, p.settle(url, OutcomeFailure, ctx.Err())
		}
		res = <-results
		if res.conn != nil {
			res.conn.Close()
		}
		ch.abandon()
		return nil, p.settle(url, OutcomeFailure, ctx.Err())
	}

	if res.err != nil {
		ch.abandon()
		return nil, p.settle(url, OutcomeFailure, res.err)
	}
	if !ch.open(res.conn) {
		res.conn.Close()
		return nil, p.settle(url, OutcomeFailure, ErrNotConnected)
	}
	p.settle(url, OutcomeSuccess, nil)
	return ch, nil
}

func (p *Prober) settle(url string, outcome Outcome, err error) *TransientConnectionError {
	p.metrics.attempt(outcome)
	if p.cfg.OnSettled != nil {
		p.cfg.OnSettled(url, outcome, err)
	}
	if outcome == OutcomeSuccess {
		return nil
	}
	return &TransientConnectionError{URL: url, Outcome: outcome, Err: err}
}
