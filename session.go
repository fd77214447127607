package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionState is the controller's connection state.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateConnected
	StateReconnectPending
	StateTeardown
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnectPending:
		return "RECONNECT_PENDING"
	case StateTeardown:
		return "TEARDOWN"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DefaultStartDelay defers the first connection slightly after Start.
const DefaultStartDelay = 100 * time.Millisecond

// SessionConfig configures a Session.
type SessionConfig struct {
	Candidates   []string
	ProbeTimeout time.Duration
	Keepalive    time.Duration
	StartDelay   time.Duration
	Backoff      BackoffConfig
	LogCapacity  int
	Locale       string
}

// RecordListener is notified on the session loop for every record that
// enters the log. It must not block.
type RecordListener func(TransactionRecord)

type command interface{}

type (
	cmdStart     struct{}
	cmdReconnect struct{}
	cmdTeardown  struct{}
	cmdSend      struct {
		v     any
		reply chan error
	}
)

type event interface{}

type (
	evAttempt struct {
		gen uint64
		url string
	}
	evSettled struct {
		gen     uint64
		url     string
		outcome Outcome
		err     error
	}
	evProbeResult struct {
		gen uint64
		ch  *LiveChannel
		err error
	}
	evMessage struct {
		gen uint64
		env Envelope
	}
	evClosed struct {
		gen  uint64
		info CloseInfo
	}
	evRetry struct {
		gen uint64
	}
	evFallback struct {
		gen     uint64
		records []TransactionRecord
		err     error
	}
)

// Session owns the live feed: it probes candidates, keeps one channel
// open, reconnects with backoff, and routes records into the log.
//
// All mutable connection state lives on a single loop goroutine. Every
// asynchronous completion is posted back to that loop with the generation
// it was started under, and is discarded if the generation has moved on.
type Session struct {
	id          string
	cfg         SessionConfig
	logger      zerolog.Logger
	metrics     *Metrics
	prober      *Prober
	backoff     *BackoffScheduler
	snapshotter Snapshotter
	txlog       *TxLog
	text        Localizer
	listeners   []RecordListener

	cmds    chan command
	events  chan event
	done    chan struct{}
	updates chan struct{}
	view    atomic.Pointer[View]

	lifecycleMu sync.Mutex
	running     bool
	closed      bool

	// Owned by the loop goroutine.
	ctx              context.Context
	cancel           context.CancelFunc
	state            SessionState
	gen              uint64
	fallbackGen      uint64
	started          bool
	channel          *LiveChannel
	probeCancel      context.CancelFunc
	retryTimer       *time.Timer
	retryDelay       time.Duration
	lastError        string
	lastTriedURL     string
	lastAttemptError string
}

// NewSession creates an idle session. snapshotter may be nil to disable
// the fallback path.
func NewSession(cfg SessionConfig, snapshotter Snapshotter, logger zerolog.Logger, metrics *Metrics) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		cfg:         cfg,
		logger:      logger.With().Str("component", "session").Str("session_id", id).Logger(),
		metrics:     metrics,
		backoff:     NewBackoffScheduler(cfg.Backoff),
		snapshotter: snapshotter,
		txlog:       NewTxLog(cfg.LogCapacity, metrics),
		text:        NewLocalizer(cfg.Locale),
		cmds:        make(chan command),
		events:      make(chan event, 64),
		done:        make(chan struct{}),
		updates:     make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateIdle,
	}
	s.prober = NewProber(ProberConfig{
		Timeout:   cfg.ProbeTimeout,
		Keepalive: cfg.Keepalive,
	}, logger, metrics)
	s.publish()
	return s
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// OnRecord registers a listener. Must be called before Start.
func (s *Session) OnRecord(fn RecordListener) {
	s.listeners = append(s.listeners, fn)
}

// Start begins connecting. It is a no-op while a connection sequence is in
// flight or established.
func (s *Session) Start() error {
	return s.command(cmdStart{})
}

// Reconnect discards any in-flight attempt, pending retry, or open channel
// and starts a fresh connection sequence with the attempt counter at zero.
func (s *Session) Reconnect() error {
	return s.command(cmdReconnect{})
}

// Send writes a control message on the open channel.
func (s *Session) Send(v any) error {
	reply := make(chan error, 1)
	if err := s.command(cmdSend{v: v, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// Teardown stops the session for good: pending timers are cancelled, any
// channel is closed intentionally, and no further attempt will be made.
// It blocks until the loop has exited and is safe to call more than once.
func (s *Session) Teardown() {
	s.lifecycleMu.Lock()
	if s.closed {
		s.lifecycleMu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	wasRunning := s.running
	s.lifecycleMu.Unlock()

	if wasRunning {
		s.cmds <- cmdTeardown{}
		<-s.done
		return
	}
	s.shutdown()
	close(s.done)
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// View returns the latest UI projection.
func (s *Session) View() View { return *s.view.Load() }

// Updates signals (coalesced) whenever the view changes.
func (s *Session) Updates() <-chan struct{} { return s.updates }

func (s *Session) command(c command) error {
	s.lifecycleMu.Lock()
	if s.closed {
		s.lifecycleMu.Unlock()
		return ErrSessionClosed
	}
	if !s.running {
		s.running = true
		go s.run()
	}
	s.lifecycleMu.Unlock()

	select {
	case s.cmds <- c:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// post hands an asynchronous completion to the loop. It returns false when
// the loop has already exited.
func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case c := <-s.cmds:
			if _, ok := c.(cmdTeardown); ok {
				s.shutdown()
				return
			}
			s.handleCommand(c)
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleCommand(c command) {
	switch c := c.(type) {
	case cmdStart:
		if s.state != StateIdle {
			s.logger.Debug().Stringer("state", s.state).Msg("start ignored")
			return
		}
		s.connect()
	case cmdReconnect:
		s.logger.Info().Msg("manual reconnection requested")
		s.backoff.Reset()
		s.lastError = ""
		s.closeChannel()
		s.connect()
	case cmdSend:
		c.reply <- s.send(c.v)
	}
}

func (s *Session) handleEvent(ev event) {
	switch ev := ev.(type) {
	case evAttempt:
		if ev.gen != s.gen {
			return
		}
		s.lastTriedURL = ev.url
		s.publish()
	case evSettled:
		if ev.gen != s.gen || ev.outcome == OutcomeSuccess {
			return
		}
		s.lastAttemptError = s.text.Attempt(&TransientConnectionError{URL: ev.url, Outcome: ev.outcome, Err: ev.err})
		s.publish()
	case evProbeResult:
		s.handleProbeResult(ev)
	case evMessage:
		if ev.gen != s.gen || s.state != StateConnected {
			return
		}
		s.dispatch(ev.env)
	case evClosed:
		s.handleClosed(ev)
	case evRetry:
		if ev.gen != s.gen || s.state != StateReconnectPending {
			return
		}
		s.retryTimer = nil
		s.connect()
	case evFallback:
		s.handleFallback(ev)
	}
}

// connect supersedes whatever is in flight and starts a new probe sequence.
func (s *Session) connect() {
	s.cancelPending()
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.retryDelay = 0

	var delay time.Duration
	if !s.started {
		s.started = true
		delay = s.cfg.StartDelay
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.probeCancel = cancel
	prober := s.prober.WithHooks(
		func(url string) { s.post(evAttempt{gen: gen, url: url}) },
		func(url string, outcome Outcome, err error) {
			s.post(evSettled{gen: gen, url: url, outcome: outcome, err: err})
		},
	)
	s.logger.Info().Uint64("gen", gen).Int("attempt", s.backoff.Attempt()+1).Msg("connecting")
	s.publish()

	go func() {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				s.post(evProbeResult{gen: gen, err: ctx.Err()})
				return
			}
		}
		ch, err := prober.Probe(ctx, s.cfg.Candidates)
		if !s.post(evProbeResult{gen: gen, ch: ch, err: err}) && ch != nil {
			ch.Close()
		}
	}()
}

func (s *Session) handleProbeResult(ev evProbeResult) {
	if ev.gen != s.gen || s.state != StateConnecting {
		if ev.ch != nil {
			s.logger.Debug().Uint64("gen", ev.gen).Str("url", ev.ch.URL()).Msg("closing superseded channel")
			ev.ch.Close()
		}
		return
	}
	s.probeCancel = nil
	if ev.err != nil {
		if errors.Is(ev.err, context.Canceled) {
			return
		}
		s.onExhausted(ev.err)
		return
	}

	s.channel = ev.ch
	s.state = StateConnected
	s.backoff.Reset()
	s.lastError = ""
	s.lastAttemptError = ""
	s.metrics.setConnected(true)
	s.logger.Info().Str("url", ev.ch.URL()).Msg("live channel open")
	ev.ch.Bind(channelBinding{s: s, gen: ev.gen})
	s.publish()
}

func (s *Session) onExhausted(err error) {
	var ex *ExhaustionError
	if errors.As(err, &ex) {
		s.lastAttemptError = s.text.Attempt(ex.Last())
	} else {
		s.lastAttemptError = err.Error()
	}
	s.logger.Error().Err(err).Msg("all candidates failed")
	s.triggerFallback()
	s.scheduleRetry(s.text.T(MsgKeyUnreachable))
}

func (s *Session) handleClosed(ev evClosed) {
	if ev.gen != s.gen {
		return
	}
	s.channel = nil
	s.metrics.setConnected(false)
	if ev.info.Intentional {
		s.logger.Info().Msg("live channel closed")
		s.publish()
		return
	}
	s.metrics.drop()
	err := ErrSessionDropped
	if ev.info.Err != nil {
		err = fmt.Errorf("%w: %w", ErrSessionDropped, ev.info.Err)
	}
	s.logger.Warn().Int("code", ev.info.Code).Err(err).Msg("live channel dropped")
	s.scheduleRetry("")
}

func (s *Session) scheduleRetry(reason string) {
	attempt, delay := s.backoff.Next()
	gen := s.gen
	s.state = StateReconnectPending
	s.retryDelay = delay
	s.lastError = s.text.Reconnecting(delay)
	if reason != "" {
		s.lastError = reason + " - " + s.lastError
	}
	s.retryTimer = time.AfterFunc(delay, func() { s.post(evRetry{gen: gen}) })
	s.metrics.retry()
	s.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("retry scheduled")
	s.publish()
}

func (s *Session) triggerFallback() {
	if s.snapshotter == nil {
		return
	}
	s.fallbackGen++
	gen := s.fallbackGen
	ctx := s.ctx
	go func() {
		records, err := s.snapshotter.Fetch(ctx)
		s.post(evFallback{gen: gen, records: records, err: err})
	}()
}

func (s *Session) handleFallback(ev evFallback) {
	if ev.err != nil {
		s.metrics.fallback("error")
		s.logger.Warn().Err(ev.err).Msg("fallback snapshot failed")
		return
	}
	if ev.gen != s.fallbackGen || s.state == StateConnected {
		s.metrics.fallback("superseded")
		return
	}
	s.metrics.fallback("ok")
	added := s.txlog.Seed(ev.records)
	s.logger.Info().Int("received", len(ev.records)).Int("added", added).Msg("fallback snapshot applied")
	if added > 0 {
		fresh := s.txlog.Snapshot()
		if added < len(fresh) {
			fresh = fresh[:added]
		}
		s.notify(fresh)
		s.publish()
	}
}

func (s *Session) dispatch(env Envelope) {
	switch env.Type {
	case MsgConnectionStatus:
		if env.Status == "connected" {
			s.logger.Info().Msg("server confirmed connection")
		}
	case MsgTransaction:
		rec := *env.Data
		if !s.txlog.Insert(rec) {
			return
		}
		s.logger.Debug().
			Str("hash", rec.ShortHash(16)).
			Str("classification", string(rec.Classification)).
			Float64("value_eth", rec.ValueEth).
			Msg("transaction")
		s.notify([]TransactionRecord{rec})
		s.publish()
	case MsgPong:
	case MsgReceived:
		s.logger.Debug().Str("status", env.Status).Msg("server acknowledged message")
	case MsgError:
		s.logger.Warn().Str("message", env.Message).Msg("server error")
		s.lastError = env.Message
		s.publish()
	}
}

func (s *Session) notify(records []TransactionRecord) {
	for _, rec := range records {
		for _, fn := range s.listeners {
			fn(rec)
		}
	}
}

func (s *Session) send(v any) error {
	if s.channel == nil || s.state != StateConnected {
		s.lastError = s.text.T(MsgKeyNotConnected)
		s.publish()
		return ErrNotConnected
	}
	if err := s.channel.Send(v); err != nil {
		s.logger.Warn().Err(err).Msg("send failed")
		return err
	}
	return nil
}

func (s *Session) cancelPending() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.probeCancel != nil {
		s.probeCancel()
		s.probeCancel = nil
	}
}

func (s *Session) closeChannel() {
	if s.channel == nil {
		return
	}
	s.channel.Close()
	s.channel = nil
	s.metrics.setConnected(false)
}

func (s *Session) shutdown() {
	s.logger.Info().Stringer("state", s.state).Msg("tearing down")
	s.cancelPending()
	s.closeChannel()
	s.cancel()
	s.gen++
	s.state = StateTeardown
	s.retryDelay = 0
	s.publish()
}

func (s *Session) publish() {
	v := View{
		SessionID:        s.id,
		State:            s.state,
		Connected:        s.state == StateConnected,
		Transactions:     s.txlog.Snapshot(),
		LastError:        s.lastError,
		LastTriedURL:     s.lastTriedURL,
		LastAttemptError: s.lastAttemptError,
		Attempt:          s.backoff.Attempt(),
		RetryDelayMs:     s.retryDelay.Milliseconds(),
		UpdatedAt:        time.Now().UTC(),
	}
	v.Stats = ComputeStats(v.Transactions)
	s.view.Store(&v)
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// channelBinding tags channel events with the generation that opened it.
type channelBinding struct {
	s   *Session
	gen uint64
}

func (b channelBinding) OnMessage(env Envelope) {
	b.s.post(evMessage{gen: b.gen, env: env})
}

func (b channelBinding) OnClose(info CloseInfo) {
	b.s.post(evClosed{gen: b.gen, info: info})
}
