package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ChannelState is the lifecycle of one live channel instance.
type ChannelState int32

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "CONNECTING"
	case ChannelOpen:
		return "OPEN"
	case ChannelClosing:
		return "CLOSING"
	case ChannelClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("ChannelState(%d)", int32(s))
}

const writeWait = 5 * time.Second

// CloseInfo describes how a channel ended.
type CloseInfo struct {
	Code        int
	Intentional bool
	Err         error
}

// Abnormal reports whether the closure should trigger a reconnect.
func (c CloseInfo) Abnormal() bool { return !c.Intentional }

// ChannelHandler receives events from a bound channel. Calls come from the
// channel's read goroutine in receipt order; OnClose is called exactly once.
type ChannelHandler interface {
	OnMessage(Envelope)
	OnClose(CloseInfo)
}

// LiveChannel is one full-duplex session with a feed endpoint.
type LiveChannel struct {
	url       string
	keepalive time.Duration
	logger    zerolog.Logger
	metrics   *Metrics

	state atomic.Int32
	conn  *websocket.Conn

	writeMu     sync.Mutex
	intentional atomic.Bool
	bound       atomic.Bool
	closeOnce   sync.Once
	done        chan struct{}
}

func newLiveChannel(url string, keepalive time.Duration, logger zerolog.Logger, metrics *Metrics) *LiveChannel {
	c := &LiveChannel{
		url:       url,
		keepalive: keepalive,
		logger:    logger.With().Str("url", url).Logger(),
		metrics:   metrics,
		done:      make(chan struct{}),
	}
	c.state.Store(int32(ChannelConnecting))
	return c
}

// URL returns the candidate this channel is bound to.
func (c *LiveChannel) URL() string { return c.url }

// State returns the current lifecycle state.
func (c *LiveChannel) State() ChannelState { return ChannelState(c.state.Load()) }

// Done is closed once the channel reaches CLOSED.
func (c *LiveChannel) Done() <-chan struct{} { return c.done }

// open moves CONNECTING -> OPEN after a successful handshake.
func (c *LiveChannel) open(conn *websocket.Conn) bool {
	c.conn = conn
	return c.state.CompareAndSwap(int32(ChannelConnecting), int32(ChannelOpen))
}

// abandon moves a channel that never opened straight to CLOSED.
func (c *LiveChannel) abandon() {
	c.state.Store(int32(ChannelClosed))
	if c.conn != nil {
		c.conn.Close()
	}
	c.closeOnce.Do(func() { close(c.done) })
}

// Send writes v as a JSON text frame.
func (c *LiveChannel) Send(v any) error {
	if c.State() != ChannelOpen {
		return ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() != ChannelOpen {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Bind attaches h and starts the read pump. Must be called once, after the
// channel is OPEN.
func (c *LiveChannel) Bind(h ChannelHandler) {
	c.bound.Store(true)
	if c.keepalive > 0 {
		readTimeout := 3 * c.keepalive
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.conn.SetPongHandler(func(string) error {
			c.conn.SetReadDeadline(time.Now().Add(readTimeout))
			return nil
		})
		go c.pingLoop()
	}
	go c.readLoop(h)
}

// Close performs an intentional closure with code 1000. A bound channel
// reaches CLOSED when its read pump exits; an unbound one reaches it here.
func (c *LiveChannel) Close() {
	c.intentional.Store(true)
	if !c.state.CompareAndSwap(int32(ChannelOpen), int32(ChannelClosing)) {
		if c.state.CompareAndSwap(int32(ChannelConnecting), int32(ChannelClosed)) {
			if c.conn != nil {
				c.conn.Close()
			}
			c.closeOnce.Do(func() { close(c.done) })
		}
		return
	}
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		c.logger.Debug().Err(err).Msg("close frame not delivered")
	}
	c.writeMu.Unlock()
	// Unblocks the read pump.
	c.conn.Close()
	if !c.bound.Load() {
		c.state.Store(int32(ChannelClosed))
		c.closeOnce.Do(func() { close(c.done) })
	}
}

func (c *LiveChannel) readLoop(h ChannelHandler) {
	var info CloseInfo
	defer func() {
		c.state.Store(int32(ChannelClosed))
		c.conn.Close()
		c.closeOnce.Do(func() { close(c.done) })
		h.OnClose(info)
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			info = c.classifyClose(err)
			return
		}
		if c.keepalive > 0 {
			c.conn.SetReadDeadline(time.Now().Add(3 * c.keepalive))
		}

		env, err := DecodeEnvelope(payload)
		if err != nil {
			c.metrics.malformed()
			c.logger.Warn().Err(err).Msg("dropping frame")
			continue
		}
		if !env.Known() {
			c.logger.Debug().Str("type", string(env.Type)).Msg("ignoring unknown message type")
			continue
		}
		h.OnMessage(env)
	}
}

// classifyClose marks a closure intentional only when Close was called
// locally. A 1000 close frame from the server still counts as a drop, so a
// feed that restarts cleanly is reconnected to.
func (c *LiveChannel) classifyClose(err error) CloseInfo {
	info := CloseInfo{Code: websocket.CloseAbnormalClosure, Err: err}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		info.Code = ce.Code
	}
	if c.intentional.Load() {
		info.Intentional = true
		info.Code = websocket.CloseNormalClosure
		info.Err = nil
	}
	return info
}

func (c *LiveChannel) pingLoop() {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Send(Envelope{Type: MsgPing}); err != nil {
				if !errors.Is(err, ErrNotConnected) {
					c.logger.Debug().Err(err).Msg("keepalive ping failed")
				}
				return
			}
		case <-c.done:
			return
		}
	}
}
