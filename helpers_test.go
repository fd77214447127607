package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.Nop()

// fakeFeed is a scriptable server speaking the live channel protocol.
type fakeFeed struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	accept         atomic.Bool
	handshakeDelay atomic.Int64
	requests       atomic.Int32
	opened         atomic.Int32
	active         atomic.Int32
	lastCloseCode  atomic.Int32

	mu    sync.Mutex
	conns map[*fakeConn]struct{}

	received chan []byte
}

type fakeConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *fakeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	return c.ws.WriteJSON(v)
}

func (c *fakeConn) writeRaw(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func newFakeFeed(t *testing.T) *fakeFeed {
	t.Helper()
	f := &fakeFeed{
		t:        t,
		conns:    make(map[*fakeConn]struct{}),
		received: make(chan []byte, 64),
	}
	f.accept.Store(true)
	f.lastCloseCode.Store(-1)
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(func() {
		f.DropAll()
		f.srv.Close()
	})
	return f
}

func (f *fakeFeed) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeFeed) SetHandshakeDelay(d time.Duration) { f.handshakeDelay.Store(int64(d)) }

func (f *fakeFeed) handle(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	if !f.accept.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if d := time.Duration(f.handshakeDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &fakeConn{ws: ws}
	f.mu.Lock()
	f.conns[c] = struct{}{}
	f.mu.Unlock()
	f.opened.Add(1)
	f.active.Add(1)
	defer func() {
		f.mu.Lock()
		delete(f.conns, c)
		f.mu.Unlock()
		ws.Close()
		f.active.Add(-1)
	}()

	if err := c.writeJSON(Envelope{Type: MsgConnectionStatus, Status: "connected"}); err != nil {
		return
	}
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				f.lastCloseCode.Store(int32(ce.Code))
			}
			return
		}
		select {
		case f.received <- payload:
		default:
		}
		var msg struct {
			Type MessageType `json:"type"`
		}
		if json.Unmarshal(payload, &msg) == nil && msg.Type == MsgPing {
			c.writeJSON(Envelope{Type: MsgPong})
		}
	}
}

func (f *fakeFeed) each(fn func(*fakeConn)) {
	f.mu.Lock()
	conns := make([]*fakeConn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()
	for _, c := range conns {
		fn(c)
	}
}

// Push sends a transaction frame to every connected client.
func (f *fakeFeed) Push(rec TransactionRecord) {
	f.each(func(c *fakeConn) {
		c.writeJSON(Envelope{Type: MsgTransaction, Data: &rec})
	})
}

// PushRaw sends an arbitrary frame to every connected client.
func (f *fakeFeed) PushRaw(payload string) {
	f.each(func(c *fakeConn) {
		c.writeRaw([]byte(payload))
	})
}

// DropAll closes every connection without a close frame.
func (f *fakeFeed) DropAll() {
	f.each(func(c *fakeConn) {
		c.ws.UnderlyingConn().Close()
	})
}

// CloseAll sends a close frame with code to every client.
func (f *fakeFeed) CloseAll(code int) {
	f.each(func(c *fakeConn) {
		c.mu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		c.mu.Unlock()
	})
}

// closedURL returns a ws:// URL nothing is listening on.
func closedURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return "ws://" + addr
}

// hangingURL returns a ws:// URL that accepts TCP but never answers the
// handshake.
func hangingURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return "ws://" + ln.Addr().String()
}

// stubSnapshotter is a Snapshotter returning canned records.
type stubSnapshotter struct {
	calls   atomic.Int32
	records []TransactionRecord
	err     error
	delay   time.Duration
}

func (s *stubSnapshotter) Fetch(ctx context.Context) ([]TransactionRecord, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.records, s.err
}

func testRecord(hash string, class Classification) TransactionRecord {
	r := TransactionRecord{
		Hash:           hash,
		From:           "0xfrom",
		To:             "0xto",
		ValueEth:       1.25,
		GasPrice:       20,
		Classification: class,
		Timestamp:      Timestamp{Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	r.Features = FillFeatureDefaults(nil)
	return r
}
