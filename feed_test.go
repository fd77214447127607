package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feedHarness struct {
	server *FeedServer
	store  *SqliteStore
	http   *httptest.Server
}

func newFeedHarness(t *testing.T, maxClients int) *feedHarness {
	t.Helper()
	store := newTestStore(t)
	server := NewFeedServer(store, maxClients, testLogger, NewMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return &feedHarness{server: server, store: store, http: srv}
}

func (h *feedHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
}

func (h *feedHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := DecodeEnvelope(payload)
	require.NoError(t, err)
	return env
}

func TestFeedGreeting(t *testing.T) {
	h := newFeedHarness(t, 0)
	conn := h.dial(t)

	env := readEnvelope(t, conn)
	assert.Equal(t, MsgConnectionStatus, env.Type)
	assert.Equal(t, "connected", env.Status)
	assert.Equal(t, "Connected to fraud detection server", env.Message)
	assert.NotEmpty(t, env.ServerTime)
	assert.Eventually(t, func() bool { return h.server.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestFeedPingAndAck(t *testing.T) {
	h := newFeedHarness(t, 0)
	conn := h.dial(t)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgPing}))
	env := readEnvelope(t, conn)
	assert.Equal(t, MsgPong, env.Type)
	assert.NotEmpty(t, env.Timestamp)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe"}))
	env = readEnvelope(t, conn)
	assert.Equal(t, MsgReceived, env.Type)
	assert.Equal(t, "ok", env.Status)

	// Invalid JSON is logged and skipped; the connection stays usable.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgPing}))
	assert.Equal(t, MsgPong, readEnvelope(t, conn).Type)
}

func TestFeedBroadcastsIngestedRecords(t *testing.T) {
	h := newFeedHarness(t, 0)
	a, b := h.dial(t), h.dial(t)
	readEnvelope(t, a)
	readEnvelope(t, b)
	require.Eventually(t, func() bool { return h.server.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	fresh, err := h.server.Ingest(context.Background(), testRecord("0xcast", ClassSuspicious))
	require.NoError(t, err)
	assert.True(t, fresh)

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		require.Equal(t, MsgTransaction, env.Type)
		assert.Equal(t, "0xcast", env.Data.Hash)
		assert.Equal(t, ClassSuspicious, env.Data.Classification)
	}

	fresh, err = h.server.Ingest(context.Background(), testRecord("0xcast", ClassSuspicious))
	require.NoError(t, err)
	assert.False(t, fresh, "duplicates are stored and broadcast once")
}

func TestFeedIngestDefaultsTimestamp(t *testing.T) {
	h := newFeedHarness(t, 0)
	rec := testRecord("0xnow", ClassLegitimate)
	rec.Timestamp = Timestamp{}
	_, err := h.server.Ingest(context.Background(), rec)
	require.NoError(t, err)

	recent, err := h.store.RecentTransactions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.WithinDuration(t, time.Now(), recent[0].Timestamp.Time, time.Minute)
}

func TestFeedIngestRejectsInvalid(t *testing.T) {
	h := newFeedHarness(t, 0)
	_, err := h.server.Ingest(context.Background(), TransactionRecord{From: "0xa"})
	var malformed *MalformedMessageError
	assert.ErrorAs(t, err, &malformed)
}

func TestFeedRejectsOverCapacity(t *testing.T) {
	h := newFeedHarness(t, 1)
	first := h.dial(t)
	readEnvelope(t, first)
	require.Eventually(t, func() bool { return h.server.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	second := h.dial(t)
	env := readEnvelope(t, second)
	assert.Equal(t, MsgError, env.Type)
	assert.Equal(t, "Server at maximum capacity. Please try again later.", env.Message)

	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Equal(t, 1, h.server.ClientCount())
}

func TestFeedTransactionsEndpoint(t *testing.T) {
	h := newFeedHarness(t, 0)
	for _, hash := range []string{"0x1", "0x2", "0x3"} {
		_, err := h.server.Ingest(context.Background(), testRecord(hash, ClassLegitimate))
		require.NoError(t, err)
	}

	resp, err := http.Get(h.http.URL + "/transactions?n=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body snapshotResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Transactions, 2)
	assert.Equal(t, "0x3", body.Transactions[0].Hash)

	bad, err := http.Get(h.http.URL + "/transactions?n=zero")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestFeedTransactionsServesFallbackRetriever(t *testing.T) {
	h := newFeedHarness(t, 0)
	_, err := h.server.Ingest(context.Background(), testRecord("0xsnap", ClassSuspicious))
	require.NoError(t, err)

	records, err := NewFallbackRetriever(h.http.URL+"/transactions", 10, time.Second, testLogger).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "0xsnap", records[0].Hash)
}

func TestFeedIngestEndpoint(t *testing.T) {
	h := newFeedHarness(t, 0)

	post := func(body string) (*http.Response, ingestResponse) {
		t.Helper()
		resp, err := http.Post(h.http.URL+"/ingest", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out ingestResponse
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		}
		return resp, out
	}

	resp, out := post(`{"hash":"0xone","from":"0xa","value_eth":1,"classification":"SUSPICIOUS"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ingestResponse{Received: 1, Stored: 1}, out)

	resp, out = post(`[{"hash":"0xone","from":"0xa"},{"hash":"0xtwo","from":"0xb"}]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ingestResponse{Received: 2, Stored: 1}, out)

	resp, _ = post(`not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = post(``)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = post(`{"hash":"","from":"0xa"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	count, err := h.store.CountTransactions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestFeedEndToEndWithSession(t *testing.T) {
	h := newFeedHarness(t, 0)
	_, err := h.server.Ingest(context.Background(), testRecord("0xbefore", ClassLegitimate))
	require.NoError(t, err)

	s := newTestSession(t, testSessionConfig(h.wsURL()), nil)
	require.NoError(t, s.Start())
	waitView(t, s, isConnected, "session connects to feed server")
	require.Eventually(t, func() bool { return h.server.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	_, err = h.server.Ingest(context.Background(), testRecord("0xlive", ClassSuspicious))
	require.NoError(t, err)
	v := waitView(t, s, func(v View) bool { return len(v.Transactions) == 1 }, "record pushed live")
	assert.Equal(t, "0xlive", v.Transactions[0].Hash)
}

func TestFeedShutdownClosesClients(t *testing.T) {
	store := newTestStore(t)
	server := NewFeedServer(store, 0, testLogger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, server.ClientCount())
}
