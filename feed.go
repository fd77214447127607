package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxFeedClients = 100
	feedPingInterval      = 20 * time.Second
	feedBroadcastBuffer   = 100
	maxIngestBody         = 10 << 20
	statsEvery            = 100
)

// FeedServer is the producer side of the live channel protocol. It stores
// ingested records, pushes new ones to every connected client, and serves
// the pull-based snapshot used by the fallback path.
type FeedServer struct {
	store      Store
	logger     zerolog.Logger
	metrics    *Metrics
	maxClients int
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	broadcast chan TransactionRecord

	statsMu    sync.Mutex
	processed  int
	suspicious int
}

type wsClient struct {
	conn    *websocket.Conn
	addr    string
	writeMu sync.Mutex
}

func (c *wsClient) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func NewFeedServer(store Store, maxClients int, logger zerolog.Logger, metrics *Metrics) *FeedServer {
	if maxClients <= 0 {
		maxClients = DefaultMaxFeedClients
	}
	return &FeedServer{
		store:      store,
		logger:     logger.With().Str("component", "feed").Logger(),
		metrics:    metrics,
		maxClients: maxClients,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[*wsClient]struct{}),
		broadcast: make(chan TransactionRecord, feedBroadcastBuffer),
	}
}

// Router exposes the websocket endpoint at / and /ws, plus the HTTP API.
func (s *FeedServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleConnections)
	r.HandleFunc("/ws", s.handleConnections)
	r.HandleFunc("/transactions", s.handleTransactions).Methods(http.MethodGet)
	r.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	return r
}

// Run drains the broadcast queue until ctx is done, then disconnects
// every client.
func (s *FeedServer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case rec := <-s.broadcast:
			s.fanOut(rec)
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *FeedServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Ingest normalizes rec, stores it, and queues it for broadcast if new.
func (s *FeedServer) Ingest(ctx context.Context, rec TransactionRecord) (bool, error) {
	if err := rec.Normalize(); err != nil {
		return false, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = Timestamp{Time: time.Now().UTC()}
	}
	fresh, err := s.store.InsertTransaction(ctx, rec)
	if err != nil {
		return false, err
	}
	if !fresh {
		s.logger.Debug().Str("hash", rec.ShortHash(16)).Msg("duplicate transaction skipped")
		return false, nil
	}
	s.logger.Info().
		Str("hash", rec.ShortHash(16)).
		Str("classification", string(rec.Classification)).
		Float64("value_eth", rec.ValueEth).
		Msg("transaction stored")
	s.countProcessed(rec)

	// Send the record to the websocket clients (non-blocking)
	select {
	case s.broadcast <- rec:
	default:
		s.logger.Warn().Str("hash", rec.ShortHash(16)).Msg("broadcast queue full, record not pushed")
	}
	return true, nil
}

func (s *FeedServer) countProcessed(rec TransactionRecord) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.processed++
	if rec.Classification == ClassSuspicious {
		s.suspicious++
	}
	if s.processed%statsEvery == 0 {
		s.logger.Info().
			Int("processed", s.processed).
			Int("suspicious", s.suspicious).
			Float64("fraud_rate_pct", float64(s.suspicious)/float64(s.processed)*100).
			Int("clients", s.ClientCount()).
			Msg("feed stats")
	}
}

func (s *FeedServer) register(c *wsClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= s.maxClients {
		return false
	}
	s.clients[c] = struct{}{}
	s.metrics.feedClient(1)
	return true
}

func (s *FeedServer) unregister(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		s.metrics.feedClient(-1)
		c.conn.Close()
	}
}

func (s *FeedServer) snapshotClients() []*wsClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *FeedServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: ws, addr: r.RemoteAddr}

	if !s.register(client) {
		s.logger.Warn().Str("remote", client.addr).Msg("connection limit reached, rejecting client")
		client.write(Envelope{Type: MsgError, Message: "Server at maximum capacity. Please try again later."})
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "at capacity"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}
	defer s.unregister(client)
	s.logger.Info().Str("remote", client.addr).Int("clients", s.ClientCount()).Msg("client connected")

	if err := client.write(Envelope{
		Type:       MsgConnectionStatus,
		Status:     "connected",
		Message:    "Connected to fraud detection server",
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		s.logger.Warn().Err(err).Str("remote", client.addr).Msg("greeting failed")
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.keepalive(client, stop)

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info().Str("remote", client.addr).Msg("client disconnected normally")
			} else {
				s.logger.Warn().Err(err).Str("remote", client.addr).Msg("client read failed")
			}
			return
		}
		var msg struct {
			Type MessageType `json:"type"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Warn().Str("remote", client.addr).Msg("invalid JSON from client")
			continue
		}
		reply := Envelope{Type: MsgReceived, Status: "ok"}
		if msg.Type == MsgPing {
			reply = Envelope{Type: MsgPong, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
		}
		if err := client.write(reply); err != nil {
			s.logger.Warn().Err(err).Str("remote", client.addr).Msg("reply failed")
			return
		}
	}
}

func (s *FeedServer) keepalive(c *wsClient, stop <-chan struct{}) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (s *FeedServer) fanOut(rec TransactionRecord) {
	clients := s.snapshotClients()
	if len(clients) == 0 {
		return
	}
	env := Envelope{Type: MsgTransaction, Data: &rec}
	dropped := 0
	for _, c := range clients {
		if err := c.write(env); err != nil {
			s.logger.Debug().Err(err).Str("remote", c.addr).Msg("broadcast write failed")
			s.unregister(c)
			dropped++
		}
	}
	s.metrics.feedBroadcast()
	if dropped > 0 {
		s.logger.Info().Int("dropped", dropped).Msg("cleaned up disconnected clients")
	}
}

func (s *FeedServer) closeAll() {
	for _, c := range s.snapshotClients() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		s.unregister(c)
	}
}

func (s *FeedServer) handleTransactions(w http.ResponseWriter, r *http.Request) {
	n := DefaultFallbackCount
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSONError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	records, err := s.store.RecentTransactions(r.Context(), n)
	if err != nil {
		s.logger.Error().Err(err).Msg("loading recent transactions")
		writeJSONError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if records == nil {
		records = []TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, snapshotResponse{Transactions: records, Count: len(records)})
}

type snapshotResponse struct {
	Transactions []TransactionRecord `json:"transactions"`
	Count        int                 `json:"count"`
}

type ingestResponse struct {
	Received int `json:"received"`
	Stored   int `json:"stored"`
}

// handleIngest accepts one record or an array of records.
func (s *FeedServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "reading body")
		return
	}
	records, err := decodeIngestBody(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := ingestResponse{Received: len(records)}
	for _, rec := range records {
		fresh, err := s.Ingest(r.Context(), rec)
		if err != nil {
			var malformed *MalformedMessageError
			if errors.As(err, &malformed) {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.logger.Error().Err(err).Msg("ingest failed")
			writeJSONError(w, http.StatusInternalServerError, "storage unavailable")
			return
		}
		if fresh {
			resp.Stored++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeIngestBody(body []byte) ([]TransactionRecord, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var records []TransactionRecord
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, &MalformedMessageError{Reason: "invalid record array", Err: err}
		}
		return records, nil
	}
	var rec TransactionRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, &MalformedMessageError{Reason: "invalid record", Err: err}
	}
	return []TransactionRecord{rec}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
