package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const maxSendBody = 64 << 10

// Dashboard exposes the session's view to the presentation layer: a JSON
// API, a websocket that pushes the view on every change, and /metrics.
type Dashboard struct {
	session  *Session
	metrics  *Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func NewDashboard(session *Session, metrics *Metrics, logger zerolog.Logger) *Dashboard {
	return &Dashboard{
		session: session,
		metrics: metrics,
		logger:  logger.With().Str("component", "dashboard").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*wsClient]struct{}),
	}
}

func (d *Dashboard) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/view", d.handleView).Methods(http.MethodGet)
	r.HandleFunc("/api/reconnect", d.handleReconnect).Methods(http.MethodPost)
	r.HandleFunc("/api/send", d.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/ws", d.handleConnections)
	if d.metrics != nil {
		r.Handle("/metrics", d.metrics.Handler())
	}
	return r
}

// Run pushes the current view to every websocket client whenever the
// session publishes a change, until ctx is done.
func (d *Dashboard) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.closeAll()
			return
		case <-d.session.Updates():
			d.push(d.session.View())
		}
	}
}

func (d *Dashboard) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.session.View())
}

func (d *Dashboard) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := d.session.Reconnect(); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleSend forwards an arbitrary JSON control message on the live channel.
func (d *Dashboard) handleSend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSendBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "reading body")
		return
	}
	var msg json.RawMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "body must be JSON")
		return
	}
	if err := d.session.Send(msg); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrSessionClosed) {
			status = http.StatusServiceUnavailable
		}
		writeJSONError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (d *Dashboard) handleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: ws, addr: r.RemoteAddr}
	d.mu.Lock()
	d.clients[client] = struct{}{}
	d.mu.Unlock()
	defer d.remove(client)

	if err := client.write(d.session.View()); err != nil {
		return
	}

	// Messages from the page are control messages for the live channel.
	for {
		var msg json.RawMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.logger.Debug().Err(err).Str("remote", client.addr).Msg("dashboard client read failed")
			}
			return
		}
		if err := d.session.Send(msg); err != nil {
			d.logger.Debug().Err(err).Msg("control message not sent")
		}
	}
}

func (d *Dashboard) remove(c *wsClient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.clients[c]; ok {
		delete(d.clients, c)
		c.conn.Close()
	}
}

func (d *Dashboard) push(v View) {
	d.mu.Lock()
	clients := make([]*wsClient, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()

	for _, c := range clients {
		if err := c.write(v); err != nil {
			d.logger.Debug().Err(err).Str("remote", c.addr).Msg("view push failed")
			d.remove(c)
		}
	}
}

func (d *Dashboard) closeAll() {
	d.mu.Lock()
	clients := make([]*wsClient, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()
	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		d.remove(c)
	}
}
