// Package push delivers entitlement-change events to connected clients
// over WebSocket so paywalls dismiss live after a purchase or restore.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/abilashblnair/hearo-sub001/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Push event types.
const (
	EventSubscriptionChanged = "subscription_changed"
	EventUsageChanged        = "usage_changed"
	EventBonusGranted        = "bonus_granted"
	EventDayRolledOver       = "day_rolled_over"
	EventLimitsChanged       = "limits_changed"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	clientSendBuf  = 64
	broadcastBuf   = 256
	maxInboundSize = 4096
)

// Event is one push frame.
type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	TS      time.Time `json:"ts"`
}

// Hub maintains connected push clients and fans events out to them. All
// client bookkeeping happens on the Run goroutine; a client that cannot
// keep up is dropped rather than allowed to block the hub.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client

	mu         sync.RWMutex
	snapshotFn func() Event

	upgrader websocket.Upgrader
}

// NewHub creates a hub. allowedOrigins is the browser origin allow-list;
// requests without an Origin header (native app clients) always pass.
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, broadcastBuf),
		register:   make(chan *client, 16),
		unregister: make(chan *client, 16),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// SetSnapshot registers a function producing the event sent to each client
// right after it connects, so a fresh client starts from current state.
func (h *Hub) SetSnapshot(fn func() Event) {
	h.mu.Lock()
	h.snapshotFn = fn
	h.mu.Unlock()
}

// Run owns the client set until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			snapshotFn := h.snapshotFn
			h.mu.Unlock()
			metrics.Get().SetPushClients(count)
			log.Debug().Str("client", c.id).Int("clients", count).Msg("Push client connected")

			if snapshotFn != nil {
				if data, err := json.Marshal(snapshotFn()); err == nil {
					select {
					case c.send <- data:
					default:
					}
				} else {
					log.Error().Err(err).Msg("Failed to marshal push snapshot")
				}
			}

		case c := <-h.unregister:
			h.dropClient(c, "")

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			for _, c := range clients {
				select {
				case c.send <- message:
				default:
					h.dropClient(c, "send buffer full")
				}
			}
		}
	}
}

func (h *Hub) dropClient(c *client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	metrics.Get().SetPushClients(count)
	if reason != "" {
		log.Warn().Str("client", c.id).Str("reason", reason).Msg("Dropped push client")
	} else {
		log.Debug().Str("client", c.id).Int("clients", count).Msg("Push client disconnected")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.Get().SetPushClients(0)
}

// Broadcast queues one event for every connected client. A full broadcast
// queue drops the event; push delivery is best-effort and clients refetch
// state over HTTP.
func (h *Hub) Broadcast(eventType string, payload any) {
	ev := Event{Type: eventType, Payload: payload, TS: time.Now().UTC()}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("Failed to marshal push event")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		log.Warn().Str("type", eventType).Msg("Push broadcast queue full, dropping event")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request and attaches the client to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("WebSocket upgrade rejected")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBuf),
		id:   uuid.NewString(),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// originChecker admits requests with no Origin header, same-host browser
// requests, and origins on the allow-list ("*" admits everything).
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		for _, a := range allowed {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// readPump consumes inbound frames. Clients only ever send keepalive pings;
// everything else is logged and ignored.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("Push client read error")
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed push frame")
			continue
		}

		switch ev.Type {
		case "ping":
			pong := Event{Type: "pong", TS: time.Now().UTC()}
			if data, err := json.Marshal(pong); err == nil {
				select {
				case c.send <- data:
				default:
				}
			}
		default:
			log.Debug().Str("client", c.id).Str("type", ev.Type).Msg("Ignoring push frame")
		}
	}
}

// writePump flushes queued events and keeps the connection alive with
// protocol pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain whatever queued up behind this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case queued := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
