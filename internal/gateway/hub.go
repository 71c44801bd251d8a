// Package gateway is the player-facing fan-out tier: browser players hold a
// websocket here instead of speaking to the broadcast substrate directly.
// Events arriving on a session's subjects are forwarded verbatim to every
// socket joined to that session.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/realtime"
)

// Hub manages websocket connections for session events.
type Hub struct {
	// Connection pools organized by session ID
	sessionConns map[uuid.UUID]map[*Conn]bool
	mu           sync.RWMutex

	upgrader websocket.Upgrader
	config   HubConfig

	broadcastCh chan broadcastMessage

	// joined/left fire when a session gains its first or loses its last
	// socket, so the bridge can manage transport subscriptions lazily.
	joined func(sessionID uuid.UUID)
	left   func(sessionID uuid.UUID)

	// inbound receives player-originated events read off a socket.
	inbound func(sessionID uuid.UUID, event *realtime.GameEvent)
}

// Conn represents one player's websocket connection.
type Conn struct {
	ID        string
	PlayerID  string
	SessionID uuid.UUID
	ws        *websocket.Conn
	send      chan []byte
	hub       *Hub

	ConnectedAt time.Time
	LastPong    time.Time
}

// HubConfig holds websocket tuning for player connections.
type HubConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastMessage struct {
	SessionID uuid.UUID
	Event     *realtime.GameEvent
	PlayerID  string // optional: if set, only send to this player
}

// DefaultHubConfig returns defaults for player connections.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewHub creates a websocket hub.
func NewHub(config HubConfig) *Hub {
	return &Hub{
		sessionConns: make(map[uuid.UUID]map[*Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// OnSessionMembership registers callbacks for first-join and last-leave per
// session. Must be set before Run.
func (h *Hub) OnSessionMembership(joined, left func(sessionID uuid.UUID)) {
	h.joined = joined
	h.left = left
}

// OnInbound registers the handler for player-originated events. Must be set
// before Run.
func (h *Hub) OnInbound(fn func(sessionID uuid.UUID, event *realtime.GameEvent)) {
	h.inbound = fn
}

// Run processes broadcast messages until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	log.Info().Msg("gateway hub started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway hub shutting down")
			return
		case message := <-h.broadcastCh:
			h.handleBroadcast(message)
		}
	}
}

// Upgrade converts an HTTP request into a managed websocket connection.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, playerID string, sessionID uuid.UUID) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	conn := &Conn{
		ID:          uuid.New().String(),
		PlayerID:    playerID,
		SessionID:   sessionID,
		ws:          ws,
		send:        make(chan []byte, 256),
		hub:         h,
		ConnectedAt: time.Now(),
		LastPong:    time.Now(),
	}

	h.register(conn)

	go conn.writePump()
	go conn.readPump()

	log.Info().
		Str("connection_id", conn.ID).
		Str("player_id", playerID).
		Str("session_id", sessionID.String()).
		Msg("player websocket connected")
	return nil
}

// Broadcast queues an event for every socket joined to the session.
func (h *Hub) Broadcast(sessionID uuid.UUID, event *realtime.GameEvent) {
	select {
	case h.broadcastCh <- broadcastMessage{SessionID: sessionID, Event: event}:
	default:
		log.Warn().Str("session_id", sessionID.String()).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastToPlayer queues an event for one player's sockets only.
func (h *Hub) BroadcastToPlayer(sessionID uuid.UUID, playerID string, event *realtime.GameEvent) {
	select {
	case h.broadcastCh <- broadcastMessage{SessionID: sessionID, Event: event, PlayerID: playerID}:
	default:
		log.Warn().
			Str("session_id", sessionID.String()).
			Str("player_id", playerID).
			Msg("broadcast channel full, dropping player message")
	}
}

// Stats returns per-session connection counts.
func (h *Hub) Stats() (totalConns int, sessions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.sessionConns {
		totalConns += len(conns)
	}
	return totalConns, len(h.sessionConns)
}

func (h *Hub) register(conn *Conn) {
	h.mu.Lock()
	first := h.sessionConns[conn.SessionID] == nil
	if first {
		h.sessionConns[conn.SessionID] = make(map[*Conn]bool)
	}
	h.sessionConns[conn.SessionID][conn] = true
	h.mu.Unlock()

	if first && h.joined != nil {
		h.joined(conn.SessionID)
	}
}

func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	last := false
	if conns, exists := h.sessionConns[conn.SessionID]; exists {
		if _, exists := conns[conn]; exists {
			delete(conns, conn)
			close(conn.send)
			if len(conns) == 0 {
				delete(h.sessionConns, conn.SessionID)
				last = true
			}
		}
	}
	h.mu.Unlock()

	if last && h.left != nil {
		h.left(conn.SessionID)
	}
}

func (h *Hub) handleBroadcast(message broadcastMessage) {
	h.mu.RLock()
	conns, exists := h.sessionConns[message.SessionID]
	if !exists {
		h.mu.RUnlock()
		return
	}
	var targets []*Conn
	for conn := range conns {
		if message.PlayerID != "" && conn.PlayerID != message.PlayerID {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		select {
		case conn.send <- data:
		default:
			// Connection is slow or dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Str("player_id", conn.PlayerID).
				Msg("connection send buffer full, closing connection")
			h.unregister(conn)
			conn.ws.Close()
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("websocket ping failed")
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		c.LastPong = time.Now()
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			break
		}
		c.handleClientMessage(message)
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}

// handleClientMessage forwards player-originated events (claim submissions)
// onto the broadcast substrate via the hub's inbound callback.
func (c *Conn) handleClientMessage(message []byte) {
	if c.hub.inbound == nil {
		return
	}
	var event realtime.GameEvent
	if err := json.Unmarshal(message, &event); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("unparseable client message dropped")
		return
	}
	if event.Type != realtime.EventTypeClaimSubmitted {
		// Players may only originate claims; everything else is caller-owned.
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", string(event.Type)).
			Msg("non-claim client event dropped")
		return
	}
	c.hub.inbound(c.SessionID, &event)
}
