package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/realtime"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/transport"
)

// Bridge connects the broadcast substrate to the websocket hub. It
// subscribes to a session's subjects when its first socket joins and drops
// the subscriptions when the last one leaves, and forwards player-originated
// claim events from sockets back onto the substrate.
type Bridge struct {
	bus transport.Broadcaster
	hub *Hub

	mu     sync.Mutex
	unsubs map[uuid.UUID][]transport.Unsubscribe
}

// NewBridge wires a hub to the substrate. Call Start to attach callbacks.
func NewBridge(bus transport.Broadcaster, hub *Hub) *Bridge {
	return &Bridge{
		bus:    bus,
		hub:    hub,
		unsubs: make(map[uuid.UUID][]transport.Unsubscribe),
	}
}

// Start attaches membership and inbound callbacks to the hub.
func (b *Bridge) Start(ctx context.Context) {
	b.hub.OnSessionMembership(b.sessionJoined, b.sessionLeft)
	b.hub.OnInbound(func(sessionID uuid.UUID, event *realtime.GameEvent) {
		b.forwardInbound(ctx, sessionID, event)
	})
}

// Stop drops every transport subscription the bridge holds.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, unsubs := range b.unsubs {
		for _, unsub := range unsubs {
			unsub()
		}
	}
	b.unsubs = make(map[uuid.UUID][]transport.Unsubscribe)
}

func (b *Bridge) sessionJoined(sessionID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.unsubs[sessionID]; exists {
		return
	}

	for _, subject := range []string{transport.CallSubject(sessionID), transport.ClaimSubject(sessionID)} {
		unsub, err := b.bus.Subscribe(subject, func(data []byte) {
			b.forward(sessionID, data)
		})
		if err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("bridge subscribe failed")
			continue
		}
		b.unsubs[sessionID] = append(b.unsubs[sessionID], unsub)
	}
	log.Info().Str("session_id", sessionID.String()).Msg("bridge attached to session")
}

func (b *Bridge) sessionLeft(sessionID uuid.UUID) {
	b.mu.Lock()
	unsubs := b.unsubs[sessionID]
	delete(b.unsubs, sessionID)
	b.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	log.Info().Str("session_id", sessionID.String()).Msg("bridge detached from session")
}

func (b *Bridge) forward(sessionID uuid.UUID, data []byte) {
	var event realtime.GameEvent
	if err := json.Unmarshal(data, &event); err != nil {
		log.Error().Err(err).Msg("malformed substrate event dropped")
		return
	}
	b.hub.Broadcast(sessionID, &event)
}

func (b *Bridge) forwardInbound(ctx context.Context, sessionID uuid.UUID, event *realtime.GameEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("inbound event marshal failed")
		return
	}
	if err := b.bus.Publish(ctx, transport.ClaimSubject(sessionID), data); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("inbound claim publish failed")
	}
}
