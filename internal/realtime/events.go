package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/models"
)

// SchemaVersion is carried in every envelope so consumers can reject
// payload shapes they don't understand.
const SchemaVersion = 1

// GameEvent is the single envelope for everything that crosses the wire.
// Every component speaks this shape; there are no per-consumer variants.
type GameEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      EventType       `json:"type"`
	Version   int             `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType represents the type of session event.
type EventType string

const (
	EventTypeNumberCalled   EventType = "NumberCalled"
	EventTypeGameReset      EventType = "GameReset"
	EventTypeClaimSubmitted EventType = "ClaimSubmitted"
	EventTypeClaimResolved  EventType = "ClaimResolved"
	EventTypeSessionStatus  EventType = "SessionStatus"
	EventTypeHeartbeat      EventType = "Heartbeat"
)

// NumberCalledPayload announces one call. CalledNumbers is optional: when
// absent, receivers apply Number as a single append; when present it is the
// full sequence and receivers may use it to self-heal missed deltas.
type NumberCalledPayload struct {
	Number        int       `json:"number"`
	CalledNumbers []int     `json:"called_numbers,omitempty"`
	Generation    int       `json:"generation"`
	SessionID     string    `json:"session_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// GameResetPayload announces a new generation. Receivers discard all
// prior-generation state unconditionally.
type GameResetPayload struct {
	SessionID  string `json:"session_id"`
	Generation int    `json:"generation"`
}

// ClaimSubmittedPayload carries a player's win claim to the caller.
type ClaimSubmittedPayload struct {
	ClaimID    string                `json:"claim_id"`
	PlayerID   string                `json:"player_id"`
	PlayerName string                `json:"player_name"`
	SessionID  string                `json:"session_id"`
	Ticket     models.TicketSnapshot `json:"ticket"`
	Pattern    models.PatternID      `json:"pattern"`
	Timestamp  time.Time             `json:"timestamp"`
}

// ClaimResolvedPayload carries the caller's verdict back to players. For a
// contended group every claim id in the group is listed and Allocation is
// set; for a lone claim Allocation is empty.
type ClaimResolvedPayload struct {
	ClaimIDs   []string                `json:"claim_ids"`
	Result     models.ClaimStatus      `json:"result"`
	Reason     string                  `json:"reason,omitempty"`
	Allocation models.AllocationPolicy `json:"allocation,omitempty"`
}

// SessionStatusPayload announces session lifecycle changes.
type SessionStatusPayload struct {
	SessionID string               `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
}

// HeartbeatPayload carries server time so clients can sync clocks.
type HeartbeatPayload struct {
	SessionID  string    `json:"session_id"`
	ServerTime time.Time `json:"server_time"`
}

// NewGameEvent wraps a payload in the versioned envelope.
func NewGameEvent(sessionID uuid.UUID, eventType EventType, payload interface{}) (*GameEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &GameEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID.String(),
		Type:      eventType,
		Version:   SchemaVersion,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// ParseEventPayload parses event data into the payload struct for its type.
func ParseEventPayload(event *GameEvent) (interface{}, error) {
	switch event.Type {
	case EventTypeNumberCalled:
		var payload NumberCalledPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeGameReset:
		var payload GameResetPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeClaimSubmitted:
		var payload ClaimSubmittedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeClaimResolved:
		var payload ClaimResolvedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeSessionStatus:
		var payload SessionStatusPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeHeartbeat:
		var payload HeartbeatPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("unknown event type: %s", event.Type)
	}
}
