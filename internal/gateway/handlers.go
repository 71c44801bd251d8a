package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/models"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/store"
)

// SessionStateResponse is the backfill payload a late joiner fetches before
// (or instead of) live events.
type SessionStateResponse struct {
	SessionID      string             `json:"session_id"`
	Status         string             `json:"status"`
	GameType       string             `json:"game_type"`
	ActivePatterns []models.PatternID `json:"active_patterns"`
	CalledNumbers  []int              `json:"called_numbers"`
	LastCalled     *int               `json:"last_called,omitempty"`
	Generation     int                `json:"generation"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// StateHandler serves authoritative session state and claim history over
// HTTP for reconnect backfill.
type StateHandler struct {
	sessions store.SessionStore
	calls    store.CallStateStore
	claims   store.ClaimStore
}

// NewStateHandler creates a state handler over the durable stores.
func NewStateHandler(sessions store.SessionStore, calls store.CallStateStore, claims store.ClaimStore) *StateHandler {
	return &StateHandler{sessions: sessions, calls: calls, claims: claims}
}

// HandleGetSessionState handles GET /api/sessions/{id}/state.
func (h *StateHandler) HandleGetSessionState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID, ok := sessionIDFromPath(r.URL.Path, "/state")
	if !ok {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	state, err := h.sessionState(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("session state fetch failed")
		http.Error(w, "Failed to get session state", http.StatusInternalServerError)
		return
	}

	writeJSON(w, state)
}

// HandleGetSessionClaims handles GET /api/sessions/{id}/claims.
func (h *StateHandler) HandleGetSessionClaims(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID, ok := sessionIDFromPath(r.URL.Path, "/claims")
	if !ok {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	claims, err := h.claims.ClaimsBySession(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("claim history fetch failed")
		http.Error(w, "Failed to get claims", http.StatusInternalServerError)
		return
	}
	if claims == nil {
		claims = []models.Claim{}
	}
	writeJSON(w, claims)
}

// RegisterRoutes registers the backfill routes.
func (h *StateHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/sessions/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/state"):
			h.HandleGetSessionState(w, r)
		case strings.HasSuffix(r.URL.Path, "/claims"):
			h.HandleGetSessionClaims(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func (h *StateHandler) sessionState(ctx context.Context, sessionID uuid.UUID) (*SessionStateResponse, error) {
	session, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resp := &SessionStateResponse{
		SessionID:      session.ID.String(),
		Status:         string(session.Status),
		GameType:       string(session.GameType),
		ActivePatterns: session.ActivePatterns,
		CalledNumbers:  []int{},
	}

	callState, err := h.calls.GetCallState(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if callState != nil {
		resp.CalledNumbers = callState.CalledNumbers
		resp.LastCalled = callState.LastCalled
		resp.Generation = callState.Generation
		resp.UpdatedAt = callState.UpdatedAt
	}
	return resp, nil
}

// WebSocketHandler upgrades player connections into the hub.
type WebSocketHandler struct {
	hub *Hub
}

// NewWebSocketHandler creates the websocket entry point.
func NewWebSocketHandler(hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandleSessionConnection handles GET /ws/session?session_id=...&player_id=...
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	sessionIDStr := r.URL.Query().Get("session_id")
	if sessionIDStr == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		http.Error(w, "invalid session_id format", http.StatusBadRequest)
		return
	}

	// In production the player identity comes from the auth layer; it is an
	// external collaborator here.
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		playerID = "anonymous"
	}

	if err := h.hub.Upgrade(w, r, playerID, sessionID); err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Str("player_id", playerID).
			Msg("websocket upgrade failed")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
	}
}

// HandleStats returns connection statistics.
func (h *WebSocketHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	conns, sessions := h.hub.Stats()
	writeJSON(w, map[string]int{
		"total_connections": conns,
		"active_sessions":   sessions,
	})
}

// RegisterRoutes registers websocket routes.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/session", h.HandleSessionConnection)
	mux.HandleFunc("/ws/stats", h.HandleStats)
}

func sessionIDFromPath(path, suffix string) (uuid.UUID, bool) {
	const prefix = "/api/sessions/"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return uuid.Nil, false
	}
	idStr := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}
