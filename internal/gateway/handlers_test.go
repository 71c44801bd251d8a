package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/models"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/realtime"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/store"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/transport"
)

type fakeStores struct {
	sessions map[uuid.UUID]*models.Session
	calls    map[uuid.UUID]*models.CallState
	claims   map[uuid.UUID][]models.Claim
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		sessions: make(map[uuid.UUID]*models.Session),
		calls:    make(map[uuid.UUID]*models.CallState),
		claims:   make(map[uuid.UUID][]models.Claim),
	}
}

func (f *fakeStores) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	session, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return session, nil
}

func (f *fakeStores) PutSession(ctx context.Context, session *models.Session) error {
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeStores) GetCallState(ctx context.Context, sessionID uuid.UUID) (*models.CallState, error) {
	state, ok := f.calls[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return state, nil
}

func (f *fakeStores) PutCallState(ctx context.Context, sessionID uuid.UUID, state *models.CallState) error {
	f.calls[sessionID] = state
	return nil
}

func (f *fakeStores) SaveClaim(ctx context.Context, claim *models.Claim) error {
	f.claims[claim.SessionID] = append(f.claims[claim.SessionID], *claim)
	return nil
}

func (f *fakeStores) GetClaim(ctx context.Context, id uuid.UUID) (*models.Claim, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStores) ClaimsBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Claim, error) {
	return f.claims[sessionID], nil
}

func (f *fakeStores) RecordResolution(ctx context.Context, res *models.ClaimResolution) (*models.ClaimResolution, bool, error) {
	return res, true, nil
}

func stateServer(t *testing.T, stores *fakeStores) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewStateHandler(stores, stores, stores).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetSessionState(t *testing.T) {
	stores := newFakeStores()
	sessionID := uuid.New()
	last := 23
	stores.sessions[sessionID] = &models.Session{
		ID:             sessionID,
		Status:         models.SessionStatusActive,
		GameType:       models.GameType90Ball,
		ActivePatterns: []models.PatternID{models.PatternOneLine, models.PatternFullHouse},
	}
	stores.calls[sessionID] = &models.CallState{
		SessionID:     sessionID.String(),
		CalledNumbers: []int{7, 23},
		LastCalled:    &last,
		Generation:    1,
		UpdatedAt:     time.Now().UTC(),
	}
	srv := stateServer(t, stores)

	resp, err := http.Get(srv.URL + "/api/sessions/" + sessionID.String() + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body SessionStateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, sessionID.String(), body.SessionID)
	assert.Equal(t, "ACTIVE", body.Status)
	assert.Equal(t, "90_BALL", body.GameType)
	assert.Equal(t, []int{7, 23}, body.CalledNumbers)
	assert.Equal(t, 23, *body.LastCalled)
	assert.Equal(t, 1, body.Generation)
}

func TestGetSessionStateBeforeFirstCall(t *testing.T) {
	stores := newFakeStores()
	sessionID := uuid.New()
	stores.sessions[sessionID] = &models.Session{ID: sessionID, Status: models.SessionStatusPending, GameType: models.GameType75Ball}
	srv := stateServer(t, stores)

	resp, err := http.Get(srv.URL + "/api/sessions/" + sessionID.String() + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body SessionStateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.CalledNumbers)
	assert.Nil(t, body.LastCalled)
	assert.Zero(t, body.Generation)
}

func TestGetSessionStateErrors(t *testing.T) {
	srv := stateServer(t, newFakeStores())

	resp, err := http.Get(srv.URL + "/api/sessions/" + uuid.NewString() + "/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/sessions/not-a-uuid/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/sessions/"+uuid.NewString()+"/state", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGetSessionClaimsEmpty(t *testing.T) {
	srv := stateServer(t, newFakeStores())

	resp, err := http.Get(srv.URL + "/api/sessions/" + uuid.NewString() + "/claims")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var claims []models.Claim
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claims))
	assert.NotNil(t, claims)
	assert.Empty(t, claims)
}

func TestHubFanOutOverWebsocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := transport.NewMemoryBus()
	require.NoError(t, bus.Dial(ctx))
	hub := NewHub(DefaultHubConfig())
	bridge := NewBridge(bus, hub)
	bridge.Start(ctx)
	defer bridge.Stop()
	go hub.Run(ctx)

	mux := http.NewServeMux()
	NewWebSocketHandler(hub).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sessionID := uuid.New()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session?session_id=" + sessionID.String() + "&player_id=ada"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		conns, sessions := hub.Stats()
		return conns == 1 && sessions == 1
	}, time.Second, time.Millisecond)

	// An event on the session's call subject reaches the socket.
	event, err := realtime.NewGameEvent(sessionID, realtime.EventTypeNumberCalled, realtime.NumberCalledPayload{
		Number:     7,
		Generation: 0,
		SessionID:  sessionID.String(),
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)
	data, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, transport.CallSubject(sessionID), data))

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, message, err := client.ReadMessage()
	require.NoError(t, err)

	var received realtime.GameEvent
	require.NoError(t, json.Unmarshal(message, &received))
	assert.Equal(t, realtime.EventTypeNumberCalled, received.Type)
	assert.Equal(t, event.ID, received.ID)
}

func TestInboundClaimForwardedToSubstrate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := transport.NewMemoryBus()
	require.NoError(t, bus.Dial(ctx))
	hub := NewHub(DefaultHubConfig())
	bridge := NewBridge(bus, hub)
	bridge.Start(ctx)
	defer bridge.Stop()
	go hub.Run(ctx)

	mux := http.NewServeMux()
	NewWebSocketHandler(hub).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sessionID := uuid.New()
	received := make(chan []byte, 1)
	unsub, err := bus.Subscribe(transport.ClaimSubject(sessionID), func(data []byte) {
		select {
		case received <- data:
		default:
		}
	})
	require.NoError(t, err)
	defer unsub()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session?session_id=" + sessionID.String()
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	claim, err := realtime.NewGameEvent(sessionID, realtime.EventTypeClaimSubmitted, realtime.ClaimSubmittedPayload{
		ClaimID:   uuid.NewString(),
		SessionID: sessionID.String(),
		Pattern:   models.PatternOneLine,
	})
	require.NoError(t, err)
	data, err := json.Marshal(claim)
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))

	select {
	case forwarded := <-received:
		var event realtime.GameEvent
		require.NoError(t, json.Unmarshal(forwarded, &event))
		assert.Equal(t, realtime.EventTypeClaimSubmitted, event.Type)
		assert.Equal(t, claim.ID, event.ID)
	case <-time.After(time.Second):
		t.Fatal("claim never reached the substrate")
	}

	// Non-claim client events are dropped.
	reset, err := realtime.NewGameEvent(sessionID, realtime.EventTypeGameReset, realtime.GameResetPayload{SessionID: sessionID.String()})
	require.NoError(t, err)
	data, err = json.Marshal(reset)
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, data))

	select {
	case <-received:
		t.Fatal("non-claim event should not reach the substrate")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocketHandlerValidation(t *testing.T) {
	hub := NewHub(DefaultHubConfig())
	mux := http.NewServeMux()
	NewWebSocketHandler(hub).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/session")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ws/session?session_id=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 0, stats["total_connections"])
}