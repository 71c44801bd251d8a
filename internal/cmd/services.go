package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/callsync"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/claims"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/gateway"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/models"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/realtime"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/store"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/transport"
)

// Services bundles the wired components of a caller node.
type Services struct {
	Store    *store.PostgresStore
	Bus      *transport.NATSBroadcaster
	Hub      *gateway.Hub
	Bridge   *gateway.Bridge
	State    *gateway.StateHandler
	WS       *gateway.WebSocketHandler
	sessions map[uuid.UUID]*sessionRuntime
	config   *Config
	clock    clockwork.Clock
}

// sessionRuntime is the per-session caller machinery: one connection, one
// call engine, one claim resolver.
type sessionRuntime struct {
	Conn     *realtime.Manager
	Calls    *callsync.Engine
	Resolver *claims.Resolver
}

func setupServices(ctx context.Context, config *Config, db *sql.DB) (*Services, error) {
	pg := store.NewPostgresStore(db)
	if err := pg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	natsConfig := transport.DefaultNATSConfig()
	natsConfig.URL = config.NATS.URL
	natsConfig.Name = "bingo-caller"
	bus := transport.NewNATSBroadcaster(natsConfig)
	if err := bus.Dial(ctx); err != nil {
		return nil, fmt.Errorf("dial broadcast transport: %w", err)
	}

	hub := gateway.NewHub(gateway.DefaultHubConfig())
	bridge := gateway.NewBridge(bus, hub)
	bridge.Start(ctx)

	return &Services{
		Store:    pg,
		Bus:      bus,
		Hub:      hub,
		Bridge:   bridge,
		State:    gateway.NewStateHandler(pg, pg, pg),
		WS:       gateway.NewWebSocketHandler(hub),
		sessions: make(map[uuid.UUID]*sessionRuntime),
		config:   config,
		clock:    clockwork.NewRealClock(),
	}, nil
}

// StartSession brings up the caller-side machinery for one session.
func (s *Services) StartSession(ctx context.Context, sessionID uuid.UUID) (*sessionRuntime, error) {
	if rt, ok := s.sessions[sessionID]; ok {
		return rt, nil
	}

	connConfig := realtime.DefaultConfig()
	if s.config.Session.HeartbeatIntervalSec > 0 {
		connConfig.HeartbeatInterval = time.Duration(s.config.Session.HeartbeatIntervalSec) * time.Second
	}
	if s.config.Session.LivenessTimeoutSec > 0 {
		connConfig.LivenessTimeout = time.Duration(s.config.Session.LivenessTimeoutSec) * time.Second
	}
	if s.config.Session.BackoffBaseMs > 0 {
		connConfig.BackoffBase = time.Duration(s.config.Session.BackoffBaseMs) * time.Millisecond
	}
	if s.config.Session.BackoffMaxSec > 0 {
		connConfig.BackoffMax = time.Duration(s.config.Session.BackoffMaxSec) * time.Second
	}
	if s.config.Session.MaxRetries > 0 {
		connConfig.MaxRetries = s.config.Session.MaxRetries
	}

	conn := realtime.NewManager(sessionID, s.Bus, s.clock, connConfig)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect session: %w", err)
	}

	// The caller node keeps no device cache; the store is its truth.
	engine := callsync.NewEngine(sessionID, conn, s.Store, nil, s.clock, callsync.DefaultConfig())
	if err := engine.Start(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("start call engine: %w", err)
	}

	claimConfig := claims.DefaultConfig()
	if w := s.config.ResolutionWindow(); w > 0 {
		claimConfig.ResolutionWindow = w
	}
	resolver := claims.NewResolver(sessionID, conn, engine, s.Store, s.Store, s.clock, claimConfig)
	resolver.Start(ctx)

	rt := &sessionRuntime{Conn: conn, Calls: engine, Resolver: resolver}
	s.sessions[sessionID] = rt
	return rt, nil
}

// SetSessionStatus persists a session lifecycle change and announces it on
// the session's call subject.
func (s *Services) SetSessionStatus(ctx context.Context, sessionID uuid.UUID, status models.SessionStatus) error {
	rt, err := s.StartSession(ctx, sessionID)
	if err != nil {
		return err
	}

	session, err := s.Store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	session.Status = status
	session.UpdatedAt = time.Now().UTC()
	if err := s.Store.PutSession(ctx, session); err != nil {
		return err
	}

	event, err := realtime.NewGameEvent(sessionID, realtime.EventTypeSessionStatus, realtime.SessionStatusPayload{
		SessionID: sessionID.String(),
		Status:    status,
	})
	if err != nil {
		return err
	}
	return rt.Conn.Publish(ctx, event)
}

// StopSession tears down a session's caller machinery.
func (s *Services) StopSession(sessionID uuid.UUID) {
	rt, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)
	rt.Resolver.Stop()
	rt.Calls.Stop()
	rt.Conn.Close()
}

// Shutdown stops everything.
func (s *Services) Shutdown() {
	for id := range s.sessions {
		s.StopSession(id)
	}
	s.Bridge.Stop()
	_ = s.Bus.Close()
}
