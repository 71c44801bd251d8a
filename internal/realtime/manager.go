package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/transport"
)

// TransportError wraps a transport failure that survived the retry policy.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config holds the reconnect and heartbeat policy for a session connection.
type Config struct {
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxRetries        int
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
}

// DefaultConfig returns the policy used in production sessions.
func DefaultConfig() Config {
	return Config{
		BackoffBase:       500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
		MaxRetries:        8,
		HeartbeatInterval: 15 * time.Second,
		LivenessTimeout:   45 * time.Second,
	}
}

type subEntry struct {
	id int
	fn func(*GameEvent)
}

// Manager owns the one logical connection a process holds to a session. It
// multiplexes typed subscriptions over the two session subjects, runs the
// status state machine, reconnects with exponential backoff, and emits a
// heartbeat while connected. Construct one per session and inject it; no
// ambient singletons.
type Manager struct {
	sessionID uuid.UUID
	bus       transport.Broadcaster
	clock     clockwork.Clock
	config    Config

	mu           sync.Mutex
	state        ConnectionState
	subs         map[EventType][]subEntry
	nextSubID    int
	statusFns    map[int]func(ConnectionState)
	nextStatusID int
	wireSubs     []transport.Unsubscribe
	statusUnsub  transport.Unsubscribe
	lastSeen     time.Time
	runCtx       context.Context
	runCancel    context.CancelFunc
	connCancel   context.CancelFunc
	retryGen     int
	closed       bool
}

// NewManager creates a connection manager for one session.
func NewManager(sessionID uuid.UUID, bus transport.Broadcaster, clock clockwork.Clock, config Config) *Manager {
	return &Manager{
		sessionID: sessionID,
		bus:       bus,
		clock:     clock,
		config:    config,
		state:     ConnectionState{State: StateUnknown},
		subs:      make(map[EventType][]subEntry),
		statusFns: make(map[int]func(ConnectionState)),
	}
}

// SessionID returns the session this connection belongs to.
func (m *Manager) SessionID() uuid.UUID { return m.sessionID }

// Connect brings the session connection up. Calling it again while the
// connection is live or already connecting is a no-op; the existing logical
// connection is reused.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("connection manager closed")
	}
	switch m.state.State {
	case StateConnected, StateConnecting:
		m.mu.Unlock()
		return nil
	}
	if m.runCancel != nil {
		m.runCancel()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.runCtx = runCtx
	m.runCancel = cancel
	m.mu.Unlock()

	m.setState(func(s *ConnectionState) {
		s.State = StateConnecting
		s.RetryCount = 0
		s.NextRetryAt = time.Time{}
	})

	if err := m.bus.Dial(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", m.sessionID.String()).Msg("initial dial failed, entering backoff")
		go m.retryLoop(runCtx, 0)
		return nil
	}
	m.onTransportUp(runCtx)
	return nil
}

// Reconnect restarts the connection machine after retries were exhausted.
// It is the only way out of the ERROR state.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state.State == StateError {
		m.state.State = StateUnknown
	}
	m.mu.Unlock()
	return m.Connect(ctx)
}

// Status returns the current connection state.
func (m *Manager) Status() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStatusChange registers a handler for status transitions. Handlers fire
// on every transition, so no dependent ever needs to poll.
func (m *Manager) OnStatusChange(fn func(ConnectionState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextStatusID
	m.nextStatusID++
	m.statusFns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.statusFns, id)
		})
	}
}

// Subscribe registers a handler for an event type. Handlers for the same
// type run in registration order. The returned func unsubscribes and is safe
// to call repeatedly, including after Close.
func (m *Manager) Subscribe(eventType EventType, fn func(*GameEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subs[eventType] = append(m.subs[eventType], subEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			entries := m.subs[eventType]
			for i, e := range entries {
				if e.id == id {
					m.subs[eventType] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish sends an event on the subject for its type.
func (m *Manager) Publish(ctx context.Context, event *GameEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := transport.CallSubject(m.sessionID)
	switch event.Type {
	case EventTypeClaimSubmitted, EventTypeClaimResolved:
		subject = transport.ClaimSubject(m.sessionID)
	}

	if err := m.bus.Publish(ctx, subject, data); err != nil {
		return &TransportError{Op: "publish", Err: err}
	}
	m.touchLiveness()
	return nil
}

// Close tears the connection down. Status handlers see no further
// transitions after Close returns.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.runCancel
	statusUnsub := m.statusUnsub
	m.statusUnsub = nil
	m.dropWireSubsLocked()
	m.state = ConnectionState{State: StateDisconnected}
	m.mu.Unlock()

	if statusUnsub != nil {
		statusUnsub()
	}
	if cancel != nil {
		cancel()
	}
}

// onTransportUp wires subjects and starts the heartbeat and watchdog loops.
// The loops run under a per-connection context cancelled on drop, so a
// drop-and-reconnect never leaves a prior connection's loops ticking.
func (m *Manager) onTransportUp(runCtx context.Context) {
	m.mu.Lock()
	m.dropWireSubsLocked()
	if m.connCancel != nil {
		m.connCancel()
	}
	connCtx, connCancel := context.WithCancel(runCtx)
	m.connCancel = connCancel

	for _, subject := range []string{transport.CallSubject(m.sessionID), transport.ClaimSubject(m.sessionID)} {
		unsub, err := m.bus.Subscribe(subject, m.handleWireMessage)
		if err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("subject subscribe failed")
			continue
		}
		m.wireSubs = append(m.wireSubs, unsub)
	}
	if m.statusUnsub == nil {
		m.statusUnsub = m.bus.OnStatusChange(func(connected bool) {
			if connected {
				m.touchLiveness()
				return
			}
			m.onTransportDrop()
		})
	}
	m.lastSeen = m.clock.Now()
	m.mu.Unlock()

	m.setState(func(s *ConnectionState) {
		s.State = StateConnected
		s.RetryCount = 0
		s.NextRetryAt = time.Time{}
	})

	go m.heartbeatLoop(connCtx)
	go m.watchdogLoop(connCtx)

	log.Info().Str("session_id", m.sessionID.String()).Msg("session connection established")
}

// onTransportDrop marks the connection lost and starts the backoff retries.
func (m *Manager) onTransportDrop() {
	m.mu.Lock()
	if m.state.State != StateConnected {
		m.mu.Unlock()
		return
	}
	m.dropWireSubsLocked()
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.retryGen++
	runCtx := m.runCtx
	m.mu.Unlock()

	m.setState(func(s *ConnectionState) {
		s.State = StateDisconnected
		s.RetryCount = 0
	})

	log.Warn().Str("session_id", m.sessionID.String()).Msg("session connection lost")
	go m.retryLoop(runCtx, 0)
}

// retryLoop runs the backoff schedule: delay = min(base << attempt, max),
// capped at MaxRetries, then ERROR until an explicit Reconnect.
func (m *Manager) retryLoop(runCtx context.Context, attempt int) {
	m.mu.Lock()
	gen := m.retryGen
	m.mu.Unlock()

	for ; attempt < m.config.MaxRetries; attempt++ {
		delay := m.backoffDelay(attempt)
		deadline := m.clock.Now().Add(delay)
		m.setState(func(s *ConnectionState) {
			s.State = StateDisconnected
			s.RetryCount = attempt
			s.NextRetryAt = deadline
		})

		select {
		case <-runCtx.Done():
			return
		case <-m.clock.After(delay):
		}

		m.mu.Lock()
		stale := m.closed || gen != m.retryGen
		m.mu.Unlock()
		if stale {
			return
		}

		m.setState(func(s *ConnectionState) {
			s.State = StateConnecting
			s.RetryCount = attempt + 1
			s.NextRetryAt = time.Time{}
		})

		if err := m.bus.Dial(runCtx); err != nil {
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect attempt failed")
			continue
		}
		m.onTransportUp(runCtx)
		return
	}

	m.setState(func(s *ConnectionState) {
		s.State = StateError
		s.NextRetryAt = time.Time{}
	})
	log.Error().
		Str("session_id", m.sessionID.String()).
		Int("attempts", m.config.MaxRetries).
		Msg("reconnect retries exhausted")
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.config.BackoffBase << uint(attempt)
	if delay > m.config.BackoffMax || delay <= 0 {
		delay = m.config.BackoffMax
	}
	return delay
}

// heartbeatLoop publishes a heartbeat at a fixed interval while connected.
func (m *Manager) heartbeatLoop(connCtx context.Context) {
	ticker := m.clock.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-ticker.Chan():
			if m.Status().State != StateConnected {
				return
			}
			event, err := NewGameEvent(m.sessionID, EventTypeHeartbeat, HeartbeatPayload{
				SessionID:  m.sessionID.String(),
				ServerTime: m.clock.Now().UTC(),
			})
			if err != nil {
				continue
			}
			if err := m.Publish(connCtx, event); err != nil {
				log.Debug().Err(err).Msg("heartbeat publish failed")
			}
		}
	}
}

// watchdogLoop forces a DISCONNECTED transition when nothing has proven
// transport liveness for longer than the timeout, even without an explicit
// error from the substrate.
func (m *Manager) watchdogLoop(connCtx context.Context) {
	interval := m.config.LivenessTimeout / 2
	if interval <= 0 {
		return
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-ticker.Chan():
			if m.Status().State != StateConnected {
				return
			}
			m.mu.Lock()
			silent := m.clock.Now().Sub(m.lastSeen) > m.config.LivenessTimeout
			m.mu.Unlock()
			if silent {
				log.Warn().Str("session_id", m.sessionID.String()).Msg("liveness timeout, forcing disconnect")
				m.onTransportDrop()
				return
			}
		}
	}
}

func (m *Manager) handleWireMessage(data []byte) {
	var event GameEvent
	if err := json.Unmarshal(data, &event); err != nil {
		log.Error().Err(err).Msg("malformed event dropped")
		return
	}
	if event.Version > SchemaVersion {
		log.Warn().Int("version", event.Version).Str("type", string(event.Type)).Msg("unsupported event version dropped")
		return
	}
	m.touchLiveness()

	m.mu.Lock()
	entries := append([]subEntry(nil), m.subs[event.Type]...)
	m.mu.Unlock()

	for _, e := range entries {
		e.fn(&event)
	}
}

func (m *Manager) touchLiveness() {
	m.mu.Lock()
	m.lastSeen = m.clock.Now()
	m.mu.Unlock()
}

func (m *Manager) dropWireSubsLocked() {
	for _, unsub := range m.wireSubs {
		unsub()
	}
	m.wireSubs = nil
}

func (m *Manager) setState(mutate func(*ConnectionState)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	mutate(&m.state)
	snapshot := m.state
	fns := make([]func(ConnectionState), 0, len(m.statusFns))
	for _, fn := range m.statusFns {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
