// Package callsync reconciles the three sources of called-number truth —
// broadcast deltas, full store fetches, and the device-local cache — into
// one authoritative in-memory sequence, and runs the caller-side write path.
package callsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/models"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/realtime"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/store"
)

// snapshotTag classifies the in-memory sequence: Fresh states carry a
// trusted generation, Stale states came from the local cache and render as
// stale until reconciled, Unknown means nothing has loaded yet.
type snapshotTag int

const (
	tagUnknown snapshotTag = iota
	tagStale
	tagFresh
)

// Config holds the persistence retry policy for the caller write path.
type Config struct {
	PersistAttempts   int
	PersistRetryDelay time.Duration
}

// DefaultConfig returns the production write-retry policy.
func DefaultConfig() Config {
	return Config{
		PersistAttempts:   3,
		PersistRetryDelay: 200 * time.Millisecond,
	}
}

type callHandler struct {
	id int
	fn func(number int, state *models.CallState)
}

type resetHandler struct {
	id int
	fn func(generation int)
}

// Engine synchronizes call state for one session. The caller process uses
// the write path (CallNumber, ResetGame); player processes consume the read
// path. All mutation is serialized behind the engine mutex; the caller is
// the single authoritative writer for the session.
type Engine struct {
	sessionID uuid.UUID
	conn      *realtime.Manager
	store     store.CallStateStore
	cache     *store.LocalCache
	clock     clockwork.Clock
	config    Config

	// writeMu serializes the caller write path end to end so appends and
	// resets cannot interleave around the store round-trip.
	writeMu sync.Mutex

	mu            sync.Mutex
	tag           snapshotTag
	state         *models.CallState
	callHandlers  []callHandler
	resetHandlers []resetHandler
	nextHandlerID int
	unsubs        []func()
	started       bool
}

// NewEngine creates an engine bound to one session connection. cache may be
// nil on processes that keep no device snapshot (the caller node).
func NewEngine(sessionID uuid.UUID, conn *realtime.Manager, st store.CallStateStore, cache *store.LocalCache, clock clockwork.Clock, config Config) *Engine {
	return &Engine{
		sessionID: sessionID,
		conn:      conn,
		store:     st,
		cache:     cache,
		clock:     clock,
		config:    config,
		state:     emptyState(sessionID, 0, clock.Now()),
	}
}

// Start loads the cache fallback, subscribes to broadcast deltas, and
// schedules an authoritative fetch now and on every reconnect.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.loadCacheFallback()

	unsubCalled := e.conn.Subscribe(realtime.EventTypeNumberCalled, e.handleNumberCalled)
	unsubReset := e.conn.Subscribe(realtime.EventTypeGameReset, e.handleGameReset)
	unsubStatus := e.conn.OnStatusChange(func(cs realtime.ConnectionState) {
		if cs.State == realtime.StateConnected {
			// Reconnect: correct any deltas missed while disconnected.
			go e.Resync(ctx)
		}
	})

	e.mu.Lock()
	e.unsubs = append(e.unsubs, unsubCalled, unsubReset, unsubStatus)
	e.mu.Unlock()

	go e.Resync(ctx)
	return nil
}

// Stop detaches the engine from its connection.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.started = false
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// CalledNumbers returns the current ordered sequence.
func (e *Engine) CalledNumbers() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.state.CalledNumbers))
	copy(out, e.state.CalledNumbers)
	return out
}

// Snapshot returns a copy of the current state and whether it is stale
// (cache-derived, awaiting reconciliation).
func (e *Engine) Snapshot() (*models.CallState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), e.tag != tagFresh
}

// OnNumberCalled registers a handler invoked for every applied call, in
// registration order. The returned func removes the handler.
func (e *Engine) OnNumberCalled(fn func(number int, state *models.CallState)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextHandlerID
	e.nextHandlerID++
	e.callHandlers = append(e.callHandlers, callHandler{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, h := range e.callHandlers {
				if h.id == id {
					e.callHandlers = append(e.callHandlers[:i:i], e.callHandlers[i+1:]...)
					break
				}
			}
		})
	}
}

// OnReset registers a handler invoked when a new generation begins.
func (e *Engine) OnReset(fn func(generation int)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextHandlerID
	e.nextHandlerID++
	e.resetHandlers = append(e.resetHandlers, resetHandler{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, h := range e.resetHandlers {
				if h.id == id {
					e.resetHandlers = append(e.resetHandlers[:i:i], e.resetHandlers[i+1:]...)
					break
				}
			}
		})
	}
}

// CallNumber appends a number to the current generation. Caller-only. An
// already-called number is a silent no-op. The append is persisted before it
// is published, so a player who immediately re-fetches never sees a call
// that is not yet durable. A publish failure after a durable write is
// returned to the caller but does not roll the call back; players self-heal
// on their next fetch.
func (e *Engine) CallNumber(ctx context.Context, number int) error {
	if number <= 0 {
		return fmt.Errorf("call number %d: must be positive", number)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.ensureReconciled(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	if e.state.Contains(number) {
		e.mu.Unlock()
		return nil
	}
	next := e.state.Clone()
	next.CalledNumbers = append(next.CalledNumbers, number)
	next.LastCalled = &number
	next.UpdatedAt = e.clock.Now().UTC()
	e.mu.Unlock()

	if err := e.persistWithRetry(ctx, next); err != nil {
		return err
	}

	e.mu.Lock()
	e.state = next
	e.tag = tagFresh
	stateCopy := next.Clone()
	handlers := append([]callHandler(nil), e.callHandlers...)
	e.mu.Unlock()

	e.saveCache(stateCopy)
	for _, h := range handlers {
		h.fn(number, stateCopy)
	}

	event, err := realtime.NewGameEvent(e.sessionID, realtime.EventTypeNumberCalled, realtime.NumberCalledPayload{
		Number:        number,
		CalledNumbers: stateCopy.CalledNumbers,
		Generation:    stateCopy.Generation,
		SessionID:     e.sessionID.String(),
		Timestamp:     stateCopy.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if err := e.conn.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Int("number", number).Msg("call persisted but publish failed")
		return err
	}
	return nil
}

// ResetGame starts a new generation with an empty sequence. Caller-only.
func (e *Engine) ResetGame(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.ensureReconciled(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	next := emptyState(e.sessionID, e.state.Generation+1, e.clock.Now().UTC())
	e.mu.Unlock()

	if err := e.persistWithRetry(ctx, next); err != nil {
		return err
	}

	e.mu.Lock()
	e.state = next
	e.tag = tagFresh
	generation := next.Generation
	handlers := append([]resetHandler(nil), e.resetHandlers...)
	e.mu.Unlock()

	e.saveCache(next.Clone())
	for _, h := range handlers {
		h.fn(generation)
	}

	event, err := realtime.NewGameEvent(e.sessionID, realtime.EventTypeGameReset, realtime.GameResetPayload{
		SessionID:  e.sessionID.String(),
		Generation: generation,
	})
	if err != nil {
		return err
	}
	if err := e.conn.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Msg("reset persisted but publish failed")
		return err
	}
	return nil
}

// handleNumberCalled applies one broadcast delta.
func (e *Engine) handleNumberCalled(event *realtime.GameEvent) {
	payload, err := realtime.ParseEventPayload(event)
	if err != nil {
		log.Error().Err(err).Msg("bad number-called payload dropped")
		return
	}
	p := payload.(realtime.NumberCalledPayload)

	e.mu.Lock()
	if e.tag == tagFresh && p.Generation < e.state.Generation {
		// Event from before a reset; discard.
		e.mu.Unlock()
		return
	}
	if e.tag == tagFresh && p.Generation == e.state.Generation && e.state.Contains(p.Number) {
		e.mu.Unlock()
		return
	}

	next := e.state.Clone()
	if p.Generation != next.Generation || e.tag != tagFresh {
		// Ahead of us (or we only had cache): adopt the event's generation.
		next = emptyState(e.sessionID, p.Generation, e.clock.Now().UTC())
	}
	if len(p.CalledNumbers) > 0 {
		next.CalledNumbers = append([]int(nil), p.CalledNumbers...)
	} else {
		next.CalledNumbers = append(next.CalledNumbers, p.Number)
	}
	number := p.Number
	next.LastCalled = &number
	next.UpdatedAt = p.Timestamp

	e.state = next
	e.tag = tagFresh
	stateCopy := next.Clone()
	handlers := append([]callHandler(nil), e.callHandlers...)
	e.mu.Unlock()

	e.saveCache(stateCopy)
	for _, h := range handlers {
		h.fn(p.Number, stateCopy)
	}
}

// handleGameReset discards prior-generation state. A reset carrying a
// generation already applied is a replay and is ignored.
func (e *Engine) handleGameReset(event *realtime.GameEvent) {
	payload, err := realtime.ParseEventPayload(event)
	if err != nil {
		log.Error().Err(err).Msg("bad game-reset payload dropped")
		return
	}
	p := payload.(realtime.GameResetPayload)

	e.mu.Lock()
	generation := p.Generation
	if generation <= e.state.Generation && e.tag == tagFresh {
		// Echo or replay of a reset already applied.
		e.mu.Unlock()
		return
	}
	next := emptyState(e.sessionID, generation, e.clock.Now().UTC())
	e.state = next
	e.tag = tagFresh
	handlers := append([]resetHandler(nil), e.resetHandlers...)
	e.mu.Unlock()

	e.saveCache(next.Clone())
	for _, h := range handlers {
		h.fn(generation)
	}
}

// Resync pulls the full authoritative sequence from the store and
// reconciles it. A fetch carrying an older generation than the in-memory
// state is a stale response from before a reset and is discarded.
func (e *Engine) Resync(ctx context.Context) {
	if err := e.resync(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", e.sessionID.String()).Msg("authoritative fetch failed")
	}
}

func (e *Engine) resync(ctx context.Context) error {
	fetched, err := e.store.GetCallState(ctx, e.sessionID)
	if errors.Is(err, store.ErrNotFound) {
		e.mu.Lock()
		if e.tag != tagFresh {
			e.state = emptyState(e.sessionID, 0, e.clock.Now().UTC())
			e.tag = tagFresh
		}
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.tag == tagFresh && fetched.Generation < e.state.Generation {
		e.mu.Unlock()
		log.Debug().
			Int("fetched_generation", fetched.Generation).
			Msg("discarding stale fetch from prior generation")
		return nil
	}
	e.state = fetched.Clone()
	e.tag = tagFresh
	stateCopy := e.state.Clone()
	e.mu.Unlock()

	e.saveCache(stateCopy)
	return nil
}

// ensureReconciled blocks a caller write until the in-memory state carries a
// trusted generation. A caller restarting mid-game must adopt the durable
// sequence before appending to it; writing through an unreconciled snapshot
// would regress the stored generation and truncate the sequence.
func (e *Engine) ensureReconciled(ctx context.Context) error {
	e.mu.Lock()
	fresh := e.tag == tagFresh
	e.mu.Unlock()
	if fresh {
		return nil
	}
	if err := e.resync(ctx); err != nil {
		return fmt.Errorf("reconcile before write: %w", err)
	}
	return nil
}

// loadCacheFallback seeds in-memory state from the device cache. The result
// renders as stale until a fetch or delta reconciles it.
func (e *Engine) loadCacheFallback() {
	if e.cache == nil {
		return
	}
	cached, err := e.cache.Load(e.sessionID)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tag != tagUnknown {
		return
	}
	state := &models.CallState{
		SessionID:     e.sessionID.String(),
		CalledNumbers: append([]int(nil), cached.CalledNumbers...),
		Generation:    cached.Generation,
		UpdatedAt:     cached.Timestamp,
	}
	if cached.LastCalled != nil {
		last := *cached.LastCalled
		state.LastCalled = &last
	}
	e.state = state
	e.tag = tagStale
}

func (e *Engine) saveCache(state *models.CallState) {
	if e.cache == nil {
		return
	}
	cached := &store.CachedCalls{
		CalledNumbers: state.CalledNumbers,
		LastCalled:    state.LastCalled,
		Generation:    state.Generation,
		Timestamp:     state.UpdatedAt,
	}
	if err := e.cache.Save(e.sessionID, cached); err != nil {
		log.Debug().Err(err).Msg("cache save failed")
	}
}

// persistWithRetry writes the state durably, retrying transient failures
// before giving up with a PersistenceError.
func (e *Engine) persistWithRetry(ctx context.Context, state *models.CallState) error {
	var lastErr error
	for attempt := 0; attempt < e.config.PersistAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.clock.After(e.config.PersistRetryDelay * time.Duration(attempt)):
			}
		}
		if err := e.store.PutCallState(ctx, e.sessionID, state); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return &store.PersistenceError{Op: "put call state", Err: lastErr}
}

func emptyState(sessionID uuid.UUID, generation int, now time.Time) *models.CallState {
	return &models.CallState{
		SessionID:     sessionID.String(),
		CalledNumbers: []int{},
		Generation:    generation,
		UpdatedAt:     now,
	}
}
