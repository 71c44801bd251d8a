// Package claims implements the claim submission and resolution protocol:
// players broadcast claims, the caller validates them against its own
// authoritative call state, and near-simultaneous valid claims are coalesced
// into one explicit prize decision instead of first-valid-wins.
package claims

import (
	"context"
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

// Human-readable rejection reasons sent back to the submitting player.
const (
	ReasonPatternIncomplete = "pattern not yet complete"
	ReasonPatternInactive   = "pattern no longer active"
	ReasonUnknownPattern    = "unknown win pattern"
	ReasonAlreadyResolved   = "prize already resolved for this pattern"
)

// ErrNoPendingDecision is returned by ResolveClaims when no contended group
// is awaiting a decision for the given pattern and generation.
var ErrNoPendingDecision = fmt.Errorf("claims: no pending decision for group")

// Config holds the resolution policy.
type Config struct {
	// ResolutionWindow bounds how long valid claims are coalesced before
	// resolution. Sized for the caller UI to react, not instantaneous:
	// near-simultaneous submissions are common and first-valid-wins is
	// unfair under network jitter.
	ResolutionWindow time.Duration
}

// DefaultConfig returns the production resolution policy.
func DefaultConfig() Config {
	return Config{ResolutionWindow: 3 * time.Second}
}

// CallStateSource is the resolver's view of the caller's authoritative call
// state.
type CallStateSource interface {
	Snapshot() (*models.CallState, bool)
}

// PendingDecision is a contended group surfaced to the caller for an
// explicit shared/each-full choice.
type PendingDecision struct {
	Pattern    models.PatternID
	Generation int
	Claims     []models.Claim
}

type groupKey struct {
	pattern    models.PatternID
	generation int
}

type contentionGroup struct {
	key              groupKey
	claims           []*models.Claim
	timer            clockwork.Timer
	awaitingDecision bool
	resolved         bool
	resolution       *models.ClaimResolution
}

type claimKey struct {
	ticketID   uuid.UUID
	pattern    models.PatternID
	generation int
}

// Resolver is the caller-side half of the protocol. All claim mutation
// happens here; players only ever observe resolution events.
type Resolver struct {
	sessionID uuid.UUID
	conn      *realtime.Manager
	calls     CallStateSource
	sessions  store.SessionStore
	claims    store.ClaimStore
	clock     clockwork.Clock
	config    Config

	mu               sync.Mutex
	byID             map[uuid.UUID]*models.Claim
	terminal         map[claimKey]*models.Claim
	groups           map[groupKey]*contentionGroup
	submitHandlers   []func(models.Claim)
	decisionHandlers []func(PendingDecision)
	nextHandlerID    int
	unsub            func()
}

// NewResolver creates the caller-side claim resolver for one session.
func NewResolver(sessionID uuid.UUID, conn *realtime.Manager, calls CallStateSource, sessions store.SessionStore, claimStore store.ClaimStore, clock clockwork.Clock, config Config) *Resolver {
	return &Resolver{
		sessionID: sessionID,
		conn:      conn,
		calls:     calls,
		sessions:  sessions,
		claims:    claimStore,
		clock:     clock,
		config:    config,
		byID:      make(map[uuid.UUID]*models.Claim),
		terminal:  make(map[claimKey]*models.Claim),
		groups:    make(map[groupKey]*contentionGroup),
	}
}

// Start subscribes the resolver to incoming claim submissions.
func (r *Resolver) Start(ctx context.Context) {
	r.mu.Lock()
	if r.unsub != nil {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	unsub := r.conn.Subscribe(realtime.EventTypeClaimSubmitted, func(event *realtime.GameEvent) {
		r.handleSubmitted(ctx, event)
	})

	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()
}

// Stop detaches the resolver from the connection and cancels open windows.
func (r *Resolver) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	for _, g := range r.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
	}
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// OnClaimSubmitted registers a caller-UI handler for every incoming claim.
func (r *Resolver) OnClaimSubmitted(fn func(models.Claim)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitHandlers = append(r.submitHandlers, fn)
	idx := len(r.submitHandlers) - 1
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.submitHandlers[idx] = nil
		})
	}
}

// OnDecisionRequired registers a handler invoked when a resolution window
// closes with more than one valid claim.
func (r *Resolver) OnDecisionRequired(fn func(PendingDecision)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisionHandlers = append(r.decisionHandlers, fn)
	idx := len(r.decisionHandlers) - 1
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.decisionHandlers[idx] = nil
		})
	}
}

// PendingDecisions lists groups still awaiting a caller decision.
func (r *Resolver) PendingDecisions() []PendingDecision {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []PendingDecision
	for _, g := range r.groups {
		if g.awaitingDecision && !g.resolved {
			out = append(out, r.pendingDecisionLocked(g))
		}
	}
	return out
}

// Claim returns the resolver's view of one claim.
func (r *Resolver) Claim(id uuid.UUID) (models.Claim, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	claim, ok := r.byID[id]
	if !ok {
		return models.Claim{}, false
	}
	return *claim, true
}

// ResolveClaims applies the caller's shared/each-full decision to a
// contended group. The decision is recorded exactly once: a repeat call for
// an already-decided group returns the recorded resolution unchanged.
func (r *Resolver) ResolveClaims(ctx context.Context, pattern models.PatternID, generation int, allocation models.AllocationPolicy) (*models.ClaimResolution, error) {
	key := groupKey{pattern: pattern, generation: generation}

	r.mu.Lock()
	g, ok := r.groups[key]
	if ok && g.resolved && g.resolution != nil {
		// Already decided; the recorded resolution is returned unchanged.
		stored := g.resolution
		r.mu.Unlock()
		return stored, nil
	}
	if !ok || !g.awaitingDecision {
		r.mu.Unlock()
		return nil, ErrNoPendingDecision
	}
	claimIDs := make([]uuid.UUID, len(g.claims))
	for i, c := range g.claims {
		claimIDs[i] = c.ID
	}
	r.mu.Unlock()

	res := &models.ClaimResolution{
		ID:         uuid.New(),
		SessionID:  r.sessionID,
		Pattern:    pattern,
		Generation: generation,
		ClaimIDs:   claimIDs,
		Allocation: allocation,
		DecidedAt:  r.clock.Now().UTC(),
	}
	stored, created, err := r.claims.RecordResolution(ctx, res)
	if err != nil {
		return nil, err
	}
	if !created {
		// Another tab decided first; the stored decision is authoritative.
		log.Info().
			Str("pattern", string(pattern)).
			Int("generation", generation).
			Msg("resolution already recorded, returning stored decision")
		return stored, nil
	}

	r.applyResolution(ctx, key, stored)
	return stored, nil
}

// handleSubmitted runs the validation path for one incoming claim.
func (r *Resolver) handleSubmitted(ctx context.Context, event *realtime.GameEvent) {
	payload, err := realtime.ParseEventPayload(event)
	if err != nil {
		log.Error().Err(err).Msg("bad claim-submitted payload dropped")
		return
	}
	p := payload.(realtime.ClaimSubmittedPayload)

	claimID, err := uuid.Parse(p.ClaimID)
	if err != nil {
		log.Error().Str("claim_id", p.ClaimID).Msg("claim with unparseable id dropped")
		return
	}
	playerID, err := uuid.Parse(p.PlayerID)
	if err != nil {
		log.Error().Str("claim_id", p.ClaimID).Str("player_id", p.PlayerID).Msg("claim with unparseable player id dropped")
		return
	}

	state, stale := r.calls.Snapshot()
	if stale {
		log.Warn().Msg("validating claim against stale call state")
	}

	key := claimKey{ticketID: p.Ticket.TicketID, pattern: p.Pattern, generation: state.Generation}

	r.mu.Lock()
	if existing, ok := r.terminal[key]; ok {
		// Resubmission of a settled claim: echo the terminal result, no new
		// claim is created.
		result := *existing
		r.mu.Unlock()
		r.publishResult(ctx, []uuid.UUID{claimID}, result.Status, result.Reason, "")
		return
	}
	if existing, ok := r.byID[claimID]; ok && !existing.Status.Terminal() {
		// Duplicate delivery of an in-flight claim.
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	claim := &models.Claim{
		ID:          claimID,
		SessionID:   r.sessionID,
		PlayerID:    playerID,
		PlayerName:  p.PlayerName,
		Ticket:      p.Ticket,
		Pattern:     p.Pattern,
		Status:      models.ClaimStatusValidating,
		SubmittedAt: p.Timestamp,
	}
	r.notifySubmitted(*claim)

	status, reason := r.validate(ctx, claim, state)
	claim.Status = status
	claim.Reason = reason

	r.mu.Lock()
	r.byID[claim.ID] = claim
	r.mu.Unlock()

	if err := r.claims.SaveClaim(ctx, claim); err != nil {
		log.Error().Err(err).Str("claim_id", claim.ID.String()).Msg("claim save failed")
	}

	switch status {
	case models.ClaimStatusInvalid:
		r.markTerminal(claim, key)
		r.publishResult(ctx, []uuid.UUID{claim.ID}, models.ClaimStatusInvalid, reason, "")

	case models.ClaimStatusRejected:
		r.markTerminal(claim, key)
		r.publishResult(ctx, []uuid.UUID{claim.ID}, models.ClaimStatusRejected, reason, "")

	case models.ClaimStatusValid:
		r.joinGroup(ctx, claim, state.Generation)
	}
}

// validate checks a claim against the caller's current authoritative state.
// The player-submitted called numbers are never consulted here; they exist
// only to explain discrepancies back to the player.
func (r *Resolver) validate(ctx context.Context, claim *models.Claim, state *models.CallState) (models.ClaimStatus, string) {
	if !models.KnownPattern(claim.Pattern) {
		return models.ClaimStatusInvalid, ReasonUnknownPattern
	}

	if r.sessions != nil {
		session, err := r.sessions.GetSession(ctx, r.sessionID)
		if err == nil && !session.HasPattern(claim.Pattern) {
			return models.ClaimStatusInvalid, ReasonPatternInactive
		}
	}

	key := groupKey{pattern: claim.Pattern, generation: state.Generation}
	r.mu.Lock()
	g, ok := r.groups[key]
	settled := ok && g.resolved
	r.mu.Unlock()
	if settled {
		return models.ClaimStatusRejected, ReasonAlreadyResolved
	}

	if !models.PatternCovered(claim.Pattern, claim.Ticket.Grid, state.CalledNumbers) {
		return models.ClaimStatusInvalid, ReasonPatternIncomplete
	}
	return models.ClaimStatusValid, ""
}

// joinGroup adds a valid claim to its contention group, opening the
// coalescing window on the first one.
func (r *Resolver) joinGroup(ctx context.Context, claim *models.Claim, generation int) {
	key := groupKey{pattern: claim.Pattern, generation: generation}

	r.mu.Lock()
	g, ok := r.groups[key]
	if !ok {
		g = &contentionGroup{key: key}
		r.groups[key] = g
		g.timer = r.clock.AfterFunc(r.config.ResolutionWindow, func() {
			r.closeWindow(ctx, key)
		})
	}
	g.claims = append(g.claims, claim)
	r.mu.Unlock()

	log.Info().
		Str("claim_id", claim.ID.String()).
		Str("pattern", string(claim.Pattern)).
		Msg("claim valid, coalescing")
}

// closeWindow resolves a group when its coalescing window elapses: a sole
// valid claim auto-validates; a contended group waits for the caller.
func (r *Resolver) closeWindow(ctx context.Context, key groupKey) {
	r.mu.Lock()
	g, ok := r.groups[key]
	if !ok || g.resolved {
		r.mu.Unlock()
		return
	}
	if len(g.claims) > 1 {
		g.awaitingDecision = true
		decision := r.pendingDecisionLocked(g)
		handlers := append(([]func(PendingDecision))(nil), r.decisionHandlers...)
		r.mu.Unlock()

		log.Info().
			Str("pattern", string(key.pattern)).
			Int("claims", len(decision.Claims)).
			Msg("contended window closed, caller decision required")
		for _, fn := range handlers {
			if fn != nil {
				fn(decision)
			}
		}
		return
	}
	sole := g.claims[0]
	r.mu.Unlock()

	res := &models.ClaimResolution{
		ID:         uuid.New(),
		SessionID:  r.sessionID,
		Pattern:    key.pattern,
		Generation: key.generation,
		ClaimIDs:   []uuid.UUID{sole.ID},
		DecidedAt:  r.clock.Now().UTC(),
	}
	stored, created, err := r.claims.RecordResolution(ctx, res)
	if err != nil {
		log.Error().Err(err).Msg("sole-winner resolution record failed")
		return
	}
	if !created {
		log.Info().Str("pattern", string(key.pattern)).Msg("group already resolved elsewhere")
	}
	r.applyResolution(ctx, key, stored)
}

// applyResolution transitions every claim in the group to VALIDATED
// atomically and broadcasts one resolution event for the whole group.
func (r *Resolver) applyResolution(ctx context.Context, key groupKey, res *models.ClaimResolution) {
	now := r.clock.Now().UTC()

	r.mu.Lock()
	g := r.groups[key]
	if g == nil {
		g = &contentionGroup{key: key}
		r.groups[key] = g
	}
	g.resolved = true
	g.awaitingDecision = false
	g.resolution = res
	if g.timer != nil {
		g.timer.Stop()
	}
	var settled []*models.Claim
	for _, id := range res.ClaimIDs {
		claim, ok := r.byID[id]
		if !ok {
			continue
		}
		claim.Status = models.ClaimStatusValidated
		claim.ResolvedAt = &now
		r.terminal[claimKey{ticketID: claim.Ticket.TicketID, pattern: claim.Pattern, generation: key.generation}] = claim
		settled = append(settled, claim)
	}
	r.mu.Unlock()

	for _, claim := range settled {
		if err := r.claims.SaveClaim(ctx, claim); err != nil {
			log.Error().Err(err).Str("claim_id", claim.ID.String()).Msg("resolved claim save failed")
		}
	}
	r.publishResult(ctx, res.ClaimIDs, models.ClaimStatusValidated, "", res.Allocation)
}

func (r *Resolver) markTerminal(claim *models.Claim, key claimKey) {
	now := r.clock.Now().UTC()
	r.mu.Lock()
	claim.ResolvedAt = &now
	r.terminal[key] = claim
	r.mu.Unlock()
}

func (r *Resolver) publishResult(ctx context.Context, ids []uuid.UUID, result models.ClaimStatus, reason string, allocation models.AllocationPolicy) {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	event, err := realtime.NewGameEvent(r.sessionID, realtime.EventTypeClaimResolved, realtime.ClaimResolvedPayload{
		ClaimIDs:   strIDs,
		Result:     result,
		Reason:     reason,
		Allocation: allocation,
	})
	if err != nil {
		log.Error().Err(err).Msg("claim-resolved event build failed")
		return
	}
	if err := r.conn.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Msg("claim-resolved publish failed")
	}
}

func (r *Resolver) notifySubmitted(claim models.Claim) {
	r.mu.Lock()
	handlers := append(([]func(models.Claim))(nil), r.submitHandlers...)
	r.mu.Unlock()
	for _, fn := range handlers {
		if fn != nil {
			fn(claim)
		}
	}
}

func (r *Resolver) pendingDecisionLocked(g *contentionGroup) PendingDecision {
	decision := PendingDecision{
		Pattern:    g.key.pattern,
		Generation: g.key.generation,
		Claims:     make([]models.Claim, len(g.claims)),
	}
	for i, c := range g.claims {
		decision.Claims[i] = *c
	}
	return decision
}
