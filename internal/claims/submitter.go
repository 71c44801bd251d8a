package claims

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/models"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/realtime"
)

// Submitter is the player-side half of the protocol: it broadcasts claims
// and tracks their lifecycle as resolution events come back. It never
// validates anything itself; the caller's verdict is authoritative.
type Submitter struct {
	sessionID  uuid.UUID
	playerID   uuid.UUID
	playerName string
	conn       *realtime.Manager
	calls      CallStateSource
	clock      clockwork.Clock

	mu               sync.Mutex
	mine             map[uuid.UUID]*models.Claim
	terminal         map[claimKey]*models.Claim
	resolvedHandlers []func(models.Claim)
	unsub            func()
}

// NewSubmitter creates the player-side claim submitter.
func NewSubmitter(sessionID, playerID uuid.UUID, playerName string, conn *realtime.Manager, calls CallStateSource, clock clockwork.Clock) *Submitter {
	return &Submitter{
		sessionID:  sessionID,
		playerID:   playerID,
		playerName: playerName,
		conn:       conn,
		calls:      calls,
		clock:      clock,
		mine:       make(map[uuid.UUID]*models.Claim),
		terminal:   make(map[claimKey]*models.Claim),
	}
}

// Start subscribes the submitter to resolution events.
func (s *Submitter) Start() {
	s.mu.Lock()
	if s.unsub != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	unsub := s.conn.Subscribe(realtime.EventTypeClaimResolved, s.handleResolved)

	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()
}

// Stop detaches the submitter from the connection.
func (s *Submitter) Stop() {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// SubmitClaim broadcasts a win claim for the ticket under the pattern. The
// ticket and the player's current view of the called numbers are frozen
// into the claim; the snapshot is diagnostic only. Resubmitting a claim
// that already settled for the same ticket, pattern, and generation returns
// the settled claim without broadcasting anything.
func (s *Submitter) SubmitClaim(ctx context.Context, ticket *models.Ticket, pattern models.PatternID) (*models.Claim, error) {
	state, stale := s.calls.Snapshot()
	key := claimKey{ticketID: ticket.ID, pattern: pattern, generation: state.Generation}

	s.mu.Lock()
	if settled, ok := s.terminal[key]; ok {
		out := *settled
		s.mu.Unlock()
		return &out, nil
	}
	s.mu.Unlock()

	if stale {
		log.Debug().Msg("submitting claim from stale local state")
	}

	claim := &models.Claim{
		ID:          uuid.New(),
		SessionID:   s.sessionID,
		PlayerID:    s.playerID,
		PlayerName:  s.playerName,
		Ticket:      ticket.Snapshot(state),
		Pattern:     pattern,
		Status:      models.ClaimStatusPending,
		SubmittedAt: s.clock.Now().UTC(),
	}

	event, err := realtime.NewGameEvent(s.sessionID, realtime.EventTypeClaimSubmitted, realtime.ClaimSubmittedPayload{
		ClaimID:    claim.ID.String(),
		PlayerID:   s.playerID.String(),
		PlayerName: s.playerName,
		SessionID:  s.sessionID.String(),
		Ticket:     claim.Ticket,
		Pattern:    pattern,
		Timestamp:  claim.SubmittedAt,
	})
	if err != nil {
		return nil, err
	}

	// Track before publishing: the verdict can arrive while Publish is
	// still in flight.
	s.mu.Lock()
	s.mine[claim.ID] = claim
	s.mu.Unlock()

	if err := s.conn.Publish(ctx, event); err != nil {
		s.mu.Lock()
		delete(s.mine, claim.ID)
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	out := *claim
	s.mu.Unlock()
	return &out, nil
}

// Claim returns the player's view of one of their claims.
func (s *Submitter) Claim(id uuid.UUID) (models.Claim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.mine[id]
	if !ok {
		return models.Claim{}, false
	}
	return *claim, true
}

// OnClaimResolved registers a handler invoked when one of this player's
// claims reaches a verdict.
func (s *Submitter) OnClaimResolved(fn func(models.Claim)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolvedHandlers = append(s.resolvedHandlers, fn)
	idx := len(s.resolvedHandlers) - 1
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.resolvedHandlers[idx] = nil
		})
	}
}

func (s *Submitter) handleResolved(event *realtime.GameEvent) {
	payload, err := realtime.ParseEventPayload(event)
	if err != nil {
		log.Error().Err(err).Msg("bad claim-resolved payload dropped")
		return
	}
	p := payload.(realtime.ClaimResolvedPayload)

	now := s.clock.Now().UTC()
	var settled []models.Claim

	s.mu.Lock()
	for _, idStr := range p.ClaimIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		claim, ok := s.mine[id]
		if !ok || claim.Status.Terminal() {
			continue
		}
		claim.Status = p.Result
		claim.Reason = p.Reason
		if claim.Status.Terminal() {
			claim.ResolvedAt = &now
			key := claimKey{ticketID: claim.Ticket.TicketID, pattern: claim.Pattern, generation: claim.Ticket.Generation}
			s.terminal[key] = claim
		}
		settled = append(settled, *claim)
	}
	handlers := append(([]func(models.Claim))(nil), s.resolvedHandlers...)
	s.mu.Unlock()

	for _, claim := range settled {
		for _, fn := range handlers {
			if fn != nil {
				fn(claim)
			}
		}
	}
}
