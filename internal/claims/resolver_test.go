package claims

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/models"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/realtime"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/transport"
)

type fixedCalls struct {
	mu    sync.Mutex
	state *models.CallState
	stale bool
}

func (f *fixedCalls) Snapshot() (*models.CallState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone(), f.stale
}

type fakeClaimStore struct {
	mu          sync.Mutex
	claims      map[uuid.UUID]*models.Claim
	resolutions map[string]*models.ClaimResolution
}

func newFakeClaimStore() *fakeClaimStore {
	return &fakeClaimStore{
		claims:      make(map[uuid.UUID]*models.Claim),
		resolutions: make(map[string]*models.ClaimResolution),
	}
}

func resolutionKey(sessionID uuid.UUID, pattern models.PatternID, generation int) string {
	return fmt.Sprintf("%s|%s|%d", sessionID, pattern, generation)
}

func (f *fakeClaimStore) SaveClaim(ctx context.Context, claim *models.Claim) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *claim
	f.claims[claim.ID] = &c
	return nil
}

func (f *fakeClaimStore) GetClaim(ctx context.Context, id uuid.UUID) (*models.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claim, ok := f.claims[id]
	if !ok {
		return nil, fmt.Errorf("claim %s not found", id)
	}
	c := *claim
	return &c, nil
}

func (f *fakeClaimStore) ClaimsBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Claim
	for _, c := range f.claims {
		if c.SessionID == sessionID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeClaimStore) RecordResolution(ctx context.Context, res *models.ClaimResolution) (*models.ClaimResolution, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := resolutionKey(res.SessionID, res.Pattern, res.Generation)
	if existing, ok := f.resolutions[key]; ok {
		stored := *existing
		return &stored, false, nil
	}
	stored := *res
	f.resolutions[key] = &stored
	out := stored
	return &out, true, nil
}

type fakeSessionStore struct {
	session *models.Session
}

func (f *fakeSessionStore) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s := *f.session
	return &s, nil
}

func (f *fakeSessionStore) PutSession(ctx context.Context, session *models.Session) error {
	s := *session
	f.session = &s
	return nil
}

// topRowCalls covers the top row of testGrid for a ONE_LINE win.
var topRowCalls = []int{7, 23, 41, 56, 72}

var testGrid = [][]int{
	{7, 0, 23, 0, 41, 0, 56, 0, 72},
	{3, 12, 0, 34, 0, 48, 0, 67, 0},
	{0, 18, 29, 0, 44, 0, 61, 0, 88},
}

func newTicket(playerID uuid.UUID) *models.Ticket {
	return &models.Ticket{
		ID:       uuid.New(),
		PlayerID: playerID,
		Rows:     3,
		Cols:     9,
		Grid:     testGrid,
	}
}

type claimHarness struct {
	sessionID uuid.UUID
	bus       *transport.MemoryBus
	clock     *clockwork.FakeClock
	calls     *fixedCalls
	store     *fakeClaimStore
	resolver  *Resolver
}

func newClaimHarness(t *testing.T, called []int) *claimHarness {
	t.Helper()

	h := &claimHarness{
		sessionID: uuid.New(),
		bus:       transport.NewMemoryBus(),
		clock:     clockwork.NewFakeClock(),
		store:     newFakeClaimStore(),
	}
	h.calls = &fixedCalls{state: &models.CallState{
		SessionID:     h.sessionID.String(),
		CalledNumbers: called,
		UpdatedAt:     time.Now().UTC(),
	}}

	callerConn := realtime.NewManager(h.sessionID, h.bus, clockwork.NewRealClock(), realtime.DefaultConfig())
	require.NoError(t, callerConn.Connect(context.Background()))
	t.Cleanup(callerConn.Close)

	h.resolver = NewResolver(h.sessionID, callerConn, h.calls, nil, h.store, h.clock, DefaultConfig())
	h.resolver.Start(context.Background())
	t.Cleanup(h.resolver.Stop)
	return h
}

func (h *claimHarness) newSubmitter(t *testing.T, playerID uuid.UUID, name string) *Submitter {
	t.Helper()
	conn := realtime.NewManager(h.sessionID, h.bus, clockwork.NewRealClock(), realtime.DefaultConfig())
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(conn.Close)

	sub := NewSubmitter(h.sessionID, playerID, name, conn, h.calls, h.clock)
	sub.Start()
	t.Cleanup(sub.Stop)
	return sub
}

func TestSoleValidClaimAutoValidates(t *testing.T) {
	ctx := context.Background()
	h := newClaimHarness(t, topRowCalls)

	playerID := uuid.New()
	sub := h.newSubmitter(t, playerID, "ada")
	ticket := newTicket(playerID)

	claim, err := sub.SubmitClaim(ctx, ticket, models.PatternOneLine)
	require.NoError(t, err)

	// In flight until the window closes.
	got, ok := sub.Claim(claim.ID)
	require.True(t, ok)
	assert.False(t, got.Status.Terminal())

	h.clock.Advance(DefaultConfig().ResolutionWindow)

	require.Eventually(t, func() bool {
		got, ok := sub.Claim(claim.ID)
		return ok && got.Status == models.ClaimStatusValidated
	}, time.Second, time.Millisecond)

	resolved, ok := h.resolver.Claim(claim.ID)
	require.True(t, ok)
	assert.Equal(t, models.ClaimStatusValidated, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)

	h.store.mu.Lock()
	res := h.store.resolutions[resolutionKey(h.sessionID, models.PatternOneLine, 0)]
	h.store.mu.Unlock()
	require.NotNil(t, res)
	assert.Equal(t, []uuid.UUID{claim.ID}, res.ClaimIDs)
	assert.Empty(t, res.Allocation)
}

func TestIncompleteClaimInvalid(t *testing.T) {
	ctx := context.Background()
	h := newClaimHarness(t, []int{7, 23}) // top row not complete

	playerID := uuid.New()
	sub := h.newSubmitter(t, playerID, "ada")

	claim, err := sub.SubmitClaim(ctx, newTicket(playerID), models.PatternOneLine)
	require.NoError(t, err)

	got, ok := sub.Claim(claim.ID)
	require.True(t, ok)
	assert.Equal(t, models.ClaimStatusInvalid, got.Status)
	assert.Equal(t, ReasonPatternIncomplete, got.Reason)
}

func TestUnknownPatternInvalid(t *testing.T) {
	ctx := context.Background()
	h := newClaimHarness(t, topRowCalls)

	playerID := uuid.New()
	sub := h.newSubmitter(t, playerID, "ada")

	claim, err := sub.SubmitClaim(ctx, newTicket(playerID), models.PatternID("DIAGONAL"))
	require.NoError(t, err)

	got, ok := sub.Claim(claim.ID)
	require.True(t, ok)
	assert.Equal(t, models.ClaimStatusInvalid, got.Status)
	assert.Equal(t, ReasonUnknownPattern, got.Reason)
}

func TestInactivePatternInvalid(t *testing.T) {
	ctx := context.Background()
	h := newClaimHarness(t, topRowCalls)

	sessions := &fakeSessionStore{session: &models.Session{
		ID:             h.sessionID,
		Status:         models.SessionStatusActive,
		GameType:       models.GameType90Ball,
		ActivePatterns: []models.PatternID{models.PatternFullHouse},
	}}
	h.resolver.sessions = sessions

	playerID := uuid.New()
	sub := h.newSubmitter(t, playerID, "ada")

	claim, err := sub.SubmitClaim(ctx, newTicket(playerID), models.PatternOneLine)
	require.NoError(t, err)

	got, ok := sub.Claim(claim.ID)
	require.True(t, ok)
	assert.Equal(t, models.ClaimStatusInvalid, got.Status)
	assert.Equal(t, ReasonPatternInactive, got.Reason)
}

func TestClaimWithMalformedPlayerIDDropped(t *testing.T) {
	ctx := context.Background()
	h := newClaimHarness(t, topRowCalls)

	submitted := make(chan models.Claim, 1)
	h.resolver.OnClaimSubmitted(func(c models.Claim) { submitted <- c })

	conn := realtime.NewManager(h.sessionID, h.bus, clockwork.NewRealClock(), realtime.DefaultConfig())
	require.NoError(t, conn.Connect(ctx))
	t.Cleanup(conn.Close)

	claimID := uuid.New()
	state, _ := h.calls.Snapshot()
	event, err := realtime.NewGameEvent(h.sessionID, realtime.EventTypeClaimSubmitted, realtime.ClaimSubmittedPayload{
		ClaimID:    claimID.String(),
		PlayerID:   "not-a-uuid",
		PlayerName: "ada",
		SessionID:  h.sessionID.String(),
		Ticket:     newTicket(uuid.New()).Snapshot(state),
		Pattern:    models.PatternOneLine,
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, conn.Publish(ctx, event))

	select {
	case c := <-submitted:
		t.Fatalf("claim %s accepted with malformed player id", c.ID)
	default:
	}
	_, ok := h.resolver.Claim(claimID)
	assert.False(t, ok)
}

func TestContendedWindowRequiresDecision(t *testing.T) {
	ctx := context.Background()
	h := newClaimHarness(t, topRowCalls)

	decisions := make(chan PendingDecision, 1)
	h.resolver.OnDecisionRequired(func(d PendingDecision) {
		decisions <- d
	})

	adaID, graceID := uuid.New(), uuid.New()
	ada := h.newSubmitter(t, adaID, "ada")
	grace := h.newSubmitter(t, graceID, "grace")

	adaClaim, err := ada.SubmitClaim(ctx, newTicket(adaID), models.PatternOneLine)
	require.NoError(t, err)
	graceClaim, err := grace.SubmitClaim(ctx, newTicket(graceID), models.PatternOneLine)
	require.NoError(t, err)

	h.clock.Advance(DefaultConfig().ResolutionWindow)

	var decision PendingDecision
	select {
	case decision = <-decisions:
	case <-time.After(time.Second):
		t.Fatal("caller was never asked for a decision")
	}
	assert.Equal(t, models.PatternOneLine, decision.Pattern)
	assert.Len(t, decision.Claims, 2)
	assert.Len(t, h.resolver.PendingDecisions(), 1)

	// Neither claim resolves without an explicit caller decision.
	got, _ := ada.Claim(adaClaim.ID)
	assert.False(t, got.Status.Terminal())

	res, err := h.resolver.ResolveClaims(ctx, models.PatternOneLine, 0, models.AllocationShared)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationShared, res.Allocation)
	assert.ElementsMatch(t, []uuid.UUID{adaClaim.ID, graceClaim.ID}, res.ClaimIDs)

	for _, tc := range []struct {
		sub *Submitter
		id  uuid.UUID
	}{{ada, adaClaim.ID}, {grace, graceClaim.ID}} {
		require.Eventually(t, func() bool {
			got, ok := tc.sub.Claim(tc.id)
			return ok && got.Status == models.ClaimStatusValidated
		}, time.Second, time.Millisecond)
	}
	assert.Empty(t, h.resolver.PendingDecisions())

	// Deciding again returns the recorded resolution unchanged.
	again, err := h.resolver.ResolveClaims(ctx, models.PatternOneLine, 0, models.AllocationEachFull)
	require.NoError(t, err)
	assert.Equal(t, res.ID, again.ID)
	assert.Equal(t, models.AllocationShared, again.Allocation)
}

func TestResolveClaimsWithoutPendingGroup(t *testing.T) {
	h := newClaimHarness(t, topRowCalls)

	_, err := h.resolver.ResolveClaims(context.Background(), models.PatternFullHouse, 0, models.AllocationShared)
	assert.ErrorIs(t, err, ErrNoPendingDecision)
}

func TestLateClaimAfterResolutionRejected(t *testing.T) {
	ctx := context.Background()
	h := newClaimHarness(t, topRowCalls)

	winnerID := uuid.New()
	winner := h.newSubmitter(t, winnerID, "ada")
	winnerClaim, err := winner.SubmitClaim(ctx, newTicket(winnerID), models.PatternOneLine)
	require.NoError(t, err)

	h.clock.Advance(DefaultConfig().ResolutionWindow)
	require.Eventually(t, func() bool {
		got, ok := winner.Claim(winnerClaim.ID)
		return ok && got.Status == models.ClaimStatusValidated
	}, time.Second, time.Millisecond)

	lateID := uuid.New()
	late := h.newSubmitter(t, lateID, "grace")
	lateClaim, err := late.SubmitClaim(ctx, newTicket(lateID), models.PatternOneLine)
	require.NoError(t, err)

	got, ok := late.Claim(lateClaim.ID)
	require.True(t, ok)
	assert.Equal(t, models.ClaimStatusRejected, got.Status)
	assert.Equal(t, ReasonAlreadyResolved, got.Reason)
}

func TestResubmissionReturnsSettledClaim(t *testing.T) {
	ctx := context.Background()
	h := newClaimHarness(t, topRowCalls)

	playerID := uuid.New()
	sub := h.newSubmitter(t, playerID, "ada")
	ticket := newTicket(playerID)

	first, err := sub.SubmitClaim(ctx, ticket, models.PatternOneLine)
	require.NoError(t, err)
	h.clock.Advance(DefaultConfig().ResolutionWindow)
	require.Eventually(t, func() bool {
		got, ok := sub.Claim(first.ID)
		return ok && got.Status == models.ClaimStatusValidated
	}, time.Second, time.Millisecond)

	// Resubmitting locally returns the settled claim without a broadcast.
	second, err := sub.SubmitClaim(ctx, ticket, models.PatternOneLine)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.ClaimStatusValidated, second.Status)
}

func TestResubmitAfterRestartEchoesVerdict(t *testing.T) {
	ctx := context.Background()
	h := newClaimHarness(t, topRowCalls)

	playerID := uuid.New()
	sub := h.newSubmitter(t, playerID, "ada")
	ticket := newTicket(playerID)

	first, err := sub.SubmitClaim(ctx, ticket, models.PatternOneLine)
	require.NoError(t, err)
	h.clock.Advance(DefaultConfig().ResolutionWindow)
	require.Eventually(t, func() bool {
		got, ok := sub.Claim(first.ID)
		return ok && got.Status == models.ClaimStatusValidated
	}, time.Second, time.Millisecond)

	// The player device restarts and loses local claim state; the resolver
	// echoes the terminal verdict for the same ticket and pattern.
	fresh := h.newSubmitter(t, playerID, "ada")
	replay, err := fresh.SubmitClaim(ctx, ticket, models.PatternOneLine)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, replay.ID)

	require.Eventually(t, func() bool {
		got, ok := fresh.Claim(replay.ID)
		return ok && got.Status == models.ClaimStatusValidated
	}, time.Second, time.Millisecond)
}
