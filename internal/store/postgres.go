package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/models"
	"github.com/devonphill/bingo-blitz-online-sub005/internal/sqlutil"
)

// PostgresStore implements the durable store interfaces on database/sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ CallStateStore = (*PostgresStore)(nil)
var _ SessionStore = (*PostgresStore)(nil)
var _ ClaimStore = (*PostgresStore)(nil)

// Migrate creates the core tables. The unique index on claim resolutions is
// what makes the resolution decision exactly-once server-side.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bingo_sessions (
			id UUID PRIMARY KEY,
			caller_id UUID NOT NULL,
			status TEXT NOT NULL,
			game_type TEXT NOT NULL,
			active_patterns TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS call_states (
			session_id UUID PRIMARY KEY,
			called_numbers INTEGER[] NOT NULL DEFAULT '{}',
			last_called INTEGER,
			generation INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS claims (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL,
			player_id UUID NOT NULL,
			player_name TEXT NOT NULL,
			ticket JSONB,
			pattern TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			submitted_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS claim_resolutions (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL,
			pattern TEXT NOT NULL,
			generation INTEGER NOT NULL,
			claim_ids TEXT[] NOT NULL,
			allocation TEXT NOT NULL,
			decided_at TIMESTAMPTZ NOT NULL,
			UNIQUE (session_id, pattern, generation)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &PersistenceError{Op: "migrate", Err: err}
		}
	}
	return nil
}

// GetCallState loads the durable call state for a session.
func (s *PostgresStore) GetCallState(ctx context.Context, sessionID uuid.UUID) (*models.CallState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT called_numbers, last_called, generation, updated_at
		 FROM call_states WHERE session_id = $1`, sessionID)

	var (
		called     []int64
		lastCalled sql.NullInt64
		state      models.CallState
	)
	err := row.Scan(pq.Array(&called), &lastCalled, &state.Generation, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call state: %w", err)
	}

	state.SessionID = sessionID.String()
	state.CalledNumbers = fromInt64s(called)
	state.LastCalled = sqlutil.FromSqlInt64(lastCalled)
	return &state, nil
}

// PutCallState upserts the call state. Last-writer-wins by design: the
// single-caller assumption makes write-write races a non-case, and multiple
// caller tabs are an accepted limitation.
func (s *PostgresStore) PutCallState(ctx context.Context, sessionID uuid.UUID, state *models.CallState) error {
	lastCalled := sqlutil.ToSqlInt64(state.LastCalled)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_states (session_id, called_numbers, last_called, generation, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO UPDATE SET
			called_numbers = EXCLUDED.called_numbers,
			last_called = EXCLUDED.last_called,
			generation = EXCLUDED.generation,
			updated_at = EXCLUDED.updated_at`,
		sessionID, pq.Array(toInt64s(state.CalledNumbers)), lastCalled, state.Generation, state.UpdatedAt)
	if err != nil {
		return &PersistenceError{Op: "put call state", Err: err}
	}
	return nil
}

// GetSession loads session metadata.
func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, caller_id, status, game_type, active_patterns, created_at, updated_at
		 FROM bingo_sessions WHERE id = $1`, id)

	var (
		session  models.Session
		patterns []string
	)
	err := row.Scan(&session.ID, &session.CallerID, &session.Status, &session.GameType,
		pq.Array(&patterns), &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	for _, p := range patterns {
		session.ActivePatterns = append(session.ActivePatterns, models.PatternID(p))
	}
	return &session, nil
}

// PutSession upserts session metadata.
func (s *PostgresStore) PutSession(ctx context.Context, session *models.Session) error {
	patterns := make([]string, len(session.ActivePatterns))
	for i, p := range session.ActivePatterns {
		patterns[i] = string(p)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bingo_sessions (id, caller_id, status, game_type, active_patterns, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			game_type = EXCLUDED.game_type,
			active_patterns = EXCLUDED.active_patterns,
			updated_at = EXCLUDED.updated_at`,
		session.ID, session.CallerID, session.Status, session.GameType,
		pq.Array(patterns), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return &PersistenceError{Op: "put session", Err: err}
	}
	return nil
}

// SaveClaim upserts a claim row, ticket snapshot included.
func (s *PostgresStore) SaveClaim(ctx context.Context, claim *models.Claim) error {
	ticket := pqtype.NullRawMessage{}
	if data, err := json.Marshal(claim.Ticket); err == nil {
		ticket = pqtype.NullRawMessage{RawMessage: data, Valid: true}
	}
	resolvedAt := sqlutil.ToSqlTime(claim.ResolvedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO claims (id, session_id, player_id, player_name, ticket, pattern, status, reason, submitted_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			resolved_at = EXCLUDED.resolved_at`,
		claim.ID, claim.SessionID, claim.PlayerID, claim.PlayerName, ticket,
		claim.Pattern, claim.Status, claim.Reason, claim.SubmittedAt, resolvedAt)
	if err != nil {
		return &PersistenceError{Op: "save claim", Err: err}
	}
	return nil
}

// GetClaim loads one claim by id.
func (s *PostgresStore) GetClaim(ctx context.Context, id uuid.UUID) (*models.Claim, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, player_id, player_name, ticket, pattern, status, reason, submitted_at, resolved_at
		 FROM claims WHERE id = $1`, id)
	claim, err := scanClaim(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return claim, nil
}

// ClaimsBySession lists a session's claims in submission order.
func (s *PostgresStore) ClaimsBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Claim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, player_id, player_name, ticket, pattern, status, reason, submitted_at, resolved_at
		 FROM claims WHERE session_id = $1 ORDER BY submitted_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	var claims []models.Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, *claim)
	}
	return claims, rows.Err()
}

// RecordResolution inserts the decision unless one already exists for the
// (session, pattern, generation) group, then returns the stored row. The
// unique index arbitrates concurrent decisions; losers read the winner.
func (s *PostgresStore) RecordResolution(ctx context.Context, res *models.ClaimResolution) (*models.ClaimResolution, bool, error) {
	ids := make([]string, len(res.ClaimIDs))
	for i, id := range res.ClaimIDs {
		ids[i] = id.String()
	}

	var created bool
	err := sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO claim_resolutions (id, session_id, pattern, generation, claim_ids, allocation, decided_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (session_id, pattern, generation) DO NOTHING`,
			res.ID, res.SessionID, res.Pattern, res.Generation, pq.Array(ids), res.Allocation, res.DecidedAt)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0
		return nil
	})
	if err != nil {
		return nil, false, &PersistenceError{Op: "record resolution", Err: err}
	}

	stored, err := s.getResolution(ctx, res.SessionID, res.Pattern, res.Generation)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *PostgresStore) getResolution(ctx context.Context, sessionID uuid.UUID, pattern models.PatternID, generation int) (*models.ClaimResolution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, pattern, generation, claim_ids, allocation, decided_at
		 FROM claim_resolutions WHERE session_id = $1 AND pattern = $2 AND generation = $3`,
		sessionID, pattern, generation)

	var (
		res models.ClaimResolution
		ids []string
	)
	err := row.Scan(&res.ID, &res.SessionID, &res.Pattern, &res.Generation,
		pq.Array(&ids), &res.Allocation, &res.DecidedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get resolution: %w", err)
	}
	for _, id := range ids {
		parsed, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		res.ClaimIDs = append(res.ClaimIDs, parsed)
	}
	return &res, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanClaim(row rowScanner) (*models.Claim, error) {
	var (
		claim      models.Claim
		ticket     pqtype.NullRawMessage
		resolvedAt sql.NullTime
	)
	err := row.Scan(&claim.ID, &claim.SessionID, &claim.PlayerID, &claim.PlayerName,
		&ticket, &claim.Pattern, &claim.Status, &claim.Reason, &claim.SubmittedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if ticket.Valid {
		_ = json.Unmarshal(ticket.RawMessage, &claim.Ticket)
	}
	claim.ResolvedAt = sqlutil.FromSqlTime(resolvedAt)
	return &claim, nil
}

func toInt64s(nums []int) []int64 {
	out := make([]int64, len(nums))
	for i, n := range nums {
		out[i] = int64(n)
	}
	return out
}

func fromInt64s(nums []int64) []int {
	out := make([]int, len(nums))
	for i, n := range nums {
		out[i] = int(n)
	}
	return out
}
