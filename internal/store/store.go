// Package store holds the persistence seams: the durable session store
// (source of truth when the realtime path is down) and the per-device local
// cache of called numbers.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/devonphill/bingo-blitz-online-sub005/internal/models"
)

// ErrNotFound is returned when a session has no persisted record yet.
var ErrNotFound = errors.New("store: not found")

// PersistenceError marks a store write failure. A call or reset is not
// committed until the write succeeds, so callers retry before publishing.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CallStateStore is the durable record of called numbers per session.
// Treated as read-after-write consistent for the single caller writer;
// concurrent caller tabs are last-writer-wins, an accepted limitation.
type CallStateStore interface {
	GetCallState(ctx context.Context, sessionID uuid.UUID) (*models.CallState, error)
	PutCallState(ctx context.Context, sessionID uuid.UUID, state *models.CallState) error
}

// SessionStore persists session metadata (status, game type, active
// patterns). Lobby CRUD lives outside this core; only the reads and the
// status/pattern writes the protocols need are exposed.
type SessionStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	PutSession(ctx context.Context, session *models.Session) error
}

// ClaimStore persists claims and resolution decisions. The resolution write
// is exactly-once per (session, pattern, generation): a second decision for
// the same group returns the recorded one.
type ClaimStore interface {
	SaveClaim(ctx context.Context, claim *models.Claim) error
	GetClaim(ctx context.Context, id uuid.UUID) (*models.Claim, error)
	ClaimsBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Claim, error)
	// RecordResolution stores the decision if none exists for its group and
	// returns the authoritative stored resolution either way, with created
	// reporting whether this call won the insert.
	RecordResolution(ctx context.Context, res *models.ClaimResolution) (stored *models.ClaimResolution, created bool, err error)
}
