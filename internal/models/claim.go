package models

import (
	"time"

	"github.com/google/uuid"
)

// ClaimStatus defines the lifecycle status of a win claim.
type ClaimStatus string

const (
	ClaimStatusNone       ClaimStatus = "NONE"
	ClaimStatusPending    ClaimStatus = "PENDING"
	ClaimStatusValidating ClaimStatus = "VALIDATING"
	ClaimStatusValid      ClaimStatus = "VALID"
	ClaimStatusInvalid    ClaimStatus = "INVALID"
	ClaimStatusValidated  ClaimStatus = "VALIDATED"
	ClaimStatusRejected   ClaimStatus = "REJECTED"
)

// Terminal reports whether the status can no longer change.
func (s ClaimStatus) Terminal() bool {
	switch s {
	case ClaimStatusValidated, ClaimStatusInvalid, ClaimStatusRejected:
		return true
	}
	return false
}

// Claim is one player's assertion that their ticket satisfies a win pattern.
// Created by a player action; only the resolution step mutates it afterwards.
type Claim struct {
	ID          uuid.UUID      `json:"id"`
	SessionID   uuid.UUID      `json:"session_id"`
	PlayerID    uuid.UUID      `json:"player_id"`
	PlayerName  string         `json:"player_name"`
	Ticket      TicketSnapshot `json:"ticket"`
	Pattern     PatternID      `json:"pattern"`
	Status      ClaimStatus    `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// AllocationPolicy is the caller's prize decision for a contended pattern.
type AllocationPolicy string

const (
	AllocationShared   AllocationPolicy = "SHARED"
	AllocationEachFull AllocationPolicy = "EACH_FULL"
)

// ClaimResolution records the outcome of one resolution window: either a
// single winner or a shared-prize group. Immutable once created; at most one
// exists per pattern and generation.
type ClaimResolution struct {
	ID         uuid.UUID        `json:"id"`
	SessionID  uuid.UUID        `json:"session_id"`
	Pattern    PatternID        `json:"pattern"`
	Generation int              `json:"generation"`
	ClaimIDs   []uuid.UUID      `json:"claim_ids"`
	Allocation AllocationPolicy `json:"allocation"`
	DecidedAt  time.Time        `json:"decided_at"`
}
