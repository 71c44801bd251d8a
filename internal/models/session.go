package models

import (
	"time"

	"github.com/google/uuid"
)

// GameType defines the ball set a session plays with.
type GameType string

const (
	GameType75Ball GameType = "75_BALL"
	GameType90Ball GameType = "90_BALL"
)

// MaxNumber returns the highest callable number for the game type.
func (g GameType) MaxNumber() int {
	switch g {
	case GameType90Ball:
		return 90
	default:
		return 75
	}
}

// SessionStatus defines the lifecycle status of a session.
type SessionStatus string

const (
	SessionStatusPending SessionStatus = "PENDING"
	SessionStatusActive  SessionStatus = "ACTIVE"
	SessionStatusEnded   SessionStatus = "ENDED"
)

// Session represents one live bingo session. It is owned by the caller;
// players hold read-only projections.
type Session struct {
	ID             uuid.UUID     `json:"id"`
	CallerID       uuid.UUID     `json:"caller_id"`
	Status         SessionStatus `json:"status"`
	GameType       GameType      `json:"game_type"`
	ActivePatterns []PatternID   `json:"active_patterns"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// HasPattern reports whether a pattern is currently active for the session.
func (s *Session) HasPattern(id PatternID) bool {
	for _, p := range s.ActivePatterns {
		if p == id {
			return true
		}
	}
	return false
}
