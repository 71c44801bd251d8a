package models

import (
	"time"
)

// CallState is the authoritative record of numbers called in the current
// game. CalledNumbers is strictly append-only within a generation; a reset
// starts a new generation with an empty sequence.
type CallState struct {
	SessionID     string    `json:"session_id"`
	CalledNumbers []int     `json:"called_numbers"`
	LastCalled    *int      `json:"last_called,omitempty"`
	Generation    int       `json:"generation"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Contains reports whether n has already been called in this generation.
func (c *CallState) Contains(n int) bool {
	for _, called := range c.CalledNumbers {
		if called == n {
			return true
		}
	}
	return false
}

// ContainsAll reports whether every number in nums has been called.
func (c *CallState) ContainsAll(nums []int) bool {
	for _, n := range nums {
		if !c.Contains(n) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so read-only projections can be handed out
// without exposing the caller's mutable sequence.
func (c *CallState) Clone() *CallState {
	out := &CallState{
		SessionID:  c.SessionID,
		Generation: c.Generation,
		UpdatedAt:  c.UpdatedAt,
	}
	out.CalledNumbers = make([]int, len(c.CalledNumbers))
	copy(out.CalledNumbers, c.CalledNumbers)
	if c.LastCalled != nil {
		last := *c.LastCalled
		out.LastCalled = &last
	}
	return out
}
