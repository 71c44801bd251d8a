package models

import (
	"github.com/google/uuid"
)

// Ticket is a player's number grid. Cells holding 0 are blanks. Numbers are
// immutable after issue; only marks change.
type Ticket struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	PlayerID  uuid.UUID `json:"player_id"`
	Rows      int       `json:"rows"`
	Cols      int       `json:"cols"`
	Grid      [][]int   `json:"grid"`

	// ManualMarks holds numbers the player dabbed themselves when auto-mark
	// is off. Ignored when AutoMark is true.
	AutoMark    bool  `json:"auto_mark"`
	ManualMarks []int `json:"manual_marks,omitempty"`
}

// Numbers returns every non-blank number on the ticket in row-major order.
func (t *Ticket) Numbers() []int {
	var nums []int
	for _, row := range t.Grid {
		for _, n := range row {
			if n != 0 {
				nums = append(nums, n)
			}
		}
	}
	return nums
}

// Marked returns the set of ticket numbers considered marked against the
// given called numbers: the intersection with calledNumbers when auto-mark
// is on, the player's manual dabs otherwise.
func (t *Ticket) Marked(calledNumbers []int) map[int]bool {
	marked := make(map[int]bool)
	if t.AutoMark {
		called := make(map[int]bool, len(calledNumbers))
		for _, n := range calledNumbers {
			called[n] = true
		}
		for _, n := range t.Numbers() {
			if called[n] {
				marked[n] = true
			}
		}
		return marked
	}
	for _, n := range t.ManualMarks {
		marked[n] = true
	}
	return marked
}

// TicketSnapshot freezes a ticket and the called numbers the player saw at
// claim time. The called numbers are advisory: validation always runs
// against the caller's authoritative state, the snapshot only explains
// discrepancies back to the player.
type TicketSnapshot struct {
	TicketID      uuid.UUID `json:"ticket_id"`
	Rows          int       `json:"rows"`
	Cols          int       `json:"cols"`
	Grid          [][]int   `json:"grid"`
	CalledNumbers []int     `json:"called_numbers"`
	Generation    int       `json:"generation"`
}

// Snapshot captures the ticket against the player's view of the call state.
func (t *Ticket) Snapshot(state *CallState) TicketSnapshot {
	snap := TicketSnapshot{
		TicketID: t.ID,
		Rows:     t.Rows,
		Cols:     t.Cols,
		Grid:     make([][]int, len(t.Grid)),
	}
	for i, row := range t.Grid {
		snap.Grid[i] = make([]int, len(row))
		copy(snap.Grid[i], row)
	}
	if state != nil {
		snap.CalledNumbers = make([]int, len(state.CalledNumbers))
		copy(snap.CalledNumbers, state.CalledNumbers)
		snap.Generation = state.Generation
	}
	return snap
}
