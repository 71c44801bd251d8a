package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTicketMarked(t *testing.T) {
	ticket := &Ticket{
		ID:       uuid.New(),
		Grid:     [][]int{{7, 0, 23}, {0, 41, 56}},
		AutoMark: true,
	}

	marked := ticket.Marked([]int{7, 41, 90})
	assert.Equal(t, map[int]bool{7: true, 41: true}, marked)

	ticket.AutoMark = false
	ticket.ManualMarks = []int{23}
	marked = ticket.Marked([]int{7, 41, 90})
	assert.Equal(t, map[int]bool{23: true}, marked)
}

func TestTicketSnapshotIsDeepCopy(t *testing.T) {
	ticket := &Ticket{
		ID:   uuid.New(),
		Rows: 1,
		Cols: 3,
		Grid: [][]int{{7, 0, 23}},
	}
	state := &CallState{
		CalledNumbers: []int{7, 23},
		Generation:    2,
		UpdatedAt:     time.Now(),
	}

	snap := ticket.Snapshot(state)
	assert.Equal(t, ticket.ID, snap.TicketID)
	assert.Equal(t, []int{7, 23}, snap.CalledNumbers)
	assert.Equal(t, 2, snap.Generation)

	ticket.Grid[0][0] = 99
	state.CalledNumbers[0] = 99
	assert.Equal(t, 7, snap.Grid[0][0])
	assert.Equal(t, 7, snap.CalledNumbers[0])
}

func TestCallStateClone(t *testing.T) {
	last := 23
	state := &CallState{
		SessionID:     uuid.NewString(),
		CalledNumbers: []int{7, 23},
		LastCalled:    &last,
		Generation:    1,
	}

	clone := state.Clone()
	clone.CalledNumbers = append(clone.CalledNumbers, 41)
	*clone.LastCalled = 41

	assert.Equal(t, []int{7, 23}, state.CalledNumbers)
	assert.Equal(t, 23, *state.LastCalled)
	assert.True(t, state.Contains(7))
	assert.False(t, state.Contains(41))
	assert.True(t, state.ContainsAll([]int{7, 23}))
	assert.False(t, state.ContainsAll([]int{7, 41}))
}
