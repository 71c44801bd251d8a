package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// ninetyBallGrid is a 3x9 ticket with 0 marking blank cells, the layout a
// 90-ball ticket uses.
var ninetyBallGrid = [][]int{
	{7, 0, 23, 0, 41, 0, 56, 0, 72},
	{3, 12, 0, 34, 0, 48, 0, 67, 0},
	{0, 18, 29, 0, 44, 0, 61, 0, 88},
}

func TestPatternCovered(t *testing.T) {
	tests := []struct {
		name    string
		pattern PatternID
		grid    [][]int
		called  []int
		want    bool
	}{
		{
			name:    "one line complete on top row",
			pattern: PatternOneLine,
			grid:    ninetyBallGrid,
			called:  []int{7, 23, 41, 56, 72},
			want:    true,
		},
		{
			name:    "one line incomplete",
			pattern: PatternOneLine,
			grid:    ninetyBallGrid,
			called:  []int{7, 23, 41, 56},
			want:    false,
		},
		{
			name:    "one line complete on middle row only",
			pattern: PatternOneLine,
			grid:    ninetyBallGrid,
			called:  []int{3, 12, 34, 48, 67},
			want:    true,
		},
		{
			name:    "two lines with only one complete",
			pattern: PatternTwoLines,
			grid:    ninetyBallGrid,
			called:  []int{7, 23, 41, 56, 72},
			want:    false,
		},
		{
			name:    "two lines complete",
			pattern: PatternTwoLines,
			grid:    ninetyBallGrid,
			called:  []int{7, 23, 41, 56, 72, 3, 12, 34, 48, 67},
			want:    true,
		},
		{
			name:    "full house missing one number",
			pattern: PatternFullHouse,
			grid:    ninetyBallGrid,
			called:  []int{7, 23, 41, 56, 72, 3, 12, 34, 48, 67, 18, 29, 44, 61},
			want:    false,
		},
		{
			name:    "full house complete",
			pattern: PatternFullHouse,
			grid:    ninetyBallGrid,
			called:  []int{7, 23, 41, 56, 72, 3, 12, 34, 48, 67, 18, 29, 44, 61, 88},
			want:    true,
		},
		{
			name:    "four corners with blank corners covered free",
			pattern: PatternFourCorners,
			grid:    ninetyBallGrid,
			called:  []int{7, 72},
			want:    true,
		},
		{
			name:    "four corners incomplete",
			pattern: PatternFourCorners,
			grid:    ninetyBallGrid,
			called:  []int{7},
			want:    false,
		},
		{
			name:    "extra called numbers are irrelevant",
			pattern: PatternOneLine,
			grid:    ninetyBallGrid,
			called:  []int{1, 2, 7, 23, 41, 56, 72, 90},
			want:    true,
		},
		{
			name:    "empty grid never covers",
			pattern: PatternFullHouse,
			grid:    [][]int{},
			called:  []int{1, 2, 3},
			want:    false,
		},
		{
			name:    "all-blank row does not count as a line",
			pattern: PatternOneLine,
			grid:    [][]int{{0, 0, 0}, {5, 0, 9}},
			called:  []int{},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PatternCovered(tt.pattern, tt.grid, tt.called)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKnownPattern(t *testing.T) {
	assert.True(t, KnownPattern(PatternOneLine))
	assert.True(t, KnownPattern(PatternTwoLines))
	assert.True(t, KnownPattern(PatternFullHouse))
	assert.True(t, KnownPattern(PatternFourCorners))
	assert.False(t, KnownPattern(PatternID("DIAGONAL")))
	assert.False(t, KnownPattern(PatternID("")))
}

func TestClaimStatusTerminal(t *testing.T) {
	assert.True(t, ClaimStatusValidated.Terminal())
	assert.True(t, ClaimStatusInvalid.Terminal())
	assert.True(t, ClaimStatusRejected.Terminal())
	assert.False(t, ClaimStatusPending.Terminal())
	assert.False(t, ClaimStatusValidating.Terminal())
	assert.False(t, ClaimStatusValid.Terminal())
	assert.False(t, ClaimStatusNone.Terminal())
}
