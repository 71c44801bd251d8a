package models

// PatternID identifies a win pattern rule.
type PatternID string

const (
	PatternOneLine     PatternID = "ONE_LINE"
	PatternTwoLines    PatternID = "TWO_LINES"
	PatternFullHouse   PatternID = "FULL_HOUSE"
	PatternFourCorners PatternID = "FOUR_CORNERS"
)

// KnownPattern reports whether id names a pattern this engine can check.
func KnownPattern(id PatternID) bool {
	switch id {
	case PatternOneLine, PatternTwoLines, PatternFullHouse, PatternFourCorners:
		return true
	}
	return false
}

// PatternCovered reports whether the ticket satisfies the pattern given the
// set of called numbers. Blank cells (0) count as covered.
func PatternCovered(id PatternID, grid [][]int, calledNumbers []int) bool {
	called := make(map[int]bool, len(calledNumbers))
	for _, n := range calledNumbers {
		called[n] = true
	}
	covered := func(n int) bool { return n == 0 || called[n] }

	rowCovered := func(row []int) bool {
		hasNumber := false
		for _, n := range row {
			if n != 0 {
				hasNumber = true
			}
			if !covered(n) {
				return false
			}
		}
		return hasNumber
	}

	switch id {
	case PatternOneLine:
		for _, row := range grid {
			if rowCovered(row) {
				return true
			}
		}
		return false

	case PatternTwoLines:
		lines := 0
		for _, row := range grid {
			if rowCovered(row) {
				lines++
			}
		}
		return lines >= 2

	case PatternFullHouse:
		sawNumber := false
		for _, row := range grid {
			for _, n := range row {
				if n != 0 {
					sawNumber = true
				}
				if !covered(n) {
					return false
				}
			}
		}
		return sawNumber

	case PatternFourCorners:
		if len(grid) == 0 || len(grid[0]) == 0 {
			return false
		}
		top, bottom := grid[0], grid[len(grid)-1]
		corners := []int{top[0], top[len(top)-1], bottom[0], bottom[len(bottom)-1]}
		for _, n := range corners {
			if !covered(n) {
				return false
			}
		}
		return true
	}
	return false
}
