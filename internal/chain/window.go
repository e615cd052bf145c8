package chain

import "chainfeed/internal/catalog"

func strikeList(sk *catalog.Skeleton) []int64 {
	out := make([]int64, len(sk.Strikes))
	for i, e := range sk.Strikes {
		out[i] = e.Strike
	}
	return out
}

// windowAround returns the [lo, hi) slice bounds covering perSide strikes
// on each side of the strike nearest to center. Near the edge of the listed
// range the window is clipped, never padded.
func windowAround(strikes []int64, center int64, perSide int) (int, int) {
	if len(strikes) == 0 {
		return 0, 0
	}

	// Nearest listed strike to the center.
	idx := 0
	best := absDiff(strikes[0], center)
	for i, s := range strikes[1:] {
		if d := absDiff(s, center); d < best {
			best = d
			idx = i + 1
		}
	}

	lo := idx - perSide
	if lo < 0 {
		lo = 0
	}
	hi := idx + perSide + 1
	if hi > len(strikes) {
		hi = len(strikes)
	}
	return lo, hi
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
