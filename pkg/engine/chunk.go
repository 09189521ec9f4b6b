package engine

import (
	"iter"
	"math"
)

// Chunk is an inclusive id range processed as one unit of work.
type Chunk struct {
	Lo int64 `json:"lo"`
	Hi int64 `json:"hi"`
}

// PlanChunks yields contiguous inclusive ranges of width at most step covering
// [start, end] in ascending order. It yields nothing when start > end or step < 1.
// The sequence is lazy and may be ranged over any number of times.
func PlanChunks(start, end, step int64) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		if start > end || step < 1 {
			return
		}
		for lo := start; ; {
			hi := end
			// lo+step-1 may overflow near MaxInt64.
			if lo <= math.MaxInt64-(step-1) && lo+step-1 < end {
				hi = lo + step - 1
			}
			if !yield(Chunk{Lo: lo, Hi: hi}) || hi == end {
				return
			}
			lo = hi + 1
		}
	}
}

// CountChunks returns how many chunks PlanChunks yields for the same arguments.
func CountChunks(start, end, step int64) int64 {
	if start > end || step < 1 {
		return 0
	}
	width := uint64(end) - uint64(start) // span minus one, never overflows
	return int64(width/uint64(step) + 1)
}
