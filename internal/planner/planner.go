// Package planner implements the initial size-tiered partition of a task's byte
// range into N contiguous segments. The planner never re-partitions a task after
// initial planning; growth past the initial N happens only through rebalancing
// (internal/engine/rebalance.go).
package planner

import "dlm-go/internal/task"

const (
	mib = 1024 * 1024
	gib = 1024 * mib

	tier1Max = 20 * mib  // < 20 MiB or non-resumable -> 1
	tier2Max = 100 * mib // [20 MiB, 100 MiB) -> 2
	tier3Max = 1 * gib   // [100 MiB, 1 GiB) -> 4
	// >= 1 GiB -> 8
)

// ConnectionCount returns N, the segment count for a task of the given size and
// resumability. Non-resumable or size-unknown tasks always get N=1, handled by
// the streaming worker.
func ConnectionCount(totalSize int64, resumable bool) int {
	if !resumable || totalSize <= 0 {
		return 1
	}
	switch {
	case totalSize < tier1Max:
		return 1
	case totalSize < tier2Max:
		return 2
	case totalSize < tier3Max:
		return 4
	default:
		return 8
	}
}

// Plan partitions [0, totalSize-1] into N contiguous segments (L3: the union of
// ranges equals [0, S-1]).
func Plan(totalSize int64, resumable bool) []*task.Segment {
	if totalSize <= 0 || !resumable {
		// Size-unknown or non-resumable: a single open segment for the streaming
		// worker. End is meaningless (unbounded) until bytes are actually counted;
		// callers treat totalSize<=0 specially and never consult segment Size().
		end := totalSize - 1
		if end < 0 {
			end = 0
		}
		return []*task.Segment{task.NewSegment(0, end)}
	}

	n := ConnectionCount(totalSize, resumable)
	segments := make([]*task.Segment, 0, n)
	chunk := totalSize / int64(n)
	var start int64
	for i := 0; i < n; i++ {
		end := start + chunk - 1
		if i == n-1 {
			end = totalSize - 1 // last segment absorbs remainder
		}
		segments = append(segments, task.NewSegment(start, end))
		start = end + 1
	}
	return segments
}
