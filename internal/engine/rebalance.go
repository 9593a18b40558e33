package engine

import (
	"context"

	"dlm-go/internal/network"
	"dlm-go/internal/task"
)

// minSplitRemainder is the smallest remaining tail worth splitting off into a new
// segment: below this, the overhead of starting another connection isn't worth it.
const minSplitRemainder = 8 * 1024 * 1024

// tryRebalance dynamically grows a task's segment count: when a task is running
// under its max_connections budget, find the segment with the largest remaining
// tail and, if that tail is big enough, split it at the midpoint and hand the new
// half to a freshly spawned segment worker. Returns the new segment, or nil if no
// split happened.
//
// Guards, all must hold for a split to proceed:
//   - state is DOWNLOADING
//   - the task is resumable (a streaming task has exactly one unsplittable segment)
//   - resume state is STABLE (an unstable task shouldn't grow while still unwinding)
//   - fewer non-complete segments than max_connections
func (m *Manager) tryRebalance(ctx context.Context, t *task.Task, dataPath string, sess network.Session, spawn func(*task.Segment)) *task.Segment {
	if t.State != task.StateDownloading || !t.Resumable || t.Resume != task.ResumeStable {
		return nil
	}

	t.Touch()
	incomplete := 0
	var victim *task.Segment
	var victimRemaining int64
	for _, s := range t.Segments {
		if s.IsComplete() {
			continue
		}
		incomplete++
		if r := s.Remaining(); r > victimRemaining {
			victim, victimRemaining = s, r
		}
	}
	if incomplete >= t.MaxConnections || victim == nil {
		return nil
	}
	if victimRemaining < minSplitRemainder {
		return nil
	}

	writePos := victim.Start + victim.Downloaded.Load()
	oldEnd := victim.End()
	mid := writePos + (oldEnd-writePos)/2
	if mid <= writePos || mid >= oldEnd {
		return nil
	}

	// Shrink the victim first so its worker observes the new end before the split
	// segment starts writing into the same bytes.
	victim.SetEnd(mid)
	victim.TruncateTo(mid - victim.Start + 1)

	fresh := task.NewSegment(mid+1, oldEnd)
	if err := t.AppendSegment(fresh); err != nil {
		// Lost race against another mutator; undo the shrink and give up this round.
		victim.SetEnd(oldEnd)
		return nil
	}

	m.logger.Info("rebalance split segment", "task", t.ID, "old_end", oldEnd, "new_end", mid, "new_segment_start", fresh.Start)
	spawn(fresh)
	return fresh
}
