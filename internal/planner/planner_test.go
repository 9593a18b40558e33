package planner

import "testing"

func TestConnectionCountBoundaries(t *testing.T) {
	cases := []struct {
		size int64
		want int
	}{
		{19 * mib, 1},
		{20 * mib, 2}, // exactly 20 MiB -> 2 (strict inequality at the tier boundary)
		{99 * mib, 2},
		{100 * mib, 4}, // exactly 100 MiB -> 4
		{999 * mib, 4},
		{gib, 8}, // exactly 1 GiB -> 8
		{8 * gib, 8},
	}
	for _, c := range cases {
		got := ConnectionCount(c.size, true)
		if got != c.want {
			t.Errorf("ConnectionCount(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestConnectionCountNonResumable(t *testing.T) {
	if got := ConnectionCount(10*gib, false); got != 1 {
		t.Errorf("non-resumable task should always get N=1, got %d", got)
	}
}

// TestPlanCoverage exercises L3: plan(task with total_size=S).union_of_ranges = [0, S-1].
func TestPlanCoverage(t *testing.T) {
	sizes := []int64{1, 1023, 20 * mib, 100 * mib, gib, gib + 1}
	for _, size := range sizes {
		segments := Plan(size, true)
		var covered int64
		var prevEnd int64 = -1
		for _, s := range segments {
			if s.Start != prevEnd+1 {
				t.Fatalf("size %d: gap before segment starting at %d (prev end %d)", size, s.Start, prevEnd)
			}
			covered += s.Size()
			prevEnd = s.End()
		}
		if prevEnd != size-1 {
			t.Fatalf("size %d: last segment ends at %d, want %d", size, prevEnd, size-1)
		}
		if covered != size {
			t.Fatalf("size %d: covered %d bytes, want %d", size, covered, size)
		}
	}
}

func TestPlanNeverRepartitionsBelowOne(t *testing.T) {
	segments := Plan(0, false)
	if len(segments) != 1 {
		t.Fatalf("size-unknown non-resumable task should get exactly 1 segment, got %d", len(segments))
	}
}
