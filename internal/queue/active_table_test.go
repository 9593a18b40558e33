package queue

import (
	"context"
	"sync"
	"testing"
)

// TestAdmissionBound exercises P6: active_count never exceeds concurrency_limit
// under concurrent admission attempts.
func TestAdmissionBound(t *testing.T) {
	const limit = 3
	at := NewActiveTable(limit)

	var wg sync.WaitGroup
	admitted := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			_, cancel := context.WithCancel(context.Background())
			if at.TryAdmitDiscovery(id, cancel) {
				admitted <- id
			}
		}(i)
	}
	wg.Wait()
	close(admitted)

	if at.Count() > limit {
		t.Fatalf("active_count %d exceeds concurrency_limit %d", at.Count(), limit)
	}
	n := 0
	for range admitted {
		n++
	}
	if n > limit {
		t.Fatalf("admitted %d tasks, limit is %d", n, limit)
	}
}

func TestPromoteAndRelease(t *testing.T) {
	at := NewActiveTable(1)
	_, cancel := context.WithCancel(context.Background())
	if !at.TryAdmitDiscovery("t1", cancel) {
		t.Fatal("expected admission with free slot")
	}
	if at.TryAdmitDiscovery("t2", cancel) {
		t.Fatal("expected rejection at limit")
	}
	at.PromoteToActive("t1")
	if !at.IsActive("t1") {
		t.Fatal("expected t1 active after promotion")
	}
	at.Release("t1")
	if at.IsActive("t1") {
		t.Fatal("expected t1 released")
	}
	if !at.TryAdmitDiscovery("t2", cancel) {
		t.Fatal("expected t2 admitted after release")
	}
}
