package modelcache

import (
	"context"
	"testing"
	"time"

	"visiond/pkg/types"
)

func TestSweeperEvictsIdleEntry(t *testing.T) {
	eng := &fakeEngine{}
	c := New(eng, Options{IdleTimeout: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond})

	if _, _, err := c.Load(context.Background(), "u1", "a.pt", "/tmp/a.pt"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	waitForStatus(t, c, "u1", types.ModelLoaded)

	c.StartSweeper()
	defer c.Close(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.Snapshot()["u1"]; !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("idle entry never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !eng.handle(0).isClosed() {
		t.Fatalf("evicted handle not closed")
	}
}

func TestSweepRecheckSparesTouchedEntry(t *testing.T) {
	eng := &fakeEngine{}
	c := New(eng, Options{IdleTimeout: 50 * time.Millisecond, SweepInterval: time.Hour})

	if _, _, err := c.Load(context.Background(), "u1", "a.pt", "/tmp/a.pt"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	waitForStatus(t, c, "u1", types.ModelLoaded)

	// Simulate the race: the entry looked stale when candidates were
	// collected, but is touched before the per-user re-check runs.
	time.Sleep(60 * time.Millisecond)
	candidateTime := time.Now()
	c.Touch("u1")

	c.sweeper.evictIfStillIdle("u1", candidateTime, c.idle)
	if _, ok := c.Snapshot()["u1"]; !ok {
		t.Fatalf("freshly touched entry was evicted")
	}
}

func TestSweeperSkipsLoadingEntry(t *testing.T) {
	eng := &fakeEngine{block: make(chan struct{})}
	c := New(eng, Options{IdleTimeout: time.Nanosecond, SweepInterval: time.Hour})

	if _, _, err := c.Load(context.Background(), "u1", "a.pt", "/tmp/a.pt"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	c.sweeper.sweepOnce()
	info, ok := c.Snapshot()["u1"]
	if !ok || info.Status != types.ModelLoading {
		t.Fatalf("loading entry disturbed by sweep: %+v ok=%v", info, ok)
	}
	close(eng.block)
}

func TestSweeperStopIsBounded(t *testing.T) {
	c := New(&fakeEngine{}, Options{IdleTimeout: time.Hour, SweepInterval: 10 * time.Millisecond})
	c.StartSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close did not finish in time: %v", err)
	}
}
