package rategate

import (
	"context"
	"testing"
	"time"

	"github.com/mescon/rdsentinel/internal/testutil"
)

func TestAcquireFillsWindowThenBlocks(t *testing.T) {
	mock := testutil.NewMockClock()
	g := New(Config{MaxPerMinute: 2, Clock: mock})

	ctx := context.Background()
	if err := g.AcquireTimeout(ctx, TagReinject, time.Second); err != nil {
		t.Fatalf("expected first acquire to succeed, got %v", err)
	}
	if err := g.AcquireTimeout(ctx, TagReinject, time.Second); err != nil {
		t.Fatalf("expected second acquire to succeed, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- g.AcquireTimeout(ctx, TagReinject, 5*time.Second)
	}()

	// Give the goroutine a moment to block, then advance past the window.
	time.Sleep(20 * time.Millisecond)
	mock.Advance(61 * time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected third acquire to succeed after window eviction, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not unblock after advancing past the window")
	}
}

func TestAcquireTimesOut(t *testing.T) {
	mock := testutil.NewMockClock()
	g := New(Config{MaxPerMinute: 1, Clock: mock})
	ctx := context.Background()

	if err := g.AcquireTimeout(ctx, TagCleanup, time.Second); err != nil {
		t.Fatalf("expected first acquire to succeed, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- g.AcquireTimeout(ctx, TagCleanup, 500*time.Millisecond)
	}()

	time.Sleep(20 * time.Millisecond)
	mock.Advance(600 * time.Millisecond)

	select {
	case err := <-done:
		if err != ErrTimeout {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never returned")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	mock := testutil.NewMockClock()
	g := New(Config{MaxPerMinute: 1, Clock: mock})
	ctx, cancel := context.WithCancel(context.Background())

	if err := g.AcquireTimeout(ctx, TagNotify, time.Second); err != nil {
		t.Fatalf("expected first acquire to succeed, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- g.AcquireTimeout(ctx, TagNotify, 10*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not return after context cancellation")
	}
}

func TestAcquireFIFOOrder(t *testing.T) {
	mock := testutil.NewMockClock()
	g := New(Config{MaxPerMinute: 2, Clock: mock})
	ctx := context.Background()

	// Fill both slots so every subsequent Acquire call blocks.
	if err := g.AcquireTimeout(ctx, TagReinject, time.Second); err != nil {
		t.Fatalf("expected first acquire to succeed, got %v", err)
	}
	if err := g.AcquireTimeout(ctx, TagReinject, time.Second); err != nil {
		t.Fatalf("expected second acquire to succeed, got %v", err)
	}

	// Enqueue three waiters strictly in order, staggered enough that
	// each reaches the blocking select before the next one starts.
	started := make(chan struct{}, 3)
	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			started <- struct{}{}
			if err := g.AcquireTimeout(ctx, TagReinject, 5*time.Minute); err != nil {
				t.Errorf("waiter %d failed: %v", i, err)
				return
			}
			order <- i
		}()
		<-started
		time.Sleep(20 * time.Millisecond)
	}

	// Evicting both original calls frees exactly two slots for three
	// waiters — strict FIFO must admit waiters 0 and 1, never 2.
	mock.Advance(61 * time.Second)

	got := map[int]bool{}
	for k := 0; k < 2; k++ {
		select {
		case i := <-order:
			got[i] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 2 waiters to acquire, only got %d", k)
		}
	}
	if !got[0] || !got[1] {
		t.Fatalf("expected waiters 0 and 1 to acquire the freed slots in FIFO order, got %v", got)
	}

	select {
	case i := <-order:
		t.Fatalf("waiter 2 should not have acquired a slot yet, but got signal from waiter %d", i)
	case <-time.After(50 * time.Millisecond):
	}

	// Free one more slot; the remaining waiter (2) must go next.
	mock.Advance(61 * time.Second)
	select {
	case i := <-order:
		if i != 2 {
			t.Fatalf("expected waiter 2 to acquire last, got waiter %d", i)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter 2 never acquired its slot")
	}
}

func TestUsageReportsOccupancy(t *testing.T) {
	mock := testutil.NewMockClock()
	g := New(Config{MaxPerMinute: 10, Clock: mock})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.AcquireTimeout(ctx, TagReinject, time.Second); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}

	u := g.Usage()
	if u.Total != 3 {
		t.Fatalf("expected total 3, got %d", u.Total)
	}
	if u.ByTag[TagReinject] != 3 {
		t.Fatalf("expected 3 reinject calls, got %d", u.ByTag[TagReinject])
	}
}

func TestRecordCompletionBlendsAverage(t *testing.T) {
	mock := testutil.NewMockClock()
	g := New(Config{Clock: mock})

	g.RecordCompletion(TagReinject, 100*time.Millisecond)
	st := g.stats[TagReinject]
	if st.avgResponseMs != 100 {
		t.Fatalf("expected first sample to seed average at 100, got %v", st.avgResponseMs)
	}

	g.RecordCompletion(TagReinject, 200*time.Millisecond)
	st = g.stats[TagReinject]
	want := 100*0.9 + 200*0.1
	if st.avgResponseMs != want {
		t.Fatalf("expected blended average %v, got %v", want, st.avgResponseMs)
	}
}
