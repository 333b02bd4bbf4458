package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/x-stp/numapin/internal/affinity"
	"github.com/x-stp/numapin/internal/topology"
)

func testPlatform() *affinity.Platform {
	table := topology.NewTable([]topology.CPU{
		{Num: 0, Core: 0, Socket: 0, Node: 0},
		{Num: 1, Core: 1, Socket: 0, Node: 0},
		{Num: 2, Core: 2, Socket: 1, Node: 1},
		{Num: 3, Core: 3, Socket: 1, Node: 1},
	})
	// Pinning stays disabled so tests never touch the host's affinity.
	return affinity.NewPlatformFromTable(table, affinity.WithPinningDisabled())
}

// submitRetrying drives Submit until the item is accepted, retrying the
// transient throttling/backpressure outcomes.
func submitRetrying(t *testing.T, s *Scheduler, key string, seq int64, cb WorkCallback) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		err := s.Submit(context.Background(), key, seq, cb)
		if err == nil {
			return
		}
		if !IsRetryable(err) {
			t.Fatalf("Submit(%s/%d): %v", key, seq, err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("Submit(%s/%d): still rejected at deadline: %v", key, seq, err)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSchedulerProcessesAllSubmittedWork(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(context.Background(), testPlatform(), Options{
		Workers:    4,
		WorkerRate: 100000,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Shutdown()

	const items = 200
	var done atomic.Int64
	for i := 0; i < items; i++ {
		submitRetrying(t, s, "shard-a", int64(i), func(item *WorkItem) error {
			done.Add(1)
			return nil
		})
	}
	s.Wait()

	if got := done.Load(); got != items {
		t.Fatalf("processed %d items, want %d", got, items)
	}
	if st := s.Stats(); st.Processed != items || st.Errors != 0 || st.Panics != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestSchedulerSameShardKeyPreservesOrder(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(context.Background(), testPlatform(), Options{
		Workers:    4,
		WorkerRate: 100000,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Shutdown()

	const items = 100
	var mu sync.Mutex
	var seen []int64
	for i := 0; i < items; i++ {
		submitRetrying(t, s, "ordered", int64(i), func(item *WorkItem) error {
			mu.Lock()
			seen = append(seen, item.Seq)
			mu.Unlock()
			return nil
		})
	}
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != items {
		t.Fatalf("saw %d items, want %d", len(seen), items)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("same-shard items reordered: %d after %d", seen[i], seen[i-1])
		}
	}
}

func TestSchedulerRecoversFromCallbackPanic(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(context.Background(), testPlatform(), Options{
		Workers:    2,
		WorkerRate: 100000,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Shutdown()

	var after atomic.Bool
	submitRetrying(t, s, "k", 0, func(item *WorkItem) error {
		panic("boom")
	})
	submitRetrying(t, s, "k", 1, func(item *WorkItem) error {
		after.Store(true)
		return nil
	})
	s.Wait()

	if !after.Load() {
		t.Fatal("worker did not survive the panic")
	}
	if st := s.Stats(); st.Panics != 1 {
		t.Fatalf("panics: got %d, want 1", st.Panics)
	}
}

func TestSchedulerRejectsWorkAfterShutdown(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(context.Background(), testPlatform(), Options{Workers: 2})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Shutdown()

	err = s.Submit(context.Background(), "k", 0, func(item *WorkItem) error { return nil })
	if !errors.Is(err, ErrSchedulerShutdown) {
		t.Fatalf("expected ErrSchedulerShutdown, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("shutdown error must not be retryable")
	}
}

func TestSchedulerBackpressureWhenQueueFull(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(context.Background(), testPlatform(), Options{
		Workers:       1,
		QueueCapacity: 1,
		WorkerRate:    100000,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Shutdown()

	block := make(chan struct{})
	release := sync.OnceFunc(func() { close(block) })
	defer release()

	// First item occupies the worker, second fills the queue; further
	// submissions must fail fast instead of blocking.
	submitRetrying(t, s, "k", 0, func(item *WorkItem) error {
		<-block
		return nil
	})
	submitRetrying(t, s, "k", 1, func(item *WorkItem) error { return nil })

	sawBackpressure := false
	for i := 0; i < 100; i++ {
		err := s.Submit(context.Background(), "k", 2, func(item *WorkItem) error { return nil })
		if errors.Is(err, ErrQueueFull) {
			sawBackpressure = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !sawBackpressure {
		t.Fatal("expected ErrQueueFull while the worker was blocked")
	}

	release()
	s.Wait()
}

func TestSchedulerWaitReturnsAfterContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := NewScheduler(ctx, testPlatform(), Options{
		Workers:       1,
		QueueCapacity: 4,
		WorkerRate:    100000,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	block := make(chan struct{})
	release := sync.OnceFunc(func() { close(block) })
	defer release()

	submitRetrying(t, s, "k", 0, func(item *WorkItem) error {
		<-block
		return nil
	})
	// Items queued behind the blocked worker may never run once the
	// context is canceled; Wait must still account for them and return.
	for i := int64(1); i <= 3; i++ {
		submitRetrying(t, s, "k", i, func(item *WorkItem) error { return nil })
	}

	cancel()
	release()

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after context cancellation")
	}

	err = s.Submit(context.Background(), "k", 9, func(item *WorkItem) error { return nil })
	if !errors.Is(err, ErrSchedulerShutdown) {
		t.Fatalf("Submit after cancel: got %v, want ErrSchedulerShutdown", err)
	}
}

func TestSchedulerPinnedCPUsTracksWorkers(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(context.Background(), testPlatform(), Options{Workers: 3})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Shutdown()

	cpus := s.PinnedCPUs()
	if len(cpus) != 3 {
		t.Fatalf("got %d workers, want 3", len(cpus))
	}
	// Pinning is disabled on the test platform, so every worker degraded
	// to unpinned while selection still advanced.
	for i, cpu := range cpus {
		if cpu != affinity.UninitCPU {
			t.Errorf("worker %d: pinned CPU %d, want UninitCPU", i, cpu)
		}
	}
}
