package core

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRateLimiterAllowsAfterTokenAccrual(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1000)
	time.Sleep(5 * time.Millisecond) // enough for several tokens at 1000/s
	if !rl.Allow() {
		t.Fatal("expected Allow after token accrual")
	}
}

func TestRateLimiterBackpressureHaltsSubmissions(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1000)
	rl.UpdateBackpressure(true)
	time.Sleep(5 * time.Millisecond)
	if rl.Allow() {
		t.Fatal("expected Allow to deny under backpressure")
	}

	rl.UpdateBackpressure(false)
	time.Sleep(5 * time.Millisecond)
	if !rl.Allow() {
		t.Fatal("expected Allow once backpressure cleared")
	}
}

func TestRateLimiterConcurrentAllowSpendsOneToken(t *testing.T) {
	t.Parallel()

	// 10/s means one token every 100ms. After the accrual sleep, racing
	// callers must collectively get exactly one grant.
	rl := NewRateLimiter(10)
	time.Sleep(150 * time.Millisecond)

	const callers = 8
	var granted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if rl.Allow() {
				granted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := granted.Load(); got != 1 {
		t.Fatalf("concurrent Allow granted %d tokens, want 1", got)
	}
}

func TestRateLimiterAdjustsWithinBounds(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(MinRate)
	for i := 0; i < 10; i++ {
		rl.RecordFailure()
	}
	if got := rl.GetCurrentRate(); got != MinRate {
		t.Fatalf("rate floored: got %v, want %v", got, MinRate)
	}

	rl = NewRateLimiter(MaxRate)
	for i := 0; i < 10; i++ {
		rl.RecordSuccess()
	}
	if got := rl.GetCurrentRate(); got != MaxRate {
		t.Fatalf("rate capped: got %v, want %v", got, MaxRate)
	}
}
