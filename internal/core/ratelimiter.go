package core

/*
numapin — NUMA-topology-aware CPU pinning for Go worker pools
Copyright (C) 2025  Pepijn van der Stap <numapin@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"math"
	"sync/atomic"
	"time"
)

// Adaptive submission rate bounds, in work items per second.
const (
	// MinRate is the floor the limiter will not decrease below.
	MinRate = 2.0
	// MaxRate is the ceiling the limiter will not increase above.
	MaxRate = 10000.0
	// RateIncreaseStep is added to the rate after an accepted submission.
	RateIncreaseStep = 20.0
	// RateDecreaseStep is subtracted from the rate after a rejected one.
	RateDecreaseStep = 50.0
)

// RateLimiter is a simple adaptive token-bucket limiter on the submission
// path. Accepted submissions nudge the rate up, full queues push it down,
// and a backpressure flag can halt submissions entirely.
//
// Concurrency: safe for concurrent use. The current rate is a float64
// stored via its bit pattern and lastAdjustment is unix nanoseconds; both
// are manipulated atomically so Allow stays lock-free, and a compare-and-
// swap on lastAdjustment ensures racing callers spend at most one token.
type RateLimiter struct {
	currentRate    uint64 // bit pattern of the current float64 rate
	successCount   atomic.Uint64
	failureCount   atomic.Uint64
	lastAdjustment atomic.Int64 // unix nanos of the last consumed token
	backpressure   atomic.Bool
}

// NewRateLimiter creates a limiter starting at initialRate items/second.
func NewRateLimiter(initialRate float64) *RateLimiter {
	rl := &RateLimiter{}
	rl.lastAdjustment.Store(time.Now().UnixNano())
	rl.setRate(initialRate)
	return rl
}

// Allow reports whether one submission may proceed now. Tokens replenish
// over time at the current rate; active backpressure always denies.
//
// Hot Path: atomic reads plus a time calculation.
func (rl *RateLimiter) Allow() bool {
	if rl.backpressure.Load() {
		return false
	}

	rate := rl.getRate()
	if rate <= 0 {
		return false
	}

	now := time.Now().UnixNano()
	last := rl.lastAdjustment.Load()
	elapsed := time.Duration(now - last).Seconds()
	tokens := elapsed * rate

	if tokens >= 1.0 {
		// A losing CAS means a concurrent caller consumed the token.
		return rl.lastAdjustment.CompareAndSwap(last, now)
	}

	return false
}

// RecordSuccess notes an accepted submission and may raise the rate.
func (rl *RateLimiter) RecordSuccess() {
	rl.successCount.Add(1)
	rl.adjustRate(true)
}

// RecordFailure notes a rejected submission and may lower the rate.
func (rl *RateLimiter) RecordFailure() {
	rl.failureCount.Add(1)
	rl.adjustRate(false)
}

// UpdateBackpressure sets or clears the backpressure state. While set,
// Allow returns false unconditionally.
func (rl *RateLimiter) UpdateBackpressure(hasBackpressure bool) {
	rl.backpressure.Store(hasBackpressure)
}

// GetCurrentRate returns the current effective rate in items per second.
func (rl *RateLimiter) GetCurrentRate() float64 {
	return rl.getRate()
}

func (rl *RateLimiter) adjustRate(success bool) {
	current := rl.getRate()
	var newRate float64

	if success {
		newRate = current + RateIncreaseStep
		if newRate > MaxRate {
			newRate = MaxRate
		}
	} else {
		newRate = current - RateDecreaseStep
		if newRate < MinRate {
			newRate = MinRate
		}
	}

	rl.setRate(newRate)
}

func (rl *RateLimiter) getRate() float64 {
	return math.Float64frombits(atomic.LoadUint64(&rl.currentRate))
}

func (rl *RateLimiter) setRate(rate float64) {
	atomic.StoreUint64(&rl.currentRate, math.Float64bits(rate))
}
