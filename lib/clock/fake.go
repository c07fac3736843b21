// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// NewFake returns a Fake clock pinned to the given time. Time stands
// still until Advance or AdvanceTo is called; pending After, Sleep,
// and Ticker waiters fire when the clock moves past their deadline.
//
// Fake is safe for concurrent use.
func NewFake(initial time.Time) *Fake {
	fake := &Fake{current: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// Fake is a deterministic Clock for tests. Waiters fire in strict
// deadline order during Advance; a ticker whose interval is spanned
// several times by one Advance fires once per interval (extra ticks
// beyond the channel buffer are dropped, as with time.Ticker).
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time

	// interval is non-zero for tickers; after firing, the waiter is
	// rescheduled at deadline + interval instead of being removed.
	interval time.Duration

	stopped bool
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Since returns the elapsed fake time since t.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// After returns a channel that receives once the fake clock advances
// past d from now. If d <= 0 the channel receives immediately.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.current
		return ch
	}
	f.waiters = append(f.waiters, &waiter{deadline: f.current.Add(d), ch: ch})
	f.changed.Broadcast()
	return ch
}

// Sleep blocks the calling goroutine until the clock advances past d.
func (f *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// NewTicker returns a Ticker driven by Advance. Panics if d <= 0.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: f.current.Add(d), ch: ch, interval: d}
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.stopped = true
		},
		reset: func(d time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.interval = d
			w.deadline = f.current.Add(d)
			w.stopped = false
		},
	}
}

// Advance moves the clock forward by d, firing expired waiters in
// deadline order. Channel sends never block: a full buffer drops the
// tick, matching real ticker semantics.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanceToLocked(f.current.Add(d))
}

// AdvanceTo moves the clock forward to the absolute time t. A t at or
// before the current time only fires already-expired waiters.
func (f *Fake) AdvanceTo(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.After(f.current) {
		f.advanceToLocked(t)
	}
}

// advanceToLocked fires waiters one at a time, always the earliest
// expired deadline first, so interleaved one-shot and ticker waiters
// observe a deterministic total order. Must be called with f.mu held.
func (f *Fake) advanceToLocked(target time.Time) {
	f.current = target
	for {
		idx := f.earliestExpiredLocked(target)
		if idx < 0 {
			return
		}
		w := f.waiters[idx]
		select {
		case w.ch <- w.deadline:
		default:
		}
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
		} else {
			f.waiters = append(f.waiters[:idx], f.waiters[idx+1:]...)
		}
	}
}

func (f *Fake) earliestExpiredLocked(target time.Time) int {
	best := -1
	for i, w := range f.waiters {
		if w.stopped || w.deadline.After(target) {
			continue
		}
		if best < 0 || w.deadline.Before(f.waiters[best].deadline) {
			best = i
		}
	}
	return best
}

// WaitForWaiters blocks until at least n waiters (After, Sleep, or
// Ticker registrations) are pending. This removes the race between a
// goroutine under test registering its timer and the test advancing
// the clock:
//
//	go worker.Run(ctx)          // worker creates its sweep ticker
//	fake.WaitForWaiters(1)      // blocks until the ticker exists
//	fake.Advance(sweepInterval) // deterministically fires it
func (f *Fake) WaitForWaiters(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}

// Waiting returns the number of active pending waiters.
func (f *Fake) Waiting() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *Fake) pendingLocked() int {
	count := 0
	for _, w := range f.waiters {
		if !w.stopped {
			count++
		}
	}
	return count
}
