// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code takes
// a Clock (usually via a config struct field) and tests inject a Fake
// whose time only moves when the test says so. Inactivity deadlines,
// poll intervals, and sweep cadences are all driven through this
// interface so that timeout behavior is testable without sleeping.
package clock

import "time"

// Clock is the time surface used by taskwatch components. System()
// returns the real implementation; NewFake() returns a deterministic
// one for tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the elapsed time from t to Now.
	Since(t time.Time) time.Duration

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. The channel has capacity 1:
// when the consumer falls behind, ticks are dropped, matching
// time.Ticker. Call Stop to release the ticker.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. C is not closed and no further ticks are
// sent after Stop returns.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the interval and restarts the tick cycle; the next
// tick arrives after the new interval elapses.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// System returns the Clock backed by the time package.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (systemClock) Sleep(d time.Duration)                  { time.Sleep(d) }

func (systemClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{
		C:     ticker.C,
		stop:  ticker.Stop,
		reset: ticker.Reset,
	}
}
