// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// pendingRegistration is a task start waiting for its transcript to
// appear.
type pendingRegistration struct {
	id         string
	workingDir string
	registered time.Time
}

// correlator matches newly observed transcripts to pending task
// registrations by working directory and time proximity. Safe for
// concurrent use by the dispatch goroutine, the sweep, and HTTP
// registration handlers.
type correlator struct {
	mu      sync.Mutex
	window  time.Duration
	expiry  time.Duration
	pending map[string]pendingRegistration
}

func newCorrelator(window, expiry time.Duration) *correlator {
	return &correlator{
		window:  window,
		expiry:  expiry,
		pending: make(map[string]pendingRegistration),
	}
}

// add records a pending registration. Re-registering the same id
// refreshes its registration time, restarting the expiry clock.
func (c *correlator) add(id, workingDir string, registered time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = pendingRegistration{id: id, workingDir: workingDir, registered: registered}
}

// remove drops a pending registration, if present.
func (c *correlator) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// match finds the pending registration for a transcript whose first
// record in workingDir carries firstTS: same directory, registration
// time within the window on either side. When several registrations
// qualify the most recently registered wins; the winner is consumed.
func (c *correlator) match(workingDir string, firstTS time.Time) (pendingRegistration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var winner pendingRegistration
	found := false
	for _, candidate := range c.pending {
		if candidate.workingDir != workingDir {
			continue
		}
		gap := candidate.registered.Sub(firstTS)
		if gap < 0 {
			gap = -gap
		}
		if gap > c.window {
			continue
		}
		if !found || candidate.registered.After(winner.registered) {
			winner = candidate
			found = true
		}
	}
	if found {
		delete(c.pending, winner.id)
	}
	return winner, found
}

// takeExpired removes and returns registrations that have waited at
// least the expiry duration.
func (c *correlator) takeExpired(now time.Time) []pendingRegistration {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []pendingRegistration
	for id, candidate := range c.pending {
		if now.Sub(candidate.registered) >= c.expiry {
			expired = append(expired, candidate)
			delete(c.pending, id)
		}
	}
	return expired
}

func (c *correlator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// untrackedID derives a stable task id from a transcript path, so an
// unregistered session observed across restarts always lands in the
// same task directory.
func untrackedID(path string) string {
	sum := blake3.Sum256([]byte(path))
	return hex.EncodeToString(sum[:16])
}
