// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds shared test helpers: channel operations with
// timeout safety valves, condition polling, and unique identifiers.
// Only _test.go files should import this package.
package testutil

import (
	"fmt"
	"sync/atomic"
	"time"
)

// TB is the subset of testing.TB the helpers need. Declared locally so
// the package does not import testing.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// Receive reads one value from ch within timeout, or fails the test.
// The timeout is a hang-prevention safety valve, not a synchronization
// mechanism; tests that depend on timing should drive a fake clock.
//
//	event := testutil.Receive(t, sub.Events, 5*time.Second, "task event")
func Receive[T any](t TB, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while waiting for %s", what)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for %s", timeout, what)
	}
	panic("unreachable")
}

// Closed waits for ch to be closed (or yield a value) within timeout,
// or fails the test. For readiness channels that signal by closing.
func Closed(t TB, ch <-chan struct{}, timeout time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for %s", timeout, what)
	}
}

// Eventually polls condition every few milliseconds until it returns
// true or timeout elapses, failing the test on timeout. For asserting
// on state owned by another goroutine where no channel is available.
func Eventually(t TB, timeout time.Duration, condition func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v: %s", timeout, what)
}

var uniqueCounter atomic.Uint64

// UniqueID returns "prefix-N" with a process-wide monotonic N. Use for
// task and transcript identifiers that must not collide across tests.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
