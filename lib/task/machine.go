// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"fmt"
	"time"
)

// Update is the diff produced by applying one batch of parsed records
// to a descriptor: the new steps, and the status transition if one
// occurred. The monitor persists the update first, then hands it to
// the broadcast hub, so subscribers never see a step that a query
// could miss.
type Update struct {
	// Steps are the newly appended records, in sequence order.
	Steps []Step

	// StatusChanged reports whether this update transitioned the
	// descriptor's status.
	StatusChanged bool

	// Status and Reason are the post-update status fields, valid
	// when StatusChanged.
	Status Status
	Reason string

	// Completed reports that the transition was into a terminal
	// state, which triggers summary writing and worker retirement.
	Completed bool
}

// Empty reports whether the update carries nothing to persist or
// broadcast.
func (u *Update) Empty() bool {
	return len(u.Steps) == 0 && !u.StatusChanged
}

// Apply is the single updater: it folds new steps and a proposed
// status into the descriptor and returns the resulting diff. Steps
// must continue the descriptor's sequence exactly (gap-free from
// StepCount+1); a mismatch is a programmer error and is rejected
// without mutating anything.
//
// A proposed terminal status is honored only from RUNNING. Proposals
// against an already-terminal descriptor are dropped: terminal
// descriptors are immutable except through Reopen.
func Apply(d *Descriptor, steps []Step, proposed Status, reason string) (Update, error) {
	for i, step := range steps {
		if want := d.StepCount + i + 1; step.Seq != want {
			return Update{}, fmt.Errorf("task %s: step sequence %d out of order, want %d",
				d.ID, step.Seq, want)
		}
	}

	var update Update
	update.Steps = steps

	if len(steps) > 0 {
		d.StepCount += len(steps)
		for _, step := range steps {
			if step.Kind == StepToolCall {
				d.ToolCallCount++
			}
		}
		last := steps[len(steps)-1].Timestamp
		if last.After(d.LastActivity) {
			d.LastActivity = last
		}
	}

	if proposed != "" && proposed != d.Status {
		if transitioned := transition(d, proposed, reason, d.LastActivity); transitioned {
			update.StatusChanged = true
			update.Status = d.Status
			update.Reason = d.Reason
			update.Completed = d.Status.Terminal()
		}
	}

	return update, nil
}

// ExpireIdle transitions a RUNNING descriptor whose inactivity
// deadline has passed, stamping CompletedAt with the sweep time. The
// terminal status depends on the last step: error-flavored records
// yield ERROR, everything else COMPLETED. Returns the resulting
// update (empty if the task was not idle or not running).
func ExpireIdle(d *Descriptor, last *Step, deadline time.Time, now time.Time) Update {
	if d.Status != StatusRunning || now.Before(deadline) {
		return Update{}
	}

	status := StatusCompleted
	reason := "inactivity timeout"
	if last != nil && last.ErrorFlavored() {
		status = StatusError
		reason = "inactivity timeout after error"
	}

	if !transition(d, status, reason, now) {
		return Update{}
	}
	return Update{
		StatusChanged: true,
		Status:        d.Status,
		Reason:        d.Reason,
		Completed:     true,
	}
}

// Cancel applies an explicit external cancellation. A no-op when the
// task is already terminal: cancellation never reverses a completed
// task.
func Cancel(d *Descriptor, at time.Time) Update {
	if !transition(d, StatusCancelled, "cancelled by request", at) {
		return Update{}
	}
	return Update{StatusChanged: true, Status: d.Status, Reason: d.Reason, Completed: true}
}

// Stop applies an advisory external done signal. A no-op when already
// terminal (the timeout may have fired first).
func Stop(d *Descriptor, at time.Time) Update {
	if !transition(d, StatusCompleted, "stopped by request", at) {
		return Update{}
	}
	return Update{StatusChanged: true, Status: d.Status, Reason: d.Reason, Completed: true}
}

// Reopen returns a terminal descriptor to RUNNING for a continue
// request. Counts and history are kept; the completion fields are
// cleared so the terminal-state invariant holds again.
func Reopen(d *Descriptor, at time.Time) error {
	if !d.Status.Terminal() {
		return fmt.Errorf("task %s: reopen requires a terminal status, have %s", d.ID, d.Status)
	}
	d.Status = StatusRunning
	d.CompletedAt = nil
	d.Reason = ""
	d.LastActivity = at
	return nil
}

// transition moves a RUNNING descriptor into a terminal state,
// stamping CompletedAt with the given time. Returns false (and leaves
// the descriptor untouched) for any other combination.
func transition(d *Descriptor, to Status, reason string, at time.Time) bool {
	if d.Status != StatusRunning || !to.Terminal() {
		return false
	}
	d.Status = to
	d.Reason = reason
	completed := at
	d.CompletedAt = &completed
	return true
}
