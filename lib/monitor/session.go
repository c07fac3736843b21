// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/bureau-foundation/taskwatch/lib/hub"
	"github.com/bureau-foundation/taskwatch/lib/store"
	"github.com/bureau-foundation/taskwatch/lib/task"
	"github.com/bureau-foundation/taskwatch/lib/transcript"
)

// session owns one actively monitored task: its transcript cursor,
// its open step log, and the descriptor under mutation. A single
// worker goroutine drives the read-parse-apply cycle; the sweep and
// the registration handlers reach in through the session mutex.
type session struct {
	pool *Pool
	id   string
	path string

	// notify coalesces touch events. Capacity 1: a pending wake
	// covers every touch that arrives before the worker runs.
	notify chan struct{}

	// quit asks the worker to flush and exit.
	quit    chan struct{}
	endOnce sync.Once

	// done closes after the worker has exited and the session is
	// retired from the pool.
	done chan struct{}

	mu         sync.Mutex
	descriptor *task.Descriptor
	cursor     transcript.Cursor
	steplog    *store.StepLog
	lastStep   *task.Step

	// tools maps tool-use ids to tool names so tool results can be
	// labeled. The map does not survive a daemon restart; a result
	// whose call predates the restart is recorded without a name.
	tools map[string]string
}

func newSession(pool *Pool, descriptor *task.Descriptor, path string) (*session, error) {
	if err := pool.records.EnsureTask(descriptor.ID); err != nil {
		return nil, err
	}
	steplog, err := pool.records.OpenStepLog(descriptor.ID)
	if err != nil {
		return nil, err
	}
	cursor, _, err := pool.records.ReadCursor(descriptor.ID)
	if err != nil {
		steplog.Close()
		return nil, err
	}

	s := &session{
		pool:       pool,
		id:         descriptor.ID,
		path:       path,
		notify:     make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		descriptor: descriptor,
		cursor:     cursor,
		steplog:    steplog,
		tools:      make(map[string]string),
	}
	if last, ok, err := pool.records.LastStep(descriptor.ID); err == nil && ok {
		s.lastStep = &last
	}
	return s, nil
}

// touch wakes the worker. Never blocks: a full notify channel means a
// wake is already pending, which covers this touch too.
func (s *session) touch() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// end asks the worker to flush state and exit. Idempotent.
func (s *session) end() {
	s.endOnce.Do(func() { close(s.quit) })
}

// run is the worker loop. Stop is cooperative: cancellation is
// observed between cycles, never mid-read, and the cursor is flushed
// on the way out so a restart resumes instead of re-parsing.
func (s *session) run(ctx context.Context) {
	defer close(s.done)
	defer s.pool.retire(s)
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case <-s.quit:
			s.flush()
			return
		case <-s.notify:
			if s.process(ctx) {
				return
			}
		}
	}
}

// process performs one read-parse-apply-persist-publish cycle.
// Returns true when the task is terminal and the worker should
// retire.
func (s *session) process(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.descriptor.Status.Terminal() {
		return true
	}

	result, err := transcript.ReadNew(s.path, s.cursor)
	if err != nil {
		// Transient I/O: the next touch retries from the same cursor.
		s.pool.logger.Warn("transcript read failed", "task", s.id, "path", s.path, "error", err)
		return false
	}
	if result.Discontinuity {
		s.pool.discontinuities.Add(1)
		s.pool.logger.Warn("transcript discontinuity, re-reading from start",
			"task", s.id, "path", s.path)
	}
	if result.Warnings > 0 {
		s.pool.parseWarnings.Add(uint64(result.Warnings))
	}

	steps, proposed, reason := s.classify(result.Entries)

	// Steps reach disk before anything else: the cursor only advances
	// past durable records, and subscribers never see a step a query
	// could miss.
	if len(steps) > 0 {
		if err := s.steplog.Append(steps); err != nil {
			s.pool.logger.Warn("step append failed", "task", s.id, "error", err)
			return false
		}
	}

	update, err := task.Apply(s.descriptor, steps, proposed, reason)
	if err != nil {
		s.pool.logger.Error("step batch rejected", "task", s.id, "error", err)
		return false
	}
	s.cursor = result.Cursor
	if err := s.pool.records.WriteCursor(s.id, s.cursor); err != nil {
		s.pool.logger.Warn("cursor write failed", "task", s.id, "error", err)
	}
	if update.Empty() {
		return false
	}
	if err := s.pool.records.WriteDescriptor(s.descriptor); err != nil {
		s.pool.logger.Warn("descriptor write failed", "task", s.id, "error", err)
	}

	if len(update.Steps) > 0 {
		last := update.Steps[len(update.Steps)-1]
		s.lastStep = &last
		s.pool.stepsParsed.Add(uint64(len(update.Steps)))
		s.pool.indexSteps(ctx, s.id, update.Steps)
		for _, step := range update.Steps {
			s.pool.events.Publish(hub.StepAdded(s.id, step))
		}
	}
	if update.StatusChanged {
		s.finishLocked(update)
	}
	return update.Completed
}

// classify turns parsed transcript entries into sequenced steps and
// derives the proposed status from lifecycle signals. The last signal
// in the batch wins. Caller holds s.mu.
func (s *session) classify(entries []transcript.Entry) ([]task.Step, task.Status, string) {
	var steps []task.Step
	var proposed task.Status
	var reason string

	base := s.descriptor.StepCount
	for _, entry := range entries {
		ts := entry.Timestamp
		if ts.IsZero() {
			ts = s.pool.clock.Now().UTC()
		}
		step := task.Step{
			Seq:       base + len(steps) + 1,
			Kind:      entry.Kind,
			Timestamp: ts,
			Summary:   entry.Summary,
			Outcome:   entry.Outcome,
		}
		switch entry.Kind {
		case task.StepToolCall:
			step.Tool = entry.Tool
			if entry.ToolUseID != "" {
				s.tools[entry.ToolUseID] = entry.Tool
			}
		case task.StepToolResult:
			step.Tool = s.tools[entry.ToolUseID]
		}
		steps = append(steps, step)

		switch entry.Signal {
		case transcript.SignalDone:
			proposed, reason = task.StatusCompleted, "agent reported done"
		case transcript.SignalAbort:
			proposed, reason = task.StatusError, "agent reported abnormal exit"
		}
	}
	return steps, proposed, reason
}

// stop applies an advisory done signal. Returns whether the task
// transitioned.
func (s *session) stop(now time.Time) bool {
	return s.terminate(func(d *task.Descriptor) task.Update {
		return task.Stop(d, now)
	})
}

// cancel applies an explicit external cancellation.
func (s *session) cancel(now time.Time) bool {
	return s.terminate(func(d *task.Descriptor) task.Update {
		return task.Cancel(d, now)
	})
}

// expireIdle ends the task if its inactivity deadline has passed.
func (s *session) expireIdle(now time.Time, timeout time.Duration) bool {
	return s.terminate(func(d *task.Descriptor) task.Update {
		return task.ExpireIdle(d, s.lastStep, d.LastActivity.Add(timeout), now)
	})
}

// terminate applies an externally driven terminal transition,
// persists it, and retires the worker. Returns false when the task
// was already terminal.
func (s *session) terminate(apply func(*task.Descriptor) task.Update) bool {
	s.mu.Lock()
	update := apply(s.descriptor)
	if !update.StatusChanged {
		s.mu.Unlock()
		return false
	}
	if err := s.pool.records.WriteDescriptor(s.descriptor); err != nil {
		s.pool.logger.Warn("descriptor write failed", "task", s.id, "error", err)
	}
	if err := s.pool.records.WriteCursor(s.id, s.cursor); err != nil {
		s.pool.logger.Warn("cursor write failed", "task", s.id, "error", err)
	}
	s.finishLocked(update)
	s.mu.Unlock()

	s.end()
	return true
}

// finishLocked writes the completion summary and announces the
// terminal transition. The descriptor is already persisted. Caller
// holds s.mu.
func (s *session) finishLocked(update task.Update) {
	s.pool.writeSummary(s.descriptor)
	completedAt := s.descriptor.LastActivity
	if s.descriptor.CompletedAt != nil {
		completedAt = *s.descriptor.CompletedAt
	}
	s.pool.events.Publish(hub.TaskCompleted(s.id, update.Status, update.Reason, completedAt))
	s.pool.logger.Info("task completed",
		"task", s.id, "status", update.Status, "reason", update.Reason)
}

// flush writes the descriptor and cursor on worker exit so a restart
// resumes from durable state.
func (s *session) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pool.records.WriteDescriptor(s.descriptor); err != nil {
		s.pool.logger.Warn("descriptor flush failed", "task", s.id, "error", err)
	}
	if err := s.pool.records.WriteCursor(s.id, s.cursor); err != nil {
		s.pool.logger.Warn("cursor flush failed", "task", s.id, "error", err)
	}
}
