// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hub fans task events out to push subscribers. Two scopes
// exist: all-tasks (status transitions only) and single-task (status
// transitions plus every new step). Delivery is non-blocking: each
// subscriber has a bounded queue, and one that falls behind is
// dropped (its channel closed) rather than ever stalling the monitor
// or other subscribers. A dropped client rebuilds its view through
// the query API and subscribes again.
package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/taskwatch/lib/task"
)

// QueueSize is the per-subscriber event buffer. Sized to absorb a
// burst of step parsing without drops; a subscriber that stays this
// far behind is beyond catching up and gets dropped.
const QueueSize = 256

// EventKind labels a push event.
type EventKind string

const (
	// KindStatusChanged reports a status transition, including the
	// initial appearance of a task (no-status → running).
	KindStatusChanged EventKind = "status-changed"

	// KindStepAdded reports one new step record. Sent only to
	// single-task subscribers.
	KindStepAdded EventKind = "step-added"

	// KindTaskCompleted reports arrival in a terminal status.
	KindTaskCompleted EventKind = "task-completed"
)

// Event is the push envelope delivered to subscribers and serialized
// onto the SSE stream.
type Event struct {
	TaskID  string    `json:"task_id"`
	Kind    EventKind `json:"kind"`
	Payload any       `json:"payload,omitempty"`
	TS      time.Time `json:"ts"`
}

// StatusPayload is the payload of status-changed and task-completed
// events.
type StatusPayload struct {
	Status task.Status `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// StatusChanged builds a status transition event.
func StatusChanged(taskID string, status task.Status, reason string, ts time.Time) Event {
	return Event{TaskID: taskID, Kind: KindStatusChanged, Payload: StatusPayload{Status: status, Reason: reason}, TS: ts}
}

// StepAdded builds a new-step event.
func StepAdded(taskID string, step task.Step) Event {
	return Event{TaskID: taskID, Kind: KindStepAdded, Payload: step, TS: step.Timestamp}
}

// TaskCompleted builds a terminal transition event.
func TaskCompleted(taskID string, status task.Status, reason string, ts time.Time) Event {
	return Event{TaskID: taskID, Kind: KindTaskCompleted, Payload: StatusPayload{Status: status, Reason: reason}, TS: ts}
}

// Subscriber is one connected push client. The owner reads Events
// until it is closed (overflow drop) or the owner unsubscribes.
type Subscriber struct {
	events chan Event

	// taskID is the subscribed task; empty means the all-tasks scope.
	taskID string

	// closed is guarded by the hub mutex.
	closed bool
}

// Events returns the subscriber's receive channel. Closed when the
// hub drops the subscriber.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Stats is a point-in-time summary for the status endpoint.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"events_published"`
	Dropped     uint64 `json:"subscribers_dropped"`
}

// Hub routes events to subscribers. Safe for concurrent use from the
// monitor's workers and the HTTP layer.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	all     []*Subscriber
	perTask map[string][]*Subscriber

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		panic("hub.New: logger is required")
	}
	return &Hub{logger: logger, perTask: make(map[string][]*Subscriber)}
}

// Subscribe registers a push client. An empty taskID selects the
// all-tasks scope. The subscriber sees only events published after
// registration; the baseline comes from the query API.
func (h *Hub) Subscribe(taskID string) *Subscriber {
	subscriber := &Subscriber{events: make(chan Event, QueueSize), taskID: taskID}
	h.mu.Lock()
	defer h.mu.Unlock()
	if taskID == "" {
		h.all = append(h.all, subscriber)
	} else {
		h.perTask[taskID] = append(h.perTask[taskID], subscriber)
	}
	h.logger.Debug("subscriber added", "task", taskID)
	return subscriber
}

// Unsubscribe removes a subscriber and closes its channel.
// Idempotent; safe after an overflow drop.
func (h *Hub) Unsubscribe(subscriber *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(subscriber)
}

// Publish delivers an event to every matching subscriber without
// blocking. Step events go only to the task's own subscribers; status
// events also reach the all-tasks scope.
func (h *Hub) Publish(event Event) {
	h.published.Add(1)

	h.mu.RLock()
	var overflowed []*Subscriber
	deliver := func(subscribers []*Subscriber) {
		for _, subscriber := range subscribers {
			select {
			case subscriber.events <- event:
			default:
				overflowed = append(overflowed, subscriber)
			}
		}
	}
	deliver(h.perTask[event.TaskID])
	if event.Kind != KindStepAdded {
		deliver(h.all)
	}
	h.mu.RUnlock()

	if len(overflowed) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subscriber := range overflowed {
		if subscriber.closed {
			continue
		}
		h.dropped.Add(1)
		h.logger.Warn("dropping slow subscriber", "task", subscriber.taskID)
		h.removeLocked(subscriber)
	}
}

// removeLocked unregisters the subscriber and closes its channel.
// Sends happen only under the read lock, so holding the write lock
// here makes the close safe.
func (h *Hub) removeLocked(subscriber *Subscriber) {
	if subscriber.closed {
		return
	}
	subscriber.closed = true

	if subscriber.taskID == "" {
		h.all = removeSubscriber(h.all, subscriber)
	} else {
		remaining := removeSubscriber(h.perTask[subscriber.taskID], subscriber)
		if len(remaining) == 0 {
			delete(h.perTask, subscriber.taskID)
		} else {
			h.perTask[subscriber.taskID] = remaining
		}
	}
	close(subscriber.events)
}

func removeSubscriber(subscribers []*Subscriber, target *Subscriber) []*Subscriber {
	for i, existing := range subscribers {
		if existing == target {
			return append(subscribers[:i], subscribers[i+1:]...)
		}
	}
	return subscribers
}

// Stats returns subscriber and delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	count := len(h.all)
	for _, subscribers := range h.perTask {
		count += len(subscribers)
	}
	h.mu.RUnlock()
	return Stats{
		Subscribers: count,
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
	}
}
