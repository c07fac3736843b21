// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/taskwatch/lib/sse"
	"github.com/bureau-foundation/taskwatch/lib/task"
	"github.com/bureau-foundation/taskwatch/lib/testutil"
)

// streamEvent mirrors the hub's JSON envelope as it appears on the
// wire.
type streamEvent struct {
	TaskID  string          `json:"task_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// openStream connects to the event stream, verifies the stream
// headers, and consumes the opening comment. Once it returns, the
// subscription is registered and the test may trigger events.
func openStream(t *testing.T, h *daemonHarness, path string) *bufio.Reader {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || line != ": stream established\n" {
		t.Fatalf("opening line = %q, err %v", line, err)
	}
	if line, err := reader.ReadString('\n'); err != nil || line != "\n" {
		t.Fatalf("opening separator = %q, err %v", line, err)
	}
	return reader
}

// scanEvents parses the stream on a background goroutine. The channel
// closes when the stream ends.
func scanEvents(reader *bufio.Reader) <-chan sse.Event {
	events := make(chan sse.Event, 16)
	go func() {
		scanner := sse.NewScanner(reader)
		for scanner.Next() {
			events <- scanner.Event()
		}
		close(events)
	}()
	return events
}

func TestEventStreamDeliversStatusChanges(t *testing.T) {
	h := newDaemonHarness(t, false)
	events := scanEvents(openStream(t, h, "/api/events"))

	h.register("task-1", "/proj", daemonEpoch)

	event := testutil.Receive(t, events, 5*time.Second, "registration event")
	if event.Type != "status-changed" {
		t.Fatalf("event type = %q", event.Type)
	}
	var envelope streamEvent
	if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil {
		t.Fatalf("decoding event data %q: %v", event.Data, err)
	}
	if envelope.TaskID != "task-1" || envelope.Kind != "status-changed" {
		t.Fatalf("envelope = %+v", envelope)
	}
	if !strings.Contains(string(envelope.Payload), string(task.StatusRunning)) {
		t.Errorf("payload = %s, want a running status", envelope.Payload)
	}

	if status, _ := h.postRaw("/api/tasks/task-1/stop", ""); status != http.StatusAccepted {
		t.Fatalf("stop failed")
	}
	event = testutil.Receive(t, events, 5*time.Second, "completion event")
	if event.Type != "task-completed" {
		t.Fatalf("event type = %q, want task-completed", event.Type)
	}
}

func TestEventStreamTaskScope(t *testing.T) {
	h := newDaemonHarness(t, false)
	events := scanEvents(openStream(t, h, "/api/events?task=task-1"))

	// Another task's lifecycle must not reach a task-1 subscriber.
	h.register("task-2", "/other", daemonEpoch)
	h.register("task-1", "/proj", daemonEpoch)

	event := testutil.Receive(t, events, 5*time.Second, "scoped event")
	if event.Type != "status-changed" {
		t.Fatalf("event type = %q", event.Type)
	}
	var envelope streamEvent
	if err := json.Unmarshal([]byte(event.Data), &envelope); err != nil {
		t.Fatalf("decoding event data %q: %v", event.Data, err)
	}
	if envelope.TaskID != "task-1" {
		t.Fatalf("leaked event for %q onto a task-1 stream", envelope.TaskID)
	}
}

func TestEventStreamRejectsInvalidTask(t *testing.T) {
	h := newDaemonHarness(t, false)

	status, body := h.get("/api/events?task=" + strings.Repeat("a", 200))
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", status, body)
	}
	if resp := decode[errorResponse](t, body); resp.Error == "" {
		t.Errorf("missing error message")
	}
}

func TestEventStreamKeepAlive(t *testing.T) {
	h := newDaemonHarness(t, false)
	reader := openStream(t, h, "/api/events")

	// Waiters: the pool's sweep ticker plus this stream's keep-alive
	// ticker. The keep-alive interval (15s) is shorter than the sweep
	// interval (20s), so a 15s advance fires only the keep-alive.
	h.clock.WaitForWaiters(2)

	lines := make(chan string, 4)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()

	h.clock.Advance(15 * time.Second)

	if line := testutil.Receive(t, lines, 5*time.Second, "keep-alive comment"); line != ": keep-alive\n" {
		t.Fatalf("line = %q", line)
	}
	if line := testutil.Receive(t, lines, 5*time.Second, "keep-alive separator"); line != "\n" {
		t.Fatalf("separator = %q", line)
	}
}
