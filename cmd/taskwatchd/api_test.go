// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/taskwatch/lib/clock"
	"github.com/bureau-foundation/taskwatch/lib/hub"
	"github.com/bureau-foundation/taskwatch/lib/index"
	"github.com/bureau-foundation/taskwatch/lib/monitor"
	"github.com/bureau-foundation/taskwatch/lib/query"
	"github.com/bureau-foundation/taskwatch/lib/store"
	"github.com/bureau-foundation/taskwatch/lib/task"
	"github.com/bureau-foundation/taskwatch/lib/testutil"
	"github.com/bureau-foundation/taskwatch/lib/watch"
)

var daemonEpoch = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// fakeDetector feeds the pool synthetic touch events so tests control
// exactly when transcript changes are observed.
type fakeDetector struct {
	events chan watch.Event
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{events: make(chan watch.Event, 64)}
}

func (d *fakeDetector) Events() <-chan watch.Event { return d.events }

func (d *fakeDetector) Run(ctx context.Context) error {
	<-ctx.Done()
	close(d.events)
	return ctx.Err()
}

func (d *fakeDetector) Mode() string { return "fake" }

func (d *fakeDetector) touch(path string) {
	d.events <- watch.Event{Path: path}
}

type daemonHarness struct {
	t        *testing.T
	daemon   *Daemon
	pool     *monitor.Pool
	records  *store.Store
	events   *hub.Hub
	detector *fakeDetector
	clock    *clock.Fake
	server   *httptest.Server
	dir      string
}

// newDaemonHarness builds a daemon over real components (store, pool,
// hub, query) with a fake detector and clock, serving on an httptest
// server. withSearch adds a real search index.
func newDaemonHarness(t *testing.T, withSearch bool) *daemonHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	records, err := store.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	var searchIndex *index.Index
	if withSearch {
		searchIndex, err = index.Open(index.Config{
			Path:   filepath.Join(t.TempDir(), "index.db"),
			Logger: logger,
		})
		if err != nil {
			t.Fatalf("index.Open: %v", err)
		}
		t.Cleanup(func() { searchIndex.Close() })
	}

	h := &daemonHarness{
		t:        t,
		records:  records,
		events:   hub.New(logger),
		detector: newFakeDetector(),
		clock:    clock.NewFake(daemonEpoch),
		dir:      t.TempDir(),
	}
	h.pool = monitor.New(monitor.Config{
		Records:  records,
		Events:   h.events,
		Detector: h.detector,
		Index:    searchIndex,
		Logger:   logger,
		Clock:    h.clock,
	})
	queries := query.New(query.Config{
		Records: records,
		Index:   searchIndex,
		Logger:  logger,
	})
	h.daemon = newDaemon(h.pool, queries, h.events, logger, daemonOptions{
		watchRoot:     h.dir,
		keepAlive:     15 * time.Second,
		searchEnabled: withSearch,
		clock:         h.clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()
	testutil.Closed(t, h.pool.Ready(), 5*time.Second, "pool ready")
	// The sweep ticker must exist before any test advances the clock.
	h.clock.WaitForWaiters(1)

	h.server = httptest.NewServer(h.daemon.routes())

	t.Cleanup(func() {
		h.server.Close()
		cancel()
		if err := testutil.Receive(t, done, 5*time.Second, "pool shutdown"); err != nil &&
			!errors.Is(err, context.Canceled) {
			t.Errorf("pool.Run: %v", err)
		}
	})
	return h
}

func (h *daemonHarness) get(path string) (int, []byte) {
	h.t.Helper()
	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		h.t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("reading GET %s response: %v", path, err)
	}
	return resp.StatusCode, body
}

func (h *daemonHarness) post(path string, payload any) (int, []byte) {
	h.t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		h.t.Fatalf("encoding request for %s: %v", path, err)
	}
	return h.postRaw(path, string(data))
}

func (h *daemonHarness) postRaw(path, body string) (int, []byte) {
	h.t.Helper()
	resp, err := http.Post(h.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		h.t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("reading POST %s response: %v", path, err)
	}
	return resp.StatusCode, data
}

func (h *daemonHarness) register(id, workingDir string, start time.Time) {
	h.t.Helper()
	status, body := h.post("/api/register", monitor.Registration{
		ID:         id,
		WorkingDir: workingDir,
		StartTime:  start,
	})
	if status != http.StatusAccepted {
		h.t.Fatalf("register %s: status %d, body %s", id, status, body)
	}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		t.Fatalf("decoding response %s: %v", data, err)
	}
	return value
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("opening transcript %s: %v", path, err)
	}
	defer file.Close()
	for _, line := range lines {
		if _, err := file.WriteString(line + "\n"); err != nil {
			t.Fatalf("writing transcript: %v", err)
		}
	}
}

func isoTime(at time.Time) string { return at.UTC().Format(time.RFC3339) }

func userLine(at time.Time, cwd, text string) string {
	return fmt.Sprintf(`{"type":"user","timestamp":%q,"cwd":%q,"sessionId":"sess-1","message":{"role":"user","content":%q}}`,
		isoTime(at), cwd, text)
}

func toolCallLine(at time.Time, id, tool, command string) string {
	return fmt.Sprintf(`{"type":"assistant","timestamp":%q,"message":{"role":"assistant","content":[{"type":"tool_use","id":%q,"name":%q,"input":{"command":%q}}]}}`,
		isoTime(at), id, tool, command)
}

func toolResultLine(at time.Time, id, content string, isError bool) string {
	return fmt.Sprintf(`{"type":"user","timestamp":%q,"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":%q,"content":%q,"is_error":%t}]}}`,
		isoTime(at), id, content, isError)
}

func TestHealth(t *testing.T) {
	h := newDaemonHarness(t, false)

	status, body := h.get("/health")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	if got := decode[map[string]string](t, body); got["status"] != "ok" {
		t.Fatalf("body = %s", body)
	}
}

func TestRegisterAndFetchTask(t *testing.T) {
	h := newDaemonHarness(t, false)

	status, body := h.post("/api/register", monitor.Registration{
		ID:         "task-1",
		Title:      "fix flaky test",
		WorkingDir: "/proj",
		StartTime:  daemonEpoch,
	})
	if status != http.StatusAccepted {
		t.Fatalf("register: status %d, body %s", status, body)
	}
	ack := decode[map[string]string](t, body)
	if ack["status"] != "registered" || ack["task_id"] != "task-1" {
		t.Fatalf("ack = %v", ack)
	}

	status, body = h.get("/api/tasks/task-1")
	if status != http.StatusOK {
		t.Fatalf("get task: status %d, body %s", status, body)
	}
	detail := decode[query.TaskDetail](t, body)
	if detail.Task.Status != task.StatusRunning {
		t.Errorf("status = %s, want running", detail.Task.Status)
	}
	if detail.Task.Title != "fix flaky test" || detail.Task.WorkingDir != "/proj" {
		t.Errorf("metadata = %+v", detail.Task)
	}
	if detail.Summary != nil {
		t.Errorf("running task has a completion summary")
	}

	status, body = h.get("/api/tasks")
	if status != http.StatusOK {
		t.Fatalf("list: status %d, body %s", status, body)
	}
	page := decode[query.Page[*task.Descriptor]](t, body)
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].ID != "task-1" {
		t.Errorf("page = %+v", page)
	}

	status, body = h.get("/api/tasks?status=completed")
	if status != http.StatusOK {
		t.Fatalf("filtered list: status %d, body %s", status, body)
	}
	if page := decode[query.Page[*task.Descriptor]](t, body); page.Total != 0 {
		t.Errorf("completed filter matched a running task: %+v", page)
	}

	if status, _ := h.get("/api/tasks?status=sideways"); status != http.StatusBadRequest {
		t.Errorf("unknown status filter: status %d, want 400", status)
	}
}

func TestRegisterRejectsBadRequests(t *testing.T) {
	h := newDaemonHarness(t, false)

	if status, _ := h.postRaw("/api/register", "{not json"); status != http.StatusBadRequest {
		t.Errorf("malformed body: status %d, want 400", status)
	}
	if status, _ := h.post("/api/register", monitor.Registration{ID: "task-1"}); status != http.StatusBadRequest {
		t.Errorf("missing working_dir: status %d, want 400", status)
	}
	if status, _ := h.post("/api/register", monitor.Registration{ID: "bad id!", WorkingDir: "/proj"}); status != http.StatusBadRequest {
		t.Errorf("invalid id: status %d, want 400", status)
	}
}

func TestMissingAndInvalidTaskIDs(t *testing.T) {
	h := newDaemonHarness(t, false)

	if status, _ := h.get("/api/tasks/absent"); status != http.StatusNotFound {
		t.Errorf("missing task: status %d, want 404", status)
	}
	if status, _ := h.get("/api/tasks/absent/steps"); status != http.StatusNotFound {
		t.Errorf("missing task steps: status %d, want 404", status)
	}
	if status, _ := h.postRaw("/api/tasks/absent/stop", ""); status != http.StatusNotFound {
		t.Errorf("stop of missing task: status %d, want 404", status)
	}

	// Identifiers longer than the record layer accepts are the
	// caller's mistake, not a lookup miss.
	tooLong := strings.Repeat("a", 200)
	if status, _ := h.get("/api/tasks/" + tooLong); status != http.StatusBadRequest {
		t.Errorf("oversized id: status %d, want 400", status)
	}
}

func TestStopAndCancel(t *testing.T) {
	h := newDaemonHarness(t, false)
	h.register("task-1", "/proj", daemonEpoch)
	h.register("task-2", "/other", daemonEpoch)

	status, body := h.postRaw("/api/tasks/task-1/stop", "")
	if status != http.StatusAccepted {
		t.Fatalf("stop: status %d, body %s", status, body)
	}
	status, body = h.get("/api/tasks/task-1")
	if status != http.StatusOK {
		t.Fatalf("get stopped task: status %d, body %s", status, body)
	}
	detail := decode[query.TaskDetail](t, body)
	if detail.Task.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", detail.Task.Status)
	}
	if detail.Summary == nil {
		t.Errorf("terminal task has no completion summary")
	}

	if status, body := h.postRaw("/api/tasks/task-2/cancel", ""); status != http.StatusAccepted {
		t.Fatalf("cancel: status %d, body %s", status, body)
	}
	status, body = h.get("/api/tasks/task-2")
	if status != http.StatusOK {
		t.Fatalf("get cancelled task: status %d, body %s", status, body)
	}
	if detail := decode[query.TaskDetail](t, body); detail.Task.Status != task.StatusCancelled {
		t.Errorf("status = %s, want cancelled", detail.Task.Status)
	}

	status, body = h.get("/api/tasks?status=completed")
	if status != http.StatusOK {
		t.Fatalf("filtered list: status %d, body %s", status, body)
	}
	page := decode[query.Page[*task.Descriptor]](t, body)
	if page.Total != 1 || page.Items[0].ID != "task-1" {
		t.Errorf("completed filter = %+v", page)
	}
}

func TestContinueRequiresTerminalTask(t *testing.T) {
	h := newDaemonHarness(t, false)
	h.register("task-1", "/proj", daemonEpoch)

	if status, _ := h.postRaw("/api/tasks/task-1/continue", ""); status != http.StatusBadRequest {
		t.Errorf("continue of running task: status %d, want 400", status)
	}

	if status, _ := h.postRaw("/api/tasks/task-1/stop", ""); status != http.StatusAccepted {
		t.Fatalf("stop failed")
	}
	if status, body := h.postRaw("/api/tasks/task-1/continue", ""); status != http.StatusAccepted {
		t.Fatalf("continue: status %d, body %s", status, body)
	}

	status, body := h.get("/api/tasks/task-1")
	if status != http.StatusOK {
		t.Fatalf("get continued task: status %d, body %s", status, body)
	}
	if detail := decode[query.TaskDetail](t, body); detail.Task.Status != task.StatusRunning {
		t.Errorf("status = %s, want running after continue", detail.Task.Status)
	}
}

func TestBindTranscriptAndReadSteps(t *testing.T) {
	h := newDaemonHarness(t, false)
	h.register("task-1", "/proj", daemonEpoch)

	path := filepath.Join(h.dir, "session-1.jsonl")
	appendLines(t, path,
		userLine(daemonEpoch.Add(2*time.Second), "/proj", "fix the build"),
		toolCallLine(daemonEpoch.Add(3*time.Second), "tc-1", "Bash", "go build ./..."),
		toolResultLine(daemonEpoch.Add(4*time.Second), "tc-1", "ok", false),
	)

	status, body := h.post("/api/tasks/task-1/transcript", bindRequest{TranscriptPath: path})
	if status != http.StatusAccepted {
		t.Fatalf("bind: status %d, body %s", status, body)
	}

	// Step parsing happens on the session worker; poll the API until
	// it lands.
	var page query.Page[task.Step]
	testutil.Eventually(t, 5*time.Second, func() bool {
		status, body := h.get("/api/tasks/task-1/steps")
		if status != http.StatusOK {
			return false
		}
		page = decode[query.Page[task.Step]](t, body)
		return page.Total == 3
	}, "three steps via the API")
	if page.Items[0].Kind != task.StepUserInput || page.Items[1].Kind != task.StepToolCall {
		t.Errorf("step kinds = %s, %s", page.Items[0].Kind, page.Items[1].Kind)
	}

	status, body = h.get("/api/tasks/task-1?steps=2")
	if status != http.StatusOK {
		t.Fatalf("get task: status %d, body %s", status, body)
	}
	detail := decode[query.TaskDetail](t, body)
	if detail.Task.TranscriptPath != path {
		t.Errorf("transcript = %q, want %q", detail.Task.TranscriptPath, path)
	}
	if len(detail.Steps.Items) != 2 || !detail.Steps.HasMore {
		t.Errorf("step page = %+v, want 2 of 3 with more", detail.Steps)
	}

	status, body = h.get("/api/active")
	if status != http.StatusOK {
		t.Fatalf("active: status %d, body %s", status, body)
	}
	active := decode[[]monitor.ActiveTask](t, body)
	if len(active) != 1 || active[0].ID != "task-1" || active[0].TranscriptPath != path {
		t.Errorf("active = %+v", active)
	}

	if status, _ := h.post("/api/tasks/task-1/transcript", bindRequest{}); status != http.StatusBadRequest {
		t.Errorf("bind without a path: status %d, want 400", status)
	}
}

func TestListPagination(t *testing.T) {
	h := newDaemonHarness(t, false)
	h.register("task-1", "/a", daemonEpoch.Add(1*time.Second))
	h.register("task-2", "/b", daemonEpoch.Add(2*time.Second))
	h.register("task-3", "/c", daemonEpoch.Add(3*time.Second))

	status, body := h.get("/api/tasks?limit=2")
	if status != http.StatusOK {
		t.Fatalf("list: status %d, body %s", status, body)
	}
	page := decode[query.Page[*task.Descriptor]](t, body)
	if page.Total != 3 || len(page.Items) != 2 || !page.HasMore {
		t.Fatalf("page = %+v", page)
	}
	// Most recent activity first.
	if page.Items[0].ID != "task-3" || page.Items[1].ID != "task-2" {
		t.Errorf("order = %s, %s", page.Items[0].ID, page.Items[1].ID)
	}

	status, body = h.get("/api/tasks?limit=2&offset=2")
	if status != http.StatusOK {
		t.Fatalf("second page: status %d, body %s", status, body)
	}
	page = decode[query.Page[*task.Descriptor]](t, body)
	if len(page.Items) != 1 || page.Items[0].ID != "task-1" || page.HasMore {
		t.Errorf("second page = %+v", page)
	}

	if status, _ := h.get("/api/tasks?offset=oops"); status != http.StatusBadRequest {
		t.Errorf("bad offset: status %d, want 400", status)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := newDaemonHarness(t, false)
	h.register("task-1", "/proj", daemonEpoch)

	status, body := h.get("/api/status")
	if status != http.StatusOK {
		t.Fatalf("status: %d, body %s", status, body)
	}
	report := decode[statusResponse](t, body)
	if report.Version == "" {
		t.Errorf("version missing")
	}
	if report.WatchRoot != h.dir {
		t.Errorf("watch root = %q, want %q", report.WatchRoot, h.dir)
	}
	if report.Tasks[task.StatusRunning] != 1 {
		t.Errorf("running count = %d, want 1", report.Tasks[task.StatusRunning])
	}
	if report.Monitor.DetectorMode != "fake" {
		t.Errorf("detector mode = %q", report.Monitor.DetectorMode)
	}
	if report.Monitor.PendingRegistrations != 1 {
		t.Errorf("pending = %d, want 1", report.Monitor.PendingRegistrations)
	}
	if report.SearchEnabled {
		t.Errorf("search reported enabled on a searchless daemon")
	}
}

func TestSearchDisabled(t *testing.T) {
	h := newDaemonHarness(t, false)

	status, body := h.get("/api/search?q=anything")
	if status != http.StatusNotImplemented {
		t.Fatalf("status = %d, body %s", status, body)
	}
	if resp := decode[errorResponse](t, body); !strings.Contains(resp.Error, "disabled") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestSearchSteps(t *testing.T) {
	h := newDaemonHarness(t, true)
	h.register("task-1", "/proj", daemonEpoch)

	path := filepath.Join(h.dir, "session-1.jsonl")
	appendLines(t, path,
		userLine(daemonEpoch.Add(2*time.Second), "/proj", "fix the build"),
		toolCallLine(daemonEpoch.Add(3*time.Second), "tc-1", "Bash", "go build ./..."),
		toolResultLine(daemonEpoch.Add(4*time.Second), "tc-1", "ok", false),
	)
	h.detector.touch(path)

	// Indexing trails the session worker's parse; poll until the
	// query returns hits.
	testutil.Eventually(t, 5*time.Second, func() bool {
		status, body := h.get("/api/search?q=build")
		if status != http.StatusOK {
			return false
		}
		return len(decode[[]map[string]any](t, body)) >= 2
	}, "search hits for both matching steps")

	status, body := h.get("/api/search?q=build&kind=tool_call")
	if status != http.StatusOK {
		t.Fatalf("kind filter: status %d, body %s", status, body)
	}
	raw := decode[[]map[string]any](t, body)
	if len(raw) != 1 {
		t.Fatalf("kind filter hits = %d, want 1 (%s)", len(raw), body)
	}
	if raw[0]["kind"] != "tool_call" || raw[0]["task_id"] != "task-1" {
		t.Errorf("hit = %v", raw[0])
	}

	if status, _ := h.get("/api/search?q=build&kind=telepathy"); status != http.StatusBadRequest {
		t.Errorf("unknown kind: status %d, want 400", status)
	}
	if status, _ := h.get("/api/search?q="); status != http.StatusBadRequest {
		t.Errorf("empty query: status %d, want 400", status)
	}

	status, body = h.get("/api/search?q=nomatchanywhere")
	if status != http.StatusOK {
		t.Fatalf("no-hit search: status %d, body %s", status, body)
	}
	if string(bytes.TrimSpace(body)) != "[]" {
		t.Errorf("no-hit search body = %s, want []", body)
	}
}
