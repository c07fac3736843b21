// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/taskwatch/lib/query"
	"github.com/bureau-foundation/taskwatch/lib/task"
)

// newStubServer starts a canned daemon for one test and returns its
// URL for --server.
func newStubServer(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server.URL
}

// captureStdout captures stdout output during fn execution.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	original := os.Stdout
	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = writer

	fn()

	writer.Close()
	os.Stdout = original

	var buffer bytes.Buffer
	io.Copy(&buffer, reader)
	reader.Close()

	return buffer.String()
}

// runCLI executes the real command tree and returns captured stdout.
func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	return captureStdout(t, func() {
		if err := root().Execute(args); err != nil {
			t.Errorf("taskwatch %s: %v", strings.Join(args, " "), err)
		}
	})
}

func sendJSON(t *testing.T, w http.ResponseWriter, status int, value any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		t.Errorf("encoding stub response: %v", err)
	}
}

func TestResolveServer(t *testing.T) {
	t.Setenv("TASKWATCH_SERVER", "")

	if got := resolveServer(""); got != defaultServer {
		t.Errorf("default = %q, want %q", got, defaultServer)
	}
	if got := resolveServer("10.0.0.5:7700"); got != "http://10.0.0.5:7700" {
		t.Errorf("bare host = %q, want scheme added", got)
	}
	if got := resolveServer("http://example.test:7700/"); got != "http://example.test:7700" {
		t.Errorf("trailing slash = %q, want trimmed", got)
	}

	t.Setenv("TASKWATCH_SERVER", "env.test:1234")
	if got := resolveServer(""); got != "http://env.test:1234" {
		t.Errorf("env = %q, want %q", got, "http://env.test:1234")
	}
	// The flag wins over the environment.
	if got := resolveServer("flag.test:1"); got != "http://flag.test:1" {
		t.Errorf("flag = %q, want %q", got, "http://flag.test:1")
	}
}

func TestRegisterSendsRegistration(t *testing.T) {
	var received map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/register", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		sendJSON(t, w, http.StatusAccepted, map[string]string{
			"status": "registered", "task_id": "fix-build",
		})
	})
	url := newStubServer(t, mux)

	output := runCLI(t, "register", "--server", url,
		"--id", "fix-build", "--dir", "/work/proj", "--title", "Fix the build")

	if received["task_id"] != "fix-build" {
		t.Errorf("task_id = %v, want fix-build", received["task_id"])
	}
	if received["working_dir"] != "/work/proj" {
		t.Errorf("working_dir = %v, want /work/proj", received["working_dir"])
	}
	if received["title"] != "Fix the build" {
		t.Errorf("title = %v, want Fix the build", received["title"])
	}
	if !strings.Contains(output, "registered fix-build") {
		t.Errorf("output %q missing confirmation", output)
	}
}

func TestRegisterParsesStartTime(t *testing.T) {
	var received struct {
		StartTime time.Time `json:"start_time"`
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/register", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		sendJSON(t, w, http.StatusAccepted, map[string]string{"status": "registered"})
	})
	url := newStubServer(t, mux)

	runCLI(t, "register", "--server", url,
		"--id", "t1", "--dir", "/work", "--start", "2026-08-23T12:00:00Z")

	want := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	if !received.StartTime.Equal(want) {
		t.Errorf("start_time = %v, want %v", received.StartTime, want)
	}
}

func TestRegisterValidatesLocally(t *testing.T) {
	// No server: validation must fail before any connection attempt.
	cases := [][]string{
		{"register", "--dir", "/work"},              // missing --id
		{"register", "--id", "t1"},                  // missing --dir
		{"register", "--id", "../evil", "--dir", "/work"}, // bad id
		{"register", "--id", "t1", "--dir", "/work", "--start", "noon"},
	}
	for _, args := range cases {
		if err := root().Execute(args); err == nil {
			t.Errorf("taskwatch %s: expected error", strings.Join(args, " "))
		}
	}
}

func TestLifecycleSignalsHitEndpoints(t *testing.T) {
	var paths []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks/{id}/{signal}", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		sendJSON(t, w, http.StatusAccepted, map[string]string{
			"status": r.PathValue("signal"), "task_id": r.PathValue("id"),
		})
	})
	url := newStubServer(t, mux)

	runCLI(t, "stop", "--server", url, "fix-build")
	runCLI(t, "cancel", "--server", url, "fix-build")
	runCLI(t, "continue", "--server", url, "fix-build")

	want := []string{
		"/api/tasks/fix-build/stop",
		"/api/tasks/fix-build/cancel",
		"/api/tasks/fix-build/continue",
	}
	if len(paths) != len(want) {
		t.Fatalf("hit %d endpoints, want %d: %v", len(paths), len(want), paths)
	}
	for i, path := range want {
		if paths[i] != path {
			t.Errorf("request %d hit %q, want %q", i, paths[i], path)
		}
	}
}

func TestStopRequiresTaskID(t *testing.T) {
	if err := root().Execute([]string{"stop"}); err == nil {
		t.Error("stop without id: expected error")
	}
	if err := root().Execute([]string{"stop", "a", "b"}); err == nil {
		t.Error("stop with two ids: expected error")
	}
}

func TestBindSendsTranscriptPath(t *testing.T) {
	var received map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks/{id}/transcript", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		sendJSON(t, w, http.StatusAccepted, map[string]string{
			"status": "bound", "task_id": r.PathValue("id"),
		})
	})
	url := newStubServer(t, mux)

	runCLI(t, "bind", "--server", url, "fix-build", "/agents/proj/ab12.jsonl")

	if received["transcript_path"] != "/agents/proj/ab12.jsonl" {
		t.Errorf("transcript_path = %q, want /agents/proj/ab12.jsonl", received["transcript_path"])
	}
}

func listFixture() query.Page[*task.Descriptor] {
	now := time.Now().UTC()
	completed := now.Add(-10 * time.Minute)
	return query.Page[*task.Descriptor]{
		Items: []*task.Descriptor{
			{
				Version: 1, ID: "fix-build", Title: "Fix the build",
				WorkingDir: "/work/proj", Status: task.StatusRunning,
				StepCount: 42, ToolCallCount: 17,
				CreatedAt: now.Add(-time.Hour), LastActivity: now.Add(-30 * time.Second),
			},
			{
				Version: 1, ID: "ab12cd", Untracked: true,
				WorkingDir: "/work/other", Status: task.StatusCompleted,
				StepCount: 7, ToolCallCount: 2,
				CreatedAt: now.Add(-2 * time.Hour), LastActivity: completed,
				CompletedAt: &completed, Reason: "done signal",
			},
		},
		Total: 2, Offset: 0, Limit: 50, HasMore: false,
	}
}

func TestListRendersTable(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		sendJSON(t, w, http.StatusOK, listFixture())
	})
	url := newStubServer(t, mux)

	output := runCLI(t, "list", "--server", url, "--status", "running")

	if !strings.Contains(gotQuery, "status=running") {
		t.Errorf("query %q missing status filter", gotQuery)
	}
	for _, want := range []string{"ID", "STATUS", "fix-build", "running", "Fix the build", "ab12cd*", "completed"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q\n\n%s", want, output)
		}
	}
}

func TestListJSONRoundTrips(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		sendJSON(t, w, http.StatusOK, listFixture())
	})
	url := newStubServer(t, mux)

	output := runCLI(t, "list", "--server", url, "--json")

	var page query.Page[*task.Descriptor]
	if err := json.Unmarshal([]byte(output), &page); err != nil {
		t.Fatalf("output is not a JSON page: %v\n\n%s", err, output)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "fix-build" {
		t.Errorf("decoded %d items, want the fixture back", len(page.Items))
	}
}

func TestListEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		sendJSON(t, w, http.StatusOK, query.Page[*task.Descriptor]{Items: []*task.Descriptor{}})
	})
	url := newStubServer(t, mux)

	output := runCLI(t, "list", "--server", url)
	if !strings.Contains(output, "no tasks") {
		t.Errorf("output %q, want 'no tasks'", output)
	}
}

func TestShowRendersDetail(t *testing.T) {
	now := time.Now().UTC()
	completed := now.Add(-time.Minute)
	detail := query.TaskDetail{
		Task: &task.Descriptor{
			Version: 1, ID: "fix-build", Title: "Fix the build",
			WorkingDir: "/work/proj", TranscriptPath: "/agents/proj/ab12.jsonl",
			Status: task.StatusCompleted, Reason: "done signal",
			StepCount: 3, ToolCallCount: 1,
			CreatedAt: now.Add(-time.Hour), LastActivity: completed, CompletedAt: &completed,
		},
		Steps: query.Page[task.Step]{
			Items: []task.Step{
				{Seq: 1, Kind: task.StepUserInput, Timestamp: now.Add(-time.Hour), Summary: "fix the build"},
				{Seq: 2, Kind: task.StepToolCall, Timestamp: now.Add(-30 * time.Minute), Tool: "Bash", Summary: "go test ./..."},
				{Seq: 3, Kind: task.StepToolResult, Timestamp: completed, Tool: "Bash", Outcome: task.OutcomeError, Summary: "FAIL"},
			},
			Total: 3, Limit: 10,
		},
		Summary: &task.Summary{
			DurationMS: 59 * 60 * 1000,
			StepCounts: map[task.StepKind]int{
				task.StepUserInput: 1, task.StepToolCall: 1, task.StepToolResult: 1,
			},
			ToolSuccessCount: 0, ToolErrorCount: 1,
			TopTools: []task.ToolUsage{{Name: "Bash", Calls: 1}},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "fix-build" {
			t.Errorf("requested task %q", r.PathValue("id"))
		}
		sendJSON(t, w, http.StatusOK, detail)
	})
	url := newStubServer(t, mux)

	output := runCLI(t, "show", "--server", url, "fix-build")

	for _, want := range []string{
		"fix-build", "Fix the build", "completed", "done signal",
		"/work/proj", "/agents/proj/ab12.jsonl",
		"Summary", "59m00s", "0 ok, 1 failed", "Bash",
		"Recent steps (3 of 3)", "tool_result!", "FAIL",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q\n\n%s", want, output)
		}
	}
}

func TestStepsPaginationHint(t *testing.T) {
	now := time.Now().UTC()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks/{id}/steps", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("offset"); got != "10" {
			t.Errorf("offset = %q, want 10", got)
		}
		sendJSON(t, w, http.StatusOK, query.Page[task.Step]{
			Items: []task.Step{
				{Seq: 11, Kind: task.StepAgentOutput, Timestamp: now, Summary: "thinking"},
			},
			Total: 40, Offset: 10, Limit: 1, HasMore: true,
		})
	})
	url := newStubServer(t, mux)

	output := runCLI(t, "steps", "--server", url, "fix-build", "--offset", "10", "--limit", "1")

	if !strings.Contains(output, "11 of 40 steps") {
		t.Errorf("output missing pagination summary\n\n%s", output)
	}
	if !strings.Contains(output, "--offset 11") {
		t.Errorf("output missing next-page hint\n\n%s", output)
	}
}

func TestSearchRendersHits(t *testing.T) {
	now := time.Now().UTC()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/search", func(w http.ResponseWriter, r *http.Request) {
		params := r.URL.Query()
		if params.Get("q") != "go test" {
			t.Errorf("q = %q, want 'go test'", params.Get("q"))
		}
		if params.Get("kind") != "tool_result" {
			t.Errorf("kind = %q, want tool_result", params.Get("kind"))
		}
		sendJSON(t, w, http.StatusOK, []searchHit{
			{TaskID: "fix-build", Seq: 3, Kind: task.StepToolResult, Timestamp: now,
				Tool: "Bash", Outcome: task.OutcomeError, Summary: "go test FAIL"},
		})
	})
	url := newStubServer(t, mux)

	output := runCLI(t, "search", "--server", url, "go test", "--kind", "tool_result")

	for _, want := range []string{"TASK", "fix-build", "tool_result!", "go test FAIL"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q\n\n%s", want, output)
		}
	}
}

func TestStatusRendersSections(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		status := daemonStatus{
			Version:       "1.2.3",
			UptimeSeconds: 3600,
			WatchRoot:     "/agents",
			Tasks: map[task.Status]int{
				task.StatusRunning:   2,
				task.StatusCompleted: 5,
			},
			SearchEnabled: true,
		}
		status.Monitor.ActiveSessions = 2
		status.Monitor.StepsParsed = 1234
		status.Monitor.DetectorMode = "inotify"
		status.Events.Subscribers = 1
		sendJSON(t, w, http.StatusOK, status)
	})
	url := newStubServer(t, mux)

	output := runCLI(t, "status", "--server", url)

	for _, want := range []string{
		"1.2.3", "/agents", "inotify", "enabled",
		"running", "completed", "total", "7",
		"Steps parsed", "1234", "Subscribers",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q\n\n%s", want, output)
		}
	}
}

func TestActiveRendersSessions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/active", func(w http.ResponseWriter, r *http.Request) {
		sendJSON(t, w, http.StatusOK, []map[string]string{
			{"id": "fix-build", "transcript_path": "/agents/proj/ab12.jsonl"},
		})
	})
	url := newStubServer(t, mux)

	output := runCLI(t, "active", "--server", url)

	if !strings.Contains(output, "fix-build") || !strings.Contains(output, "/agents/proj/ab12.jsonl") {
		t.Errorf("output missing session row\n\n%s", output)
	}
}

func TestDaemonErrorEnvelopeSurfaced(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		sendJSON(t, w, http.StatusNotFound, map[string]string{
			"error": "task nope: file does not exist",
		})
	})
	url := newStubServer(t, mux)

	err := root().Execute([]string{"show", "--server", url, "nope"})
	if err == nil {
		t.Fatal("show: expected error")
	}
	if got := err.Error(); got != "task nope: file does not exist" {
		t.Errorf("error = %q, want the daemon's envelope text", got)
	}
}

func TestNonJSONErrorSurfaced(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	url := newStubServer(t, mux)

	err := root().Execute([]string{"status", "--server", url})
	if err == nil {
		t.Fatal("status: expected error")
	}
	message := err.Error()
	if !strings.Contains(message, "502") || !strings.Contains(message, "bad gateway") {
		t.Errorf("error = %q, want status and body", message)
	}
}

func TestConnectionErrorMentionsServer(t *testing.T) {
	// A closed server yields a connection error naming the address.
	server := httptest.NewServer(http.NewServeMux())
	url := server.URL
	server.Close()

	err := root().Execute([]string{"list", "--server", url})
	if err == nil {
		t.Fatal("list: expected connection error")
	}
	if !strings.Contains(err.Error(), "connecting to") {
		t.Errorf("error = %q, want a connection error", err.Error())
	}
}
