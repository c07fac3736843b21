// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bureau-foundation/taskwatch/lib/clock"
	"github.com/bureau-foundation/taskwatch/lib/hub"
	"github.com/bureau-foundation/taskwatch/lib/index"
	"github.com/bureau-foundation/taskwatch/lib/monitor"
	"github.com/bureau-foundation/taskwatch/lib/query"
	"github.com/bureau-foundation/taskwatch/lib/task"
	"github.com/bureau-foundation/taskwatch/lib/version"
)

// maxRequestBody bounds inbound request bodies. Registration payloads
// are a few hundred bytes; the limit only exists to stop a broken
// client from exhausting memory.
const maxRequestBody = 1 << 20

// Daemon is the request-facing state of taskwatchd: the monitor pool
// for lifecycle signals, the query service for reads, and the hub for
// the event stream.
type Daemon struct {
	pool    *monitor.Pool
	queries *query.Service
	events  *hub.Hub
	logger  *slog.Logger
	clock   clock.Clock

	startedAt     time.Time
	watchRoot     string
	keepAlive     time.Duration
	searchEnabled bool
}

// daemonOptions carries the request-layer settings out of the config.
type daemonOptions struct {
	watchRoot     string
	keepAlive     time.Duration
	searchEnabled bool

	// clock defaults to the system clock; tests inject a fake to
	// drive keep-alive ticks.
	clock clock.Clock
}

func newDaemon(pool *monitor.Pool, queries *query.Service, events *hub.Hub, logger *slog.Logger, options daemonOptions) *Daemon {
	if options.keepAlive <= 0 {
		options.keepAlive = 15 * time.Second
	}
	if options.clock == nil {
		options.clock = clock.System()
	}
	return &Daemon{
		pool:          pool,
		queries:       queries,
		events:        events,
		logger:        logger,
		clock:         options.clock,
		startedAt:     options.clock.Now(),
		watchRoot:     options.watchRoot,
		keepAlive:     options.keepAlive,
		searchEnabled: options.searchEnabled,
	}
}

// routes builds the daemon's HTTP mux.
func (d *Daemon) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks", d.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", d.handleGetTask)
	mux.HandleFunc("GET /api/tasks/{id}/steps", d.handleGetSteps)
	mux.HandleFunc("GET /api/search", d.handleSearch)
	mux.HandleFunc("GET /api/active", d.handleActive)
	mux.HandleFunc("GET /api/status", d.handleStatus)
	mux.HandleFunc("GET /api/events", d.handleEvents)
	mux.HandleFunc("POST /api/register", d.handleRegister)
	mux.HandleFunc("POST /api/tasks/{id}/stop", d.handleStop)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", d.handleCancel)
	mux.HandleFunc("POST /api/tasks/{id}/continue", d.handleContinue)
	mux.HandleFunc("POST /api/tasks/{id}/transcript", d.handleBindTranscript)
	mux.HandleFunc("GET /health", d.handleHealth)
	return mux
}

// errorResponse is the JSON envelope for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func (d *Daemon) sendError(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{
		Error: fmt.Sprintf(format, args...),
	}); err != nil {
		d.logger.Warn("writing JSON error response", "error", err, "status", status)
	}
}

// writeJSON encodes value as JSON into w, setting the Content-Type
// header. If encoding fails (typically because the client
// disconnected), the error is logged — the caller cannot send a
// corrective response to a dead client.
func (d *Daemon) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		d.logger.Warn("writing JSON response", "error", err)
	}
}

// sendAccepted acknowledges a lifecycle signal. The pool applies the
// durable effects before the handler returns; 202 reflects that
// downstream consequences (session start, event fan-out) are
// asynchronous.
func (d *Daemon) sendAccepted(w http.ResponseWriter, taskID, what string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status":  what,
		"task_id": taskID,
	}); err != nil {
		d.logger.Warn("writing JSON response", "error", err)
	}
}

// queryInt parses an integer query parameter, using fallback when the
// parameter is absent.
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: not an integer: %q", name, raw)
	}
	return value, nil
}

func (d *Daemon) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var status task.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		// "unknown" is a valid filter even though it is never
		// registered: unreadable descriptors degrade to it.
		if raw == string(task.StatusUnknown) {
			status = task.StatusUnknown
		} else {
			parsed, err := task.ParseStatus(raw)
			if err != nil {
				d.sendError(w, http.StatusBadRequest, "%v", err)
				return
			}
			status = parsed
		}
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		d.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		d.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}

	page, err := d.queries.ListTasks(status, offset, limit)
	if err != nil {
		d.sendError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	d.writeJSON(w, page)
}

// pathTaskID extracts and validates the {id} path segment, writing
// the 400 itself on failure.
func (d *Daemon) pathTaskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := task.ValidID(id); err != nil {
		d.sendError(w, http.StatusBadRequest, "%v", err)
		return "", false
	}
	return id, true
}

func (d *Daemon) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := d.pathTaskID(w, r)
	if !ok {
		return
	}
	stepLimit, err := queryInt(r, "steps", 0)
	if err != nil {
		d.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}

	detail, err := d.queries.GetTask(id, stepLimit)
	if err != nil {
		d.sendError(w, readStatus(err), "%v", err)
		return
	}
	d.writeJSON(w, detail)
}

func (d *Daemon) handleGetSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := d.pathTaskID(w, r)
	if !ok {
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		d.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		d.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}

	page, err := d.queries.GetSteps(id, offset, limit)
	if err != nil {
		d.sendError(w, readStatus(err), "%v", err)
		return
	}
	d.writeJSON(w, page)
}

func (d *Daemon) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !d.searchEnabled {
		d.sendError(w, http.StatusNotImplemented,
			"step search is disabled; set index.enabled in the daemon config")
		return
	}

	params := r.URL.Query()
	searchQuery := index.Query{
		Text:   params.Get("q"),
		TaskID: params.Get("task"),
	}
	if raw := params.Get("kind"); raw != "" {
		kind := task.StepKind(raw)
		if !kind.Valid() {
			d.sendError(w, http.StatusBadRequest, "unknown step kind %q", raw)
			return
		}
		searchQuery.Kind = kind
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		d.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}
	searchQuery.Limit = limit

	hits, err := d.queries.SearchSteps(r.Context(), searchQuery)
	if err != nil {
		d.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if hits == nil {
		hits = []index.Hit{}
	}
	d.writeJSON(w, hits)
}

func (d *Daemon) handleActive(w http.ResponseWriter, r *http.Request) {
	d.writeJSON(w, d.pool.List())
}

// statusResponse is the aggregate health report for GET /api/status.
type statusResponse struct {
	Version       string              `json:"version"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	WatchRoot     string              `json:"watch_root"`
	Tasks         map[task.Status]int `json:"tasks"`
	Monitor       monitor.Stats       `json:"monitor"`
	Events        hub.Stats           `json:"events"`
	SearchEnabled bool                `json:"search_enabled"`
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := d.queries.StatusCounts()
	if err != nil {
		d.sendError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	d.writeJSON(w, statusResponse{
		Version:       version.Info(),
		UptimeSeconds: d.clock.Now().Sub(d.startedAt).Seconds(),
		WatchRoot:     d.watchRoot,
		Tasks:         counts,
		Monitor:       d.pool.Stats(),
		Events:        d.events.Stats(),
		SearchEnabled: d.searchEnabled,
	})
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	d.writeJSON(w, map[string]string{"status": "ok"})
}

func (d *Daemon) handleRegister(w http.ResponseWriter, r *http.Request) {
	var registration monitor.Registration
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&registration); err != nil {
		d.sendError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	if err := d.pool.RegisterStart(registration); err != nil {
		d.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}
	d.sendAccepted(w, registration.ID, "registered")
}

func (d *Daemon) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := d.pathTaskID(w, r)
	if !ok {
		return
	}
	if err := d.pool.RegisterStop(id); err != nil {
		d.sendError(w, signalStatus(err), "%v", err)
		return
	}
	d.sendAccepted(w, id, "stopping")
}

func (d *Daemon) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := d.pathTaskID(w, r)
	if !ok {
		return
	}
	if err := d.pool.RegisterCancel(id); err != nil {
		d.sendError(w, signalStatus(err), "%v", err)
		return
	}
	d.sendAccepted(w, id, "cancelling")
}

func (d *Daemon) handleContinue(w http.ResponseWriter, r *http.Request) {
	id, ok := d.pathTaskID(w, r)
	if !ok {
		return
	}
	if err := d.pool.RegisterContinue(id); err != nil {
		d.sendError(w, signalStatus(err), "%v", err)
		return
	}
	d.sendAccepted(w, id, "continuing")
}

// bindRequest is the body of POST /api/tasks/{id}/transcript.
type bindRequest struct {
	TranscriptPath string `json:"transcript_path"`
}

func (d *Daemon) handleBindTranscript(w http.ResponseWriter, r *http.Request) {
	id, ok := d.pathTaskID(w, r)
	if !ok {
		return
	}

	var request bindRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&request); err != nil {
		d.sendError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if request.TranscriptPath == "" {
		d.sendError(w, http.StatusBadRequest, "transcript_path is required")
		return
	}

	if err := d.pool.Start(id, request.TranscriptPath); err != nil {
		d.sendError(w, signalStatus(err), "%v", err)
		return
	}
	d.sendAccepted(w, id, "bound")
}

// readStatus maps a query error to an HTTP status: a missing task is
// 404, everything else is a store fault.
func readStatus(err error) int {
	if errors.Is(err, fs.ErrNotExist) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// signalStatus maps a lifecycle signal error: a missing task is 404,
// everything else (bad id, wrong state) is the caller's mistake.
func signalStatus(err error) int {
	if errors.Is(err, fs.ErrNotExist) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
