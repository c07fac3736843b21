// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Taskwatchd is the coding-agent activity monitor daemon. It watches a
// transcript tree for append-only agent session logs, reconciles new
// transcripts with registered task starts, parses transcript growth
// into step records, and serves live and historical task state over a
// local HTTP API.
//
// # Startup
//
// Configuration comes from a YAML file named by TASKWATCH_CONFIG or
// --config, with TASKWATCH_* environment variables and then command
// line flags overriding individual fields. On start the daemon
// restores persisted task state from the record directory, reconciles
// the step search index, and begins watching the transcript tree
// (inotify where available, polling otherwise) before the HTTP
// listener accepts requests.
//
// # HTTP API
//
// All endpoints are JSON over the configured listen address:
//
//   - GET /api/tasks: paged task listing, newest activity first,
//     optionally filtered by status
//   - GET /api/tasks/{id}: one task's descriptor, first steps, and
//     completion summary
//   - GET /api/tasks/{id}/steps: paged step records
//   - GET /api/search: substring search over indexed step summaries
//   - GET /api/active: transcripts with a live session worker
//   - GET /api/status: daemon health, counters, and task tallies
//   - POST /api/register: announce a task start
//   - POST /api/tasks/{id}/stop, /cancel, /continue: lifecycle signals
//   - POST /api/tasks/{id}/transcript: bind a transcript directly,
//     bypassing start-time correlation
//   - GET /health: liveness probe
//
// # Event Stream
//
// GET /api/events serves Server-Sent Events. Without parameters the
// stream carries status transitions and completions for every task; a
// task parameter narrows it to one task and adds per-step events.
// Subscribers see only events published after they connect; the
// baseline state comes from the query endpoints.
package main
