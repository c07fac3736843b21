// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"net/http"

	"github.com/bureau-foundation/taskwatch/lib/sse"
	"github.com/bureau-foundation/taskwatch/lib/task"
)

// handleEvents serves the push stream as Server-Sent Events. An
// optional task parameter narrows the stream to one task and adds
// per-step events; without it the subscriber sees status transitions
// and completions for every task.
//
// The stream carries only events published after the subscription;
// clients needing the current state fetch it from the query endpoints
// first and use the stream for deltas.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task")
	if taskID != "" {
		if err := task.ValidID(taskID); err != nil {
			d.sendError(w, http.StatusBadRequest, "%v", err)
			return
		}
	}

	writer, err := sse.NewWriter(w)
	if err != nil {
		d.sendError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	subscriber := d.events.Subscribe(taskID)
	defer d.events.Unsubscribe(subscriber)

	d.logger.Debug("event stream opened", "task", taskID, "remote", r.RemoteAddr)

	// The opening comment confirms the subscription is live before
	// any event arrives.
	if err := writer.Comment("stream established"); err != nil {
		return
	}

	keepAlive := d.clock.NewTicker(d.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case event, ok := <-subscriber.Events():
			if !ok {
				// The hub dropped this subscriber for falling too far
				// behind. Ending the response tells the client to
				// reconnect and re-baseline.
				d.logger.Warn("event stream dropped", "task", taskID, "remote", r.RemoteAddr)
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				d.logger.Warn("event encode failed", "task", event.TaskID, "error", err)
				continue
			}
			if err := writer.Send(string(event.Kind), payload); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := writer.Comment("keep-alive"); err != nil {
				return
			}
		case <-r.Context().Done():
			d.logger.Debug("event stream closed", "task", taskID, "remote", r.RemoteAddr)
			return
		}
	}
}
