// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/taskwatch/lib/hub"
	"github.com/bureau-foundation/taskwatch/lib/sse"
	"github.com/bureau-foundation/taskwatch/lib/task"
)

// Backoff constants for the stream reconnect loop. Starts at
// initialBackoff and doubles on each consecutive failed round, capped
// at maxBackoff. Resets once a subscription is established.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// streamEvent mirrors the daemon's event envelope, with the payload
// left raw for per-kind decoding.
type streamEvent struct {
	TaskID  string          `json:"task_id"`
	Kind    hub.EventKind   `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

func followCommand() *command {
	var (
		server string
		asJSON bool
	)
	return &command{
		Name:    "follow",
		Summary: "Follow the live event stream",
		Description: `Subscribe to the daemon's push stream and print events as they
arrive. Without a task id the stream carries status transitions and
completions for every task; with one it narrows to that task and
adds a line per new step.

The stream carries deltas only. If the connection drops (daemon
restart, subscriber overflow), follow reconnects with backoff;
anything published while disconnected is not replayed.`,
		Usage: "taskwatch follow [<task-id>] [flags]",
		Examples: []example{
			{
				Description: "Status transitions across all tasks",
				Command:     "taskwatch follow",
			},
			{
				Description: "Every step of one task as it happens",
				Command:     "taskwatch follow fix-build",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("follow", pflag.ContinueOnError)
			flags.StringVar(&server, "server", "", "daemon address (default $TASKWATCH_SERVER or "+defaultServer+")")
			flags.BoolVar(&asJSON, "json", false, "print one raw JSON event per line")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("at most one task id")
			}
			path := "/api/events"
			if len(args) == 1 {
				if err := task.ValidID(args[0]); err != nil {
					return err
				}
				path += "?task=" + url.QueryEscape(args[0])
			}

			render := renderEvent
			if asJSON {
				render = func(raw string, _ streamEvent) { fmt.Println(raw) }
			} else {
				fmt.Fprintln(os.Stderr, "following events (Ctrl-C to stop)")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return follow(ctx, newClient(server), path, render)
		},
	}
}

// follow tails the event stream until ctx is cancelled, reconnecting
// with exponential backoff whenever the daemon closes or drops the
// subscription.
func follow(ctx context.Context, c *client, path string, render func(raw string, event streamEvent)) error {
	backoff := initialBackoff
	for {
		connected, err := followOnce(ctx, c, path, render)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = initialBackoff
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "stream error: %v; reconnecting in %s\n", err, backoff)
		} else {
			fmt.Fprintf(os.Stderr, "stream closed; reconnecting in %s\n", backoff)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// followOnce opens one subscription and renders events until the
// stream ends. connected reports whether the subscription was
// established at all, distinguishing a refused connection from a
// dropped one for the backoff reset.
func followOnce(ctx context.Context, c *client, path string, render func(raw string, event streamEvent)) (connected bool, err error) {
	body, err := c.stream(ctx, path)
	if err != nil {
		return false, err
	}
	defer body.Close()

	scanner := sse.NewScanner(body)
	for scanner.Next() {
		data := scanner.Event().Data
		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			fmt.Fprintf(os.Stderr, "skipping malformed event: %v\n", err)
			continue
		}
		render(data, event)
	}
	return true, scanner.Err()
}

// renderEvent prints one event as a text line: a timestamp, the task
// id, and a kind-specific detail.
func renderEvent(_ string, event streamEvent) {
	detail := string(event.Kind)
	switch event.Kind {
	case hub.KindStepAdded:
		var step task.Step
		if err := json.Unmarshal(event.Payload, &step); err == nil {
			kind := string(step.Kind)
			if step.Outcome == task.OutcomeError {
				kind += "!"
			}
			detail = fmt.Sprintf("#%d %s", step.Seq, kind)
			if step.Tool != "" {
				detail += " " + step.Tool
			}
			if step.Summary != "" {
				detail += "  " + truncate(step.Summary, 80)
			}
		}
	case hub.KindStatusChanged, hub.KindTaskCompleted:
		var payload hub.StatusPayload
		if err := json.Unmarshal(event.Payload, &payload); err == nil {
			detail = string(payload.Status)
			if payload.Reason != "" {
				detail += " (" + payload.Reason + ")"
			}
		}
	}
	fmt.Printf("%s  %-24s  %s\n", event.TS.Local().Format("15:04:05"), event.TaskID, detail)
}
