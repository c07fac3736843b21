// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/taskwatch/lib/monitor"
	"github.com/bureau-foundation/taskwatch/lib/task"
)

func registerCommand() *command {
	var (
		server     string
		id         string
		workingDir string
		title      string
		start      string
	)
	return &command{
		Name:    "register",
		Summary: "Announce that a task is starting",
		Description: `Register a task start with the daemon. The daemon waits for an
agent transcript whose working directory matches --dir and whose
first record falls inside the correlation window around the start
time, then binds it to this task.

Registration is fire-and-forget and idempotent: re-registering a
running task refreshes its correlation window, and registering a
finished task reopens it for a continued session.`,
		Usage: "taskwatch register --id <task-id> --dir <working-dir> [flags]",
		Examples: []example{
			{
				Description: "Register right before launching the agent",
				Command:     `taskwatch register --id fix-build --dir /work/proj --title "Fix the build"`,
			},
			{
				Description: "Backdate the start time for a launcher that records its own",
				Command:     "taskwatch register --id t1 --dir /work/proj --start 2026-08-23T12:00:00Z",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("register", pflag.ContinueOnError)
			flags.StringVar(&server, "server", "", "daemon address (default $TASKWATCH_SERVER or "+defaultServer+")")
			flags.StringVar(&id, "id", "", "task identifier (required)")
			flags.StringVar(&workingDir, "dir", "", "working directory the agent runs in (required)")
			flags.StringVar(&title, "title", "", "human-readable task title")
			flags.StringVar(&start, "start", "", "task start time, RFC3339 (default: now, daemon-side)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			if err := task.ValidID(id); err != nil {
				return err
			}
			if workingDir == "" {
				return fmt.Errorf("--dir is required")
			}

			registration := monitor.Registration{
				ID:         id,
				Title:      title,
				WorkingDir: workingDir,
			}
			if start != "" {
				startTime, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("invalid --start %q: expected RFC3339", start)
				}
				registration.StartTime = startTime
			}

			if err := newClient(server).postJSON("/api/register", registration, nil); err != nil {
				return err
			}
			fmt.Printf("registered %s (dir %s)\n", id, workingDir)
			return nil
		},
	}
}

// signalCommand builds stop/cancel/continue, which differ only in the
// endpoint and wording.
func signalCommand(name, summary, description, past string) *command {
	var server string
	return &command{
		Name:        name,
		Summary:     summary,
		Description: description,
		Usage:       "taskwatch " + name + " <task-id>",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
			flags.StringVar(&server, "server", "", "daemon address (default $TASKWATCH_SERVER or "+defaultServer+")")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("exactly one task id required")
			}
			id := args[0]
			if err := task.ValidID(id); err != nil {
				return err
			}
			path := "/api/tasks/" + url.PathEscape(id) + "/" + name
			if err := newClient(server).postJSON(path, struct{}{}, nil); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", past, id)
			return nil
		},
	}
}

func stopCommand() *command {
	return signalCommand("stop",
		"Signal that a task finished",
		`Send an advisory done signal. The task completes as COMPLETED
unless it already reached a terminal state (for example through the
inactivity timeout), in which case this is a no-op.`,
		"stopped")
}

func cancelCommand() *command {
	return signalCommand("cancel",
		"Cancel a running task",
		`Request explicit cancellation. The task finishes as CANCELLED
unless it is already terminal; cancellation never reverses a
completed task.`,
		"cancelled")
}

func continueCommand() *command {
	return signalCommand("continue",
		"Reopen a finished task",
		`Return a terminal task to RUNNING for a follow-up agent session in
the same working directory. The daemon starts a fresh correlation
window; the next matching transcript continues the task's step
history.`,
		"continuing")
}

func bindCommand() *command {
	var server string
	return &command{
		Name:    "bind",
		Summary: "Bind a transcript file to a task directly",
		Description: `Attach a transcript to a task by path, bypassing start-time
correlation. For when the correlation window was missed and the
transcript was adopted as untracked, or never observed at all.`,
		Usage: "taskwatch bind <task-id> <transcript-path>",
		Examples: []example{
			{
				Description: "Claim a transcript for a registered task",
				Command:     "taskwatch bind fix-build /agents/proj/ab12.jsonl",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("bind", pflag.ContinueOnError)
			flags.StringVar(&server, "server", "", "daemon address (default $TASKWATCH_SERVER or "+defaultServer+")")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("task id and transcript path required")
			}
			id := args[0]
			if err := task.ValidID(id); err != nil {
				return err
			}
			body := struct {
				TranscriptPath string `json:"transcript_path"`
			}{TranscriptPath: args[1]}
			path := "/api/tasks/" + url.PathEscape(id) + "/transcript"
			if err := newClient(server).postJSON(path, body, nil); err != nil {
				return err
			}
			fmt.Printf("bound %s to %s\n", id, args[1])
			return nil
		},
	}
}
