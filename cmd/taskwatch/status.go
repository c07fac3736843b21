// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/taskwatch/lib/hub"
	"github.com/bureau-foundation/taskwatch/lib/monitor"
	"github.com/bureau-foundation/taskwatch/lib/task"
)

// daemonStatus mirrors the daemon's status report.
type daemonStatus struct {
	Version       string              `json:"version"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	WatchRoot     string              `json:"watch_root"`
	Tasks         map[task.Status]int `json:"tasks"`
	Monitor       monitor.Stats       `json:"monitor"`
	Events        hub.Stats           `json:"events"`
	SearchEnabled bool                `json:"search_enabled"`
}

func statusCommand() *command {
	var (
		server string
		asJSON bool
	)
	return &command{
		Name:    "status",
		Summary: "Show daemon health and counters",
		Usage:   "taskwatch status [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.StringVar(&server, "server", "", "daemon address (default $TASKWATCH_SERVER or "+defaultServer+")")
			flags.BoolVar(&asJSON, "json", false, "emit the raw JSON report")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			var status daemonStatus
			if err := newClient(server).getJSON("/api/status", &status); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(status)
			}

			writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintf(writer, "Version\t%s\n", status.Version)
			fmt.Fprintf(writer, "Uptime\t%s\n", formatDurationMS(int64(status.UptimeSeconds*1000)))
			fmt.Fprintf(writer, "Watch root\t%s\n", status.WatchRoot)
			fmt.Fprintf(writer, "Detector\t%s\n", status.Monitor.DetectorMode)
			fmt.Fprintf(writer, "Search\t%s\n", enabledWord(status.SearchEnabled))
			writer.Flush()

			fmt.Println("\nTasks")
			writer = tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			total := 0
			for _, kind := range []task.Status{
				task.StatusRunning,
				task.StatusCompleted,
				task.StatusError,
				task.StatusCancelled,
				task.StatusUnknown,
			} {
				count, ok := status.Tasks[kind]
				if !ok {
					continue
				}
				total += count
				fmt.Fprintf(writer, "  %s\t%d\n", kind, count)
			}
			fmt.Fprintf(writer, "  total\t%d\n", total)
			writer.Flush()

			fmt.Println("\nMonitor")
			writer = tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintf(writer, "  Active sessions\t%d\n", status.Monitor.ActiveSessions)
			fmt.Fprintf(writer, "  Pending registrations\t%d\n", status.Monitor.PendingRegistrations)
			fmt.Fprintf(writer, "  Steps parsed\t%d\n", status.Monitor.StepsParsed)
			fmt.Fprintf(writer, "  Parse warnings\t%d\n", status.Monitor.ParseWarnings)
			fmt.Fprintf(writer, "  Discontinuities\t%d\n", status.Monitor.Discontinuities)
			fmt.Fprintf(writer, "  Untracked adopted\t%d\n", status.Monitor.UntrackedAdopted)
			fmt.Fprintf(writer, "  Expired registrations\t%d\n", status.Monitor.ExpiredRegistrations)
			writer.Flush()

			fmt.Println("\nEvents")
			writer = tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintf(writer, "  Subscribers\t%d\n", status.Events.Subscribers)
			fmt.Fprintf(writer, "  Published\t%d\n", status.Events.Published)
			fmt.Fprintf(writer, "  Dropped\t%d\n", status.Events.Dropped)
			writer.Flush()
			return nil
		},
	}
}

func enabledWord(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func activeCommand() *command {
	var (
		server string
		asJSON bool
	)
	return &command{
		Name:    "active",
		Summary: "List live transcript sessions",
		Description: `List the sessions the daemon is tailing right now: tasks whose
transcript file is bound and being parsed. A registered task whose
transcript has not appeared yet is pending, not active.`,
		Usage: "taskwatch active [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("active", pflag.ContinueOnError)
			flags.StringVar(&server, "server", "", "daemon address (default $TASKWATCH_SERVER or "+defaultServer+")")
			flags.BoolVar(&asJSON, "json", false, "emit the raw JSON list")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			var active []monitor.ActiveTask
			if err := newClient(server).getJSON("/api/active", &active); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(active)
			}

			if len(active) == 0 {
				fmt.Println("no active sessions")
				return nil
			}
			writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintf(writer, "ID\tTRANSCRIPT\n")
			for _, session := range active {
				fmt.Fprintf(writer, "%s\t%s\n", session.ID, session.TranscriptPath)
			}
			writer.Flush()
			return nil
		},
	}
}
