// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/taskwatch/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "--version" {
		version.Print("taskwatch")
		return nil
	}
	return root().Execute(args)
}

// root builds the taskwatch command tree.
func root() *command {
	return &command{
		Name: "taskwatch",
		Description: `Taskwatch: coding-agent activity monitor.

Talks to a taskwatchd daemon: registers task starts and lifecycle
signals (the interface a task launcher calls), lists and inspects
tasks, pages step records, searches step summaries, and follows the
live event stream.

The daemon address comes from --server, the TASKWATCH_SERVER
environment variable, or the default ` + defaultServer + `.`,
		Subcommands: []*command{
			registerCommand(),
			stopCommand(),
			cancelCommand(),
			continueCommand(),
			bindCommand(),
			listCommand(),
			showCommand(),
			stepsCommand(),
			searchCommand(),
			followCommand(),
			activeCommand(),
			statusCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("taskwatch %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []example{
			{
				Description: "Announce a task start before launching the agent",
				Command:     `taskwatch register --id fix-build --dir /work/proj --title "Fix the build"`,
			},
			{
				Description: "Watch every task's status transitions live",
				Command:     "taskwatch follow",
			},
			{
				Description: "Inspect one task's recorded steps",
				Command:     "taskwatch steps fix-build --limit 20",
			},
		},
	}
}
