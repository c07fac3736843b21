// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/taskwatch/lib/task"
)

// searchHit mirrors the flattened wire shape of a search result.
type searchHit struct {
	TaskID    string        `json:"task_id"`
	Seq       int           `json:"seq"`
	Kind      task.StepKind `json:"kind"`
	Timestamp time.Time     `json:"ts"`
	Summary   string        `json:"summary,omitempty"`
	Tool      string        `json:"tool,omitempty"`
	Outcome   task.Outcome  `json:"outcome,omitempty"`
}

func searchCommand() *command {
	var (
		server string
		taskID string
		kind   string
		limit  int
		asJSON bool
	)
	return &command{
		Name:    "search",
		Summary: "Search step summaries across tasks",
		Description: `Substring search over recorded step summaries, newest first.
Requires the daemon's search index (index.enabled in its config).`,
		Usage: "taskwatch search <text> [flags]",
		Examples: []example{
			{
				Description: "Failed tool invocations mentioning a test",
				Command:     `taskwatch search "go test" --kind tool_result`,
			},
			{
				Description: "Everything one task said about a file",
				Command:     "taskwatch search parser.go --task fix-build",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("search", pflag.ContinueOnError)
			flags.StringVar(&server, "server", "", "daemon address (default $TASKWATCH_SERVER or "+defaultServer+")")
			flags.StringVar(&taskID, "task", "", "restrict to one task")
			flags.StringVar(&kind, "kind", "", "restrict to one step kind")
			flags.IntVar(&limit, "limit", 0, "maximum hits (daemon default if 0)")
			flags.BoolVar(&asJSON, "json", false, "emit the raw JSON hits")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("exactly one search text required (quote multi-word queries)")
			}
			params := url.Values{}
			params.Set("q", args[0])
			if taskID != "" {
				if err := task.ValidID(taskID); err != nil {
					return err
				}
				params.Set("task", taskID)
			}
			if kind != "" {
				params.Set("kind", kind)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}

			var hits []searchHit
			if err := newClient(server).getJSON("/api/search?"+params.Encode(), &hits); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(hits)
			}

			if len(hits) == 0 {
				fmt.Println("no matches")
				return nil
			}
			writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintf(writer, "TASK\tSEQ\tTIME\tKIND\tSUMMARY\n")
			for _, hit := range hits {
				kindCell := string(hit.Kind)
				if hit.Outcome == task.OutcomeError {
					kindCell += "!"
				}
				fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\n",
					hit.TaskID,
					hit.Seq,
					formatStamp(hit.Timestamp),
					kindCell,
					truncate(orDash(hit.Summary), 72),
				)
			}
			writer.Flush()
			return nil
		},
	}
}
