// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/taskwatch/lib/query"
	"github.com/bureau-foundation/taskwatch/lib/task"
)

func listCommand() *command {
	var (
		server string
		status string
		offset int
		limit  int
		asJSON bool
	)
	return &command{
		Name:    "list",
		Summary: "List tasks, most recently active first",
		Description: `List tasks known to the daemon. Untracked sessions (transcripts
observed without a registration) are marked with an asterisk after
the id.`,
		Usage: "taskwatch list [flags]",
		Examples: []example{
			{
				Description: "Only tasks still running",
				Command:     "taskwatch list --status running",
			},
			{
				Description: "Second page of fifty",
				Command:     "taskwatch list --offset 50",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flags.StringVar(&server, "server", "", "daemon address (default $TASKWATCH_SERVER or "+defaultServer+")")
			flags.StringVar(&status, "status", "", "filter by status (running, completed, error, cancelled, unknown)")
			flags.IntVar(&offset, "offset", 0, "number of tasks to skip")
			flags.IntVar(&limit, "limit", 0, "page size (daemon default if 0)")
			flags.BoolVar(&asJSON, "json", false, "emit the raw JSON page")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			params := url.Values{}
			if status != "" {
				params.Set("status", status)
			}
			if offset > 0 {
				params.Set("offset", strconv.Itoa(offset))
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/tasks"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var page query.Page[*task.Descriptor]
			if err := newClient(server).getJSON(path, &page); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(page)
			}

			if len(page.Items) == 0 {
				fmt.Println("no tasks")
				return nil
			}
			writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintf(writer, "ID\tSTATUS\tSTEPS\tTOOLS\tACTIVE\tTITLE\n")
			for _, descriptor := range page.Items {
				id := descriptor.ID
				if descriptor.Untracked {
					id += "*"
				}
				fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%s\t%s\n",
					id,
					descriptor.Status,
					descriptor.StepCount,
					descriptor.ToolCallCount,
					formatAge(descriptor.LastActivity),
					truncate(orDash(descriptor.Title), 48),
				)
			}
			writer.Flush()
			if page.HasMore {
				fmt.Printf("\n%d of %d tasks; next page: --offset %d\n",
					page.Offset+len(page.Items), page.Total, page.Offset+page.Limit)
			}
			return nil
		},
	}
}

func showCommand() *command {
	var (
		server string
		steps  int
		asJSON bool
	)
	return &command{
		Name:    "show",
		Summary: "Show one task's detail view",
		Description: `Show a task's descriptor, its most recent steps, and (for finished
tasks) the completion summary.`,
		Usage: "taskwatch show <task-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("show", pflag.ContinueOnError)
			flags.StringVar(&server, "server", "", "daemon address (default $TASKWATCH_SERVER or "+defaultServer+")")
			flags.IntVar(&steps, "steps", 10, "number of recent steps to include")
			flags.BoolVar(&asJSON, "json", false, "emit the raw JSON detail")
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
			path := "/api/tasks/" + url.PathEscape(id)
			if steps > 0 {
				path += "?steps=" + strconv.Itoa(steps)
			}

			var detail query.TaskDetail
			if err := newClient(server).getJSON(path, &detail); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(detail)
			}

			printDescriptor(detail.Task)
			if detail.Summary != nil {
				fmt.Println()
				printSummary(detail.Summary)
			}
			if len(detail.Steps.Items) > 0 {
				fmt.Println()
				fmt.Printf("Recent steps (%d of %d)\n", len(detail.Steps.Items), detail.Steps.Total)
				printSteps(detail.Steps.Items)
			}
			return nil
		},
	}
}

func printDescriptor(descriptor *task.Descriptor) {
	writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(writer, "ID\t%s\n", descriptor.ID)
	if descriptor.Title != "" {
		fmt.Fprintf(writer, "Title\t%s\n", descriptor.Title)
	}
	fmt.Fprintf(writer, "Status\t%s\n", descriptor.Status)
	if descriptor.Reason != "" {
		fmt.Fprintf(writer, "Reason\t%s\n", descriptor.Reason)
	}
	if descriptor.Untracked {
		fmt.Fprintf(writer, "Untracked\tyes\n")
	}
	fmt.Fprintf(writer, "Working dir\t%s\n", descriptor.WorkingDir)
	fmt.Fprintf(writer, "Transcript\t%s\n", orDash(descriptor.TranscriptPath))
	fmt.Fprintf(writer, "Created\t%s\n", formatStamp(descriptor.CreatedAt))
	if descriptor.CompletedAt != nil {
		fmt.Fprintf(writer, "Completed\t%s\n", formatStamp(*descriptor.CompletedAt))
	}
	fmt.Fprintf(writer, "Last activity\t%s (%s ago)\n",
		formatStamp(descriptor.LastActivity), formatAge(descriptor.LastActivity))
	fmt.Fprintf(writer, "Steps\t%d (%d tool calls)\n", descriptor.StepCount, descriptor.ToolCallCount)
	writer.Flush()
}

func printSummary(summary *task.Summary) {
	fmt.Println("Summary")
	writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(writer, "  Duration\t%s\n", formatDurationMS(summary.DurationMS))
	fmt.Fprintf(writer, "  Tool results\t%d ok, %d failed\n",
		summary.ToolSuccessCount, summary.ToolErrorCount)
	// Fixed display order rather than map order.
	kinds := []task.StepKind{
		task.StepUserInput,
		task.StepAgentOutput,
		task.StepToolCall,
		task.StepToolResult,
		task.StepSystemEvent,
	}
	for _, kind := range kinds {
		if count, ok := summary.StepCounts[kind]; ok {
			fmt.Fprintf(writer, "  %s\t%d\n", kind, count)
		}
	}
	writer.Flush()
	if len(summary.TopTools) > 0 {
		fmt.Println("  Top tools")
		writer = tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		for _, usage := range summary.TopTools {
			fmt.Fprintf(writer, "    %s\t%d\n", usage.Name, usage.Calls)
		}
		writer.Flush()
	}
}

func printSteps(steps []task.Step) {
	writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintf(writer, "  SEQ\tTIME\tKIND\tTOOL\tSUMMARY\n")
	for _, step := range steps {
		kind := string(step.Kind)
		if step.Outcome == task.OutcomeError {
			kind += "!"
		}
		fmt.Fprintf(writer, "  %d\t%s\t%s\t%s\t%s\n",
			step.Seq,
			formatStamp(step.Timestamp),
			kind,
			orDash(step.Tool),
			truncate(orDash(step.Summary), 72),
		)
	}
	writer.Flush()
}

func stepsCommand() *command {
	var (
		server string
		offset int
		limit  int
		asJSON bool
	)
	return &command{
		Name:    "steps",
		Summary: "Page through a task's step records",
		Usage:   "taskwatch steps <task-id> [flags]",
		Examples: []example{
			{
				Description: "The hundred steps after the first fifty",
				Command:     "taskwatch steps fix-build --offset 50 --limit 100",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("steps", pflag.ContinueOnError)
			flags.StringVar(&server, "server", "", "daemon address (default $TASKWATCH_SERVER or "+defaultServer+")")
			flags.IntVar(&offset, "offset", 0, "number of steps to skip")
			flags.IntVar(&limit, "limit", 0, "page size (daemon default if 0)")
			flags.BoolVar(&asJSON, "json", false, "emit the raw JSON page")
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
			params := url.Values{}
			if offset > 0 {
				params.Set("offset", strconv.Itoa(offset))
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/tasks/" + url.PathEscape(id) + "/steps"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var page query.Page[task.Step]
			if err := newClient(server).getJSON(path, &page); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(page)
			}

			if len(page.Items) == 0 {
				fmt.Println("no steps")
				return nil
			}
			printSteps(page.Items)
			if page.HasMore {
				fmt.Printf("\n%d of %d steps; next page: --offset %d\n",
					page.Offset+len(page.Items), page.Total, page.Offset+page.Limit)
			}
			return nil
		},
	}
}
