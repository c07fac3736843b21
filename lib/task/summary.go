// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package task

import "sort"

// DefaultTopTools is the number of tools reported in a completion
// summary's top-tools list.
const DefaultTopTools = 5

// Summary is the completion summary written once when a task reaches
// a terminal state, derived purely from its step records.
type Summary struct {
	// DurationMS is the task's total duration in milliseconds, from
	// creation to the terminal transition.
	DurationMS int64 `json:"duration_ms"`

	// StepCounts is the number of steps of each kind.
	StepCounts map[StepKind]int `json:"step_counts"`

	// ToolSuccessCount and ToolErrorCount partition tool-result
	// steps by outcome.
	ToolSuccessCount int `json:"tool_success_count"`
	ToolErrorCount   int `json:"tool_error_count"`

	// TopTools lists the most-called tools, by call count descending
	// (name ascending on ties), at most DefaultTopTools entries.
	TopTools []ToolUsage `json:"top_tools,omitempty"`
}

// ToolUsage is one entry in a summary's top-tools list.
type ToolUsage struct {
	Name  string `json:"name"`
	Calls int    `json:"calls"`
}

// BuildSummary derives the completion summary for a terminal
// descriptor from its full step history.
func BuildSummary(d *Descriptor, steps []Step) *Summary {
	summary := &Summary{
		StepCounts: make(map[StepKind]int, 5),
	}

	completedAt := d.LastActivity
	if d.CompletedAt != nil {
		completedAt = *d.CompletedAt
	}
	if duration := completedAt.Sub(d.CreatedAt); duration > 0 {
		summary.DurationMS = duration.Milliseconds()
	}

	calls := make(map[string]int)
	for _, step := range steps {
		summary.StepCounts[step.Kind]++
		switch step.Kind {
		case StepToolCall:
			if step.Tool != "" {
				calls[step.Tool]++
			}
		case StepToolResult:
			switch step.Outcome {
			case OutcomeError:
				summary.ToolErrorCount++
			default:
				summary.ToolSuccessCount++
			}
		}
	}

	summary.TopTools = topTools(calls, DefaultTopTools)
	return summary
}

// topTools ranks tools by call count descending, breaking ties by
// name so the ordering is deterministic.
func topTools(calls map[string]int, n int) []ToolUsage {
	if len(calls) == 0 {
		return nil
	}
	ranked := make([]ToolUsage, 0, len(calls))
	for name, count := range calls {
		ranked = append(ranked, ToolUsage{Name: name, Calls: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Calls != ranked[j].Calls {
			return ranked[i].Calls > ranked[j].Calls
		}
		return ranked[i].Name < ranked[j].Name
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
