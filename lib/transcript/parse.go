// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/taskwatch/lib/task"
)

// MaxSummaryBytes bounds a step's content summary. Summaries are for
// dashboard display, not content retention; the transcript remains
// the full record.
const MaxSummaryBytes = 240

// Signal is an explicit lifecycle marker carried by a transcript
// record, distinct from the record's step classification.
type Signal int

const (
	// SignalNone: the record carries no lifecycle information.
	SignalNone Signal = iota

	// SignalDone: the session ended normally (result success).
	SignalDone

	// SignalAbort: the session ended abnormally (result error).
	SignalAbort
)

// Entry is one classified record parsed from a transcript line. A
// line with several content blocks yields several entries.
type Entry struct {
	// Kind is the step classification.
	Kind task.StepKind

	// Timestamp is the record's declared time. Zero when the line
	// carries none; the caller substitutes its observation time.
	Timestamp time.Time

	// Summary is the bounded, ANSI-stripped content digest.
	Summary string

	// Tool is the tool name for tool-call entries. Tool-result
	// entries carry only ToolUseID; the session maps it back to the
	// name using state accumulated from earlier tool calls.
	Tool string

	// ToolUseID links a tool-result to its tool-call.
	ToolUseID string

	// Outcome is set for tool-result entries and terminal result
	// records.
	Outcome task.Outcome

	// Signal is the lifecycle marker, if any.
	Signal Signal

	// WorkingDir is the working directory declared on this line
	// (empty when absent). The first declaration identifies the
	// transcript's project directory for correlation.
	WorkingDir string

	// SessionID is the agent's own session identifier, when
	// declared.
	SessionID string
}

// envelope is the common shape of one transcript line. The agent's
// session logs use the same stream-json vocabulary as its stdout:
// a type tag plus type-specific fields.
type envelope struct {
	Type      string       `json:"type"`
	Subtype   string       `json:"subtype"`
	Timestamp string       `json:"timestamp"`
	Cwd       string       `json:"cwd"`
	SessionID string       `json:"sessionId"`
	Message   *messageBody `json:"message"`
	Result    string       `json:"result"`
	IsError   bool         `json:"is_error"`
}

type messageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentBlock is one element of a message's content array.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

// ParseLine classifies one transcript line into entries. A JSON error
// is returned for the caller to count as a warning; unknown record
// types are not errors, they classify as system events.
func ParseLine(line []byte) ([]Entry, error) {
	var record envelope
	if err := json.Unmarshal(line, &record); err != nil {
		return nil, fmt.Errorf("parsing transcript line: %w", err)
	}
	if record.Type == "" {
		return nil, fmt.Errorf("transcript line has no type")
	}

	base := Entry{
		Timestamp:  parseTimestamp(record.Timestamp),
		WorkingDir: record.Cwd,
		SessionID:  record.SessionID,
	}

	switch record.Type {
	case "user":
		return parseMessage(base, record.Message, false), nil
	case "assistant":
		return parseMessage(base, record.Message, true), nil
	case "result":
		return []Entry{parseResult(base, &record)}, nil
	default:
		// system, summary, and anything this version does not know.
		entry := base
		entry.Kind = task.StepSystemEvent
		entry.Summary = Summarize(record.Type + " " + record.Subtype)
		return []Entry{entry}, nil
	}
}

// parseMessage expands a user or assistant message into entries, one
// per recognized content block. Content is either a plain string or
// an array of typed blocks.
func parseMessage(base Entry, message *messageBody, fromAgent bool) []Entry {
	textKind := task.StepUserInput
	if fromAgent {
		textKind = task.StepAgentOutput
	}

	if message == nil || len(message.Content) == 0 {
		return nil
	}

	// Plain-string content: a single text record.
	var text string
	if err := json.Unmarshal(message.Content, &text); err == nil {
		entry := base
		entry.Kind = textKind
		entry.Summary = Summarize(text)
		return []Entry{entry}
	}

	var blocks []contentBlock
	if err := json.Unmarshal(message.Content, &blocks); err != nil {
		return nil
	}

	var entries []Entry
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) == "" {
				continue
			}
			entry := base
			entry.Kind = textKind
			entry.Summary = Summarize(block.Text)
			entries = append(entries, entry)

		case "tool_use":
			entry := base
			entry.Kind = task.StepToolCall
			entry.Tool = block.Name
			entry.ToolUseID = block.ID
			entry.Summary = Summarize(block.Name + " " + string(block.Input))
			entries = append(entries, entry)

		case "tool_result":
			entry := base
			entry.Kind = task.StepToolResult
			entry.ToolUseID = block.ToolUseID
			entry.Outcome = task.OutcomeSuccess
			if block.IsError {
				entry.Outcome = task.OutcomeError
			}
			entry.Summary = Summarize(flattenContent(block.Content))
			entries = append(entries, entry)
		}
	}
	return entries
}

// parseResult classifies a terminal result record and extracts its
// lifecycle signal.
func parseResult(base Entry, record *envelope) Entry {
	entry := base
	entry.Kind = task.StepSystemEvent
	entry.Summary = Summarize(strings.TrimSpace("result " + record.Subtype + " " + record.Result))

	abnormal := record.IsError || strings.HasPrefix(record.Subtype, "error")
	if abnormal {
		entry.Outcome = task.OutcomeError
		entry.Signal = SignalAbort
	} else {
		entry.Outcome = task.OutcomeSuccess
		entry.Signal = SignalDone
	}
	return entry
}

// flattenContent extracts display text from a tool_result content
// value, which is either a plain string or an array of text blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, " ")
}

// parseTimestamp accepts RFC3339 with or without sub-second
// precision. Returns the zero time for anything else; the caller
// substitutes observation time.
func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	return time.Time{}
}

// Summarize bounds text for a step summary: ANSI escapes stripped,
// whitespace runs collapsed to single spaces, truncated rune-safely
// to MaxSummaryBytes with an ellipsis.
func Summarize(text string) string {
	text = ansi.Strip(text)
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= MaxSummaryBytes {
		return text
	}
	cut := MaxSummaryBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}
