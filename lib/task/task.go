// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package task defines the task domain model: the descriptor that
// tracks one observed agent work session, the immutable step records
// parsed from its transcript, the completion summary derived at
// terminal state, and the status transition rules that connect them.
package task

import (
	"fmt"
	"time"
)

// DescriptorVersion is the current schema version for descriptor
// files. Increment when adding fields that existing code must not
// silently drop during read-modify-write.
const DescriptorVersion = 1

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusRunning means the task is (believed to be) actively
	// worked on: a transcript is bound and producing records, or a
	// registration is waiting for its transcript to appear.
	StatusRunning Status = "running"

	// StatusCompleted means the task finished normally: an explicit
	// done signal, or the inactivity timeout with a non-error final
	// record.
	StatusCompleted Status = "completed"

	// StatusError means the task ended abnormally: an explicit
	// abnormal-exit signal, the inactivity timeout with an
	// error-flavored final record, or a registration that never
	// produced a transcript.
	StatusError Status = "error"

	// StatusCancelled means an explicit external cancellation request
	// ended the task. Never entered on timeout.
	StatusCancelled Status = "cancelled"

	// StatusUnknown is reported for a task whose descriptor exists but
	// cannot be read. Never persisted and never a transition target;
	// listing a damaged store degrades to this instead of failing.
	StatusUnknown Status = "unknown"
)

// Terminal reports whether the status admits no further transitions
// (short of an explicit continue request reopening the task).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus parses a status string as used in query filters and
// descriptor files.
func ParseStatus(value string) (Status, error) {
	switch Status(value) {
	case StatusRunning, StatusCompleted, StatusError, StatusCancelled:
		return Status(value), nil
	}
	return "", fmt.Errorf("task: unknown status %q", value)
}

// maxIDLength bounds task identifiers. Untracked adoption ids are
// 32 hex characters; registered ids are caller-chosen.
const maxIDLength = 128

// ValidID checks that an identifier is safe to use as a directory
// name: a leading alphanumeric, then alphanumerics, dash, underscore,
// or dot. Rejects path traversal by construction.
func ValidID(id string) error {
	if id == "" {
		return fmt.Errorf("task: id is required")
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("task: id exceeds %d bytes", maxIDLength)
	}
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case i > 0 && (r == '-' || r == '_' || r == '.'):
		default:
			return fmt.Errorf("task: id %q has invalid character %q", id, r)
		}
	}
	return nil
}

// StepKind classifies a step record.
type StepKind string

const (
	// StepUserInput is a prompt or instruction from the user.
	StepUserInput StepKind = "user_input"

	// StepAgentOutput is text produced by the agent.
	StepAgentOutput StepKind = "agent_output"

	// StepToolCall is the agent invoking a tool.
	StepToolCall StepKind = "tool_call"

	// StepToolResult is the outcome of a tool invocation.
	StepToolResult StepKind = "tool_result"

	// StepSystemEvent is transcript bookkeeping: session init,
	// result markers, anything not in the other four kinds.
	StepSystemEvent StepKind = "system_event"
)

// Valid reports whether the kind is one of the five known values.
func (k StepKind) Valid() bool {
	switch k {
	case StepUserInput, StepAgentOutput, StepToolCall, StepToolResult, StepSystemEvent:
		return true
	}
	return false
}

// Outcome is the result classification of a tool invocation or a
// terminal system event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Descriptor is the durable record of one task, stored as
// descriptor.json in the task's directory and updated only via atomic
// write-replace. Mutated exclusively by the state machine; readers
// see a complete old or new version, never a mix.
type Descriptor struct {
	// Version is the schema version (see DescriptorVersion). Code
	// performing read-modify-write must call CanModify first.
	Version int `json:"version"`

	// ID identifies the task. Registered tasks use the caller's id;
	// untracked adoptions use a stable id derived from the
	// transcript path.
	ID string `json:"id"`

	// Title is the human-readable task title from registration.
	// Empty for untracked sessions.
	Title string `json:"title,omitempty"`

	// WorkingDir is the project directory the agent works in. The
	// correlation key between registrations and transcripts.
	WorkingDir string `json:"working_dir"`

	// TranscriptPath is the transcript file bound to this task, set
	// when a session is correlated or adopted. Empty for registered
	// tasks whose transcript has not appeared yet. Restart recovery
	// maps observed files back to their tasks through this field.
	TranscriptPath string `json:"transcript_path,omitempty"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// Untracked marks a session adopted without a registration: the
	// agent was invoked outside this system's control.
	Untracked bool `json:"untracked,omitempty"`

	// CreatedAt is the registration time, or the transcript's first
	// record time for untracked adoptions.
	CreatedAt time.Time `json:"created_at"`

	// CompletedAt is the terminal transition time. Present if and
	// only if Status is terminal.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Reason is an optional human-readable explanation of the
	// terminal status ("inactivity timeout", "cancelled by request").
	// Never a raw error.
	Reason string `json:"reason,omitempty"`

	// StepCount is the number of step records parsed so far. Equal
	// to the highest assigned sequence number.
	StepCount int `json:"step_count"`

	// ToolCallCount is the number of tool-call steps.
	ToolCallCount int `json:"tool_call_count"`

	// LastActivity is the timestamp of the most recent step record,
	// or CreatedAt before any record arrives. Inactivity deadlines
	// are computed from this.
	LastActivity time.Time `json:"last_activity"`
}

// NewDescriptor creates a RUNNING descriptor for a freshly registered
// or adopted task.
func NewDescriptor(id, title, workingDir string, createdAt time.Time) *Descriptor {
	return &Descriptor{
		Version:      DescriptorVersion,
		ID:           id,
		Title:        title,
		WorkingDir:   workingDir,
		Status:       StatusRunning,
		CreatedAt:    createdAt,
		LastActivity: createdAt,
	}
}

// Validate checks that all required fields are present and that the
// terminal-state invariant (CompletedAt iff terminal status) holds.
func (d *Descriptor) Validate() error {
	if d.Version < 1 {
		return fmt.Errorf("task: version must be >= 1, got %d", d.Version)
	}
	if err := ValidID(d.ID); err != nil {
		return err
	}
	if d.WorkingDir == "" {
		return fmt.Errorf("task: working_dir is required")
	}
	if _, err := ParseStatus(string(d.Status)); err != nil {
		return err
	}
	if d.CreatedAt.IsZero() {
		return fmt.Errorf("task %s: created_at is required", d.ID)
	}
	if d.Status.Terminal() != (d.CompletedAt != nil) {
		return fmt.Errorf("task %s: completed_at must be present exactly when status is terminal (status %s)",
			d.ID, d.Status)
	}
	if d.StepCount < 0 || d.ToolCallCount < 0 {
		return fmt.Errorf("task %s: negative counters", d.ID)
	}
	return nil
}

// CanModify checks whether this code version can safely perform a
// read-modify-write cycle on the descriptor without losing fields
// written by a newer version.
func (d *Descriptor) CanModify() error {
	if d.Version > DescriptorVersion {
		return fmt.Errorf(
			"task %s: descriptor version %d exceeds supported version %d; upgrade before modifying",
			d.ID, d.Version, DescriptorVersion,
		)
	}
	return nil
}

// Clone returns a deep copy, safe to hand across goroutine
// boundaries while the original keeps mutating.
func (d *Descriptor) Clone() *Descriptor {
	copied := *d
	if d.CompletedAt != nil {
		at := *d.CompletedAt
		copied.CompletedAt = &at
	}
	return &copied
}

// Step is one immutable parsed record from a task's transcript,
// stored as a single JSON line in the task's step log. Sequence
// numbers are assigned at parse time and are gap-free from 1 within
// each task.
type Step struct {
	// Seq is the 1-based monotonic sequence number within the task.
	Seq int `json:"seq"`

	// Kind classifies the record.
	Kind StepKind `json:"kind"`

	// Timestamp is the record's own time as declared by the
	// transcript (observation time when the transcript carries none).
	Timestamp time.Time `json:"ts"`

	// Summary is a bounded plain-text digest of the record content.
	// ANSI escapes stripped, newlines collapsed.
	Summary string `json:"summary,omitempty"`

	// Tool is the tool name for tool-call and tool-result steps.
	Tool string `json:"tool,omitempty"`

	// Outcome is set on tool-result steps (success or error) and on
	// terminal system events.
	Outcome Outcome `json:"outcome,omitempty"`
}

// Validate checks structural invariants of a single step.
func (s *Step) Validate() error {
	if s.Seq < 1 {
		return fmt.Errorf("step: seq must be >= 1, got %d", s.Seq)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("step %d: unknown kind %q", s.Seq, s.Kind)
	}
	switch s.Outcome {
	case "", OutcomeSuccess, OutcomeError:
	default:
		return fmt.Errorf("step %d: unknown outcome %q", s.Seq, s.Outcome)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("step %d: timestamp is required", s.Seq)
	}
	return nil
}

// ErrorFlavored reports whether the step indicates trouble: a failed
// tool invocation or an abnormal system event. Used to pick between
// COMPLETED and ERROR when the inactivity timeout fires.
func (s *Step) ErrorFlavored() bool {
	switch s.Kind {
	case StepToolResult, StepSystemEvent:
		return s.Outcome == OutcomeError
	}
	return false
}
