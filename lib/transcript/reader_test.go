// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/bureau-foundation/taskwatch/lib/task"
)

func transcriptLine(kind, text string, second int) string {
	switch kind {
	case "user":
		return fmt.Sprintf(`{"type":"user","timestamp":"2026-08-23T12:00:%02d.000Z","cwd":"/proj","sessionId":"s1","message":{"role":"user","content":[{"type":"text","text":%q}]}}`, second, text)
	case "assistant":
		return fmt.Sprintf(`{"type":"assistant","timestamp":"2026-08-23T12:00:%02d.000Z","cwd":"/proj","message":{"role":"assistant","content":[{"type":"text","text":%q}]}}`, second, text)
	default:
		panic("unknown kind " + kind)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	if _, err := file.WriteString(content); err != nil {
		t.Fatalf("append to %s: %v", path, err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

func TestReadNewMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "none.jsonl")
	cursor := Cursor{Offset: 42, Size: 100}

	result, err := ReadNew(path, cursor)
	if err != nil {
		t.Fatalf("ReadNew on missing file: %v", err)
	}
	if len(result.Entries) != 0 || result.Discontinuity {
		t.Fatalf("missing file produced entries or discontinuity: %+v", result)
	}
	if !reflect.DeepEqual(result.Cursor, cursor) {
		t.Fatalf("cursor changed on missing file: %+v", result.Cursor)
	}
}

func TestIncrementalReadsMatchSingleRead(t *testing.T) {
	dir := t.TempDir()
	incremental := filepath.Join(dir, "incr.jsonl")
	whole := filepath.Join(dir, "whole.jsonl")

	lines := []string{
		transcriptLine("user", "fix the build", 3),
		transcriptLine("assistant", "looking", 4),
		transcriptLine("user", "thanks", 5),
		transcriptLine("assistant", "done", 6),
		transcriptLine("user", "bye", 7),
	}

	var cursor Cursor
	var collected []Entry
	for _, line := range lines {
		appendFile(t, incremental, line+"\n")
		appendFile(t, whole, line+"\n")

		result, err := ReadNew(incremental, cursor)
		if err != nil {
			t.Fatalf("incremental ReadNew: %v", err)
		}
		if result.Discontinuity {
			t.Fatalf("append-only growth reported a discontinuity")
		}
		collected = append(collected, result.Entries...)
		cursor = result.Cursor
	}

	single, err := ReadNew(whole, Cursor{})
	if err != nil {
		t.Fatalf("single ReadNew: %v", err)
	}
	if !reflect.DeepEqual(collected, single.Entries) {
		t.Fatalf("incremental reads differ from one final read:\n  incremental: %+v\n  single: %+v",
			collected, single.Entries)
	}

	// A further read with the final cursor yields nothing.
	again, err := ReadNew(incremental, cursor)
	if err != nil {
		t.Fatalf("final ReadNew: %v", err)
	}
	if len(again.Entries) != 0 {
		t.Fatalf("re-read at final cursor produced %d entries", len(again.Entries))
	}
}

func TestTrailingPartialLineLeftUnread(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	full := transcriptLine("user", "hello", 3)
	half := transcriptLine("assistant", "working", 4)

	appendFile(t, path, full+"\n"+half[:20])

	result, err := ReadNew(path, Cursor{})
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	if len(result.Entries) != 1 {
		t.Fatalf("got %d entries with a trailing partial line, want 1", len(result.Entries))
	}
	if want := int64(len(full) + 1); result.Cursor.Offset != want {
		t.Fatalf("cursor offset = %d, want %d (end of last complete line)", result.Cursor.Offset, want)
	}
	if result.Warnings != 0 {
		t.Fatalf("partial trailing line counted as a warning")
	}

	// Completing the line makes it readable on the next call.
	appendFile(t, path, half[20:]+"\n")
	next, err := ReadNew(path, result.Cursor)
	if err != nil {
		t.Fatalf("ReadNew after completion: %v", err)
	}
	if len(next.Entries) != 1 || next.Entries[0].Kind != task.StepAgentOutput {
		t.Fatalf("completed line not read: %+v", next.Entries)
	}
}

func TestMalformedLinesSkippedAndCounted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	appendFile(t, path,
		transcriptLine("user", "one", 3)+"\n"+
			"{this is not json}\n"+
			"{\"no_type\":true}\n"+
			transcriptLine("user", "two", 5)+"\n")

	result, err := ReadNew(path, Cursor{})
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("got %d entries around malformed lines, want 2", len(result.Entries))
	}
	if result.Warnings != 2 {
		t.Fatalf("warnings = %d, want 2", result.Warnings)
	}
	if result.Cursor.Warnings != 2 {
		t.Fatalf("cursor warning total = %d, want 2", result.Cursor.Warnings)
	}
}

func TestTruncationResetsCursorWithDiscontinuity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	appendFile(t, path,
		transcriptLine("user", "one", 3)+"\n"+transcriptLine("user", "two", 4)+"\n")

	first, err := ReadNew(path, Cursor{})
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	if len(first.Entries) != 2 {
		t.Fatalf("setup read got %d entries", len(first.Entries))
	}

	// Truncate to one line (same head, smaller size).
	if err := os.WriteFile(path, []byte(transcriptLine("user", "one", 3)+"\n"), 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	second, err := ReadNew(path, first.Cursor)
	if err != nil {
		t.Fatalf("ReadNew after truncation: %v", err)
	}
	if !second.Discontinuity {
		t.Fatalf("truncation not reported as a discontinuity")
	}
	if len(second.Entries) != 1 {
		t.Fatalf("read after reset got %d entries, want 1 (from offset 0)", len(second.Entries))
	}
}

func TestRotationDetectedByFingerprint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	appendFile(t, path, transcriptLine("user", "first session", 3)+"\n")

	first, err := ReadNew(path, Cursor{})
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}

	// Replace with a longer file whose head differs: size-only
	// checks would miss this.
	replacement := transcriptLine("user", "a completely different session entirely", 9)
	if err := os.WriteFile(path, []byte(replacement+"\n"+replacement+"\n"), 0o644); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	second, err := ReadNew(path, first.Cursor)
	if err != nil {
		t.Fatalf("ReadNew after rotation: %v", err)
	}
	if !second.Discontinuity {
		t.Fatalf("rotation to a larger file not detected")
	}
	if len(second.Entries) != 2 {
		t.Fatalf("read after rotation got %d entries, want 2", len(second.Entries))
	}
}

func TestEmptyFileThenGrowth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonl")
	appendFile(t, path, "")

	empty, err := ReadNew(path, Cursor{})
	if err != nil {
		t.Fatalf("ReadNew on empty file: %v", err)
	}
	if len(empty.Entries) != 0 || empty.Discontinuity {
		t.Fatalf("empty file misread: %+v", empty)
	}

	appendFile(t, path, transcriptLine("user", "late start", 8)+"\n")
	grown, err := ReadNew(path, empty.Cursor)
	if err != nil {
		t.Fatalf("ReadNew after growth: %v", err)
	}
	if grown.Discontinuity {
		t.Fatalf("growth from empty reported a discontinuity")
	}
	if len(grown.Entries) != 1 {
		t.Fatalf("got %d entries after growth, want 1", len(grown.Entries))
	}
}
