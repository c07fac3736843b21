// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcript reads and parses the append-only JSONL session
// logs an external coding agent writes while working. ReadNew is
// incremental: it returns only the records appended since a cursor,
// tolerating files that do not exist yet, truncation and rotation,
// trailing partial lines, and malformed records from partial-write
// races with the producer.
package transcript

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/zeebo/blake3"
)

// fingerprintSpan is how many leading bytes of a transcript identify
// it. The head of a session log contains the session id and first
// timestamp, so two distinct sessions never share a head. Appends
// never change the head; a changed fingerprint means the path now
// holds a different file.
const fingerprintSpan = 4096

// Cursor records how much of one transcript has been consumed. The
// zero value starts reading from the beginning. Cursors are persisted
// by the record store so a restart resumes instead of re-parsing.
type Cursor struct {
	// Offset is the byte position of the first unread byte. Always
	// at a line boundary: partial trailing lines are never consumed.
	Offset int64 `cbor:"offset" json:"offset"`

	// Size is the file size observed at the last read. A later,
	// smaller size means truncation.
	Size int64 `cbor:"size" json:"size"`

	// Fingerprint is the BLAKE3 digest of the file head (up to
	// fingerprintSpan bytes) at the last read. A mismatch on a later
	// read means the path was rotated to a different file.
	Fingerprint []byte `cbor:"fingerprint,omitempty" json:"fingerprint,omitempty"`

	// Warnings counts malformed lines skipped over the cursor's
	// lifetime.
	Warnings int `cbor:"warnings,omitempty" json:"warnings,omitempty"`
}

// ReadResult is the outcome of one incremental read.
type ReadResult struct {
	// Entries are the records parsed from complete lines appended
	// since the cursor, in file order.
	Entries []Entry

	// Cursor is the advanced cursor to persist and pass to the next
	// read.
	Cursor Cursor

	// Discontinuity reports that the file shrank or changed identity
	// since the cursor was taken, and reading restarted from the
	// beginning. Not an error: the records before the reset are
	// already durable downstream.
	Discontinuity bool

	// Warnings is the number of malformed lines skipped in this read
	// alone (the cursor carries the running total).
	Warnings int
}

// ReadNew returns the records appended to the transcript at path
// since cursor. A missing file yields an empty result with the cursor
// unchanged. Errors are I/O problems worth retrying next cycle; parse
// problems never surface as errors.
func ReadNew(path string, cursor Cursor) (ReadResult, error) {
	result := ReadResult{Cursor: cursor}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return result, nil
		}
		return result, fmt.Errorf("opening transcript %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return result, fmt.Errorf("stat transcript %s: %w", path, err)
	}
	size := info.Size()

	fingerprint, err := headFingerprint(file, size)
	if err != nil {
		return result, fmt.Errorf("fingerprinting transcript %s: %w", path, err)
	}

	// Truncation or rotation: restart from the top and say so.
	if cursor.Offset > 0 {
		if size < cursor.Size || !bytes.Equal(fingerprint, cursor.Fingerprint) {
			result.Discontinuity = true
			cursor.Offset = 0
		}
	}

	if size <= cursor.Offset {
		result.Cursor = Cursor{
			Offset:      cursor.Offset,
			Size:        size,
			Fingerprint: fingerprint,
			Warnings:    cursor.Warnings,
		}
		return result, nil
	}

	data, err := io.ReadAll(io.NewSectionReader(file, cursor.Offset, size-cursor.Offset))
	if err != nil {
		return result, fmt.Errorf("reading transcript %s: %w", path, err)
	}

	consumed, entries, warnings := parseLines(data)

	result.Entries = entries
	result.Warnings = warnings
	result.Cursor = Cursor{
		Offset:      cursor.Offset + consumed,
		Size:        size,
		Fingerprint: fingerprint,
		Warnings:    cursor.Warnings + warnings,
	}
	return result, nil
}

// parseLines walks complete newline-terminated lines in data,
// returning the number of bytes consumed (always through the final
// newline), the parsed entries, and the malformed-line count. A
// trailing fragment without a newline is left for the next read.
func parseLines(data []byte) (consumed int64, entries []Entry, warnings int) {
	for {
		newline := bytes.IndexByte(data[consumed:], '\n')
		if newline < 0 {
			return consumed, entries, warnings
		}
		line := data[consumed : consumed+int64(newline)]
		consumed += int64(newline) + 1

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		parsed, err := ParseLine(line)
		if err != nil {
			warnings++
			continue
		}
		entries = append(entries, parsed...)
	}
}

// headFingerprint hashes the first min(size, fingerprintSpan) bytes
// of the file. An empty file has a nil fingerprint.
func headFingerprint(file *os.File, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	span := size
	if span > fingerprintSpan {
		span = fingerprintSpan
	}
	head := make([]byte, span)
	if _, err := io.ReadFull(io.NewSectionReader(file, 0, span), head); err != nil {
		return nil, err
	}
	digest := blake3.Sum256(head)
	return digest[:], nil
}
