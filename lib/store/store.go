// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the durable record store: one directory per task
// holding a descriptor, an append-only step log (possibly archived),
// an optional completion summary, and the reader's resume cursor.
// The store is the source of truth for all query reads; everything
// else (search index, broadcast state) is derived from it.
//
// Descriptor and summary writes are atomic write-replace so readers
// see a complete old or new file, never a mix. The step log has a
// single writer per task and is never rewritten in place.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/bureau-foundation/taskwatch/lib/task"
	"github.com/bureau-foundation/taskwatch/lib/transcript"
)

const (
	descriptorFile = "descriptor.json"
	stepLogFile    = "steps.jsonl"
	archiveFile    = "steps.jsonl.z"
	summaryFile    = "summary.json"
	cursorFile     = "cursor.cbor"
)

// Store reads and writes task records under <data-dir>/tasks.
type Store struct {
	root   string
	logger *slog.Logger
}

// New opens (creating if needed) the store under dataDir.
func New(dataDir string, logger *slog.Logger) (*Store, error) {
	if dataDir == "" {
		panic("store.New: dataDir is required")
	}
	if logger == nil {
		panic("store.New: logger is required")
	}
	root := filepath.Join(dataDir, "tasks")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root %s: %w", root, err)
	}
	return &Store{root: root, logger: logger}, nil
}

// TaskDir returns the directory holding one task's records.
func (s *Store) TaskDir(id string) string {
	return filepath.Join(s.root, id)
}

// EnsureTask creates the task's directory. Identifier validity is
// enforced here so no other method can be reached with an unsafe id.
func (s *Store) EnsureTask(id string) error {
	if err := task.ValidID(id); err != nil {
		return err
	}
	if err := os.MkdirAll(s.TaskDir(id), 0o755); err != nil {
		return fmt.Errorf("creating task directory for %s: %w", id, err)
	}
	return nil
}

// WriteDescriptor validates and atomically replaces the task's
// descriptor file.
func (s *Store) WriteDescriptor(descriptor *task.Descriptor) error {
	if err := descriptor.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling descriptor for %s: %w", descriptor.ID, err)
	}
	data = append(data, '\n')
	path := filepath.Join(s.TaskDir(descriptor.ID), descriptorFile)
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("writing descriptor for %s: %w", descriptor.ID, err)
	}
	return nil
}

// ReadDescriptor reads and validates one task's descriptor. A missing
// task surfaces as an error wrapping os.ErrNotExist.
func (s *Store) ReadDescriptor(id string) (*task.Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(s.TaskDir(id), descriptorFile))
	if err != nil {
		return nil, err
	}
	var descriptor task.Descriptor
	if err := json.Unmarshal(data, &descriptor); err != nil {
		return nil, fmt.Errorf("parsing descriptor for %s: %w", id, err)
	}
	if err := descriptor.Validate(); err != nil {
		return nil, fmt.Errorf("descriptor for %s: %w", id, err)
	}
	return &descriptor, nil
}

// ListDescriptors reads every task's descriptor, sorted by id. A task
// whose descriptor is missing or unreadable degrades to a placeholder
// with status "unknown" instead of failing the whole listing.
func (s *Store) ListDescriptors() ([]*task.Descriptor, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing store root: %w", err)
	}

	var descriptors []*task.Descriptor
	for _, entry := range entries {
		if !entry.IsDir() || task.ValidID(entry.Name()) != nil {
			continue
		}
		descriptor, err := s.ReadDescriptor(entry.Name())
		if err != nil {
			s.logger.Warn("unreadable descriptor", "task", entry.Name(), "error", err)
			descriptors = append(descriptors, &task.Descriptor{
				Version: task.DescriptorVersion,
				ID:      entry.Name(),
				Status:  task.StatusUnknown,
			})
			continue
		}
		descriptors = append(descriptors, descriptor)
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].ID < descriptors[j].ID
	})
	return descriptors, nil
}

// WriteSummary atomically writes the task's completion summary.
func (s *Store) WriteSummary(id string, summary *task.Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary for %s: %w", id, err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(filepath.Join(s.TaskDir(id), summaryFile), data); err != nil {
		return fmt.Errorf("writing summary for %s: %w", id, err)
	}
	return nil
}

// ReadSummary reads the task's completion summary. Returns an error
// wrapping os.ErrNotExist when none has been written.
func (s *Store) ReadSummary(id string) (*task.Summary, error) {
	data, err := os.ReadFile(filepath.Join(s.TaskDir(id), summaryFile))
	if err != nil {
		return nil, err
	}
	var summary task.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("parsing summary for %s: %w", id, err)
	}
	return &summary, nil
}

// cursorEncMode encodes cursors with Core Deterministic Encoding
// (RFC 8949 §4.2) so the same cursor state always produces identical
// bytes on disk.
var cursorEncMode cbor.EncMode

func init() {
	var err error
	cursorEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
}

// WriteCursor atomically replaces the task's reader resume cursor.
func (s *Store) WriteCursor(id string, cursor transcript.Cursor) error {
	data, err := cursorEncMode.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("marshaling cursor for %s: %w", id, err)
	}
	if err := writeFileAtomic(filepath.Join(s.TaskDir(id), cursorFile), data); err != nil {
		return fmt.Errorf("writing cursor for %s: %w", id, err)
	}
	return nil
}

// ReadCursor reads the task's resume cursor. ok is false when no
// cursor has been written yet; a corrupt cursor is an error, and the
// caller restarts from a zero cursor.
func (s *Store) ReadCursor(id string) (cursor transcript.Cursor, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(s.TaskDir(id), cursorFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return transcript.Cursor{}, false, nil
		}
		return transcript.Cursor{}, false, err
	}
	if err := cbor.Unmarshal(data, &cursor); err != nil {
		return transcript.Cursor{}, false, fmt.Errorf("parsing cursor for %s: %w", id, err)
	}
	return cursor, true, nil
}

// writeFileAtomic writes data to path via a temporary file in the
// same directory: write, fsync, close, rename, fsync the parent so
// the rename survives power loss. Readers observe old or new content,
// never partial.
func writeFileAtomic(path string, data []byte) error {
	temporary := path + ".tmp"

	file, err := os.OpenFile(temporary, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporary)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporary)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("closing temporary file: %w", err)
	}
	if err := os.Rename(temporary, path); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("renaming into place: %w", err)
	}

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
