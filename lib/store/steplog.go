// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bureau-foundation/taskwatch/lib/task"
)

// maxStepLineBytes bounds a single step log line. Summaries are
// bounded upstream; this guards against hand-edited files.
const maxStepLineBytes = 256 * 1024

// StepLog appends step records to a task's step log as JSONL, one
// compact object per line. Safe for concurrent use, though each task
// has a single writing worker.
type StepLog struct {
	file    *os.File
	encoder *json.Encoder
	mutex   sync.Mutex
	lastSeq int
	closed  bool
}

// OpenStepLog opens (creating if needed) the task's step log for
// appending. The task directory must exist. The highest sequence
// already on disk is remembered so a replayed batch cannot duplicate
// lines.
func (s *Store) OpenStepLog(id string) (*StepLog, error) {
	last, _, err := s.LastStep(id)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.TaskDir(id), stepLogFile)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening step log for %s: %w", id, err)
	}
	encoder := json.NewEncoder(file)
	encoder.SetEscapeHTML(false)
	return &StepLog{file: file, encoder: encoder, lastSeq: last.Seq}, nil
}

// Append writes a batch of steps and syncs once. Steps at or below
// the highest appended sequence are skipped: after a crash between a
// step append and the descriptor write, the re-read transcript
// produces the same batch again, and only the missing tail may land.
func (l *StepLog) Append(steps []task.Step) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.closed {
		return fmt.Errorf("step log is closed")
	}
	for _, step := range steps {
		if step.Seq <= l.lastSeq {
			continue
		}
		if err := l.encoder.Encode(step); err != nil {
			return fmt.Errorf("encoding step %d: %w", step.Seq, err)
		}
		l.lastSeq = step.Seq
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing step log: %w", err)
	}
	return nil
}

// Close closes the underlying file. Idempotent.
func (l *StepLog) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// ReadSteps returns one page of the task's steps in sequence order,
// plus the total count. Offsets beyond the end return an empty page;
// negative offset or limit reads as zero. A task with no step log at
// all yields an empty page, not an error.
func (s *Store) ReadSteps(id string, offset, limit int) ([]task.Step, int, error) {
	steps, err := s.loadSteps(id)
	if err != nil {
		return nil, 0, err
	}
	total := len(steps)
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit < total-offset {
		end = offset + limit
	}
	return steps[offset:end], total, nil
}

// LastStep returns the task's most recent step, or ok=false when the
// log is empty or absent.
func (s *Store) LastStep(id string) (task.Step, bool, error) {
	steps, err := s.loadSteps(id)
	if err != nil || len(steps) == 0 {
		return task.Step{}, false, err
	}
	return steps[len(steps)-1], true, nil
}

// loadSteps reads the full step log, plain or archived. The plain
// file wins when both exist (compaction removes the plain file last).
// Unparsable lines are skipped; a crashed writer's partial final line
// must not hide the records before it.
func (s *Store) loadSteps(id string) ([]task.Step, error) {
	plain := filepath.Join(s.TaskDir(id), stepLogFile)
	data, err := os.ReadFile(plain)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading step log for %s: %w", id, err)
		}
		data, err = s.readArchive(id)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
	}
	return s.decodeSteps(id, data), nil
}

func (s *Store) decodeSteps(id string, data []byte) []task.Step {
	var steps []task.Step
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), maxStepLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var step task.Step
		if err := json.Unmarshal(line, &step); err != nil {
			s.logger.Warn("skipping unparsable step log line", "task", id, "error", err)
			continue
		}
		steps = append(steps, step)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("step log scan stopped early", "task", id, "error", err)
	}
	return steps
}
