// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package query serves read-only views over the record store: task
// listings, task detail, step pages, and step search. It never
// consults the monitor pool, so queries cost the same whether a task
// is live or long finished.
package query

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/bureau-foundation/taskwatch/lib/index"
	"github.com/bureau-foundation/taskwatch/lib/store"
	"github.com/bureau-foundation/taskwatch/lib/task"
)

// DefaultPageLimit is used when a request does not set a limit;
// MaxPageLimit bounds what a caller may request.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Config holds the parameters for a query service.
type Config struct {
	// Records is the task record store. Required.
	Records *store.Store

	// Index serves step search. Optional: nil disables SearchSteps.
	Index *index.Index

	// Logger is required.
	Logger *slog.Logger
}

// Service answers read-only queries. Safe for concurrent use.
type Service struct {
	records *store.Store
	index   *index.Index
	logger  *slog.Logger
}

// New creates a query service over the given store.
func New(cfg Config) *Service {
	if cfg.Records == nil {
		panic("query.Config: Records is required")
	}
	if cfg.Logger == nil {
		panic("query.Config: Logger is required")
	}
	return &Service{records: cfg.Records, index: cfg.Index, logger: cfg.Logger}
}

// Page is one self-describing window of a result set. Totals are
// computed at request time: on a live task the total may grow between
// two page requests, so callers must trust HasMore rather than
// inferring the end from a short page.
type Page[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	Offset  int  `json:"offset"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"has_more"`
}

func pageOf[T any](items []T, total, offset, limit int) Page[T] {
	if items == nil {
		// Dashboards iterate items unconditionally; an empty page
		// must render as [] rather than null.
		items = []T{}
	}
	return Page[T]{
		Items:   items,
		Total:   total,
		Offset:  offset,
		Limit:   limit,
		HasMore: offset+len(items) < total,
	}
}

func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return offset, limit
}

// ListTasks returns one page of task descriptors, most recent
// activity first (id ascending on ties), optionally filtered to one
// status. An empty status selects every task, including those whose
// descriptors could not be read and degrade to "unknown".
func (s *Service) ListTasks(status task.Status, offset, limit int) (Page[*task.Descriptor], error) {
	offset, limit = clampPage(offset, limit)
	descriptors, err := s.records.ListDescriptors()
	if err != nil {
		return Page[*task.Descriptor]{}, fmt.Errorf("listing tasks: %w", err)
	}

	var tasks []*task.Descriptor
	for _, descriptor := range descriptors {
		if status != "" && descriptor.Status != status {
			continue
		}
		tasks = append(tasks, descriptor)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].LastActivity.Equal(tasks[j].LastActivity) {
			return tasks[i].LastActivity.After(tasks[j].LastActivity)
		}
		return tasks[i].ID < tasks[j].ID
	})

	total := len(tasks)
	if offset >= total {
		return pageOf[*task.Descriptor](nil, total, offset, limit), nil
	}
	end := total
	if limit < total-offset {
		end = offset + limit
	}
	return pageOf(tasks[offset:end], total, offset, limit), nil
}

// TaskDetail is the full view of one task: the descriptor, the first
// page of its steps, and, once terminal, the completion summary.
type TaskDetail struct {
	Task    *task.Descriptor `json:"task"`
	Steps   Page[task.Step]  `json:"steps"`
	Summary *task.Summary    `json:"summary,omitempty"`
}

// GetTask returns a task's detail view. A missing task propagates
// fs.ErrNotExist for the transport layer to map. The summary can lag
// the terminal transition by one write; its absence is not an error.
func (s *Service) GetTask(id string, stepLimit int) (*TaskDetail, error) {
	if err := task.ValidID(id); err != nil {
		return nil, err
	}
	descriptor, err := s.records.ReadDescriptor(id)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}

	_, limit := clampPage(0, stepLimit)
	steps, total, err := s.records.ReadSteps(id, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("task %s steps: %w", id, err)
	}

	detail := &TaskDetail{Task: descriptor, Steps: pageOf(steps, total, 0, limit)}
	if descriptor.Status.Terminal() {
		summary, err := s.records.ReadSummary(id)
		switch {
		case err == nil:
			detail.Summary = summary
		case !errors.Is(err, fs.ErrNotExist):
			s.logger.Warn("summary read failed", "task", id, "error", err)
		}
	}
	return detail, nil
}

// GetSteps returns one page of a task's steps in sequence order. The
// task must exist; an empty step log is an empty page.
func (s *Service) GetSteps(id string, offset, limit int) (Page[task.Step], error) {
	if err := task.ValidID(id); err != nil {
		return Page[task.Step]{}, err
	}
	if _, err := s.records.ReadDescriptor(id); err != nil {
		return Page[task.Step]{}, fmt.Errorf("task %s: %w", id, err)
	}
	offset, limit = clampPage(offset, limit)
	steps, total, err := s.records.ReadSteps(id, offset, limit)
	if err != nil {
		return Page[task.Step]{}, fmt.Errorf("task %s steps: %w", id, err)
	}
	return pageOf(steps, total, offset, limit), nil
}

// SearchSteps finds steps whose summary contains the query text,
// newest first, optionally narrowed to one task or one step kind.
func (s *Service) SearchSteps(ctx context.Context, q index.Query) ([]index.Hit, error) {
	if s.index == nil {
		return nil, errors.New("query: step search is disabled")
	}
	return s.index.Search(ctx, q)
}

// StatusCounts tallies tasks by status for the daemon status report.
func (s *Service) StatusCounts() (map[task.Status]int, error) {
	descriptors, err := s.records.ListDescriptors()
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	counts := make(map[task.Status]int, 5)
	for _, descriptor := range descriptors {
		counts[descriptor.Status]++
	}
	return counts, nil
}
