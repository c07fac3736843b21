// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package index maintains a SQLite search index over step records.
// The index is derived data: the monitor feeds it after the record
// store persists a batch, and on startup it is reconciled against the
// store, so deleting the database file loses nothing. It serves
// substring search over step summaries and the per-kind aggregates
// reported by the daemon status endpoint.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/taskwatch/lib/sqlitedb"
	"github.com/bureau-foundation/taskwatch/lib/store"
	"github.com/bureau-foundation/taskwatch/lib/task"
)

// DefaultSearchLimit is the result cap applied when a query does not
// set one; MaxSearchLimit bounds what a caller may request.
const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 500
)

const schema = `
	CREATE TABLE IF NOT EXISTS steps (
		task_id TEXT    NOT NULL,
		seq     INTEGER NOT NULL,
		kind    TEXT    NOT NULL,
		ts      INTEGER NOT NULL,
		tool    TEXT,
		outcome TEXT,
		summary TEXT    NOT NULL,
		PRIMARY KEY (task_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_kind ON steps(kind, ts);
	CREATE INDEX IF NOT EXISTS idx_steps_ts ON steps(ts);
`

// Config holds the parameters for opening an index.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize is the connection count. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Index is the step search index. Safe for concurrent use.
type Index struct {
	db     *sqlitedb.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the index database.
func Open(cfg Config) (*Index, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("index: Logger is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	db, err := sqlitedb.Open(sqlitedb.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	return &Index{db: db, logger: cfg.Logger}, nil
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// InsertSteps indexes a batch of one task's steps in a single
// transaction. Inserts are idempotent on (task_id, seq): re-indexing
// after a crash or a reconcile pass cannot duplicate rows.
func (ix *Index) InsertSteps(ctx context.Context, taskID string, steps []task.Step) error {
	if len(steps) == 0 {
		return nil
	}
	return ix.db.WithConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("index: begin transaction: %w", err)
		}
		defer endTransaction(&err)

		for _, step := range steps {
			err = sqlitex.Execute(conn, `INSERT OR IGNORE INTO steps
				(task_id, seq, kind, ts, tool, outcome, summary)
				VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
				Args: []any{
					taskID,
					step.Seq,
					string(step.Kind),
					step.Timestamp.UnixNano(),
					step.Tool,
					string(step.Outcome),
					step.Summary,
				},
			})
			if err != nil {
				return fmt.Errorf("index: inserting step %d of %s: %w", step.Seq, taskID, err)
			}
		}
		return nil
	})
}

// Query is a step search request.
type Query struct {
	// Text is matched as a substring of step summaries. Required.
	Text string

	// TaskID restricts hits to one task when set.
	TaskID string

	// Kind restricts hits to one step kind when set.
	Kind task.StepKind

	// Limit caps the hit count; zero selects DefaultSearchLimit and
	// anything above MaxSearchLimit is clamped to it.
	Limit int
}

// Hit is one search result. Seq lets the caller page into the step's
// surrounding context through the query API.
type Hit struct {
	TaskID string `json:"task_id"`
	Step   task.Step
}

// MarshalJSON flattens the embedded step so a hit serializes as one
// object rather than a nested pair.
func (h Hit) MarshalJSON() ([]byte, error) {
	type flat struct {
		TaskID    string        `json:"task_id"`
		Seq       int           `json:"seq"`
		Kind      task.StepKind `json:"kind"`
		Timestamp time.Time     `json:"ts"`
		Summary   string        `json:"summary,omitempty"`
		Tool      string        `json:"tool,omitempty"`
		Outcome   task.Outcome  `json:"outcome,omitempty"`
	}
	return json.Marshal(flat{
		TaskID:    h.TaskID,
		Seq:       h.Step.Seq,
		Kind:      h.Step.Kind,
		Timestamp: h.Step.Timestamp,
		Summary:   h.Step.Summary,
		Tool:      h.Step.Tool,
		Outcome:   h.Step.Outcome,
	})
}

// Search returns steps whose summary contains the query text, newest
// first.
func (ix *Index) Search(ctx context.Context, query Query) ([]Hit, error) {
	if strings.TrimSpace(query.Text) == "" {
		return nil, fmt.Errorf("index: search text is required")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	conditions := []string{"summary LIKE ?"}
	args := []any{"%" + query.Text + "%"}
	if query.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, query.TaskID)
	}
	if query.Kind != "" {
		if !query.Kind.Valid() {
			return nil, fmt.Errorf("index: unknown step kind %q", query.Kind)
		}
		conditions = append(conditions, "kind = ?")
		args = append(args, string(query.Kind))
	}

	sql := "SELECT task_id, seq, kind, ts, tool, outcome, summary FROM steps WHERE " +
		strings.Join(conditions, " AND ") + " ORDER BY ts DESC, task_id, seq LIMIT ?"
	args = append(args, limit)

	var hits []Hit
	err := ix.db.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, sql, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				hits = append(hits, scanHit(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	return hits, nil
}

func scanHit(stmt *sqlite.Stmt) Hit {
	// Columns: task_id(0), seq(1), kind(2), ts(3), tool(4),
	// outcome(5), summary(6)
	return Hit{
		TaskID: stmt.ColumnText(0),
		Step: task.Step{
			Seq:       stmt.ColumnInt(1),
			Kind:      task.StepKind(stmt.ColumnText(2)),
			Timestamp: time.Unix(0, stmt.ColumnInt64(3)).UTC(),
			Tool:      stmt.ColumnText(4),
			Outcome:   task.Outcome(stmt.ColumnText(5)),
			Summary:   stmt.ColumnText(6),
		},
	}
}

// CountByKind returns the indexed step count per kind across all
// tasks, for the daemon status endpoint.
func (ix *Index) CountByKind(ctx context.Context) (map[task.StepKind]int, error) {
	counts := make(map[task.StepKind]int)
	err := ix.db.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT kind, COUNT(*) FROM steps GROUP BY kind", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[task.StepKind(stmt.ColumnText(0))] = stmt.ColumnInt(1)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("index: counting by kind: %w", err)
	}
	return counts, nil
}

// indexedCount returns how many of taskID's steps are indexed.
// Sequences are gap-free from 1, so the count equals the highest seq.
func (ix *Index) indexedCount(ctx context.Context, taskID string) (int, error) {
	var count int
	err := ix.db.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COALESCE(MAX(seq), 0) FROM steps WHERE task_id = ?", &sqlitex.ExecOptions{
			Args: []any{taskID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	return count, err
}

// Reconcile brings the index up to date with the record store:
// every task whose step log (plain or archived) runs ahead of the
// index is re-read from the store and the missing tail indexed.
// Returns the number of steps indexed.
func (ix *Index) Reconcile(ctx context.Context, records *store.Store) (int, error) {
	descriptors, err := records.ListDescriptors()
	if err != nil {
		return 0, fmt.Errorf("index: reconcile: %w", err)
	}

	indexed := 0
	for _, descriptor := range descriptors {
		if descriptor.Status == task.StatusUnknown {
			continue
		}
		have, err := ix.indexedCount(ctx, descriptor.ID)
		if err != nil {
			return indexed, fmt.Errorf("index: reconcile %s: %w", descriptor.ID, err)
		}
		_, total, err := records.ReadSteps(descriptor.ID, 0, 0)
		if err != nil {
			ix.logger.Warn("reconcile cannot read step log", "task", descriptor.ID, "error", err)
			continue
		}
		if have >= total {
			continue
		}
		missing, _, err := records.ReadSteps(descriptor.ID, have, total-have)
		if err != nil {
			ix.logger.Warn("reconcile cannot read step tail", "task", descriptor.ID, "error", err)
			continue
		}
		if err := ix.InsertSteps(ctx, descriptor.ID, missing); err != nil {
			return indexed, err
		}
		indexed += len(missing)
		ix.logger.Info("reindexed task steps", "task", descriptor.ID, "steps", len(missing))
	}
	return indexed, nil
}
