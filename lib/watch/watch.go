// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package watch detects changes to transcript files under a root
// directory. Two interchangeable detectors sit behind one contract:
// an inotify detector for Linux and a polling detector that compares
// size/mtime snapshots. Both deliver coalesced per-path touch events
// on a bounded channel; a dropped event is recovered by the next
// touch or poll cycle because consumers re-read from a durable
// cursor, never from the event itself.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bureau-foundation/taskwatch/lib/clock"
)

// Event is a touch notification: the named file was created or
// modified. Carries no payload; consumers read the file themselves.
type Event struct {
	// Path is the absolute path of the touched file.
	Path string
}

// Detector watches a directory tree and reports file touches.
type Detector interface {
	// Events returns the touch channel. Closed when Run returns.
	Events() <-chan Event

	// Run watches until ctx is cancelled. Every file matching the
	// configured suffix that exists when Run starts, or appears or
	// grows afterwards, is reported at least once. Call exactly once.
	Run(ctx context.Context) error

	// Mode names the detection mechanism ("inotify" or "poll") for
	// the daemon status report.
	Mode() string
}

// Config configures a detector.
type Config struct {
	// Root is the directory tree to watch. Required. Watched one
	// level deep: files in Root and in its immediate subdirectories.
	Root string

	// Logger records lifecycle and fallback decisions. Required.
	Logger *slog.Logger

	// Suffix selects which files produce events. Default ".jsonl".
	Suffix string

	// PollInterval is the scan cadence of the polling detector.
	// Default 2s.
	PollInterval time.Duration

	// QueueSize bounds the event channel. Default 256. When full the
	// oldest undelivered event is dropped to admit the new one.
	QueueSize int

	// ForcePoll selects the polling detector even where inotify is
	// available.
	ForcePoll bool

	// Clock drives the polling cadence. Default the system clock.
	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Root == "" {
		panic("watch.Config: Root is required")
	}
	if c.Logger == nil {
		panic("watch.Config: Logger is required")
	}
	if c.Suffix == "" {
		c.Suffix = ".jsonl"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Clock == nil {
		c.Clock = clock.System()
	}
	return c
}

// New builds a detector for the configured root, preferring inotify
// and falling back to polling when the kernel watch cannot be
// established.
func New(cfg Config) Detector {
	cfg = cfg.withDefaults()
	if cfg.ForcePoll {
		return newPollDetector(cfg)
	}
	detector, err := newInotifyDetector(cfg)
	if err != nil {
		cfg.Logger.Warn("inotify unavailable, falling back to polling",
			"root", cfg.Root, "error", err)
		return newPollDetector(cfg)
	}
	return detector
}

// emitter is the shared bounded event queue. Send never blocks: when
// the queue is full the oldest event is discarded first.
type emitter struct {
	events chan Event
}

func newEmitter(size int) emitter {
	return emitter{events: make(chan Event, size)}
}

func (e emitter) emit(path string) {
	event := Event{Path: path}
	select {
	case e.events <- event:
		return
	default:
	}
	// Full: drop the oldest, then retry once. A concurrent consumer
	// may have drained in between, in which case the retry lands.
	select {
	case <-e.events:
	default:
	}
	select {
	case e.events <- event:
	default:
	}
}

// scanTree walks root one level deep and calls visit for every file
// whose name carries the suffix. Unreadable directories are skipped;
// the tree is owned by an external writer and may mutate mid-walk.
func scanTree(root, suffix string, visit func(path string, info os.FileInfo)) {
	visitDir := func(dir string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			visit(filepath.Join(dir, entry.Name()), info)
		}
	}

	visitDir(root)
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			visitDir(filepath.Join(root, entry.Name()))
		}
	}
}
