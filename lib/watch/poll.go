// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"context"
	"os"
	"sort"
	"time"
)

// pollDetector re-scans the tree on an interval and reports files
// whose size or mtime moved since the previous scan. The first scan
// has no previous snapshot, so every existing file is reported once.
type pollDetector struct {
	cfg Config

	// snapshot remembers the last observed state per path.
	snapshot map[string]fileState

	emitter
}

type fileState struct {
	size    int64
	modTime time.Time
}

func newPollDetector(cfg Config) *pollDetector {
	return &pollDetector{
		cfg:      cfg,
		snapshot: make(map[string]fileState),
		emitter:  newEmitter(cfg.QueueSize),
	}
}

func (d *pollDetector) Run(ctx context.Context) error {
	defer close(d.events)

	d.scan()

	ticker := d.cfg.Clock.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.scan()
		}
	}
}

// scan compares the tree against the remembered snapshot and emits
// changed paths in lexical order. Vanished files leave the snapshot
// silently; consumers tolerate missing files on read.
func (d *pollDetector) scan() {
	seen := make(map[string]fileState)
	scanTree(d.cfg.Root, d.cfg.Suffix, func(path string, info os.FileInfo) {
		seen[path] = fileState{size: info.Size(), modTime: info.ModTime()}
	})

	var changed []string
	for path, state := range seen {
		previous, known := d.snapshot[path]
		if !known || previous != state {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	for _, path := range changed {
		d.emit(path)
	}
	d.snapshot = seen
}

func (d *pollDetector) Events() <-chan Event {
	return d.events
}

func (d *pollDetector) Mode() string { return "poll" }
