// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// inotifyDetector watches the root and its immediate subdirectories
// with one inotify instance. Subdirectories that appear later are
// added to the watch as their creation events arrive.
type inotifyDetector struct {
	cfg Config
	fd  int

	// watchDirs maps watch descriptors back to directory paths so
	// event names can be joined into full paths.
	watchDirs map[int]string

	emitter
}

func newInotifyDetector(cfg Config) (*inotifyDetector, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	detector := &inotifyDetector{
		cfg:       cfg,
		fd:        fd,
		watchDirs: make(map[int]string),
		emitter:   newEmitter(cfg.QueueSize),
	}
	if err := detector.addWatch(cfg.Root); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return detector, nil
}

const dirWatchMask = unix.IN_CREATE | unix.IN_MOVED_TO | unix.IN_MODIFY | unix.IN_CLOSE_WRITE

func (d *inotifyDetector) addWatch(dir string) error {
	wd, err := unix.InotifyAddWatch(d.fd, dir, dirWatchMask)
	if err != nil {
		return fmt.Errorf("inotify_add_watch on %s: %w", dir, err)
	}
	d.watchDirs[wd] = dir
	return nil
}

// Run installs watches on existing subdirectories, reports every file
// already present (watches first, then the scan, so a file landing in
// between is caught either way), then consumes events until ctx is
// cancelled.
func (d *inotifyDetector) Run(ctx context.Context) error {
	defer unix.Close(d.fd)
	defer close(d.events)

	entries, err := os.ReadDir(d.cfg.Root)
	if err != nil {
		return fmt.Errorf("reading watch root %s: %w", d.cfg.Root, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		subdir := filepath.Join(d.cfg.Root, entry.Name())
		if err := d.addWatch(subdir); err != nil {
			d.cfg.Logger.Warn("cannot watch subdirectory", "dir", subdir, "error", err)
		}
	}

	scanTree(d.cfg.Root, d.cfg.Suffix, func(path string, _ os.FileInfo) {
		d.emit(path)
	})

	buffer := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// poll(2) with a short timeout keeps the loop responsive to
		// cancellation without spinning.
		descriptors := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
		count, err := unix.Poll(descriptors, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("polling inotify descriptor: %w", err)
		}
		if count == 0 {
			continue
		}

		read, err := unix.Read(d.fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reading inotify events: %w", err)
		}
		d.consume(buffer[:read])
	}
}

// consume walks a raw event buffer. Touched files matching the suffix
// are emitted once per buffer; new directories directly under the
// root are added to the watch and scanned for files that appeared
// before the watch was in place.
//
// Inotify event layout (from inotify(7)):
//
//	struct inotify_event {
//	    int32_t  wd;     // offset 0
//	    uint32_t mask;   // offset 4
//	    uint32_t cookie; // offset 8
//	    uint32_t len;    // offset 12
//	    char     name[]; // offset 16, padded to alignment
//	};
func (d *inotifyDetector) consume(buffer []byte) {
	touched := make(map[string]struct{})

	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		wd := int(int32(binary.NativeEndian.Uint32(buffer[offset : offset+4])))
		mask := binary.NativeEndian.Uint32(buffer[offset+4 : offset+8])
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			break
		}

		name := ""
		if nameLength > 0 {
			name = nullTerminatedString(buffer[offset+unix.SizeofInotifyEvent : offset+eventSize])
		}
		offset += eventSize

		dir, known := d.watchDirs[wd]
		if !known || name == "" {
			continue
		}
		path := filepath.Join(dir, name)

		if mask&unix.IN_ISDIR != 0 {
			if mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 && dir == d.cfg.Root {
				if err := d.addWatch(path); err != nil {
					d.cfg.Logger.Warn("cannot watch new subdirectory", "dir", path, "error", err)
					continue
				}
				// Files written before the watch landed produce no
				// further events; pick them up now.
				scanTree(path, d.cfg.Suffix, func(existing string, _ os.FileInfo) {
					touched[existing] = struct{}{}
				})
			}
			continue
		}

		if strings.HasSuffix(name, d.cfg.Suffix) {
			touched[path] = struct{}{}
		}
	}

	for path := range touched {
		d.emit(path)
	}
}

func (d *inotifyDetector) Events() <-chan Event {
	return d.events
}

func (d *inotifyDetector) Mode() string { return "inotify" }

// nullTerminatedString extracts a string from a null-padded byte
// slice, stopping at the first null byte.
func nullTerminatedString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
