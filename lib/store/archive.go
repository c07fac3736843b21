// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Archive container layout: 4 magic bytes, 1 compression tag byte,
// 8-byte big-endian uncompressed size, then the payload. Records are
// preserved byte-for-byte; only the container changes.
var archiveMagic = [4]byte{'T', 'W', 'S', '1'}

const archiveHeaderSize = 4 + 1 + 8

// CompressionTag identifies the archive payload encoding. Stored on
// disk; changing a value breaks existing archives.
type CompressionTag uint8

const (
	// CompressionNone stores the payload uncompressed. Chosen when
	// probing finds no worthwhile ratio.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is block-mode LZ4: fast with a modest ratio.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is zstd at the default level: the usual choice
	// for step logs, which are repetitive JSON text.
	CompressionZstd CompressionTag = 2
)

// String returns the tag's human-readable name.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// zstdEncoder and zstdDecoder are shared across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// Archived reports whether the task's step log exists only in
// archived form.
func (s *Store) Archived(id string) bool {
	if _, err := os.Stat(filepath.Join(s.TaskDir(id), stepLogFile)); err == nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.TaskDir(id), archiveFile))
	return err == nil
}

// Compact converts the task's plain step log into the archived form.
// The archive is made durable before the plain file is removed, so a
// crash in between leaves both and the plain file stays authoritative
// until a later compaction finishes the job. No-op when there is
// nothing to compact.
func (s *Store) Compact(id string) error {
	plain := filepath.Join(s.TaskDir(id), stepLogFile)
	data, err := os.ReadFile(plain)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading step log for %s: %w", id, err)
	}

	tag, payload := compressArchive(data)
	container := make([]byte, archiveHeaderSize, archiveHeaderSize+len(payload))
	copy(container, archiveMagic[:])
	container[4] = byte(tag)
	binary.BigEndian.PutUint64(container[5:13], uint64(len(data)))
	container = append(container, payload...)

	if err := writeFileAtomic(filepath.Join(s.TaskDir(id), archiveFile), container); err != nil {
		return fmt.Errorf("writing archive for %s: %w", id, err)
	}
	if err := os.Remove(plain); err != nil {
		return fmt.Errorf("removing compacted step log for %s: %w", id, err)
	}
	s.logger.Info("compacted step log",
		"task", id, "compression", tag.String(),
		"size", len(data), "archived_size", len(container))
	return nil
}

// Inflate restores the plain step log from the archive so it can
// receive appends again. Inverse ordering of Compact: the plain file
// is made durable before the archive is removed.
func (s *Store) Inflate(id string) error {
	data, err := s.readArchive(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	plain := filepath.Join(s.TaskDir(id), stepLogFile)
	if _, err := os.Stat(plain); err == nil {
		// An interrupted earlier Compact left the plain file; it is
		// authoritative, so just drop the stale archive.
		return os.Remove(filepath.Join(s.TaskDir(id), archiveFile))
	}
	if err := writeFileAtomic(plain, data); err != nil {
		return fmt.Errorf("restoring step log for %s: %w", id, err)
	}
	return os.Remove(filepath.Join(s.TaskDir(id), archiveFile))
}

// readArchive reads and decompresses the archived step log.
func (s *Store) readArchive(id string) ([]byte, error) {
	container, err := os.ReadFile(filepath.Join(s.TaskDir(id), archiveFile))
	if err != nil {
		return nil, err
	}
	if len(container) < archiveHeaderSize || [4]byte(container[:4]) != archiveMagic {
		return nil, fmt.Errorf("archive for %s: bad header", id)
	}
	tag := CompressionTag(container[4])
	size := binary.BigEndian.Uint64(container[5:13])
	payload := container[archiveHeaderSize:]

	data, err := decompressArchive(payload, tag, int(size))
	if err != nil {
		return nil, fmt.Errorf("archive for %s: %w", id, err)
	}
	return data, nil
}

// compressArchive probes zstd on the payload and picks the encoding
// by ratio: zstd above 1.5x, LZ4 between 1.1x and 1.5x, raw below.
func compressArchive(data []byte) (CompressionTag, []byte) {
	if len(data) == 0 {
		return CompressionNone, data
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return CompressionZstd, compressed
	case ratio >= 1.1:
		if lz4Payload, err := compressLZ4(data); err == nil {
			return CompressionLZ4, lz4Payload
		}
		return CompressionZstd, compressed
	default:
		return CompressionNone, data
	}
}

func decompressArchive(payload []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(payload) != uncompressedSize {
			return nil, fmt.Errorf("raw payload is %d bytes, header says %d", len(payload), uncompressedSize)
		}
		return payload, nil

	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(payload, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag %d", uint8(tag))
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// Zero means the block was incompressible.
	if written == 0 || written >= len(data) {
		return nil, fmt.Errorf("data is incompressible")
	}
	return destination[:written], nil
}
