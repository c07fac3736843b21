// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sse implements both halves of the taskwatch push channel:
// a Writer the daemon uses to emit Server-Sent Events over an HTTP
// response, and a Scanner the CLI uses to read them back. Framing
// follows the W3C Server-Sent Events specification; payloads are the
// hub's JSON event envelopes.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event is a single Server-Sent Event.
type Event struct {
	// Type is the event type from the "event:" field. Empty string
	// if no event type was specified (the SSE spec calls this the
	// default event type).
	Type string

	// Data is the event payload, assembled from one or more "data:"
	// lines. Multiple data lines are joined with newlines per the
	// SSE specification.
	Data string
}

// Scanner reads Server-Sent Events from an [io.Reader].
//
// Events are delimited by blank lines. Within an event, lines starting
// with "data:" carry the payload, and lines starting with "event:"
// specify the event type. Comment lines (starting with ":") and
// unknown fields are ignored.
//
// Usage:
//
//	scanner := sse.NewScanner(reader)
//	for scanner.Next() {
//	    event := scanner.Event()
//	    // process event.Type and event.Data
//	}
//	if err := scanner.Err(); err != nil {
//	    // handle error
//	}
type Scanner struct {
	reader  *bufio.Reader
	current Event
	err     error
}

// NewScanner creates a scanner that reads SSE events from reader.
func NewScanner(reader io.Reader) *Scanner {
	return &Scanner{
		reader: bufio.NewReaderSize(reader, 64*1024),
	}
}

// Next advances to the next event. Returns false when the stream
// ends (EOF) or an error occurs. After Next returns false, call
// [Err] to distinguish EOF from errors.
func (scanner *Scanner) Next() bool {
	scanner.current = Event{}

	var dataLines []string
	var eventType string
	hasData := false

	for {
		line, err := scanner.reader.ReadString('\n')

		// Handle partial last line (no trailing newline before EOF).
		if err != nil && line == "" {
			if err == io.EOF {
				// If we accumulated data, emit the final event.
				if hasData {
					scanner.current = Event{
						Type: eventType,
						Data: strings.Join(dataLines, "\n"),
					}
					// Set EOF so the next call to Next returns false.
					scanner.err = io.EOF
					return true
				}
				return false
			}
			scanner.err = err
			return false
		}

		// Strip trailing newline (and optional carriage return).
		line = strings.TrimRight(line, "\r\n")

		// Blank line = event boundary.
		if line == "" {
			if hasData {
				scanner.current = Event{
					Type: eventType,
					Data: strings.Join(dataLines, "\n"),
				}
				return true
			}
			// No data accumulated — skip this empty block and continue.
			eventType = ""
			continue
		}

		// Comment lines start with ":".
		if strings.HasPrefix(line, ":") {
			continue
		}

		// Parse "field: value" or "field:value" (space after colon is optional).
		field, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			// Lines without a colon are treated as field name with empty value.
			field = line
			value = ""
		} else {
			// Per spec: if value starts with a space, remove exactly one space.
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			eventType = value
		case "id", "retry":
			// Recognized fields we don't need — ignore per spec.
		default:
			// Unknown fields are ignored per the SSE specification.
		}
	}
}

// Event returns the most recently parsed event. Only valid after
// [Next] returns true.
func (scanner *Scanner) Event() Event {
	return scanner.current
}

// Err returns the first error encountered during scanning. Returns
// nil if scanning ended due to a clean EOF.
func (scanner *Scanner) Err() error {
	if scanner.err == io.EOF {
		return nil
	}
	return scanner.err
}

// Writer emits Server-Sent Events over an HTTP response. Every Send
// and Comment flushes, so events reach the client immediately rather
// than sitting in the response buffer.
type Writer struct {
	writer  io.Writer
	flusher http.Flusher
}

// NewWriter prepares w for event streaming: sets the stream headers,
// writes the 200 status, and flushes so the client sees the stream as
// established. Returns an error if w cannot stream (no http.Flusher,
// as with some middleware wrappers).
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("sse: response writer does not support streaming")
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{writer: w, flusher: flusher}, nil
}

// Send writes one event and flushes it. A payload containing newlines
// is split across multiple data lines, which the receiving scanner
// reassembles.
func (w *Writer) Send(eventType string, data []byte) error {
	if eventType != "" {
		if _, err := fmt.Fprintf(w.writer, "event: %s\n", eventType); err != nil {
			return err
		}
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if _, err := fmt.Fprintf(w.writer, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w.writer, "\n"); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Comment writes a keep-alive comment and flushes it. Comments are
// invisible to scanners; they exist to keep idle connections open
// through proxies and to let clients detect a dead server.
func (w *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(w.writer, ": %s\n\n", text); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
