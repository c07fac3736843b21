// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the HTTP serving shell for the taskwatch
// daemon.
//
// The daemon exposes everything on one TCP listener: the query API,
// the registration endpoints, and the event stream. This package owns
// listener lifecycle only; the daemon provides the http.Handler
// (routing, request decoding, response encoding).
//
//   - Bind early, signal readiness: the listener is bound and Ready()
//     closed before the serve loop starts, so callers can sequence
//     startup and tests can use an OS-assigned port.
//   - Graceful shutdown: Serve(ctx) blocks until the context is
//     cancelled, then stops accepting connections and drains in-flight
//     requests for a bounded grace period. Event stream connections
//     are expected to watch the request context and end themselves.
package service
