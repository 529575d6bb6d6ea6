// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for layerrun packages.
//
// [SocketDir] creates a short directory in /tmp for Unix domain sockets,
// whose paths are limited to 108 bytes (sun_path). [Pipe] allocates an
// os.Pipe whose ends are closed when the test ends, which keeps the
// handshake and FD-forwarding tests free of descriptor leaks.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests waiting on goroutines never hang forever.
//
// All helpers call t.Fatalf on failure.
package testutil
