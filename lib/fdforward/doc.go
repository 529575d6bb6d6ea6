// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fdforward hands open file descriptors to a process launched
// through a privilege-escalation wrapper.
//
// Wrappers like sudo close every descriptor except stdin, stdout and
// stderr, so ExtraFiles cannot cross them. The sender side ([Start])
// listens on a Unix socket in a private temporary directory, launches
// the receiver helper (cmd/recv-fds-and-run) under the wrapper with the
// socket path and the descriptor count, accepts the receiver's
// connection, and sends a CBOR [Header] with the descriptors attached as
// SCM_RIGHTS. The kernel duplicates the descriptors: the caller's
// originals stay open and remain the caller's to close.
//
// The receiver side ([RunReceiver]) receives the descriptors, lifts them
// above 3+n, then duplicates them onto 3..3+n-1 in the caller's order
// and execs the target with LISTEN_FDS and LISTEN_PID unless told not
// to. The Go runtime keeps descriptors of its own open from startup, so
// the target slots are overwritten rather than expected free; that is
// only safe because exec follows at once.
//
// When no wrapper is in use and socket activation variables are not
// requested, [Start] skips the helper and uses ExtraFiles directly.
package fdforward
