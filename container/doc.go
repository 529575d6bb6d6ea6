// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package container runs a single command, or a booted systemd, inside a
// filesystem image using systemd-nspawn, and reports the command's exit
// status back to the caller.
//
// A run proceeds through three composable steps:
//
//  1. Volume acquisition: use the image in place, or take an ephemeral
//     (deleted on exit) or persistent snapshot of it.
//  2. Setup: allocate a per-invocation cgroup next to the caller's own,
//     create a private mount namespace holding a single bind of the
//     working volume onto a fresh directory under /tmp, and build the
//     systemd-nspawn command line and the user command's environment
//     (see [BuildArgs]).
//  3. Launch: start systemd-nspawn, learn the host PID of the first
//     process inside the container through a pipe handshake
//     ([Exfiltrator]), then run the user command with nsenter against
//     that PID.
//
// In non-booted mode nspawn runs its stub init as PID 1 and the
// layerrun-entry helper as PID 2. The helper reports its PID and parks
// until the parent closes the exit pipe after the user command is done.
// In booted mode the helper reports its PID and execs systemd, the user
// command additionally clones systemd's capability sets (clonecaps), and
// after it exits systemd is asked to power off with SIGRTMIN+4 under a
// capped exponential backoff ([ShutdownPolicy]).
//
// Plugins ([Plugin]) wrap any of the three steps. They are folded right
// to left, so the first plugin listed is the outermost wrapper. Every
// step is continuation-passing: resources are released by the step that
// acquired them when its body returns, on every path.
//
// Escalation: layerrun normally runs unprivileged and reaches root
// through a configurable prefix such as `sudo --` (lib/privilege). The
// prefix closes inherited descriptors above 2, so descriptors reach
// nspawn and the user command through the lib/fdforward receiver. When
// layerrun already runs as root the prefix and the receiver are both
// skipped.
//
// A user command that exits non-zero is not an error: its code is in
// [Outcome].ExitCode. Errors are reserved for configuration, setup,
// handshake and launch failures, each with its own type in errors.go.
package container
