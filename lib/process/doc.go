// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for layerrun binaries.
//
// Every binary's main() delegates to a run() function and hands its
// error to [Exit]. An [ExitError] anywhere in the chain (the user
// command's own status) terminates silently with that code, so the
// container's exit status becomes the binary's exit status. Any other
// error is reported on stderr as "error: ..." and exits 1, including one
// that wraps a failed helper's *exec.ExitError. Nothing here writes to
// stdout.
package process
