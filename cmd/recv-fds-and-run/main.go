// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// recv-fds-and-run receives descriptors from a layerrun parent over a
// Unix socket, installs them at 3, 4, ... and execs a command.
//
// Usage:
//
//	recv-fds-and-run --unix-sock PATH --num-fds N [--no-set-listen-fds] -- CMD [args...]
package main

import (
	"os"

	"github.com/bureau-foundation/layerrun/lib/fdforward"
	"github.com/bureau-foundation/layerrun/lib/process"
)

func main() {
	// RunReceiver only returns on failure.
	process.Fatal(fdforward.RunReceiver(os.Args[1:]))
}
