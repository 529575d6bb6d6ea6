// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// clonecaps gives the calling thread the capability sets of another
// process, then execs a command.
//
// Usage:
//
//	clonecaps PID -- CMD [args...]
//
// layerrun uses it to enter a booted container with no more
// capabilities than the container's init.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/layerrun/lib/capability"
	"github.com/bureau-foundation/layerrun/lib/process"
)

func main() {
	process.Exit(run(os.Args[1:]))
}

func run(args []string) error {
	if len(args) < 3 || args[1] != "--" {
		return errors.New("usage: clonecaps PID -- CMD [args...]")
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid %q", args[0])
	}
	command := args[2:]
	binary, err := exec.LookPath(command[0])
	if err != nil {
		return err
	}

	sets, err := capability.ReadStatusFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return err
	}

	// Capabilities are per thread; exec must happen on the thread that
	// applied them.
	runtime.LockOSThread()
	if err := capability.Apply(sets); err != nil {
		return err
	}
	return unix.Exec(binary, command, os.Environ())
}
