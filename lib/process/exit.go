// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// ExitError carries the exit status of a command the binary ran on the
// caller's behalf. It is the only error [Exit] turns into a silent exit
// with that status. Failures of helper commands (an *exec.ExitError from
// mount or sudo) are diagnostics and exit 1.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// Fatal writes "error: err" to stderr and exits with code 1.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// Exit terminates the process according to err: 0 for nil, the carried
// code for an *ExitError, and Fatal otherwise.
func Exit(err error) {
	os.Exit(ExitStatus(err))
}

// ExitStatus maps err to the exit status Exit would use, printing the
// diagnostic for errors without a code.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
