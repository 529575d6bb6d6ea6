// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/layerrun/lib/process"
)

// ConfigurationError reports an invalid option or option combination.
// It is returned before any process is started.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Message
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Message)
}

func configErrorf(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// SetupError reports a failure acquiring one of the per-invocation
// resources (snapshot, cgroup, mount namespace, bind target).
type SetupError struct {
	Step string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup failed at %s: %v", e.Step, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// HandshakeError reports a missing or malformed PID line from inside the
// container.
type HandshakeError struct {
	Line string
	Err  error
}

func (e *HandshakeError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("pid handshake failed: %v", e.Err)
	}
	return fmt.Sprintf("pid handshake failed on %q: %v", e.Line, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// LaunchError reports that systemd-nspawn exited before the handshake
// completed. ExitCode is the tool's exit status.
type LaunchError struct {
	ExitCode int
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("systemd-nspawn exited with code %d before the container was ready: %v", e.ExitCode, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitError represents a non-zero exit from the user command. It is
// produced by [Outcome.Err] for callers that want an error value, and
// process.Exit exits with its code.
type ExitError = process.ExitError

// IsExitError checks if an error is an ExitError and returns the code.
func IsExitError(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
