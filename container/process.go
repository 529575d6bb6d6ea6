// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// Process is a started child whose exit is observed by a dedicated
// goroutine, so liveness can be checked without blocking.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Watch takes ownership of a started command. The caller must not call
// cmd.Wait itself.
func Watch(cmd *exec.Cmd) *Process {
	process := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		process.err = cmd.Wait()
		close(process.done)
	}()
	return process
}

// Pid is the host PID of the direct child (the escalation wrapper, when
// one is used).
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited, without blocking.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits or ctx is done, and returns its
// exit code. Signal deaths report 128 plus the signal number.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	return exitCode(p.cmd.ProcessState, p.err)
}

// Signal sends sig to the direct child. Sending to an exited process
// reports os.ErrProcessDone.
func (p *Process) Signal(sig os.Signal) error {
	if p.Exited() {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

// Kill sends SIGKILL to the direct child.
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func exitCode(state *os.ProcessState, err error) (int, error) {
	if state == nil {
		return -1, err
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		// The process exited but its output could not be copied.
		return state.ExitCode(), err
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return state.ExitCode(), nil
}
