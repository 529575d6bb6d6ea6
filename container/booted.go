// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"syscall"
)

// sigShutdown is SIGRTMIN+4, which asks systemd to power off.
const sigShutdown = syscall.Signal(38)

// launchBooted boots systemd as the container's PID 1. The entry helper
// reports systemd's host PID and execs it. After the body has run the
// command, systemd is asked to power off and the console process is
// awaited.
func launchBooted(ctx context.Context, setup *Setup, body func(*Launched) error) error {
	exfil, err := NewExfiltrator(0, false)
	if err != nil {
		return &SetupError{Step: "handshake pipes", Err: err}
	}
	defer exfil.Close()

	initArgv := []string{systemdPath, "--log-target=console"}
	if setup.Options.NotABuildStep {
		initArgv = append(initArgv, "systemd.setenv="+NotABuildStepEnv)
	}
	argv := slices.Concat(setup.NspawnCmd, entryArgs(setup), []string{
		consoleArg(setup.IO),
		"--",
		entryInContainer, "boot",
		"--pid-fd", strconv.Itoa(exfil.PIDFD()),
		"--outerproc", outerProcInTmp,
		"--unmount", tmpMount,
		"--",
	}, initArgv)

	console, err := newConsoleOutput(setup.IO.Console)
	if err != nil {
		return err
	}
	process, err := startConsole(ctx, setup, argv, exfil.Forwarded(), console)
	if err != nil {
		console.finish()
		return err
	}
	exfil.CloseForwarded()

	pid, err := awaitHandshake(ctx, setup, exfil, process)
	if err != nil {
		stopProcess(setup, process)
		console.finish()
		return err
	}
	setup.Logger.Debug("systemd started", "pid", pid)

	launched := &Launched{Setup: setup, PID: pid, Console: process, booted: true}

	var bodyErr error
	if setup.Options.BootAwaitDbus {
		bodyErr = awaitDbus(ctx, setup, pid, process)
	}
	if bodyErr == nil {
		bodyErr = body(launched)
	}

	logState(setup.Logger, StateShuttingDown, "pid", pid)
	signal := func() error { return signalInit(ctx, setup, pid) }
	shutdownErr := shutdown(ctx, process, setup.Shutdown, setup.Clock, signal, setup.Logger)

	code, waitErr := process.Wait(context.Background())
	status := &ConsoleStatus{ExitCode: code, Output: console.finish()}
	if launched.outcome != nil {
		launched.outcome.Console = status
	}

	if bodyErr != nil {
		return bodyErr
	}
	if shutdownErr != nil {
		return shutdownErr
	}
	if waitErr != nil {
		return waitErr
	}
	if code != 0 {
		setup.Logger.Warn("systemd-nspawn exited with non-zero status", "exit_code", code)
	}
	return nil
}

// signalInit asks systemd, running as pid on the host, to power off.
func signalInit(ctx context.Context, setup *Setup, pid int) error {
	if setup.Privilege.Direct() {
		return syscall.Kill(pid, sigShutdown)
	}
	return setup.Privilege.Run(ctx, "kill", "-s", "RTMIN+4", strconv.Itoa(pid))
}

// awaitDbus polls until the system bus socket exists inside the
// container. The container's root is reached through systemd's
// /proc/<pid>/root, which only root can traverse.
func awaitDbus(ctx context.Context, setup *Setup, pid int, console *Process) error {
	path := fmt.Sprintf("/proc/%d/root%s", pid, dbusSocket)
	exists := func() bool {
		if setup.Privilege.Direct() {
			_, err := os.Stat(path)
			return err == nil
		}
		return setup.Privilege.Run(ctx, "test", "-e", path) == nil
	}

	setup.Logger.Debug("waiting for system bus", "path", path)
	for !exists() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-console.Done():
			code, _ := console.Wait(context.Background())
			return &LaunchError{ExitCode: code, Err: errConsoleExited}
		case <-setup.Clock.After(dbusPollInterval):
		}
	}
	return nil
}

// exitWatcher is the view of the console process the shutdown loop
// needs.
type exitWatcher interface {
	Done() <-chan struct{}
	Exited() bool
	Kill() error
}

var _ exitWatcher = (*Process)(nil)

// errShutdownTimeout is reported when systemd did not power off within
// the policy's MaxWait.
var errShutdownTimeout = errors.New("container did not shut down in time")
