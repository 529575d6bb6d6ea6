// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
)

// launchNonBooted runs the entry helper's stub as the container's PID 2
// under systemd-nspawn's own minimal init. The stub reports its host PID
// and then blocks on the exit pipe, so the container lives exactly as
// long as the parent holds the pipe's write end.
func launchNonBooted(ctx context.Context, setup *Setup, body func(*Launched) error) error {
	exfil, err := NewExfiltrator(0, false)
	if err != nil {
		return &SetupError{Step: "handshake pipes", Err: err}
	}
	defer exfil.Close()

	exitRead, exitWrite, err := os.Pipe()
	if err != nil {
		return &SetupError{Step: "handshake pipes", Err: fmt.Errorf("creating exit pipe: %w", err)}
	}
	defer closeFile(&exitRead)
	defer closeFile(&exitWrite)

	files := append(exfil.Forwarded(), exitRead)
	exitFD := 3 + len(files) - 1

	argv := slices.Concat(setup.NspawnCmd, entryArgs(setup), []string{
		consoleArg(setup.IO),
		"--as-pid2",
		"--",
		entryInContainer, "stub",
		"--pid-fd", strconv.Itoa(exfil.PIDFD()),
		"--exit-fd", strconv.Itoa(exitFD),
		"--outerproc", outerProcInTmp,
		"--unmount", tmpMount,
	})

	console, err := newConsoleOutput(setup.IO.Console)
	if err != nil {
		return err
	}
	process, err := startConsole(ctx, setup, argv, files, console)
	if err != nil {
		console.finish()
		return err
	}
	exfil.CloseForwarded()
	closeFile(&exitRead)

	pid, err := awaitHandshake(ctx, setup, exfil, process)
	if err != nil {
		stopProcess(setup, process)
		console.finish()
		return err
	}
	setup.Logger.Debug("container started", "pid", pid)

	launched := &Launched{Setup: setup, PID: pid, Console: process}
	bodyErr := body(launched)

	// Closing the exit pipe ends the stub and with it the container.
	closeFile(&exitWrite)
	code, waitErr := waitConsole(ctx, setup, process)
	console.finish()

	if bodyErr != nil {
		return bodyErr
	}
	if waitErr != nil {
		return waitErr
	}
	if code != 0 {
		setup.Logger.Warn("systemd-nspawn exited with non-zero status", "exit_code", code)
	}
	return nil
}

// waitConsole waits for the console process to exit. If ctx ends first
// the process is stopped.
func waitConsole(ctx context.Context, setup *Setup, process *Process) (int, error) {
	select {
	case <-process.Done():
	case <-ctx.Done():
		stopProcess(setup, process)
	}
	return process.Wait(context.Background())
}
