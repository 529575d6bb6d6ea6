// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// layerrun-entry runs inside a layerrun container. It is bind mounted
// from the host, so it must be statically linked.
//
// Usage:
//
//	layerrun-entry stub --pid-fd N --exit-fd M --outerproc DIR [--unmount DIR]...
//	layerrun-entry boot --pid-fd N --outerproc DIR [--unmount DIR]... -- INIT [args...]
//	layerrun-entry await-ready --pid-fd N --ready-fd M --outerproc DIR [--unmount DIR]... -- CMD [args...]
//	layerrun-entry make-sockets --count N --unix-sock PATH
//
// Every mode but make-sockets first writes its own host PID, as the
// "Pid:" line of DIR/self/status, to the PID descriptor and closes it.
// DIR is the host's /proc mounted into the container.
package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/layerrun/lib/fdforward"
	"github.com/bureau-foundation/layerrun/lib/nssocket"
	"github.com/bureau-foundation/layerrun/lib/process"
)

// readyLine must match what the parent sends.
const readyLine = "ready\n"

func main() {
	if len(os.Args) < 2 {
		process.Fatal(errors.New("usage: layerrun-entry stub|boot|await-ready|make-sockets [flags]"))
	}
	mode, args := os.Args[1], os.Args[2:]

	var err error
	switch mode {
	case "stub":
		err = stub(args)
	case "boot":
		err = boot(args)
	case "await-ready":
		err = awaitReady(args)
	case "make-sockets":
		err = makeSockets(args)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	process.Exit(err)
}

type handshakeFlags struct {
	pidFD     int
	outerProc string
	unmount   []string
}

func newFlagSet(mode string, flags *handshakeFlags) *pflag.FlagSet {
	set := pflag.NewFlagSet("layerrun-entry "+mode, pflag.ContinueOnError)
	set.SetInterspersed(false)
	set.IntVar(&flags.pidFD, "pid-fd", -1, "descriptor to write the PID line to")
	set.StringVar(&flags.outerProc, "outerproc", "", "the host's /proc inside the container")
	set.StringArrayVar(&flags.unmount, "unmount", nil, "mount to detach after reporting (repeatable)")
	return set
}

func (f *handshakeFlags) check() error {
	if f.pidFD < 0 {
		return errors.New("--pid-fd is required")
	}
	if f.outerProc == "" {
		return errors.New("--outerproc is required")
	}
	return nil
}

// reportPID writes the host PID line and closes the descriptor.
func (f *handshakeFlags) reportPID() error {
	status, err := os.ReadFile(filepath.Join(f.outerProc, "self", "status"))
	if err != nil {
		return fmt.Errorf("reading own status: %w", err)
	}
	line, err := pidLine(status)
	if err != nil {
		return err
	}
	pipe := os.NewFile(uintptr(f.pidFD), "pid")
	_, err = io.WriteString(pipe, line+"\n")
	pipe.Close()
	if err != nil {
		return fmt.Errorf("writing pid: %w", err)
	}
	return nil
}

// unmountAll detaches the helper's own mounts so the command cannot see
// the host's /proc.
func (f *handshakeFlags) unmountAll() error {
	var errs []error
	for _, target := range f.unmount {
		if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
			errs = append(errs, fmt.Errorf("unmounting %s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

// pidLine returns the "Pid:" line of a /proc status file.
func pidLine(status []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(status))
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "Pid:") {
			return line, nil
		}
	}
	return "", errors.New("no Pid: line in status")
}

// stub stays alive as the container's payload until the exit descriptor
// reaches EOF, which is when the parent is done with the container.
func stub(args []string) error {
	var flags handshakeFlags
	set := newFlagSet("stub", &flags)
	exitFD := set.Int("exit-fd", -1, "descriptor whose EOF ends the container")
	if err := set.Parse(args); err != nil {
		return err
	}
	if err := flags.check(); err != nil {
		return err
	}
	if *exitFD < 0 {
		return errors.New("--exit-fd is required")
	}
	exit := os.NewFile(uintptr(*exitFD), "exit")
	defer exit.Close()

	if err := flags.reportPID(); err != nil {
		return err
	}
	if err := flags.unmountAll(); err != nil {
		return err
	}
	_, err := io.Copy(io.Discard, exit)
	return err
}

// boot reports the PID and execs init in place, so init keeps PID 1.
func boot(args []string) error {
	var flags handshakeFlags
	set := newFlagSet("boot", &flags)
	if err := set.Parse(args); err != nil {
		return err
	}
	if err := flags.check(); err != nil {
		return err
	}
	command := set.Args()
	if len(command) == 0 {
		return errors.New("an init command is required after --")
	}
	if err := flags.reportPID(); err != nil {
		return err
	}
	if err := flags.unmountAll(); err != nil {
		return err
	}
	return execCommand(command)
}

// awaitReady reports the PID, then runs the command only once the
// parent writes the ready line. A closed pipe without it aborts.
func awaitReady(args []string) error {
	var flags handshakeFlags
	set := newFlagSet("await-ready", &flags)
	readyFD := set.Int("ready-fd", -1, "descriptor the ready line arrives on")
	if err := set.Parse(args); err != nil {
		return err
	}
	if err := flags.check(); err != nil {
		return err
	}
	if *readyFD < 0 {
		return errors.New("--ready-fd is required")
	}
	command := set.Args()
	if len(command) == 0 {
		return errors.New("a command is required after --")
	}

	ready := os.NewFile(uintptr(*readyFD), "ready")
	if err := flags.reportPID(); err != nil {
		ready.Close()
		return err
	}
	// This mode runs as the user, who usually may not unmount.
	_ = flags.unmountAll()

	line, err := bufio.NewReader(ready).ReadString('\n')
	ready.Close()
	if err != nil || line != readyLine {
		return fmt.Errorf("setup did not complete (got %q): %v", line, err)
	}
	return execCommand(command)
}

// makeSockets runs as root in the container's network namespace and
// sends the new sockets back to the collector at --unix-sock.
func makeSockets(args []string) error {
	set := pflag.NewFlagSet("layerrun-entry make-sockets", pflag.ContinueOnError)
	count := set.Int("count", 0, "number of sockets")
	socketPath := set.String("unix-sock", "", "collector socket")
	if err := set.Parse(args); err != nil {
		return err
	}
	if *count <= 0 {
		return fmt.Errorf("--count must be positive, got %d", *count)
	}
	if *socketPath == "" {
		return errors.New("--unix-sock is required")
	}
	fds, err := nssocket.Make(*count)
	if err != nil {
		return err
	}
	defer nssocket.Close(fds)
	return fdforward.Send(*socketPath, fds)
}

func execCommand(command []string) error {
	binary, err := exec.LookPath(command[0])
	if err != nil {
		return err
	}
	return unix.Exec(binary, command, os.Environ())
}
