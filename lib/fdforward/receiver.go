// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fdforward

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/layerrun/lib/codec"
	"github.com/bureau-foundation/layerrun/lib/unixsocket"
)

// firstFD is where forwarded descriptors start in the target.
const firstFD = 3

// Receive connects to the sender at path and returns exactly n
// descriptors, in the order the sender listed them.
func Receive(path string, n int) ([]int, error) {
	conn, err := unixsocket.Dial(path)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}
	defer conn.Close()
	return receiveOn(conn, n)
}

// receiveOn reads one Header message from conn and returns its
// descriptors, which must number exactly n.
func receiveOn(conn *unixsocket.Conn, n int) ([]int, error) {
	buf := make([]byte, 256)
	size, fds, err := conn.ReceiveFDs(buf)
	if err != nil {
		return nil, fmt.Errorf("receiving descriptors: %w", err)
	}
	var header Header
	if err := codec.Unmarshal(buf[:size], &header); err != nil {
		closeFDs(fds)
		if text, diagErr := codec.Diagnose(buf[:size]); diagErr == nil {
			return nil, fmt.Errorf("decoding header %s: %w", text, err)
		}
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	if header.Count != n || len(fds) != n {
		closeFDs(fds)
		return nil, fmt.Errorf("expected %d descriptors, header says %d, received %d", n, header.Count, len(fds))
	}
	return fds, nil
}

// Install places fds onto 3, 4, ... in order, without close-on-exec,
// and closes the originals. Whatever occupied those slots is replaced,
// including descriptors the Go runtime holds, so the caller must exec
// immediately after a successful Install.
func Install(fds []int) error {
	// Lift every source above the target range first, so that no
	// target slot still holds a source that is yet to be placed.
	lifted := make([]int, 0, len(fds))
	for _, fd := range fds {
		moved, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, firstFD+len(fds))
		if err != nil {
			closeFDs(lifted)
			return fmt.Errorf("moving descriptor %d out of the target range: %w", fd, err)
		}
		lifted = append(lifted, moved)
	}
	closeFDs(fds)

	for i, fd := range lifted {
		if err := unix.Dup3(fd, firstFD+i, 0); err != nil {
			return fmt.Errorf("moving descriptor %d to %d: %w", fd, firstFD+i, err)
		}
	}
	closeFDs(lifted)
	return nil
}

// ListenEnv returns environ with LISTEN_FDS and LISTEN_PID set for n
// descriptors owned by pid. Existing LISTEN_* assignments are replaced.
func ListenEnv(environ []string, n, pid int) []string {
	result := make([]string, 0, len(environ)+2)
	for _, entry := range environ {
		if strings.HasPrefix(entry, "LISTEN_FDS=") || strings.HasPrefix(entry, "LISTEN_PID=") {
			continue
		}
		result = append(result, entry)
	}
	return append(result, "LISTEN_FDS="+strconv.Itoa(n), "LISTEN_PID="+strconv.Itoa(pid))
}

// RunReceiver is the body of cmd/recv-fds-and-run. It parses args,
// receives the descriptors, and execs the target command. It returns
// only on failure.
func RunReceiver(args []string) error {
	flagSet := pflag.NewFlagSet("recv-fds-and-run", pflag.ContinueOnError)
	socketPath := flagSet.String("unix-sock", "", "Unix socket to receive descriptors from")
	count := flagSet.Int("num-fds", 0, "number of descriptors to receive")
	noListen := flagSet.Bool("no-set-listen-fds", false, "do not export LISTEN_FDS and LISTEN_PID")
	flagSet.SetInterspersed(false)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	command := flagSet.Args()
	if *socketPath == "" {
		return errors.New("--unix-sock is required")
	}
	if *count < 0 {
		return fmt.Errorf("--num-fds must be non-negative, got %d", *count)
	}
	if len(command) == 0 {
		return errors.New("a command to run is required after --")
	}

	binary, err := exec.LookPath(command[0])
	if err != nil {
		return err
	}
	environ := os.Environ()
	if !*noListen {
		environ = ListenEnv(environ, *count, os.Getpid())
	}

	fds, err := Receive(*socketPath, *count)
	if err != nil {
		return err
	}
	// Nothing but the exec may run between Install and Exec: the
	// runtime's own descriptors in 3.. are gone.
	runtime.LockOSThread()
	if err := Install(fds); err != nil {
		return err
	}
	return unix.Exec(binary, command, environ)
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
