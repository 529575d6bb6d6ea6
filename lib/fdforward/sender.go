// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fdforward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/layerrun/lib/codec"
	"github.com/bureau-foundation/layerrun/lib/privilege"
	"github.com/bureau-foundation/layerrun/lib/unixsocket"
)

// DefaultTimeout bounds how long the sender waits for the receiver to
// connect.
const DefaultTimeout = 60 * time.Second

// Header is the message carrying the forwarded descriptors.
type Header struct {
	Count int `cbor:"count"`
}

// Options configures a forwarded launch.
type Options struct {
	// Receiver is the path of the recv-fds-and-run helper.
	Receiver string

	// SetListenFDs exports LISTEN_FDS and LISTEN_PID to the target.
	SetListenFDs bool

	// Escalator wraps the receiver command.
	Escalator privilege.Escalator

	// Timeout bounds the wait for the receiver to connect. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// Logger for forwarding diagnostics.
	Logger *slog.Logger
}

// Start launches argv as root with files appearing at descriptors
// 3, 4, ... in order. configure, if non-nil, adjusts the command (stdio,
// environment, process attributes) before it is started. The returned
// command has been started; the caller waits for it.
//
// If sending the descriptors fails, the launched process is killed and
// reaped before Start returns the error.
func Start(ctx context.Context, files []*os.File, argv []string, opts Options, configure func(*exec.Cmd)) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, errors.New("fdforward: empty command")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Escalator.Direct() && !opts.SetListenFDs {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.ExtraFiles = files
		if configure != nil {
			configure(cmd)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting %s: %w", argv[0], err)
		}
		return cmd, nil
	}

	if opts.Receiver == "" {
		return nil, errors.New("fdforward: receiver helper path is required across an escalation wrapper")
	}

	rendezvous, err := listen()
	if err != nil {
		return nil, err
	}
	defer rendezvous.Close()

	wrapped := opts.Escalator.Wrap(ReceiverArgs(opts.Receiver, rendezvous.path, len(files), opts.SetListenFDs, argv)...)
	cmd := exec.Command(wrapped[0], wrapped[1:]...)
	if configure != nil {
		configure(cmd)
	}
	stderr := teeStderr(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", wrapped[0], err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if err := rendezvous.send(ctx, files, timeout, exitNotify(cmd.Process.Pid)); err != nil {
		_ = cmd.Process.Kill()
		if waitErr := cmd.Wait(); waitErr != nil && errors.Is(err, errReceiverExited) {
			err = fmt.Errorf("%w: %v", err, waitErr)
		}
		if text := stderr.String(); text != "" {
			err = fmt.Errorf("%w; receiver stderr: %s", err, text)
		}
		return nil, fmt.Errorf("forwarding %d descriptors to %s: %w", len(files), argv[0], err)
	}
	logger.Debug("forwarded descriptors", "count", len(files), "command", argv[0], "pid", cmd.Process.Pid)
	return cmd, nil
}

// ReceiverArgs returns the receiver helper invocation that runs argv.
func ReceiverArgs(receiver, socketPath string, count int, setListenFDs bool, argv []string) []string {
	args := []string{receiver, "--unix-sock", socketPath, "--num-fds", strconv.Itoa(count)}
	if !setListenFDs {
		args = append(args, "--no-set-listen-fds")
	}
	args = append(args, "--")
	return append(args, argv...)
}

type rendezvous struct {
	dir      string
	path     string
	listener *net.UnixListener
}

func listen() (*rendezvous, error) {
	dir, err := os.MkdirTemp("/tmp", "layerrun-fds-*")
	if err != nil {
		return nil, fmt.Errorf("creating rendezvous directory: %w", err)
	}
	path := filepath.Join(dir, "fds.sock")
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return &rendezvous{dir: dir, path: path, listener: listener}, nil
}

// errReceiverExited reports a receiver that exited before connecting.
var errReceiverExited = errors.New("receiver exited before connecting")

// send accepts the receiver's connection and sends files. The accept
// gives up at the timeout, when ctx is done, or once exited is closed.
func (r *rendezvous) send(ctx context.Context, files []*os.File, timeout time.Duration, exited <-chan struct{}) error {
	if err := r.listener.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		r.listener.SetDeadline(time.Now())
	})
	defer stop()
	accepted := make(chan struct{})
	defer close(accepted)
	go func() {
		select {
		case <-exited:
			r.listener.SetDeadline(time.Now())
		case <-accepted:
		}
	}()

	conn, err := r.listener.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-exited:
			return errReceiverExited
		default:
		}
		return fmt.Errorf("waiting for receiver: %w", err)
	}
	socket := &unixsocket.Conn{UnixConn: conn}
	defer socket.Close()

	payload, err := codec.Marshal(Header{Count: len(files)})
	if err != nil {
		return err
	}
	return socket.SendFiles(payload, files)
}

func (r *rendezvous) Close() error {
	r.listener.Close()
	return os.RemoveAll(r.dir)
}

// exitNotify returns a channel closed once the child pid has exited.
// The child is left unreaped for its owner's Wait.
func exitNotify(pid int) <-chan struct{} {
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		var info unix.Siginfo
		for {
			err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
			if err != unix.EINTR {
				return
			}
		}
	}()
	return exited
}

// stderrTailSize bounds how much receiver output an error carries.
const stderrTailSize = 4096

// tailBuffer keeps the last stderrTailSize bytes written to it.
type tailBuffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if excess := len(b.data) - stderrTailSize; excess > 0 {
		b.data = b.data[excess:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	if b == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.data))
}

// teeStderr copies cmd's stderr into a tailBuffer so that a failed
// forward can report what the receiver said. A stderr that is an open
// file is left alone: the receiver's diagnostic already lands there, and
// turning it into a pipe would hide the terminal from the command.
func teeStderr(cmd *exec.Cmd) *tailBuffer {
	switch stderr := cmd.Stderr.(type) {
	case *os.File:
		return nil
	case nil:
		tail := &tailBuffer{}
		cmd.Stderr = tail
		return tail
	default:
		tail := &tailBuffer{}
		cmd.Stderr = io.MultiWriter(stderr, tail)
		return tail
	}
}
