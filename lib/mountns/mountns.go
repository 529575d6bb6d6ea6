// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mountns creates private mount namespaces owned by a keepalive
// process.
//
// A non-root caller cannot unshare(2) a mount namespace for itself, so
// [Unshare] starts a keepalive under the escalation wrapper:
// `unshare --mount --propagation private` into `nsenter --setuid/--setgid`
// back to the caller's identity, running a shell that reports its PID
// and then blocks in `cat` on a pipe from the parent. Because the
// keepalive ends up owned by the caller, the caller can open its
// /proc/<pid>/ns/mnt, and holds that descriptor for the rest of the
// namespace's life. Privileged commands then enter the namespace
// through /proc/<caller pid>/fd/<n>, independent of the keepalive.
//
// Close drops the descriptor and closes the keepalive's stdin, which
// ends it; the namespace disappears with its last reference, taking its
// mounts with it.
package mountns

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bureau-foundation/layerrun/lib/privilege"
)

// Namespace is a private mount namespace held open by this process.
type Namespace struct {
	keepalive *exec.Cmd
	stdin     io.WriteCloser
	nsFile    *os.File
	escalator privilege.Escalator
	logger    *slog.Logger
}

// keepaliveScript reports the shell's PID (as seen from the initial PID
// namespace) and then parks in cat until stdin closes.
const keepaliveScript = `grep ^NSpid: /proc/self/status; exec cat >&2`

// Unshare creates a private mount namespace.
func Unshare(ctx context.Context, escalator privilege.Escalator, logger *slog.Logger) (*Namespace, error) {
	if logger == nil {
		logger = slog.Default()
	}
	argv := escalator.Wrap(
		"unshare", "--mount", "--propagation", "private",
		"nsenter", "--setuid", strconv.Itoa(os.Geteuid()), "--setgid", strconv.Itoa(os.Getegid()),
		"/bin/sh", "-ec", keepaliveScript,
	)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = privilege.Environ()
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting mount namespace keepalive: %w", err)
	}

	namespace := &Namespace{keepalive: cmd, stdin: stdin, escalator: escalator, logger: logger}
	line, err := readLine(ctx, stdout)
	if err != nil {
		namespace.Close()
		return nil, fmt.Errorf("reading keepalive pid: %w", err)
	}
	pid, err := ParseNSpid(line)
	if err != nil {
		namespace.Close()
		return nil, err
	}
	nsFile, err := os.Open("/proc/" + strconv.Itoa(pid) + "/ns/mnt")
	if err != nil {
		namespace.Close()
		return nil, fmt.Errorf("opening mount namespace of keepalive %d: %w", pid, err)
	}
	namespace.nsFile = nsFile
	logger.Debug("created private mount namespace", "keepalive_pid", pid)
	return namespace, nil
}

func readLine(ctx context.Context, r io.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	lines := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		lines <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-lines:
		if res.err != nil {
			return "", res.err
		}
		return res.line, nil
	}
}

// ParseNSpid returns the innermost PID from an NSpid status line. The
// keepalive lives in the initial PID namespace, so there is one value.
func ParseNSpid(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "NSpid:" {
		return 0, fmt.Errorf("malformed NSpid line %q", line)
	}
	pid, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, fmt.Errorf("malformed NSpid line %q: %w", line, err)
	}
	if pid <= 1 {
		return 0, fmt.Errorf("unexpected keepalive pid %d", pid)
	}
	return pid, nil
}

// EnterArgs returns argv prefixed with an nsenter into the namespace.
// The descriptor path is only valid while this process is alive and
// the Namespace is open.
func (n *Namespace) EnterArgs(argv ...string) []string {
	return append([]string{"nsenter", "--mount=" + n.Path()}, argv...)
}

// Path is the /proc path through which other processes reach the
// namespace.
func (n *Namespace) Path() string {
	return fmt.Sprintf("/proc/%d/fd/%d", os.Getpid(), n.nsFile.Fd())
}

// Run runs argv as root inside the namespace.
func (n *Namespace) Run(ctx context.Context, argv ...string) error {
	return n.escalator.Run(ctx, n.EnterArgs(argv...)...)
}

// BindMount bind-mounts source onto target inside the namespace.
func (n *Namespace) BindMount(ctx context.Context, source, target string) error {
	if err := n.Run(ctx, "mount", "--bind", source, target); err != nil {
		return fmt.Errorf("bind-mounting %s on %s: %w", source, target, err)
	}
	return nil
}

// Close releases the namespace.
func (n *Namespace) Close() error {
	var errs []error
	if n.nsFile != nil {
		errs = append(errs, n.nsFile.Close())
		n.nsFile = nil
	}
	if n.keepalive != nil {
		n.stdin.Close()
		if err := n.keepalive.Wait(); err != nil {
			n.logger.Warn("mount namespace keepalive exited uncleanly", "error", err)
		}
		n.keepalive = nil
	}
	return errors.Join(errs...)
}
