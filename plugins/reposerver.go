// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bureau-foundation/layerrun/container"
	"github.com/bureau-foundation/layerrun/lib/fdforward"
	"github.com/bureau-foundation/layerrun/lib/nssocket"
)

const (
	// repoServerBinary, repoServerPorts and repoServerSnapshot are the
	// entries of a served snapshot dir.
	repoServerBinary   = "repo-server"
	repoServerPorts    = "ports-for-repo-server"
	repoServerSnapshot = "snapshot"

	// repoServerStopGrace is how long a server gets between SIGTERM
	// and SIGKILL.
	repoServerStopGrace = 60 * time.Second
)

// RepoServers serves each snapshot dir, a container path, to the user
// command. The dir lists its ports in ports-for-repo-server; for each
// port a socket is created in the container's network namespace, bound
// to 127.0.0.1 there, and handed to a repo-server process running on
// the host. The servers are stopped once the command exits.
func RepoServers(snapshotDirs []string, entryPath string, debug bool) container.Plugin {
	dirs := append([]string(nil), snapshotDirs...)
	return Hook("repo-servers", entryPath, func(ctx context.Context, setup *container.Setup, pid int) (func() error, error) {
		servers, err := startRepoServers(ctx, setup, pid, dirs, debug)
		if err != nil {
			return nil, err
		}
		return func() error { return stopRepoServers(setup, servers) }, nil
	})
}

// ParsePorts parses whitespace-separated port numbers, dropping
// duplicates.
func ParsePorts(data []byte) ([]int, error) {
	var ports []int
	seen := make(map[int]bool)
	for _, field := range strings.Fields(string(data)) {
		port, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("parsing port %q: %w", field, err)
		}
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("port %d out of range", port)
		}
		if !seen[port] {
			seen[port] = true
			ports = append(ports, port)
		}
	}
	return ports, nil
}

type repoServer struct {
	snapshot string
	port     int
	process  *container.Process
}

func startRepoServers(ctx context.Context, setup *container.Setup, pid int, snapshotDirs []string, debug bool) ([]*repoServer, error) {
	var servers []*repoServer
	for _, dir := range snapshotDirs {
		host := setup.Volume.Path(dir)
		data, err := os.ReadFile(filepath.Join(host, repoServerPorts))
		if err != nil {
			stopRepoServers(setup, servers)
			return nil, err
		}
		ports, err := ParsePorts(data)
		if err != nil {
			stopRepoServers(setup, servers)
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		if len(ports) == 0 {
			setup.Logger.Warn("snapshot dir lists no repo server ports", "snapshot", dir)
			continue
		}

		fds, err := containerSockets(ctx, setup, pid, len(ports))
		if err != nil {
			stopRepoServers(setup, servers)
			return nil, fmt.Errorf("creating sockets for %s: %w", dir, err)
		}
		for i, port := range ports {
			server, err := startRepoServer(setup, host, port, fds[i], debug)
			if err != nil {
				nssocket.Close(fds[i+1:])
				stopRepoServers(setup, servers)
				return nil, fmt.Errorf("%s port %d: %w", dir, port, err)
			}
			server.snapshot = dir
			servers = append(servers, server)
		}
	}
	return servers, nil
}

// containerSockets makes n sockets in the network namespace of pid. A
// root caller enters the namespace itself; otherwise the entry helper
// makes them as root and sends them back.
func containerSockets(ctx context.Context, setup *container.Setup, pid, n int) ([]int, error) {
	if setup.Privilege.Direct() {
		return nssocket.MakeIn(pid, n)
	}
	return fdforward.Collect(ctx, n, setup.ForwardTimeout, func(socketPath string) *exec.Cmd {
		cmd := setup.Privilege.Command(ctx,
			"nsenter", "--net", "--target", strconv.Itoa(pid),
			setup.Tools.Entry, "make-sockets",
			"--count", strconv.Itoa(n),
			"--unix-sock", socketPath,
		)
		cmd.Stderr = os.Stderr
		return cmd
	})
}

// startRepoServer binds fd and starts a server on it. fd is consumed.
func startRepoServer(setup *container.Setup, host string, port, fd int, debug bool) (*repoServer, error) {
	socket := os.NewFile(uintptr(fd), "repo-server-socket")
	defer socket.Close()
	if err := nssocket.Listen(fd, port); err != nil {
		return nil, err
	}

	argv := []string{
		filepath.Join(host, repoServerBinary),
		"--socket-fd", "3",
		"--snapshot-dir", filepath.Join(host, repoServerSnapshot),
	}
	if debug {
		argv = append(argv, "--debug")
	}
	// The server outlives the hook's context; it is stopped explicitly.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.ExtraFiles = []*os.File{socket}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	setup.Logger.Debug("started repo server", "port", port, "pid", cmd.Process.Pid)
	return &repoServer{port: port, process: container.Watch(cmd)}, nil
}

// stopRepoServers sends SIGTERM to every server, then kills those still
// running after the grace period.
func stopRepoServers(setup *container.Setup, servers []*repoServer) error {
	for _, server := range servers {
		if err := server.process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			setup.Logger.Warn("signalling repo server", "port", server.port, "error", err)
		}
	}
	deadline := setup.Clock.After(repoServerStopGrace)
	var errs []error
	for _, server := range servers {
		select {
		case <-server.process.Done():
		case <-deadline:
			// Every later server gets killed without waiting again.
			closed := make(chan time.Time)
			close(closed)
			deadline = closed
			setup.Logger.Warn("repo server ignored SIGTERM; killing", "port", server.port)
			server.process.Kill()
		}
		code, err := server.process.Wait(context.Background())
		if err != nil {
			errs = append(errs, fmt.Errorf("repo server for %s port %d: %w", server.snapshot, server.port, err))
			continue
		}
		// Termination by the stop signal is the normal way out.
		if code != 0 && code != 128+int(syscall.SIGTERM) {
			setup.Logger.Warn("repo server exited abnormally", "snapshot", server.snapshot, "port", server.port, "exit_code", code)
		}
	}
	return errors.Join(errs...)
}
