// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nssocket creates TCP sockets that belong to another process's
// network namespace.
//
// A socket stays in the namespace it was created in, wherever its
// descriptor later goes. Sockets made inside a container's private
// network and then bound and served on the host are reachable only from
// inside that container.
package nssocket

import (
	"fmt"
	"net"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// Make creates n unbound IPv4 stream sockets in the current network
// namespace, bringing its loopback interface up first. The descriptors
// are close-on-exec.
func Make(n int) ([]int, error) {
	if err := loopbackUp(); err != nil {
		return nil, err
	}
	fds := make([]int, 0, n)
	for range n {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			Close(fds)
			return nil, fmt.Errorf("creating socket: %w", err)
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

// MakeIn is Make inside the network namespace of pid. It needs
// CAP_SYS_ADMIN.
func MakeIn(pid, n int) ([]int, error) {
	type result struct {
		fds []int
		err error
	}
	done := make(chan result, 1)
	go func() {
		// The thread is left locked if the original namespace cannot be
		// restored, so the runtime discards it with the goroutine.
		runtime.LockOSThread()
		fds, restored, err := makeIn(pid, n)
		if restored {
			runtime.UnlockOSThread()
		}
		done <- result{fds, err}
	}()
	r := <-done
	return r.fds, r.err
}

func makeIn(pid, n int) (fds []int, restored bool, err error) {
	origin, err := netns.Get()
	if err != nil {
		return nil, true, fmt.Errorf("getting current network namespace: %w", err)
	}
	defer origin.Close()

	target, err := netns.GetFromPid(pid)
	if err != nil {
		return nil, true, fmt.Errorf("getting network namespace of pid %d: %w", pid, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return nil, true, fmt.Errorf("entering network namespace of pid %d: %w", pid, err)
	}
	fds, err = Make(n)
	if restoreErr := netns.Set(origin); restoreErr != nil {
		Close(fds)
		return nil, false, fmt.Errorf("restoring network namespace: %w", restoreErr)
	}
	return fds, true, err
}

// Listen binds fd to 127.0.0.1:port and starts listening.
func Listen(fd, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	address := &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Bind(fd, address); err != nil {
		return fmt.Errorf("binding 127.0.0.1:%d: %w", port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("listening on 127.0.0.1:%d: %w", port, err)
	}
	return nil
}

// Close closes every descriptor in fds.
func Close(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func loopbackUp() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("finding loopback interface: %w", err)
	}
	if lo.Attrs().Flags&net.FlagUp != 0 {
		return nil
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("bringing loopback up: %w", err)
	}
	return nil
}
