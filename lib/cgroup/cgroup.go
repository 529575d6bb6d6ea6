// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cgroup allocates per-invocation cgroup v2 paths.
//
// systemd-nspawn places its payload in a cgroup named after the machine
// under the caller's own cgroup; concurrent invocations from one process
// would collide there. Each container therefore gets a fresh cgroup that
// is a sibling of the caller's own, named from the caller's PID and a
// random token. The directory is created by the launch wrapper (as root,
// immediately before exec'ing the isolation tool) and removed
// deepest-first after the container exits. Removal only succeeds for
// empty cgroups; anything still populated is left for out-of-band
// garbage collection.
package cgroup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/layerrun/lib/privilege"
)

// DefaultMount is where systemd mounts the unified hierarchy.
const DefaultMount = "/sys/fs/cgroup"

// Prefix starts every per-invocation cgroup name.
const Prefix = "layerrun-"

// ErrNotUnified is returned when the mount is not a cgroup2 filesystem.
var ErrNotUnified = errors.New("cgroup: unified (v2) hierarchy is required")

// CheckUnified verifies that mount is a cgroup2 filesystem.
func CheckUnified(mount string) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(mount, &stat); err != nil {
		return fmt.Errorf("cgroup: statfs %s: %w", mount, err)
	}
	if stat.Type != unix.CGROUP2_SUPER_MAGIC {
		return ErrNotUnified
	}
	return nil
}

// ParseProcCgroup returns the unified-hierarchy path from the contents
// of /proc/<pid>/cgroup (the "0::" line).
func ParseProcCgroup(data []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "0::"); ok {
			if !strings.HasPrefix(rest, "/") {
				return "", fmt.Errorf("cgroup: relative unified path %q", rest)
			}
			return rest, nil
		}
	}
	return "", errors.New("cgroup: no unified hierarchy entry")
}

// OwnPath returns the calling process's unified cgroup path, relative to
// the mount.
func OwnPath() (string, error) {
	return PathOf(os.Getpid())
}

// PathOf returns pid's unified cgroup path, relative to the mount.
func PathOf(pid int) (string, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cgroup")
	if err != nil {
		return "", fmt.Errorf("cgroup: reading cgroup of %d: %w", pid, err)
	}
	return ParseProcCgroup(data)
}

// SiblingName returns the name of a per-invocation cgroup for pid.
func SiblingName(pid int) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return Prefix + strconv.Itoa(pid) + "-" + token
}

// NewSibling returns an absolute path under mount for a new cgroup next
// to own (the caller's cgroup path relative to mount). Nothing is
// created on disk.
func NewSibling(mount, own string, pid int) string {
	parent := path.Dir(path.Clean(own))
	return filepath.Join(mount, parent, SiblingName(pid))
}

// EnterScript is the `sh -c` body that creates the cgroup directory
// given as $1, moves the shell into it, and execs the remaining
// arguments. Invoke as: sh -c EnterScript sh <cgroup dir> <argv...>
const EnterScript = `cg="$1"; shift; mkdir "$cg"; echo $$ > "$cg/cgroup.procs"; exec "$@"`

// EnterArgs returns argv wrapped so it starts inside the cgroup dir,
// creating it first.
func EnterArgs(dir string, argv ...string) []string {
	return append([]string{"/bin/sh", "-ec", EnterScript, "sh", dir}, argv...)
}

// JoinArgs returns argv wrapped so it first joins the existing cgroup
// dir. Used for processes entering a running container.
func JoinArgs(dir string, argv ...string) []string {
	script := `echo $$ > "$1/cgroup.procs"; shift; exec "$@"`
	return append([]string{"/bin/sh", "-ec", script, "sh", dir}, argv...)
}

// RemoveTree removes dir and its descendants deepest-first, as root.
// It only removes empty cgroups; a failure is returned for logging but
// leaves whatever could not be removed in place.
func RemoveTree(ctx context.Context, escalator privilege.Escalator, dir string) error {
	if !strings.HasPrefix(filepath.Base(dir), Prefix) {
		return fmt.Errorf("cgroup: refusing to remove %s, not a per-invocation cgroup", dir)
	}
	return escalator.Run(ctx, "find", dir, "-depth", "-type", "d", "-exec", "rmdir", "{}", "+")
}
