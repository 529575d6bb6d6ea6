// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability copies one process's capability sets onto the
// calling thread.
//
// Entering a booted container with nsenter as root would give the
// entered command every capability, including ones systemd-nspawn
// deliberately withheld from the container. cmd/clonecaps reads the
// container init's sets from /proc/<pid>/status, applies them with
// [Apply], and execs the next command, so the user command sees the
// same restrictions as the init system.
//
// Capability state is per-thread. Callers must hold
// runtime.LockOSThread from before Apply until exec.
package capability

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Sets holds the five capability sets as bitmasks.
type Sets struct {
	Inheritable uint64
	Permitted   uint64
	Effective   uint64
	Bounding    uint64
	Ambient     uint64
}

// ParseStatus extracts the capability sets from /proc/<pid>/status.
func ParseStatus(data []byte) (Sets, error) {
	var sets Sets
	fields := map[string]*uint64{
		"CapInh": &sets.Inheritable,
		"CapPrm": &sets.Permitted,
		"CapEff": &sets.Effective,
		"CapBnd": &sets.Bounding,
		"CapAmb": &sets.Ambient,
	}
	seen := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		target, wanted := fields[key]
		if !wanted {
			continue
		}
		parsed, err := strconv.ParseUint(strings.TrimSpace(value), 16, 64)
		if err != nil {
			return Sets{}, fmt.Errorf("parsing %s: %w", key, err)
		}
		*target = parsed
		seen++
	}
	if seen != len(fields) {
		return Sets{}, fmt.Errorf("status lists %d of %d capability sets", seen, len(fields))
	}
	return sets, nil
}

// ReadStatusFile parses the capability sets from a status file path,
// typically /proc/<pid>/status.
func ReadStatusFile(path string) (Sets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Sets{}, err
	}
	return ParseStatus(data)
}

// LastCap returns the highest capability number the kernel knows.
func LastCap() (int, error) {
	data, err := os.ReadFile("/proc/sys/kernel/cap_last_cap")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Apply makes the calling thread's capabilities match sets: it drops
// bounding-set members not in sets.Bounding, installs the inheritable,
// permitted and effective sets, and rebuilds the ambient set.
func Apply(sets Sets) error {
	last, err := LastCap()
	if err != nil {
		return fmt.Errorf("reading cap_last_cap: %w", err)
	}

	// Bounding drops need CAP_SETPCAP, so they happen before capset
	// can remove it from the effective set.
	for capability := 0; capability <= last; capability++ {
		if sets.Bounding&(1<<uint(capability)) != 0 {
			continue
		}
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(capability), 0, 0, 0); err != nil {
			return fmt.Errorf("dropping capability %d from bounding set: %w", capability, err)
		}
	}

	header := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	data := [2]unix.CapUserData{
		{
			Effective:   uint32(sets.Effective),
			Permitted:   uint32(sets.Permitted),
			Inheritable: uint32(sets.Inheritable),
		},
		{
			Effective:   uint32(sets.Effective >> 32),
			Permitted:   uint32(sets.Permitted >> 32),
			Inheritable: uint32(sets.Inheritable >> 32),
		},
	}
	if err := unix.Capset(&header, &data[0]); err != nil {
		return fmt.Errorf("capset: %w", err)
	}

	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil {
		return fmt.Errorf("clearing ambient capabilities: %w", err)
	}
	for capability := 0; capability <= last; capability++ {
		if sets.Ambient&(1<<uint(capability)) == 0 {
			continue
		}
		if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_RAISE, uintptr(capability), 0, 0); err != nil {
			return fmt.Errorf("raising ambient capability %d: %w", capability, err)
		}
	}
	return nil
}
