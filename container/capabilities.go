// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/bureau-foundation/layerrun/lib/cgroup"
)

// MinNspawnVersion is the oldest systemd-nspawn with the options the
// launch relies on (--console, --keep-unit with --register=no).
const MinNspawnVersion = 242

// Capabilities describes what container features are available on this
// host.
type Capabilities struct {
	// NspawnPath is the path to systemd-nspawn, empty if not installed.
	NspawnPath string

	// NspawnVersion is the systemd version number, zero if unknown.
	NspawnVersion int

	// Root is true when running as root or when sudo works without a
	// password prompt.
	Root bool

	// CgroupUnified is true when cgroup2 is mounted at the default
	// location.
	CgroupUnified bool

	// UtilLinux is true when nsenter and unshare are installed.
	UtilLinux bool

	// BtrfsAvailable is true when the btrfs tool is installed.
	BtrfsAvailable bool
}

// DetectCapabilities checks what container features are available.
func DetectCapabilities() *Capabilities {
	caps := &Capabilities{}

	if path, err := exec.LookPath("systemd-nspawn"); err == nil {
		caps.NspawnPath = path
		if out, err := exec.Command(path, "--version").Output(); err == nil {
			caps.NspawnVersion = ParseSystemdVersion(string(out))
		}
	}

	caps.Root = os.Geteuid() == 0
	if !caps.Root {
		if _, err := exec.LookPath("sudo"); err == nil {
			caps.Root = exec.Command("sudo", "-n", "true").Run() == nil
		}
	}

	caps.CgroupUnified = cgroup.CheckUnified(cgroup.DefaultMount) == nil

	_, nsenterErr := exec.LookPath("nsenter")
	_, unshareErr := exec.LookPath("unshare")
	caps.UtilLinux = nsenterErr == nil && unshareErr == nil

	if _, err := exec.LookPath("btrfs"); err == nil {
		caps.BtrfsAvailable = true
	}
	return caps
}

var systemdVersion = regexp.MustCompile(`(?m)^systemd (\d+)`)

// ParseSystemdVersion extracts the version number from `--version`
// output ("systemd 255 (255.4-1ubuntu8)"). It returns zero when none is
// found.
func ParseSystemdVersion(output string) int {
	match := systemdVersion.FindStringSubmatch(output)
	if match == nil {
		return 0
	}
	version, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return version
}

// CanRunContainers returns true if containers can be launched.
func (c *Capabilities) CanRunContainers() bool {
	return c.SkipReason() == ""
}

// SkipReason returns a human-readable reason why containers can't be
// run, or empty string if they can.
func (c *Capabilities) SkipReason() string {
	if c.NspawnPath == "" {
		return "systemd-nspawn not installed"
	}
	if c.NspawnVersion != 0 && c.NspawnVersion < MinNspawnVersion {
		return fmt.Sprintf("systemd-nspawn %d is older than %d", c.NspawnVersion, MinNspawnVersion)
	}
	if !c.Root {
		return "not root and passwordless sudo is unavailable"
	}
	if !c.CgroupUnified {
		return "cgroup2 is not mounted at " + cgroup.DefaultMount
	}
	if !c.UtilLinux {
		return "nsenter or unshare not installed"
	}
	return ""
}
