// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/bureau-foundation/layerrun/lib/cgroup"
	"github.com/bureau-foundation/layerrun/lib/repoconfig"
	"github.com/bureau-foundation/layerrun/lib/subvol"
)

// ValidationResult holds the result of a validation check.
type ValidationResult struct {
	Name    string
	Passed  bool
	Message string
	Warning bool // True if this is a warning, not an error.
}

// Validator performs pre-flight validation for container runs.
type Validator struct {
	results []ValidationResult
	errors  int
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Results returns all validation results.
func (v *Validator) Results() []ValidationResult {
	return v.results
}

// HasErrors returns true if any validation failed.
func (v *Validator) HasErrors() bool {
	return v.errors > 0
}

func (v *Validator) pass(name, message string) {
	v.results = append(v.results, ValidationResult{Name: name, Passed: true, Message: message})
}

func (v *Validator) warn(name, message string) {
	v.results = append(v.results, ValidationResult{Name: name, Passed: true, Message: message, Warning: true})
}

func (v *Validator) fail(name, message string) {
	v.results = append(v.results, ValidationResult{Name: name, Passed: false, Message: message})
	v.errors++
}

// ValidateAll runs every host check plus the checks for layer and repo.
// layer and repo may be nil.
func (v *Validator) ValidateAll(tools Tools, caps *Capabilities, layer subvol.Volume, repo *repoconfig.Config) {
	v.ValidateNspawn(caps)
	v.ValidatePrivilege(caps)
	v.ValidateCgroup(caps)
	v.ValidateUtilLinux(caps)
	v.ValidateTools(tools)
	if layer != nil {
		v.ValidateLayer(layer)
	}
	v.ValidateRepo(repo)
}

// ValidateNspawn checks that a recent enough systemd-nspawn is installed.
func (v *Validator) ValidateNspawn(caps *Capabilities) {
	switch {
	case caps.NspawnPath == "":
		v.fail("nspawn", "systemd-nspawn not found on PATH")
	case caps.NspawnVersion == 0:
		v.warn("nspawn", fmt.Sprintf("found at %s but the version is unknown", caps.NspawnPath))
	case caps.NspawnVersion < MinNspawnVersion:
		v.fail("nspawn", fmt.Sprintf("systemd %d at %s, need %d or newer", caps.NspawnVersion, caps.NspawnPath, MinNspawnVersion))
	default:
		v.pass("nspawn", fmt.Sprintf("available: %s (systemd %d)", caps.NspawnPath, caps.NspawnVersion))
	}
}

// ValidatePrivilege checks that commands can run as root.
func (v *Validator) ValidatePrivilege(caps *Capabilities) {
	if !caps.Root {
		v.fail("privilege", "not root and `sudo -n true` failed")
		return
	}
	if os.Geteuid() == 0 {
		v.pass("privilege", "running as root")
		return
	}
	v.pass("privilege", "passwordless sudo works")
}

// ValidateCgroup checks for the unified cgroup hierarchy.
func (v *Validator) ValidateCgroup(caps *Capabilities) {
	if !caps.CgroupUnified {
		v.fail("cgroup", "cgroup2 is not mounted at "+cgroup.DefaultMount)
		return
	}
	v.pass("cgroup", "unified hierarchy at "+cgroup.DefaultMount)
}

// ValidateUtilLinux checks for nsenter and unshare.
func (v *Validator) ValidateUtilLinux(caps *Capabilities) {
	if !caps.UtilLinux {
		v.fail("util-linux", "nsenter or unshare not found on PATH")
		return
	}
	v.pass("util-linux", "nsenter and unshare available")
}

// ValidateTools checks that the helper executables exist and are
// executable.
func (v *Validator) ValidateTools(tools Tools) {
	for _, tool := range []struct{ name, path string }{
		{"entry", tools.Entry},
		{"recv-fds", tools.RecvFDs},
		{"clonecaps", tools.Clonecaps},
	} {
		path := tool.path
		if !strings.Contains(path, "/") {
			resolved, err := exec.LookPath(path)
			if err != nil {
				v.fail(tool.name, fmt.Sprintf("%q not found on PATH", path))
				continue
			}
			path = resolved
		}
		info, err := os.Stat(path)
		if err != nil {
			v.fail(tool.name, fmt.Sprintf("cannot stat %s: %v", path, err))
			continue
		}
		if info.Mode()&0111 == 0 {
			v.fail(tool.name, fmt.Sprintf("%s is not executable", path))
			continue
		}
		v.pass(tool.name, "available: "+path)
	}
}

// ValidateLayer checks that the layer looks like a root filesystem.
func (v *Validator) ValidateLayer(layer subvol.Volume) {
	if !layer.Exists("") {
		v.fail("layer", "does not exist: "+layer.Path())
		return
	}
	meta := VolumeMeta(layer)
	if !meta.HasOSRelease() {
		v.warn("layer", fmt.Sprintf("%s has no os-release; /dev/null is bound over it", layer.Path()))
		return
	}
	requires, err := meta.RequiresRepo()
	if err != nil {
		v.fail("layer", err.Error())
		return
	}
	if requires {
		v.pass("layer", fmt.Sprintf("%s (requires the repository mounted)", layer.Path()))
		return
	}
	v.pass("layer", layer.Path())
}

// ValidateRepo checks the repository configuration's paths.
func (v *Validator) ValidateRepo(repo *repoconfig.Config) {
	if repo == nil {
		v.warn("repo", "no repository configuration (repository binds unavailable)")
		return
	}
	for _, path := range append([]string{repo.RepoRoot}, repo.HostMounts...) {
		if _, err := os.Stat(path); err != nil {
			v.fail("repo", fmt.Sprintf("cannot access %s: %v", path, err))
			return
		}
	}
	v.pass("repo", "root: "+repo.RepoRoot)
}

// PrintResults writes validation results to a writer.
func (v *Validator) PrintResults(w io.Writer) {
	for _, r := range v.results {
		var prefix string
		if r.Passed {
			if r.Warning {
				prefix = "⚠"
			} else {
				prefix = "✓"
			}
		} else {
			prefix = "✗"
		}
		fmt.Fprintf(w, "%s %s: %s\n", prefix, r.Name, r.Message)
	}

	fmt.Fprintln(w)
	if v.HasErrors() {
		fmt.Fprintf(w, "Validation failed with %d error(s)\n", v.errors)
	} else {
		fmt.Fprintln(w, "Ready to run containers")
	}
}
