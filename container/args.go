// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bureau-foundation/layerrun/lib/cgroup"
	"github.com/bureau-foundation/layerrun/lib/repoconfig"
	"github.com/bureau-foundation/layerrun/lib/subvol"
)

const (
	// NotABuildStepEnv marks a container used interactively or by a
	// test rather than as a step of an image build.
	NotABuildStepEnv = "LAYERRUN_CONTAINER_IS_NOT_PART_OF_A_BUILD_STEP=1"

	// tlsEnvPrefix selects the variables ForwardTLSEnv passes in.
	tlsEnvPrefix = "THRIFT_TLS_"

	// nspawnEnvPrefix names variables systemd-nspawn reads to change its
	// own behavior, several of which weaken isolation.
	nspawnEnvPrefix = "SYSTEMD_NSPAWN_"

	// requiresRepoMeta holds "1" when the image's artifacts reference
	// the source repository by absolute path.
	requiresRepoMeta = ".meta/private/opts/artifacts_may_require_repo"
)

// EscapeBindPath escapes a path for systemd-nspawn's SRC:DST bind
// syntax, where ':' separates fields and '\' escapes.
func EscapeBindPath(path string) string {
	var builder strings.Builder
	for _, r := range path {
		if r == '\\' || r == ':' {
			builder.WriteByte('\\')
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

// BindArg renders one bind mount. An empty dest mounts src at the same
// path inside the container.
func BindArg(src, dest string, readonly bool) string {
	flag := "--bind="
	if readonly {
		flag = "--bind-ro="
	}
	if dest == "" {
		dest = src
	}
	return flag + EscapeBindPath(src) + ":" + EscapeBindPath(dest)
}

// LayerMeta answers the questions the builder asks of an image.
type LayerMeta interface {
	// HasOSRelease reports whether the image has a usable os-release.
	HasOSRelease() bool

	// RequiresRepo reports whether the image's artifacts need the
	// source repository mounted.
	RequiresRepo() (bool, error)
}

// VolumeMeta reads LayerMeta from a volume.
func VolumeMeta(volume subvol.Volume) LayerMeta {
	return volumeMeta{volume}
}

type volumeMeta struct {
	volume subvol.Volume
}

func (m volumeMeta) HasOSRelease() bool {
	return m.volume.Exists("/usr/lib/os-release") || m.volume.Exists("/etc/os-release")
}

func (m volumeMeta) RequiresRepo() (bool, error) {
	data, err := os.ReadFile(m.volume.Path(requiresRepoMeta))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	value, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, fmt.Errorf("%s: %w", requiresRepoMeta, err)
	}
	return value != 0, nil
}

// ArgsInput is everything BuildArgs reads.
type ArgsInput struct {
	Options Options
	Meta    LayerMeta

	// Repo is required only when the repo must be mounted.
	Repo *repoconfig.Config

	// Environ is the caller's environment, for THRIFT_TLS_* forwarding.
	Environ []string

	// HostFuse reports that /dev/fuse exists on the host.
	HostFuse bool
}

// BuildArgs returns the systemd-nspawn arguments that follow the base
// command, and the K=V environment for the user command. Errors are
// *ConfigurationError; no partial argument list is ever returned.
func BuildArgs(in ArgsInput) (args []string, cmdEnv []string, err error) {
	opts := in.Options

	if opts.Quiet && opts.Debug.Verbose {
		return nil, nil, configErrorf("Quiet", "cannot be combined with Debug.Verbose")
	}
	if opts.Quiet {
		args = append(args, "--quiet")
	}
	if !opts.Debug.SharedNetwork {
		args = append(args, "--private-network")
	}

	for _, bind := range opts.BindMountsRW {
		args = append(args, BindArg(bind.Source, bind.Dest, false))
	}
	for _, bind := range opts.BindMountsRO {
		args = append(args, BindArg(bind.Source, bind.Dest, true))
	}

	repoArgs, err := repoBindArgs(in)
	if err != nil {
		return nil, nil, err
	}
	args = append(args, repoArgs...)

	if opts.LogsTmpfs {
		args = append(args, fmt.Sprintf("--tmpfs=/logs:uid=%d,gid=%d,mode=0755,nodev,nosuid,noexec",
			opts.User.UID, opts.User.GID))
	}
	if in.HostFuse {
		args = append(args, "--bind=/dev/fuse")
	}
	if opts.CapNetAdmin {
		args = append(args, "--capability=CAP_NET_ADMIN")
	}
	if opts.Hostname != "" {
		args = append(args, "--hostname="+opts.Hostname)
	}
	if !opts.AllowMknod {
		args = append(args, "--drop-capability=CAP_MKNOD")
	}
	if opts.Debug.Register {
		args = append(args, "--register=yes")
	} else {
		args = append(args, "--register=no", "--keep-unit")
	}

	// THRIFT_TLS_* go first so that the caller's Setenv wins.
	if opts.ForwardTLSEnv {
		for _, assignment := range in.Environ {
			if strings.HasPrefix(assignment, tlsEnvPrefix) {
				cmdEnv = append(cmdEnv, assignment)
			}
		}
	}
	cmdEnv = append(cmdEnv, opts.Setenv...)
	if opts.NotABuildStep {
		cmdEnv = append(cmdEnv, NotABuildStepEnv)
		args = append(args, "--setenv="+NotABuildStepEnv)
	}
	return args, cmdEnv, nil
}

// repoBindArgs mounts the repository read-only, then its declared host
// mounts, then the artifacts dir read-write so it overrides the
// read-only repo mount when nested inside it.
func repoBindArgs(in ArgsInput) ([]string, error) {
	opts := in.Options
	wantRepo := opts.BindRepoRO
	if !wantRepo && in.Meta != nil {
		required, err := in.Meta.RequiresRepo()
		if err != nil {
			return nil, configErrorf("Layer", "reading repo requirement: %v", err)
		}
		wantRepo = required
	}
	if !wantRepo && !opts.BindArtifactsDirRW {
		return nil, nil
	}
	if in.Repo == nil {
		return nil, configErrorf("Repo", "the repository must be mounted but no repo config was found")
	}

	var args []string
	if wantRepo {
		root, err := in.Repo.RealRepoRoot()
		if err != nil {
			return nil, configErrorf("Repo.RepoRoot", "%v", err)
		}
		args = append(args, BindArg(root, "", true))
		for _, mount := range in.Repo.HostMounts {
			args = append(args, BindArg(mount, "", true))
		}
	}
	if opts.BindArtifactsDirRW {
		if in.Repo.ArtifactsDir == "" {
			return nil, configErrorf("Repo.ArtifactsDir", "is not configured")
		}
		artifacts, err := filepath.EvalSymlinks(in.Repo.ArtifactsDir)
		if err != nil {
			return nil, configErrorf("Repo.ArtifactsDir", "%v", err)
		}
		args = append(args, BindArg(artifacts, "", false))
	}
	return args, nil
}

// BaseInput is everything BaseCommand reads.
type BaseInput struct {
	// CgroupDir is the per-invocation cgroup to create and enter.
	CgroupDir string

	// EnterMountNS wraps argv to run in the private mount namespace.
	EnterMountNS func(argv ...string) []string

	Nspawn       string
	Machine      string
	Directory    string
	HasOSRelease bool
}

// BaseCommand returns the systemd-nspawn invocation shared by both
// strategies, wrapped to run in the per-invocation cgroup and mount
// namespace. The result still needs the privilege prefix.
func BaseCommand(in BaseInput) []string {
	nspawn := []string{
		in.Nspawn,
		"--machine=" + in.Machine,
		"--directory=" + in.Directory,
	}
	if !in.HasOSRelease {
		// nspawn refuses to start a directory without os-release.
		nspawn = append(nspawn, "--bind-ro=/dev/null:/usr/lib/os-release")
	}
	nspawn = append(nspawn, "--link-journal=no", "--settings=no", "--timezone=off")

	argv := nspawn
	if in.EnterMountNS != nil {
		argv = in.EnterMountNS(argv...)
	}
	if in.CgroupDir != "" {
		argv = cgroup.EnterArgs(in.CgroupDir, argv...)
	}
	return append([]string{"env", "UNIFIED_CGROUP_HIERARCHY=yes"}, argv...)
}

// SanitizeEnv returns environ without the variables systemd-nspawn
// reads for its own configuration.
func SanitizeEnv(environ []string) []string {
	sanitized := make([]string, 0, len(environ))
	for _, assignment := range environ {
		if strings.HasPrefix(assignment, nspawnEnvPrefix) {
			continue
		}
		sanitized = append(sanitized, assignment)
	}
	return sanitized
}

// lookupEnv returns the value of key in environ.
func lookupEnv(environ []string, key string) (string, bool) {
	for i := len(environ) - 1; i >= 0; i-- {
		name, value, ok := strings.Cut(environ[i], "=")
		if ok && name == key {
			return value, true
		}
	}
	return "", false
}
