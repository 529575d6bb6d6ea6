// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/layerrun/lib/cgroup"
	"github.com/bureau-foundation/layerrun/lib/clock"
	"github.com/bureau-foundation/layerrun/lib/mountns"
	"github.com/bureau-foundation/layerrun/lib/privilege"
	"github.com/bureau-foundation/layerrun/lib/repoconfig"
	"github.com/bureau-foundation/layerrun/lib/subvol"
)

// Tools are the resolved paths of the executables a run needs.
type Tools struct {
	// Nspawn is systemd-nspawn.
	Nspawn string

	// Entry is the layerrun-entry helper. It is bind mounted into the
	// container, so it must be statically linked.
	Entry string

	// RecvFDs is the recv-fds-and-run helper.
	RecvFDs string

	// Clonecaps is the clonecaps helper used in booted mode.
	Clonecaps string
}

// Config holds configuration for creating a new Runner.
type Config struct {
	// Tools are the executables to run. All are required.
	Tools Tools

	// Privilege runs commands as root.
	Privilege privilege.Escalator

	// Repo describes the source repository. Nil is fine unless a run
	// needs the repository mounted.
	Repo *repoconfig.Config

	// Shutdown is the booted-mode shutdown policy. The zero value means
	// DefaultShutdownPolicy.
	Shutdown ShutdownPolicy

	// Clock drives backoff and polling. Default: the real clock.
	Clock clock.Clock

	// Environ is the caller's environment. Default: os.Environ().
	Environ []string

	// SnapshotDir holds ephemeral snapshots. Default: the directory
	// containing the layer, which keeps btrfs snapshots on the same
	// filesystem.
	SnapshotDir string

	// TempDir holds per-run bind targets. It must be outside any
	// repository that may be bind mounted. Default: /tmp.
	TempDir string

	// CgroupMount is the cgroup2 mount point. Default: /sys/fs/cgroup.
	CgroupMount string

	// ForwardTimeout bounds descriptor forwarding across the privilege
	// boundary. Default: fdforward.DefaultTimeout.
	ForwardTimeout time.Duration

	// Logger for container operations.
	Logger *slog.Logger
}

// Runner runs containers.
type Runner struct {
	config Config
}

// New creates a new Runner.
func New(config Config) (*Runner, error) {
	var missing []string
	for name, path := range map[string]string{
		"Nspawn":    config.Tools.Nspawn,
		"Entry":     config.Tools.Entry,
		"RecvFDs":   config.Tools.RecvFDs,
		"Clonecaps": config.Tools.Clonecaps,
	} {
		if path == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, configErrorf("Tools", "missing %s", strings.Join(missing, ", "))
	}

	if config.Shutdown == (ShutdownPolicy{}) {
		config.Shutdown = DefaultShutdownPolicy()
	}
	if err := config.Shutdown.Validate(); err != nil {
		return nil, err
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Environ == nil {
		config.Environ = os.Environ()
	}
	if config.TempDir == "" {
		config.TempDir = "/tmp"
	}
	if config.CgroupMount == "" {
		config.CgroupMount = cgroup.DefaultMount
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Runner{config: config}, nil
}

// Run runs opts.Command in a container built from opts.Layer and
// returns its outcome. A non-zero exit of the command is reported in
// the Outcome, not as an error. plugins wrap the run, first one
// outermost.
func (r *Runner) Run(ctx context.Context, opts Options, streams IO, plugins ...Plugin) (*Outcome, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateIO(opts, streams); err != nil {
		return nil, err
	}

	composed := compose(plugins, steps{
		subvol: r.acquireVolume,
		setup:  r.setup,
		launch: launch,
	})

	var outcome *Outcome
	err := composed.subvol(ctx, opts, func(volume subvol.Volume) error {
		return composed.setup(ctx, volume, opts, streams, func(setup *Setup) error {
			return composed.launch(ctx, setup, func(launched *Launched) error {
				result, err := launched.RunCommand(ctx)
				if err != nil {
					return err
				}
				launched.outcome = result
				outcome = result
				return nil
			})
		})
	})
	logState(r.config.Logger, StateDone)
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		return nil, errors.New("container exited without running the command")
	}
	return outcome, nil
}

// acquireVolume yields the layer itself, an ephemeral snapshot deleted
// on return, or a persistent snapshot at Debug.SnapshotInto.
func (r *Runner) acquireVolume(ctx context.Context, opts Options, body func(subvol.Volume) error) error {
	layer := opts.Layer
	if !opts.Snapshot {
		return body(layer)
	}

	if opts.Debug.SnapshotInto != "" {
		snapshot, err := layer.Snapshot(ctx, opts.Debug.SnapshotInto)
		if err != nil {
			return &SetupError{Step: "snapshot", Err: err}
		}
		r.config.Logger.Info("created persistent snapshot", "path", snapshot.Path())
		return body(snapshot)
	}

	directory := r.config.SnapshotDir
	if directory == "" {
		directory = filepath.Dir(layer.Path())
	}
	dest := filepath.Join(directory, layer.Name()+"-"+uuid.NewString())
	snapshot, err := layer.Snapshot(ctx, dest)
	if err != nil {
		return &SetupError{Step: "snapshot", Err: err}
	}
	defer func() {
		if err := snapshot.Delete(context.WithoutCancel(ctx)); err != nil {
			r.config.Logger.Warn("deleting ephemeral snapshot failed", "path", dest, "error", err)
		}
	}()
	r.config.Logger.Debug("created ephemeral snapshot", "path", dest)
	return body(snapshot)
}

// setup allocates the per-run cgroup and mount namespace, binds the
// volume onto a fresh directory in that namespace, and builds the
// systemd-nspawn command line.
func (r *Runner) setup(ctx context.Context, volume subvol.Volume, opts Options, streams IO, body func(*Setup) error) error {
	logger := r.config.Logger.With("layer", volume.Name())
	logState(logger, StateSettingUp)

	meta := VolumeMeta(volume)
	extraArgs, cmdEnv, err := BuildArgs(ArgsInput{
		Options:  opts,
		Meta:     meta,
		Repo:     r.config.Repo,
		Environ:  r.config.Environ,
		HostFuse: hostHasFuse(),
	})
	if err != nil {
		return err
	}

	stack := newResourceStack(logger)
	defer stack.unwind()
	cleanupCtx := context.WithoutCancel(ctx)
	pid := os.Getpid()

	if err := cgroup.CheckUnified(r.config.CgroupMount); err != nil {
		return &SetupError{Step: "cgroup", Err: err}
	}
	own, err := cgroup.OwnPath()
	if err != nil {
		return &SetupError{Step: "cgroup", Err: err}
	}
	cgroupDir := cgroup.NewSibling(r.config.CgroupMount, own, pid)
	stack.push("cgroup", func() error {
		// The nspawn wrapper creates the directory; it may never have run.
		if _, err := os.Stat(cgroupDir); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return cgroup.RemoveTree(cleanupCtx, r.config.Privilege, cgroupDir)
	})

	bindTarget, err := os.MkdirTemp(r.config.TempDir, fmt.Sprintf("layerrun-%d-%s-", pid, volume.Name()))
	if err != nil {
		return &SetupError{Step: "bind target", Err: err}
	}
	stack.push("bind target", func() error { return os.Remove(bindTarget) })

	namespace, err := mountns.Unshare(ctx, r.config.Privilege, logger)
	if err != nil {
		return &SetupError{Step: "mount namespace", Err: err}
	}
	stack.push("mount namespace", namespace.Close)

	if err := namespace.BindMount(ctx, volume.Path(), bindTarget); err != nil {
		return &SetupError{Step: "bind target", Err: err}
	}

	machine := strings.ReplaceAll(uuid.NewString(), "-", "")
	base := BaseCommand(BaseInput{
		CgroupDir:    cgroupDir,
		EnterMountNS: namespace.EnterArgs,
		Nspawn:       r.config.Tools.Nspawn,
		Machine:      machine,
		Directory:    bindTarget,
		HasOSRelease: meta.HasOSRelease(),
	})

	setup := &Setup{
		Volume:         volume,
		NspawnCmd:      append(base, extraArgs...),
		NspawnEnv:      SanitizeEnv(r.config.Environ),
		Options:        opts,
		CmdEnv:         cmdEnv,
		IO:             streams,
		Privilege:      r.config.Privilege,
		Tools:          r.config.Tools,
		Machine:        machine,
		CgroupMount:    r.config.CgroupMount,
		Environ:        r.config.Environ,
		Shutdown:       r.config.Shutdown,
		Clock:          r.config.Clock,
		ForwardTimeout: r.config.ForwardTimeout,
		Logger:         logger.With("machine", machine),
	}
	logger.Debug("setup complete", "machine", machine, "cgroup", cgroupDir, "bind_target", bindTarget)
	return body(setup)
}

// Setup is the prepared state a launch runs from. It is valid until the
// setup step's body returns.
type Setup struct {
	// Volume is the working volume: the layer or its snapshot.
	Volume subvol.Volume

	// NspawnCmd is the systemd-nspawn command line, without the
	// privilege prefix or the launch-specific trailing arguments.
	NspawnCmd []string

	// NspawnEnv is the environment for systemd-nspawn.
	NspawnEnv []string

	// Options are the options the setup was built from.
	Options Options

	// CmdEnv are K=V assignments for the user command.
	CmdEnv []string

	IO        IO
	Privilege privilege.Escalator
	Tools     Tools

	// Machine is the container's machine name.
	Machine string

	CgroupMount    string
	Environ        []string
	Shutdown       ShutdownPolicy
	Clock          clock.Clock
	ForwardTimeout time.Duration
	Logger         *slog.Logger
}

func hostHasFuse() bool {
	_, err := os.Stat("/dev/fuse")
	return err == nil
}
