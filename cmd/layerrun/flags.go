// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/layerrun/container"
	"github.com/bureau-foundation/layerrun/plugins"
)

// pairFlags take two values. They are rewritten to a single
// NUL-separated value before pflag sees them.
var pairFlags = map[string]bool{
	"bindmount-ro":            true,
	"bindmount-rw":            true,
	"snapshot-to-versionlock": true,
	"shadow-path":             true,
}

// consoleToStderr is --append-console without a value.
const consoleToStderr = "-"

type cliFlags struct {
	layer         string
	layerKind     string
	boot          bool
	bootAwaitDbus bool
	user          string
	chdir         string
	bindsRO       []string
	bindsRW       []string
	forwardFDs    []int
	setenv        []string
	hostname      string
	snapshot      bool
	snapshotInto  string
	quiet         bool
	debug         bool
	privateNet    bool
	capNetAdmin   bool
	allowMknod    bool
	register      bool
	bindRepoRO    bool
	logsTmpfs     bool
	forwardTLS    bool
	notBuildStep  bool
	console       string

	serveSnapshots  []string
	versionlocks    []string
	shadowPaths     []string
	noShadowProxied bool
	attachMetadata  string
	metadataSource  string

	configPath  string
	showVersion bool

	command []string
}

func newFlagSet(flags *cliFlags) *pflag.FlagSet {
	set := pflag.NewFlagSet("layerrun", pflag.ContinueOnError)
	set.SetInterspersed(false)

	set.StringVar(&flags.layer, "layer", "", "image directory or btrfs subvolume to run (required)")
	set.StringVar(&flags.layerKind, "layer-kind", "btrfs", "layer backend: btrfs or dir")
	set.BoolVar(&flags.boot, "boot", false, "run systemd as PID 1 and enter it to run the command")
	set.BoolVar(&flags.bootAwaitDbus, "boot-await-dbus", false, "wait for the system bus before running the command")
	set.StringVar(&flags.user, "user", "nobody", "user to run the command as, looked up in the image")
	set.StringVar(&flags.chdir, "chdir", "", "absolute working directory for the command")
	set.StringArrayVar(&flags.bindsRO, "bindmount-ro", nil, "SRC DST: read-only bind mount (repeatable)")
	set.StringArrayVar(&flags.bindsRW, "bindmount-rw", nil, "SRC DST: read-write bind mount (repeatable)")
	set.IntSliceVar(&flags.forwardFDs, "forward-fd", nil, "forward descriptor N to the command at 3, 4, ... (repeatable)")
	set.StringArrayVar(&flags.setenv, "setenv", nil, "K=V for the command (repeatable)")
	set.StringVar(&flags.hostname, "hostname", "", "container hostname")
	set.BoolVar(&flags.snapshot, "snapshot", true, "run in a disposable snapshot of the layer")
	set.StringVar(&flags.snapshotInto, "snapshot-into", "", "keep the snapshot at this new path")
	set.BoolVar(&flags.quiet, "quiet", true, "pass --quiet to systemd-nspawn")
	set.BoolVar(&flags.debug, "debug", false, "debug logging and verbose systemd-nspawn")
	set.BoolVar(&flags.privateNet, "private-network", true, "give the container its own network namespace")
	set.BoolVar(&flags.capNetAdmin, "cap-net-admin", false, "grant CAP_NET_ADMIN")
	set.BoolVar(&flags.allowMknod, "allow-mknod", false, "keep CAP_MKNOD")
	set.BoolVar(&flags.register, "register", false, "register with systemd-machined (needs --boot)")
	set.BoolVar(&flags.bindRepoRO, "bind-repo-ro", false, "mount the source repository read-only")
	set.BoolVar(&flags.logsTmpfs, "logs-tmpfs", false, "mount a user-writable tmpfs on /logs")
	set.BoolVar(&flags.forwardTLS, "forward-tls-env", false, "pass THRIFT_TLS_* to the command")
	set.BoolVar(&flags.notBuildStep, "not-a-build-step", false, "mark the container as interactive or test use")
	set.StringVar(&flags.console, "append-console", "", "append the container console to PATH, or stderr without a value")
	set.Lookup("append-console").NoOptDefVal = consoleToStderr

	set.StringArrayVar(&flags.serveSnapshots, "serve-rpm-snapshot", nil, "container path of a snapshot dir to serve (repeatable)")
	set.StringArrayVar(&flags.versionlocks, "snapshot-to-versionlock", nil, "SNAP FILE: versionlock list for a served snapshot")
	set.StringArrayVar(&flags.shadowPaths, "shadow-path", nil, "DEST SRC: shadow DEST with SRC for the run (repeatable)")
	set.BoolVar(&flags.noShadowProxied, "no-shadow-proxied-binaries", false, "do not shadow package managers with their proxies")
	set.StringVar(&flags.attachMetadata, "attach-metadata-dir", string(plugins.MetadataDefaultOn), "off, default-on or explicit-on")
	set.StringVar(&flags.metadataSource, "metadata-source", "", "directory or archive copied to "+plugins.MetadataDirName)

	set.StringVar(&flags.configPath, "config", "", "config file (default: $LAYERRUN_CONFIG)")
	set.BoolVar(&flags.showVersion, "version", false, "print the version and exit")
	return set
}

// parseArgs parses the command line. --no-X negates boolean flag X.
func parseArgs(args []string) (*cliFlags, error) {
	joined, err := joinPairs(args)
	if err != nil {
		return nil, err
	}
	flags := &cliFlags{}
	set := newFlagSet(flags)
	if err := set.Parse(negations(set, joined)); err != nil {
		return nil, err
	}
	flags.command = set.Args()
	if flags.showVersion {
		return flags, nil
	}
	if flags.layer == "" {
		return nil, errors.New("--layer is required")
	}
	return flags, nil
}

// joinPairs rewrites "--flag A B" for two-value flags into
// "--flag=A\x00B". Arguments after "--" are left alone.
func joinPairs(args []string) ([]string, error) {
	var out []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return append(out, args[i:]...), nil
		}
		name, isFlag := strings.CutPrefix(arg, "--")
		if !isFlag || !pairFlags[name] {
			out = append(out, arg)
			continue
		}
		if i+2 >= len(args) {
			return nil, fmt.Errorf("--%s takes two values", name)
		}
		out = append(out, "--"+name+"="+args[i+1]+"\x00"+args[i+2])
		i += 2
	}
	return out, nil
}

// negations rewrites "--no-X" to "--X=false" for boolean flags X.
func negations(set *pflag.FlagSet, args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			return append(out, args[i:]...)
		}
		if name, ok := strings.CutPrefix(arg, "--no-"); ok {
			if flag := set.Lookup(name); flag != nil && flag.Value.Type() == "bool" {
				out = append(out, "--"+name+"=false")
				continue
			}
		}
		out = append(out, arg)
	}
	return out
}

func splitPairs(values []string) ([]container.BindMount, error) {
	binds := make([]container.BindMount, 0, len(values))
	for _, value := range values {
		source, dest, ok := strings.Cut(value, "\x00")
		if !ok {
			return nil, fmt.Errorf("bind mount %q needs a source and a destination", value)
		}
		binds = append(binds, container.BindMount{Source: source, Dest: dest})
	}
	return binds, nil
}

// options builds the container options. layer is resolved by the
// caller; user must come from the image's passwd.
func (f *cliFlags) options(user container.User) (container.Options, error) {
	opts := container.DefaultOptions()
	if len(f.command) > 0 {
		opts.Command = append([]string(nil), f.command...)
	}
	opts.Boot = f.boot
	opts.BootAwaitDbus = f.bootAwaitDbus
	opts.User = user
	opts.Chdir = f.chdir
	opts.Setenv = append([]string(nil), f.setenv...)
	opts.Hostname = f.hostname
	opts.Snapshot = f.snapshot
	opts.Debug.SnapshotInto = f.snapshotInto
	opts.Quiet = f.quiet && !f.debug
	opts.Debug.Verbose = f.debug
	opts.Debug.SharedNetwork = !f.privateNet
	opts.Debug.Register = f.register
	opts.CapNetAdmin = f.capNetAdmin
	opts.AllowMknod = f.allowMknod
	opts.BindRepoRO = f.bindRepoRO
	opts.LogsTmpfs = f.logsTmpfs
	opts.ForwardTLSEnv = f.forwardTLS
	opts.NotABuildStep = f.notBuildStep

	var err error
	if opts.BindMountsRO, err = splitPairs(f.bindsRO); err != nil {
		return container.Options{}, err
	}
	if opts.BindMountsRW, err = splitPairs(f.bindsRW); err != nil {
		return container.Options{}, err
	}
	for _, fd := range f.forwardFDs {
		if fd < 0 {
			return container.Options{}, fmt.Errorf("--forward-fd %d is not a valid descriptor", fd)
		}
		file := os.NewFile(uintptr(fd), "fd"+strconv.Itoa(fd))
		if file == nil {
			return container.Options{}, fmt.Errorf("--forward-fd %d is not a valid descriptor", fd)
		}
		opts.ForwardFiles = append(opts.ForwardFiles, file)
	}
	return opts, nil
}

// pluginArgs maps the repo plugin flags.
func (f *cliFlags) pluginArgs(entry, tempDir string) (plugins.PluginArgs, error) {
	mode, err := plugins.ParseMetadataMode(f.attachMetadata)
	if err != nil {
		return plugins.PluginArgs{}, err
	}
	locks, err := plugins.ParseVersionLocks(f.versionlocks)
	if err != nil {
		return plugins.PluginArgs{}, err
	}
	var shadows []plugins.ShadowPath
	for _, value := range f.shadowPaths {
		dest, source, _ := strings.Cut(value, "\x00")
		shadows = append(shadows, plugins.ShadowPath{Dest: dest, Source: source})
	}
	return plugins.PluginArgs{
		AttachMetadataDir:       mode,
		MetadataSource:          f.metadataSource,
		ServeSnapshots:          f.serveSnapshots,
		SnapshotsToVersionlocks: locks,
		ShadowPaths:             shadows,
		ShadowProxiedBinaries:   !f.noShadowProxied,
		Entry:                   entry,
		TempDir:                 tempDir,
		Debug:                   f.debug,
	}, nil
}

// consoleRedirect opens the --append-console target. The returned
// close function is never nil.
func (f *cliFlags) consoleRedirect() (container.Redirect, func(), error) {
	switch f.console {
	case "":
		return container.Discard(), func() {}, nil
	case consoleToStderr:
		return container.Inherit(), func() {}, nil
	}
	file, err := os.OpenFile(f.console, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return container.Redirect{}, nil, fmt.Errorf("opening console log: %w", err)
	}
	return container.ToFile(file), func() { file.Close() }, nil
}
