// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/bureau-foundation/layerrun/container"
)

// PluginArgs selects the plugins [Default] composes.
type PluginArgs struct {
	// AttachMetadataDir and MetadataSource configure [MetadataDir].
	AttachMetadataDir MetadataMode
	MetadataSource    string

	// ServeSnapshots are container paths of snapshot dirs to serve.
	ServeSnapshots []string

	// SnapshotsToVersionlocks maps a served snapshot dir to its
	// versionlock list. An empty list path means an empty list.
	SnapshotsToVersionlocks map[string]string

	ShadowPaths []ShadowPath

	// ShadowProxiedBinaries shadows each package manager found in the
	// default snapshot dir with its proxy, and serves that snapshot.
	ShadowProxiedBinaries bool

	// Entry is the host path of the layerrun-entry helper.
	Entry string

	// TempDir holds empty versionlock lists. Default: os.TempDir().
	TempDir string

	// Debug runs repo servers with --debug.
	Debug bool

	Logger *slog.Logger
}

// Default returns the plugins args asks for, in nesting order:
// metadata dir, shadow paths, versionlock, then repo servers. Every
// served snapshot gets a versionlock list, empty unless one was given.
func Default(opts container.Options, args PluginArgs) ([]container.Plugin, error) {
	logger := args.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := args.AttachMetadataDir
	if mode == "" {
		mode = MetadataOff
	}
	if opts.Layer == nil {
		return nil, errors.New("no layer")
	}
	layerHasMetadata := opts.Layer.Exists(MetadataDirName)

	// The default snapshot comes from the metadata we are about to
	// attach, if any, else from the layer itself.
	var snapshotRoot string
	switch {
	case mode != MetadataOff && !layerHasMetadata && isDir(args.MetadataSource):
		snapshotRoot = filepath.Join(args.MetadataSource, "rpm", "default-snapshot-for-installer")
	case mode == MetadataExplicitOn:
		return nil, fmt.Errorf("%w: metadata source %q must be a directory to find the default snapshot", ErrMetadataDir, args.MetadataSource)
	default:
		snapshotRoot = opts.Layer.Path(DefaultSnapshotDir)
	}

	serve := append([]string(nil), args.ServeSnapshots...)
	shadows := append([]ShadowPath(nil), args.ShadowPaths...)
	var allowUnmatched []string
	if args.ShadowProxiedBinaries && opts.User.UID == 0 && isDir(snapshotRoot) {
		entries, err := os.ReadDir(snapshotRoot)
		if err != nil {
			return nil, err
		}
		// ReadDir sorts by name.
		for _, entry := range entries {
			name := entry.Name()
			snapshot := path.Join(DefaultSnapshotDir, name)
			serve = append(serve, snapshot)
			shadows = append(shadows, ShadowPath{
				Dest:   name,
				Source: path.Join(snapshot, name, "bin", name),
			})
			// A proxied binary the image lacks is fine unless the
			// caller asked for the metadata explicitly.
			if mode == MetadataDefaultOn {
				allowUnmatched = append(allowUnmatched, name)
			}
		}
		logger.Debug("shadowing proxied binaries", "snapshot_root", snapshotRoot, "count", len(entries))
	}
	serve = dedupe(serve)

	var plugins []container.Plugin
	if (mode == MetadataDefaultOn && !layerHasMetadata) || mode == MetadataExplicitOn {
		plugins = append(plugins, MetadataDir(mode, args.MetadataSource))
	}
	if len(shadows) > 0 {
		plugins = append(plugins, ShadowPaths(shadows, allowUnmatched, logger))
	}
	for _, snapshot := range slices.Sorted(maps.Keys(args.SnapshotsToVersionlocks)) {
		if !slices.Contains(serve, snapshot) {
			return nil, fmt.Errorf("versionlock for %s, which is not served", snapshot)
		}
	}
	if len(serve) > 0 {
		locks := make(map[string]string, len(serve))
		for _, snapshot := range serve {
			locks[snapshot] = args.SnapshotsToVersionlocks[snapshot]
		}
		plugins = append(plugins, VersionLock(locks, args.TempDir))
		if args.Entry == "" {
			return nil, errors.New("serving repo snapshots needs the entry helper")
		}
		plugins = append(plugins, RepoServers(serve, args.Entry, args.Debug))
	}
	return plugins, nil
}

func isDir(name string) bool {
	if name == "" {
		return false
	}
	info, err := os.Stat(name)
	return err == nil && info.IsDir()
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	unique := values[:0]
	for _, value := range values {
		if !seen[value] {
			seen[value] = true
			unique = append(unique, value)
		}
	}
	return unique
}
