// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/bureau-foundation/layerrun/container"
	"github.com/bureau-foundation/layerrun/lib/subvol"
)

// VersionLockFile is where the package manager's versionlock plugin in
// a served snapshot reads its list.
const VersionLockFile = "versionlock.list"

// VersionLock mounts a versionlock list into every snapshot dir in
// snapshotToList, keyed by container path. An empty list path mounts an
// empty list, so that versions locked by the image do not leak into the
// run.
func VersionLock(snapshotToList map[string]string, tempDir string) container.Plugin {
	return container.PluginFunc("versionlock", func() container.Hooks {
		return container.Hooks{WrapSetup: func(next container.SetupFunc) container.SetupFunc {
			return func(ctx context.Context, volume subvol.Volume, opts container.Options, streams container.IO, body func(*container.Setup) error) error {
				var empty string
				binds := make([]container.BindMount, 0, len(snapshotToList))
				for _, snapshot := range slices.Sorted(maps.Keys(snapshotToList)) {
					list := snapshotToList[snapshot]
					if list == "" {
						if empty == "" {
							file, err := os.CreateTemp(tempDir, "layerrun-versionlock-")
							if err != nil {
								return fmt.Errorf("creating empty versionlock list: %w", err)
							}
							empty = file.Name()
							file.Close()
							defer os.Remove(empty)
						}
						list = empty
					}
					binds = append(binds, container.BindMount{
						Source: list,
						Dest:   path.Join(snapshot, VersionLockFile),
					})
				}
				return next(ctx, volume, opts.WithBindsRO(binds...), streams, body)
			}
		}}
	})
}

// ParseVersionLocks parses "SNAPSHOT_DIR\x00LIST" pairs as produced by
// the CLI's repeated two-value flag.
func ParseVersionLocks(pairs []string) (map[string]string, error) {
	locks := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		snapshot, list, err := splitPair(pair)
		if err != nil {
			return nil, fmt.Errorf("versionlock: %w", err)
		}
		if _, ok := locks[snapshot]; ok {
			return nil, fmt.Errorf("versionlock: %s given twice", snapshot)
		}
		locks[snapshot] = list
	}
	return locks, nil
}

func splitPair(pair string) (string, string, error) {
	first, second, ok := strings.Cut(pair, "\x00")
	if !ok {
		return "", "", errors.New("expected two values")
	}
	return first, second, nil
}
