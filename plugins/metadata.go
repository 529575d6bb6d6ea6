// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bureau-foundation/layerrun/container"
	"github.com/bureau-foundation/layerrun/lib/archive"
	"github.com/bureau-foundation/layerrun/lib/subvol"
)

// MetadataMode controls attaching the build metadata dir.
type MetadataMode string

const (
	MetadataOff        MetadataMode = "off"
	MetadataDefaultOn  MetadataMode = "default-on"
	MetadataExplicitOn MetadataMode = "explicit-on"
)

// ParseMetadataMode parses a --attach-metadata-dir value.
func ParseMetadataMode(value string) (MetadataMode, error) {
	switch mode := MetadataMode(value); mode {
	case MetadataOff, MetadataDefaultOn, MetadataExplicitOn:
		return mode, nil
	}
	return "", fmt.Errorf("unknown metadata dir mode %q (want off, default-on or explicit-on)", value)
}

// ErrMetadataDir is returned when explicit-on attachment is impossible.
var ErrMetadataDir = errors.New("cannot attach metadata dir")

// MetadataDir copies source, a directory or a .tar, .tar.zst or .tar.lz4
// archive, to MetadataDirName in the working volume for the run, and
// removes it afterwards.
//
// The copy needs a snapshot: the layer itself is never modified. In
// default-on mode the plugin steps aside when there is no snapshot, no
// source, or the layer has its own metadata dir; explicit-on turns each
// of those into an error.
func MetadataDir(mode MetadataMode, source string) container.Plugin {
	return container.PluginFunc("metadata-dir", func() container.Hooks {
		if mode == MetadataOff {
			return container.Hooks{}
		}
		return container.Hooks{WrapSubvol: func(next container.SubvolFunc) container.SubvolFunc {
			return func(ctx context.Context, opts container.Options, body func(subvol.Volume) error) error {
				if reason := metadataSkipReason(opts, source); reason != "" {
					if mode == MetadataExplicitOn {
						return fmt.Errorf("%w: %s", ErrMetadataDir, reason)
					}
					return next(ctx, opts, body)
				}
				return next(ctx, opts, func(volume subvol.Volume) error {
					return attachMetadata(ctx, volume, source, body)
				})
			}
		}}
	})
}

func metadataSkipReason(opts container.Options, source string) string {
	switch {
	case source == "":
		return "no metadata source"
	case !opts.Snapshot:
		return "the run does not use a snapshot"
	case opts.Layer.Exists(MetadataDirName):
		return "the layer already has " + MetadataDirName
	}
	return ""
}

func attachMetadata(ctx context.Context, volume subvol.Volume, source string, body func(subvol.Volume) error) error {
	tree := source
	if archive.IsArchive(source) {
		extracted, err := os.MkdirTemp("", "layerrun-metadata-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(extracted)
		if err := archive.ExtractFile(source, extracted); err != nil {
			return fmt.Errorf("extracting metadata archive: %w", err)
		}
		tree = extracted
	} else if info, err := os.Stat(source); err != nil {
		return fmt.Errorf("metadata source: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("metadata source %s is neither a directory nor a known archive", source)
	}

	dest := volume.Path(MetadataDirName)
	remove := func() error {
		if _, err := volume.RunAsRoot(context.WithoutCancel(ctx), "rm", "-rf", "--one-file-system", dest); err != nil {
			return fmt.Errorf("removing metadata dir: %w", err)
		}
		return nil
	}
	if _, err := volume.RunAsRoot(ctx, "mkdir", "-p", dest); err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := volume.RunAsRoot(ctx, "cp", "-a", "--reflink=auto", strings.TrimSuffix(tree, "/")+"/.", dest+"/"); err != nil {
		// A persistent snapshot would otherwise keep the partial copy.
		return errors.Join(fmt.Errorf("copying metadata dir: %w", err), remove())
	}

	bodyErr := body(volume)
	return errors.Join(bodyErr, remove())
}
