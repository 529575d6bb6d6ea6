// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subvol

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/layerrun/lib/privilege"
)

// Volume is a filesystem image on disk.
type Volume interface {
	// Path joins rel onto the volume root. rel is interpreted as
	// absolute inside the volume and cannot escape it lexically.
	Path(rel ...string) string

	// Name is the base name of the volume root.
	Name() string

	// Exists reports whether rel exists in the volume, without
	// following a final symlink.
	Exists(rel string) bool

	// Snapshot creates a new volume at dest holding a copy of this one.
	Snapshot(ctx context.Context, dest string) (Volume, error)

	// Delete removes the volume from disk.
	Delete(ctx context.Context) error

	// SetReadonly toggles the volume's read-only property.
	SetReadonly(ctx context.Context, readonly bool) error

	// RunAsRoot runs argv as root and returns its stdout.
	RunAsRoot(ctx context.Context, argv ...string) ([]byte, error)

	// CommandAsRoot returns an unstarted command running argv as root.
	CommandAsRoot(ctx context.Context, argv ...string) *exec.Cmd
}

// Kind selects a Volume backend.
type Kind string

const (
	// KindBtrfs is a btrfs subvolume.
	KindBtrfs Kind = "btrfs"
	// KindDir is a plain directory.
	KindDir Kind = "dir"
)

// Open returns a Volume of the given kind rooted at path, which must be
// an existing directory.
func Open(kind Kind, path string, escalator privilege.Escalator) (Volume, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	info, err := os.Stat(absolute)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", absolute)
	}
	base := root{path: absolute, escalator: escalator}
	switch kind {
	case KindBtrfs, "":
		return &Btrfs{root: base}, nil
	case KindDir:
		return &Dir{root: base}, nil
	default:
		return nil, fmt.Errorf("unknown volume kind %q", kind)
	}
}

// root holds what both backends share.
type root struct {
	path      string
	escalator privilege.Escalator
}

func (r root) Path(rel ...string) string {
	joined := filepath.Join(rel...)
	return filepath.Join(r.path, filepath.Clean("/"+joined))
}

func (r root) Name() string { return filepath.Base(r.path) }

func (r root) Exists(rel string) bool {
	_, err := os.Lstat(r.Path(rel))
	return err == nil
}

func (r root) RunAsRoot(ctx context.Context, argv ...string) ([]byte, error) {
	return r.escalator.Output(ctx, argv...)
}

func (r root) CommandAsRoot(ctx context.Context, argv ...string) *exec.Cmd {
	return r.escalator.Command(ctx, argv...)
}

func (r root) String() string { return r.path }

// checkDest refuses snapshot destinations that exist already or sit
// inside the source.
func (r root) checkDest(dest string) (string, error) {
	absolute, err := filepath.Abs(dest)
	if err != nil {
		return "", err
	}
	if absolute == r.path || strings.HasPrefix(absolute, r.path+"/") {
		return "", fmt.Errorf("snapshot destination %s is inside %s", absolute, r.path)
	}
	if _, err := os.Lstat(absolute); err == nil {
		return "", fmt.Errorf("snapshot destination %s already exists", absolute)
	}
	return absolute, nil
}

// Btrfs is a btrfs subvolume.
type Btrfs struct {
	root
}

// Snapshot takes a writable copy-on-write snapshot at dest.
func (b *Btrfs) Snapshot(ctx context.Context, dest string) (Volume, error) {
	absolute, err := b.checkDest(dest)
	if err != nil {
		return nil, err
	}
	if _, err := b.RunAsRoot(ctx, "btrfs", "subvolume", "snapshot", b.path, absolute); err != nil {
		return nil, fmt.Errorf("snapshotting %s: %w", b.path, err)
	}
	return &Btrfs{root: root{path: absolute, escalator: b.escalator}}, nil
}

// Delete removes the subvolume.
func (b *Btrfs) Delete(ctx context.Context) error {
	if err := b.SetReadonly(ctx, false); err != nil {
		return err
	}
	if _, err := b.RunAsRoot(ctx, "btrfs", "subvolume", "delete", b.path); err != nil {
		return fmt.Errorf("deleting %s: %w", b.path, err)
	}
	return nil
}

// SetReadonly sets the subvolume's ro property.
func (b *Btrfs) SetReadonly(ctx context.Context, readonly bool) error {
	_, err := b.RunAsRoot(ctx, "btrfs", "property", "set", "-ts", b.path, "ro", fmt.Sprint(readonly))
	return err
}

// Dir is a plain directory used as a volume.
type Dir struct {
	root
}

// Snapshot copies the tree to dest, sharing extents where the
// filesystem supports reflinks.
func (d *Dir) Snapshot(ctx context.Context, dest string) (Volume, error) {
	absolute, err := d.checkDest(dest)
	if err != nil {
		return nil, err
	}
	if _, err := d.RunAsRoot(ctx, "cp", "-a", "--reflink=auto", d.path, absolute); err != nil {
		return nil, fmt.Errorf("copying %s: %w", d.path, err)
	}
	return &Dir{root: root{path: absolute, escalator: d.escalator}}, nil
}

// Delete removes the tree without crossing into other filesystems.
func (d *Dir) Delete(ctx context.Context) error {
	if _, err := d.RunAsRoot(ctx, "rm", "-rf", "--one-file-system", d.path); err != nil {
		return fmt.Errorf("deleting %s: %w", d.path, err)
	}
	return nil
}

// SetReadonly is a no-op: plain directories carry no read-only property.
func (d *Dir) SetReadonly(context.Context, bool) error {
	return nil
}
