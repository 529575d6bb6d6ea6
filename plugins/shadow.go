// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/bureau-foundation/layerrun/container"
	"github.com/bureau-foundation/layerrun/lib/binhash"
	"github.com/bureau-foundation/layerrun/lib/subvol"
)

// ShadowPath replaces Dest in the image with Source for one run. Source
// is a container path. Dest is a container path, or a bare file name
// looked up in every directory of the search path.
type ShadowPath struct {
	Dest   string
	Source string
}

// maxSymlinks bounds symlink resolution inside a volume, as in the
// kernel's path walk.
const maxSymlinks = 40

// ShadowPaths bind-mounts each resolved source over its destination. The
// original file is copied to ShadowedRoot before the run, so tools that
// update a shadowed file in place can write to the copy, and is copied
// back afterwards.
//
// Bare names listed in allowUnmatched may match nothing; any other
// unmatched destination is an error.
func ShadowPaths(paths []ShadowPath, allowUnmatched []string, logger *slog.Logger) container.Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return container.PluginFunc("shadow-paths", func() container.Hooks {
		return container.Hooks{WrapSetup: func(next container.SetupFunc) container.SetupFunc {
			return func(ctx context.Context, volume subvol.Volume, opts container.Options, streams container.IO, body func(*container.Setup) error) error {
				searchDirs, err := SearchDirs(opts.Setenv)
				if err != nil {
					return err
				}
				shadows, err := ResolveShadowPaths(ctx, volume, paths, searchDirs, allowUnmatched)
				if err != nil {
					return err
				}
				binds := make([]container.BindMount, 0, len(shadows))
				for _, shadow := range shadows {
					logger.Debug("shadowing", "dest", shadow.Dest, "source", shadow.HostSource)
					binds = append(binds, container.BindMount{Source: shadow.HostSource, Dest: shadow.Dest})
				}
				return next(ctx, volume, opts.WithBindsRO(binds...), streams, func(setup *container.Setup) error {
					return withBackups(ctx, volume, shadows, logger, func() error { return body(setup) })
				})
			}
		}}
	})
}

// SearchDirs returns the directories bare shadow destinations are looked
// up in: every PATH assigned in setenv, then the default PATH, without
// duplicates. The default is always searched because well-known
// directories get used even when PATH is changed.
func SearchDirs(setenv []string) ([]string, error) {
	var dirs []string
	for _, assignment := range setenv {
		if value, ok := strings.CutPrefix(assignment, "PATH="); ok {
			dirs = append(dirs, strings.Split(value, ":")...)
		}
	}
	dirs = append(dirs, strings.Split(container.DefaultPath, ":")...)

	seen := make(map[string]bool, len(dirs))
	unique := dirs[:0]
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if !strings.HasPrefix(dir, "/") {
			return nil, fmt.Errorf("shadow paths: PATH entry %q is not absolute", dir)
		}
		if !seen[dir] {
			seen[dir] = true
			unique = append(unique, dir)
		}
	}
	return unique, nil
}

// ResolvedShadow is a shadow path after resolution: Dest is the
// symlink-free container path being shadowed and HostSource the
// symlink-free host path of the replacement.
type ResolvedShadow struct {
	Dest       string
	HostSource string
}

type shadowCandidate struct {
	hostDest   string
	hostSource string
	inputDest  string
}

// ResolveShadowPaths resolves paths against volume. Both sides must be
// regular files after following symlinks. Redundant entries that
// resolve to the same pair are merged; a destination with two different
// sources, or a source used for two destinations, is an error.
func ResolveShadowPaths(ctx context.Context, volume subvol.Volume, paths []ShadowPath, searchDirs []string, allowUnmatched []string) ([]ResolvedShadow, error) {
	var candidates []shadowCandidate
	unmatched := make(map[string]string)
	for _, shadow := range paths {
		if _, seen := unmatched[shadow.Dest]; !seen {
			unmatched[shadow.Dest] = shadow.Source
		}
		var dests []string
		switch {
		case strings.HasPrefix(shadow.Dest, "/"):
			dests = []string{shadow.Dest}
		case strings.Contains(shadow.Dest, "/") || shadow.Dest == "":
			return nil, fmt.Errorf("shadow destination %q is neither absolute nor a file name", shadow.Dest)
		default:
			for _, dir := range searchDirs {
				dests = append(dests, path.Join(dir, shadow.Dest))
			}
		}
		if !strings.HasPrefix(shadow.Source, "/") {
			return nil, fmt.Errorf("shadow source %q is not absolute", shadow.Source)
		}
		for _, dest := range dests {
			candidates = append(candidates, shadowCandidate{
				hostDest:   resolveInVolume(volume.Path(), dest),
				hostSource: resolveInVolume(volume.Path(), shadow.Source),
				inputDest:  shadow.Dest,
			})
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Directories on the way may not be readable by the caller, so the
	// existence checks run as root.
	var script strings.Builder
	for _, candidate := range candidates {
		fmt.Fprintf(&script, "dst=$(readlink -f %s) && src=$(readlink -f %s) && test -f \"$dst\" -a -f \"$src\" && printf '%%s\\0%%s\\0%%s\\0' \"$dst\" %s \"$src\"\n",
			shellQuote(candidate.hostDest), shellQuote(candidate.hostSource), shellQuote(candidate.inputDest))
	}
	script.WriteString("true\n")
	out, err := volume.RunAsRoot(ctx, "sh", "-c", script.String())
	if err != nil {
		return nil, fmt.Errorf("resolving shadow paths: %w", err)
	}
	triples, err := nulTuples(3, out)
	if err != nil {
		return nil, err
	}

	root, err := filepath.EvalSymlinks(volume.Path())
	if err != nil {
		return nil, err
	}
	destToSource := make(map[string]string)
	sourceToDest := make(map[string]string)
	for _, triple := range triples {
		realDest, inputDest, realSource := triple[0], triple[1], triple[2]
		delete(unmatched, inputDest)

		dest, ok := strings.CutPrefix(realDest, root+"/")
		if !ok {
			return nil, fmt.Errorf("shadow destination %s resolved outside the image", realDest)
		}
		dest = "/" + dest
		if previous, ok := destToSource[dest]; ok {
			if previous == realSource {
				continue
			}
			return nil, fmt.Errorf("shadow destination %s is ambiguous: %s or %s", dest, previous, realSource)
		}
		if other, ok := sourceToDest[realSource]; ok {
			return nil, fmt.Errorf("shadow source %s used for both %s and %s", realSource, other, dest)
		}
		destToSource[dest] = realSource
		sourceToDest[realSource] = dest
	}

	for _, name := range allowUnmatched {
		delete(unmatched, name)
	}
	if len(unmatched) > 0 {
		names := make([]string, 0, len(unmatched))
		for dest, source := range unmatched {
			names = append(names, dest+" -> "+source)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("shadow paths are not existing regular files: %s", strings.Join(names, ", "))
	}

	resolved := make([]ResolvedShadow, 0, len(destToSource))
	for dest, source := range destToSource {
		resolved = append(resolved, ResolvedShadow{Dest: dest, HostSource: source})
	}
	slices.SortFunc(resolved, func(a, b ResolvedShadow) int { return strings.Compare(a.Dest, b.Dest) })
	return resolved, nil
}

// resolveInVolume follows symlinks in name as if root were "/", so an
// absolute link target stays inside the image. Resolution stops at the
// first component that cannot be inspected; the rest is appended as is.
func resolveInVolume(root, name string) string {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	resolved := "/"
	links := 0
	for len(parts) > 0 {
		part := parts[0]
		parts = parts[1:]
		switch part {
		case "", ".":
			continue
		case "..":
			resolved = path.Dir(resolved)
			continue
		}
		next := path.Join(resolved, part)
		info, err := os.Lstat(filepath.Join(root, next))
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			if err != nil {
				return filepath.Join(root, next, strings.Join(parts, "/"))
			}
			resolved = next
			continue
		}
		links++
		target, err := os.Readlink(filepath.Join(root, next))
		if err != nil || links > maxSymlinks {
			return filepath.Join(root, next, strings.Join(parts, "/"))
		}
		if path.IsAbs(target) {
			resolved = "/"
		}
		parts = append(strings.Split(strings.Trim(target, "/"), "/"), parts...)
	}
	return filepath.Join(root, resolved)
}

func nulTuples(n int, data []byte) ([][]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if !bytes.HasSuffix(data, []byte{0}) {
		return nil, errors.New("resolving shadow paths: output is not NUL-terminated")
	}
	flat := strings.Split(string(data[:len(data)-1]), "\x00")
	if len(flat)%n != 0 {
		return nil, fmt.Errorf("resolving shadow paths: %d fields is not a multiple of %d", len(flat), n)
	}
	tuples := make([][]string, 0, len(flat)/n)
	for i := 0; i < len(flat); i += n {
		tuples = append(tuples, flat[i:i+n])
	}
	return tuples, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type backup struct {
	original string
	copy     string
	digest   binhash.Digest
}

// withBackups copies every shadowed original aside, runs body, and
// copies them back, checking each restored file against its backup.
func withBackups(ctx context.Context, volume subvol.Volume, shadows []ResolvedShadow, logger *slog.Logger, body func() error) error {
	if len(shadows) == 0 {
		return body()
	}
	backups := make([]backup, 0, len(shadows))
	var script strings.Builder
	script.WriteString("set -ue\n")
	for _, shadow := range shadows {
		original := volume.Path(shadow.Dest)
		digest, err := digestAsRoot(ctx, volume, original)
		if err != nil {
			return err
		}
		copyPath := volume.Path(ShadowedRoot, shadow.Dest)
		backups = append(backups, backup{original: original, copy: copyPath, digest: digest})
		fmt.Fprintf(&script, "mkdir -p %s\ncp --reflink=auto --preserve=all %s %s\n",
			shellQuote(filepath.Dir(copyPath)), shellQuote(original), shellQuote(copyPath))
	}
	if _, err := volume.RunAsRoot(ctx, "sh", "-c", script.String()); err != nil {
		return fmt.Errorf("backing up shadowed files: %w", err)
	}

	bodyErr := body()
	return errors.Join(bodyErr, restoreBackups(context.WithoutCancel(ctx), volume, backups, logger))
}

func restoreBackups(ctx context.Context, volume subvol.Volume, backups []backup, logger *slog.Logger) error {
	var errs []error
	for _, b := range backups {
		copyDigest, err := digestAsRoot(ctx, volume, b.copy)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if copyDigest != b.digest {
			logger.Info("shadowed file was updated during the run", "path", b.original)
		}
		if _, err := volume.RunAsRoot(ctx, "cp", "--reflink=auto", "--preserve=all", b.copy, b.original); err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", b.original, err))
			continue
		}
		restored, err := digestAsRoot(ctx, volume, b.original)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if restored != copyDigest {
			errs = append(errs, fmt.Errorf("restoring %s: content is %s, backup is %s", b.original, restored, copyDigest))
			continue
		}
		if _, err := volume.RunAsRoot(ctx, "rm", b.copy); err != nil {
			errs = append(errs, err)
		}
	}

	// The plugin may be what created the metadata dir.
	shadowedRoot := volume.Path(ShadowedRoot)
	metadataDir := volume.Path(MetadataDirName)
	cleanup := fmt.Sprintf("find %s -depth -type d -empty -delete\nif [ -d %s ]; then rmdir --ignore-fail-on-non-empty %s; fi\n",
		shellQuote(shadowedRoot), shellQuote(metadataDir), shellQuote(metadataDir))
	if _, err := volume.RunAsRoot(ctx, "sh", "-c", cleanup); err != nil {
		errs = append(errs, fmt.Errorf("removing empty backup dirs: %w", err))
	}
	return errors.Join(errs...)
}

// digestAsRoot hashes a file the caller may not be able to read.
func digestAsRoot(ctx context.Context, volume subvol.Volume, name string) (binhash.Digest, error) {
	cmd := volume.CommandAsRoot(ctx, "cat", name)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return binhash.Digest{}, err
	}
	if err := cmd.Start(); err != nil {
		return binhash.Digest{}, fmt.Errorf("reading %s: %w", name, err)
	}
	digest, hashErr := binhash.HashReader(stdout)
	if err := cmd.Wait(); err != nil {
		return binhash.Digest{}, fmt.Errorf("reading %s: %w", name, err)
	}
	if hashErr != nil {
		return binhash.Digest{}, hashErr
	}
	return digest, nil
}
