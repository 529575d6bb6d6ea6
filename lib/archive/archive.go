// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive extracts tar archives, optionally zstd or lz4
// compressed, into a directory. It backs attaching build metadata
// shipped as an archive rather than a directory.
//
// Extraction is confined to the destination: absolute member names are
// made relative, ".." components that would climb out are rejected, and
// symlink targets are stored verbatim but never followed while writing.
// Ownership is not restored; files are owned by the extracting user.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format identifies the compression wrapped around a tar stream.
type Format int

const (
	// Tar is an uncompressed tar stream.
	Tar Format = iota
	// TarZstd is a zstd-compressed tar stream.
	TarZstd
	// TarLZ4 is an lz4 frame-compressed tar stream.
	TarLZ4
)

// String returns the conventional file suffix of the format.
func (f Format) String() string {
	switch f {
	case Tar:
		return ".tar"
	case TarZstd:
		return ".tar.zst"
	case TarLZ4:
		return ".tar.lz4"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ErrUnknownFormat is returned for file names without a known suffix.
var ErrUnknownFormat = errors.New("not a .tar, .tar.zst or .tar.lz4 file")

// DetectFormat picks the format from a file name's suffix.
func DetectFormat(name string) (Format, error) {
	switch {
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tar.zstd"):
		return TarZstd, nil
	case strings.HasSuffix(name, ".tar.lz4"):
		return TarLZ4, nil
	case strings.HasSuffix(name, ".tar"):
		return Tar, nil
	default:
		return 0, fmt.Errorf("%s: %w", name, ErrUnknownFormat)
	}
}

// IsArchive reports whether name has a suffix DetectFormat accepts.
func IsArchive(name string) bool {
	_, err := DetectFormat(name)
	return err == nil
}

// NewReader returns the decompressed tar stream of r.
func NewReader(r io.Reader, format Format) (io.ReadCloser, error) {
	switch format {
	case Tar:
		return io.NopCloser(r), nil
	case TarZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return decoder.IOReadCloser(), nil
	case TarLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported format %s", format)
	}
}

// ExtractFile extracts the archive at path into dest, which must exist.
func ExtractFile(path, dest string) error {
	format, err := DetectFormat(path)
	if err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	stream, err := NewReader(file, format)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer stream.Close()

	if err := Extract(stream, dest); err != nil {
		return fmt.Errorf("extracting %s: %w", path, err)
	}
	return nil
}

// Extract writes the members of the uncompressed tar stream r into
// dest. Directories, regular files, symlinks and hard links to earlier
// members are supported; other member types are skipped.
func Extract(r io.Reader, dest string) error {
	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	reader := tar.NewReader(r)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := confine(root, header.Name)
		if err != nil {
			return err
		}
		if target == root {
			continue
		}
		mode := os.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, reader, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := makeParent(target); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			source, err := confine(root, header.Linkname)
			if err != nil {
				return err
			}
			if err := makeParent(target); err != nil {
				return err
			}
			if err := os.Link(source, target); err != nil {
				return err
			}
		}
	}
}

// confine maps a member name to a path under root.
func confine(root, name string) (string, error) {
	cleaned := filepath.Clean("/" + name)
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("member %q escapes the destination", name)
		}
	}
	return filepath.Join(root, cleaned), nil
}

func makeParent(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

func writeFile(path string, content io.Reader, mode os.FileMode) error {
	if err := makeParent(path); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, content); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
