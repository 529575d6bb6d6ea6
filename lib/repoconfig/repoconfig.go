// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package repoconfig loads the repository settings layerrun needs when a
// container must see the source repository: where the repo lives, which
// extra host paths its build artifacts reference, and the artifacts
// directory that stays writable.
//
// The file is JSONC (JSON with comments and trailing commas):
//
//	{
//	  // Defaults to the directory holding this file.
//	  "repo_root": ".",
//	  "host_mounts_for_repo_artifacts": ["/usr/local/fbcode"],
//	  "artifacts_dir": "buck-image-out",
//	}
//
// Relative paths resolve against the directory holding the file.
package repoconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// FileName is the conventional name of the file at a repo root.
const FileName = ".layerrun.jsonc"

// ErrNoRepo is returned by FindRepoRoot when no ancestor is a VCS root.
var ErrNoRepo = errors.New("no .git or .hg directory in any ancestor")

// Config is the parsed repository configuration. All paths are
// absolute after ReadFile.
type Config struct {
	RepoRoot     string   `json:"repo_root"`
	HostMounts   []string `json:"host_mounts_for_repo_artifacts"`
	ArtifactsDir string   `json:"artifacts_dir"`
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result. Paths are left as written.
func Parse(data []byte) (*Config, error) {
	stripped := jsonc.ToJSON(data)

	var config Config
	decoder := json.NewDecoder(bytes.NewReader(stripped))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing repo config: %w", err)
	}
	return &config, nil
}

// ReadFile reads and parses a JSONC repo config, then resolves every
// path against the file's directory.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(absolute)
	config.RepoRoot = resolve(base, config.RepoRoot)
	if config.RepoRoot == "" {
		config.RepoRoot = base
	}
	for i, mount := range config.HostMounts {
		if mount == "" {
			return nil, fmt.Errorf("%s: host_mounts_for_repo_artifacts[%d] is empty", path, i)
		}
		config.HostMounts[i] = resolve(base, mount)
	}
	config.ArtifactsDir = resolve(base, config.ArtifactsDir)
	return config, nil
}

// Discover finds the repo root above start and loads FileName from it.
// A repo root without the file yields a Config naming only the root.
func Discover(start string) (*Config, error) {
	root, err := FindRepoRoot(start)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(root, FileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return &Config{RepoRoot: root}, nil
	}
	return ReadFile(path)
}

// FindRepoRoot returns the nearest ancestor of start (inclusive) that
// contains a .hg or .git directory.
func FindRepoRoot(start string) (string, error) {
	current, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		for _, sigil := range []string{".hg", ".git"} {
			if info, err := os.Stat(filepath.Join(current, sigil)); err == nil && info.IsDir() {
				return current, nil
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("%s: %w", start, ErrNoRepo)
		}
		current = parent
	}
}

// RealRepoRoot returns RepoRoot with symlinks resolved. Build tools
// record resolved paths, so this is the form that gets bind mounted.
func (c *Config) RealRepoRoot() (string, error) {
	return filepath.EvalSymlinks(c.RepoRoot)
}

func resolve(base, path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
