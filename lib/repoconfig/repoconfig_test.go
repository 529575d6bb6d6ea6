// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repoconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseJSONC(t *testing.T) {
	config, err := Parse([]byte(`{
		// comment
		"repo_root": "/src/repo",
		"host_mounts_for_repo_artifacts": [
			"/opt/toolchain", /* trailing comma next */
		],
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if config.RepoRoot != "/src/repo" {
		t.Errorf("RepoRoot = %q", config.RepoRoot)
	}
	if len(config.HostMounts) != 1 || config.HostMounts[0] != "/opt/toolchain" {
		t.Errorf("HostMounts = %v", config.HostMounts)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte(`{"repo_rot": "/x"}`)); err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestReadFileResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	content := `{
		"host_mounts_for_repo_artifacts": ["third-party", "/abs/mount"],
		"artifacts_dir": "buck-image-out",
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if config.RepoRoot != dir {
		t.Errorf("RepoRoot = %q, want %q", config.RepoRoot, dir)
	}
	if config.HostMounts[0] != filepath.Join(dir, "third-party") || config.HostMounts[1] != "/abs/mount" {
		t.Errorf("HostMounts = %v", config.HostMounts)
	}
	if config.ArtifactsDir != filepath.Join(dir, "buck-image-out") {
		t.Errorf("ArtifactsDir = %q", config.ArtifactsDir)
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	config, err := Discover(nested)
	if err != nil {
		t.Fatalf("Discover without file: %v", err)
	}
	if config.RepoRoot != root || config.ArtifactsDir != "" {
		t.Errorf("config = %+v", config)
	}

	if err := os.WriteFile(filepath.Join(root, FileName), []byte(`{"artifacts_dir": "out"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	config, err = Discover(nested)
	if err != nil {
		t.Fatalf("Discover with file: %v", err)
	}
	if config.ArtifactsDir != filepath.Join(root, "out") {
		t.Errorf("ArtifactsDir = %q", config.ArtifactsDir)
	}
}

func TestFindRepoRootFailsOutsideRepo(t *testing.T) {
	_, err := FindRepoRoot("/")
	if !errors.Is(err, ErrNoRepo) {
		t.Errorf("FindRepoRoot(/) = %v, want ErrNoRepo", err)
	}
}
