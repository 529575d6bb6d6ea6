// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"testing"
)

// SocketDir creates a temporary directory directly under /tmp, short
// enough for Unix domain socket paths. Removed when the test completes.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "layerrun-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}

// Pipe returns both ends of a new pipe. Both are closed at test end;
// closing them earlier is fine.
func Pipe(t *testing.T) (reader, writer *os.File) {
	t.Helper()
	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatalf("creating pipe: %v", err)
	}
	t.Cleanup(func() {
		reader.Close()
		writer.Close()
	})
	return reader, writer
}

// SkipUnlessRoot skips the test when not running with euid 0.
func SkipUnlessRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
}

// BuildBinary builds the main package pkg into a temporary directory and
// returns the binary's path. Skips when no go toolchain is on PATH.
func BuildBinary(t *testing.T, pkg string) string {
	t.Helper()
	goTool, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not on PATH")
	}
	name := path.Base(pkg)
	if name == "." {
		name = "binary"
	}
	binary := filepath.Join(t.TempDir(), name)
	output, err := exec.Command(goTool, "build", "-o", binary, pkg).CombinedOutput()
	if err != nil {
		t.Fatalf("building %s: %v\n%s", pkg, err, output)
	}
	return binary
}
