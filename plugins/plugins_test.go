// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/layerrun/lib/privilege"
	"github.com/bureau-foundation/layerrun/lib/subvol"
)

// testLayer returns a directory volume whose root commands run as the
// current user.
func testLayer(t *testing.T) subvol.Volume {
	t.Helper()
	layer, err := subvol.Open(subvol.KindDir, t.TempDir(), privilege.WithPrefix(nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return layer
}

// writeFile creates name, relative to root, with content.
func writeFile(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
