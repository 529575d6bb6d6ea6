// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mountns

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/layerrun/lib/privilege"
	"github.com/bureau-foundation/layerrun/lib/testutil"
)

func TestParseNSpid(t *testing.T) {
	tests := []struct {
		line    string
		want    int
		wantErr bool
	}{
		{"NSpid:\t4242\n", 4242, false},
		{"NSpid:\t4242\t7\n", 7, false},
		{"NSpid:\t1\n", 0, true},
		{"Pid:\t4242\n", 0, true},
		{"NSpid:\n", 0, true},
		{"NSpid:\tabc\n", 0, true},
	}
	for _, test := range tests {
		got, err := ParseNSpid(test.line)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseNSpid(%q) err = %v, wantErr %v", test.line, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("ParseNSpid(%q) = %d, want %d", test.line, got, test.want)
		}
	}
}

func TestBindMountIsPrivate(t *testing.T) {
	testutil.SkipUnlessRoot(t)
	if _, err := exec.LookPath("unshare"); err != nil {
		t.Skip("unshare not installed")
	}

	source := t.TempDir()
	target := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "marker"), []byte("m"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	namespace, err := Unshare(ctx, privilege.New(nil), nil)
	if err != nil {
		t.Fatalf("Unshare: %v", err)
	}
	defer namespace.Close()

	if err := namespace.BindMount(ctx, source, target); err != nil {
		t.Fatalf("BindMount: %v", err)
	}
	out, err := exec.Command(namespace.EnterArgs("ls", target)[0], namespace.EnterArgs("ls", target)[1:]...).Output()
	if err != nil {
		t.Fatalf("listing inside namespace: %v", err)
	}
	if !strings.Contains(string(out), "marker") {
		t.Errorf("bind mount not visible inside namespace: %q", out)
	}
	if _, err := os.Stat(filepath.Join(target, "marker")); !os.IsNotExist(err) {
		t.Errorf("bind mount leaked into the host namespace: %v", err)
	}
}
