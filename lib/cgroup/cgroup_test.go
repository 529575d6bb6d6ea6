// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cgroup

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/layerrun/lib/privilege"
)

func TestParseProcCgroup(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"unified only", "0::/user.slice/session-1.scope\n", "/user.slice/session-1.scope", false},
		{"hybrid", "12:pids:/x\n1:name=systemd:/y\n0::/y\n", "/y", false},
		{"root", "0::/\n", "/", false},
		{"v1 only", "12:pids:/x\n", "", true},
		{"relative", "0::oops\n", "", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParseProcCgroup([]byte(test.data))
			if (err != nil) != test.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, test.wantErr)
			}
			if got != test.want {
				t.Errorf("got %q, want %q", got, test.want)
			}
		})
	}
}

func TestNewSiblingIsUniqueAndAdjacent(t *testing.T) {
	first := NewSibling(DefaultMount, "/user.slice/app.scope", 1234)
	second := NewSibling(DefaultMount, "/user.slice/app.scope", 1234)
	if first == second {
		t.Fatalf("two siblings share a name: %s", first)
	}
	if filepath.Dir(first) != "/sys/fs/cgroup/user.slice" {
		t.Errorf("sibling %s is not next to the caller's cgroup", first)
	}
	if !strings.HasPrefix(filepath.Base(first), "layerrun-1234-") {
		t.Errorf("sibling %s lacks pid-qualified prefix", first)
	}
}

func TestEnterArgsRunsInsideScript(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "layerrun-1-x")
	args := EnterArgs(dir, "sh", "-c", "echo inner")
	out, err := exec.Command(args[0], args[1:]...).Output()
	if err != nil {
		t.Fatalf("running %q: %v", args, err)
	}
	if string(out) != "inner\n" {
		t.Errorf("output = %q", out)
	}
	data, err := os.ReadFile(filepath.Join(dir, "cgroup.procs"))
	if err != nil {
		t.Fatalf("wrapper did not record its pid: %v", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		t.Error("cgroup.procs is empty")
	}
}

func TestRemoveTreeDeepestFirst(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "layerrun-2-y")
	if err := os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "c"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := RemoveTree(context.Background(), privilege.WithPrefix(nil), dir); err != nil {
		t.Fatalf("RemoveTree: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("%s still exists: %v", dir, err)
	}
}

func TestRemoveTreeRefusesForeignDirs(t *testing.T) {
	if err := RemoveTree(context.Background(), privilege.WithPrefix(nil), "/sys/fs/cgroup/user.slice"); err == nil {
		t.Fatal("RemoveTree accepted a non per-invocation cgroup")
	}
}
