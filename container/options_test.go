// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/layerrun/lib/privilege"
	"github.com/bureau-foundation/layerrun/lib/subvol"
)

func testLayer(t *testing.T) subvol.Volume {
	t.Helper()
	layer, err := subvol.Open(subvol.KindDir, t.TempDir(), privilege.WithPrefix(nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return layer
}

func TestOptionsValidate(t *testing.T) {
	t.Parallel()

	layer := testLayer(t)
	valid := DefaultOptions()
	valid.Layer = layer

	tests := []struct {
		name   string
		modify func(*Options)
		field  string
	}{
		{"defaults", func(*Options) {}, ""},
		{"empty command", func(o *Options) { o.Command = nil }, "Command"},
		{"no layer", func(o *Options) { o.Layer = nil }, "Layer"},
		{"snapshot into without snapshot", func(o *Options) {
			o.Snapshot = false
			o.Debug.SnapshotInto = "/tmp/keep"
		}, "Debug.SnapshotInto"},
		{"quiet and verbose", func(o *Options) { o.Debug.Verbose = true }, "Quiet"},
		{"verbose alone", func(o *Options) {
			o.Quiet = false
			o.Debug.Verbose = true
		}, ""},
		{"relative chdir", func(o *Options) { o.Chdir = "src" }, "Chdir"},
		{"absolute chdir", func(o *Options) { o.Chdir = "/src" }, ""},
		{"register without boot", func(o *Options) { o.Debug.Register = true }, "Debug.Register"},
		{"register with boot", func(o *Options) {
			o.Boot = true
			o.Debug.Register = true
		}, ""},
		{"await dbus without boot", func(o *Options) { o.BootAwaitDbus = true }, "BootAwaitDbus"},
		{"setenv without equals", func(o *Options) { o.Setenv = []string{"FOO"} }, "Setenv"},
		{"setenv empty name", func(o *Options) { o.Setenv = []string{"=x"} }, "Setenv"},
		{"setenv empty value", func(o *Options) { o.Setenv = []string{"FOO="} }, ""},
		{"nil forwarded file", func(o *Options) { o.ForwardFiles = []*os.File{nil} }, "ForwardFiles"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			opts := valid.Clone()
			test.modify(&opts)
			err := opts.Validate()
			if test.field == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var configErr *ConfigurationError
			if !errors.As(err, &configErr) {
				t.Fatalf("Validate() = %v, want *ConfigurationError", err)
			}
			if configErr.Field != test.field {
				t.Errorf("Field = %q, want %q", configErr.Field, test.field)
			}
		})
	}
}

func TestOptionsCloneSharesNoSlices(t *testing.T) {
	t.Parallel()

	original := DefaultOptions()
	original.Setenv = make([]string, 1, 4)
	original.Setenv[0] = "A=1"

	derived := original.WithSetenv("B=2")
	derived.Command[0] = "/bin/sh"

	if len(original.Setenv) != 1 {
		t.Errorf("original Setenv changed: %v", original.Setenv)
	}
	if original.Command[0] != DefaultCommand[0] {
		t.Errorf("original Command changed: %v", original.Command)
	}
	if DefaultCommand[0] != "/bin/bash" {
		t.Errorf("DefaultCommand changed: %v", DefaultCommand)
	}

	withBinds := original.WithBindsRO(BindMount{Source: "/a"})
	if len(original.BindMountsRO) != 0 || len(withBinds.BindMountsRO) != 1 {
		t.Errorf("WithBindsRO: original %v, derived %v", original.BindMountsRO, withBinds.BindMountsRO)
	}
}

func TestOptionsGetenvLastWins(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions().WithSetenv("PATH=/a", "HOME=/h", "PATH=/b")
	if value, ok := opts.Getenv("PATH"); !ok || value != "/b" {
		t.Errorf("Getenv(PATH) = %q, %v; want /b, true", value, ok)
	}
	if _, ok := opts.Getenv("TERM"); ok {
		t.Error("Getenv(TERM) found a value that was never set")
	}
}

func TestLookupUserIn(t *testing.T) {
	t.Parallel()

	passwd := filepath.Join(t.TempDir(), "passwd")
	content := "# comment\n" +
		"root:x:0:0:root:/root:/bin/bash\n" +
		"builder:x:1001:1002:Build User:/home/builder:/bin/zsh\n" +
		"broken:x:notanumber:1:::\n"
	if err := os.WriteFile(passwd, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	user, err := LookupUserIn(passwd, "builder")
	if err != nil {
		t.Fatalf("LookupUserIn(builder): %v", err)
	}
	want := User{Name: "builder", UID: 1001, GID: 1002, Home: "/home/builder", Shell: "/bin/zsh"}
	if user != want {
		t.Errorf("LookupUserIn(builder) = %+v, want %+v", user, want)
	}

	if user, err := LookupUserIn(passwd, "nobody"); err != nil || user != Nobody() {
		t.Errorf("LookupUserIn(nobody) = %+v, %v; want the built-in nobody", user, err)
	}
	if _, err := LookupUserIn(passwd, "missing"); err == nil {
		t.Error("LookupUserIn(missing) succeeded")
	}
	if _, err := LookupUserIn(passwd, "broken"); err == nil {
		t.Error("LookupUserIn(broken) succeeded with a non-numeric uid")
	}
}
