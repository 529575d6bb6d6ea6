// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/bureau-foundation/layerrun/container"
	"github.com/bureau-foundation/layerrun/lib/subvol"
)

func TestSearchDirs(t *testing.T) {
	t.Parallel()

	dirs, err := SearchDirs([]string{"FOO=bar", "PATH=/opt/bin:/usr/bin:", "PATH=/extra"})
	if err != nil {
		t.Fatalf("SearchDirs: %v", err)
	}
	want := []string{"/opt/bin", "/usr/bin", "/extra", "/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/sbin", "/bin"}
	if !reflect.DeepEqual(dirs, want) {
		t.Errorf("SearchDirs = %v, want %v", dirs, want)
	}

	if _, err := SearchDirs([]string{"PATH=bin:/usr/bin"}); err == nil {
		t.Error("relative PATH entry accepted")
	}
}

func TestNulTuples(t *testing.T) {
	t.Parallel()

	tuples, err := nulTuples(3, []byte("a\x00b\x00c\x00d\x00e\x00f\x00"))
	if err != nil {
		t.Fatalf("nulTuples: %v", err)
	}
	if want := [][]string{{"a", "b", "c"}, {"d", "e", "f"}}; !reflect.DeepEqual(tuples, want) {
		t.Errorf("nulTuples = %v, want %v", tuples, want)
	}
	if tuples, err := nulTuples(3, nil); err != nil || tuples != nil {
		t.Errorf("empty input = %v, %v", tuples, err)
	}
	if _, err := nulTuples(3, []byte("a\x00b\x00")); err == nil {
		t.Error("short tuple accepted")
	}
	if _, err := nulTuples(3, []byte("a\x00b\x00c")); err == nil {
		t.Error("unterminated output accepted")
	}
}

func TestShellQuote(t *testing.T) {
	t.Parallel()

	if got, want := shellQuote("it's"), `'it'\''s'`; got != want {
		t.Errorf("shellQuote = %s, want %s", got, want)
	}
}

// shadowLayer holds /usr/bin/foo, a /bin -> usr/bin symlink, an
// absolute /usr/sbin/alias -> /usr/bin/foo link, and proxies in
// /opt/proxy.
func shadowLayer(t *testing.T) subvol.Volume {
	t.Helper()
	layer := testLayer(t)
	writeFile(t, layer.Path(), "usr/bin/foo", "orig")
	writeFile(t, layer.Path(), "usr/bin/bar", "bar")
	writeFile(t, layer.Path(), "opt/proxy/foo", "proxy")
	writeFile(t, layer.Path(), "opt/proxy/bar", "proxy bar")
	if err := os.Symlink("usr/bin", layer.Path("bin")); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(layer.Path("usr/sbin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/usr/bin/foo", layer.Path("usr/sbin/alias")); err != nil {
		t.Fatal(err)
	}
	return layer
}

func TestResolveInVolume(t *testing.T) {
	t.Parallel()

	layer := shadowLayer(t)
	root := layer.Path()
	tests := []struct {
		name string
		want string
	}{
		{"/usr/bin/foo", "/usr/bin/foo"},
		{"/bin/foo", "/usr/bin/foo"},
		{"/usr/sbin/alias", "/usr/bin/foo"},
		{"/../../usr/bin/foo", "/usr/bin/foo"},
		{"/missing/dir/file", "/missing/dir/file"},
	}
	for _, tt := range tests {
		if got := resolveInVolume(root, tt.name); got != filepath.Join(root, tt.want) {
			t.Errorf("resolveInVolume(%s) = %s, want %s", tt.name, got, filepath.Join(root, tt.want))
		}
	}
}

func TestResolveShadowPaths(t *testing.T) {
	t.Parallel()

	layer := shadowLayer(t)
	root, err := filepath.EvalSymlinks(layer.Path())
	if err != nil {
		t.Fatal(err)
	}
	searchDirs := []string{"/usr/local/bin", "/usr/bin", "/bin"}
	ctx := context.Background()

	t.Run("bare name through symlinked dirs merges", func(t *testing.T) {
		resolved, err := ResolveShadowPaths(ctx, layer, []ShadowPath{{Dest: "foo", Source: "/opt/proxy/foo"}}, searchDirs, nil)
		if err != nil {
			t.Fatalf("ResolveShadowPaths: %v", err)
		}
		want := []ResolvedShadow{{Dest: "/usr/bin/foo", HostSource: filepath.Join(root, "opt/proxy/foo")}}
		if !reflect.DeepEqual(resolved, want) {
			t.Errorf("resolved = %v, want %v", resolved, want)
		}
	})

	t.Run("absolute dest through link", func(t *testing.T) {
		resolved, err := ResolveShadowPaths(ctx, layer, []ShadowPath{{Dest: "/usr/sbin/alias", Source: "/opt/proxy/foo"}}, searchDirs, nil)
		if err != nil {
			t.Fatalf("ResolveShadowPaths: %v", err)
		}
		if len(resolved) != 1 || resolved[0].Dest != "/usr/bin/foo" {
			t.Errorf("resolved = %v", resolved)
		}
	})

	errorCases := []struct {
		name  string
		paths []ShadowPath
		allow []string
		want  string
	}{
		{"unmatched", []ShadowPath{{Dest: "missing", Source: "/opt/proxy/foo"}}, nil, "not existing regular files"},
		{"missing source", []ShadowPath{{Dest: "foo", Source: "/opt/proxy/none"}}, nil, "not existing regular files"},
		{"ambiguous dest", []ShadowPath{
			{Dest: "/usr/bin/foo", Source: "/opt/proxy/foo"},
			{Dest: "/bin/foo", Source: "/opt/proxy/bar"},
		}, nil, "ambiguous"},
		{"source reused", []ShadowPath{
			{Dest: "/usr/bin/foo", Source: "/opt/proxy/foo"},
			{Dest: "/usr/bin/bar", Source: "/opt/proxy/foo"},
		}, nil, "used for both"},
		{"relative source", []ShadowPath{{Dest: "foo", Source: "opt/proxy/foo"}}, nil, "not absolute"},
		{"dest with slash", []ShadowPath{{Dest: "bin/foo", Source: "/opt/proxy/foo"}}, nil, "neither absolute"},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveShadowPaths(ctx, layer, tt.paths, searchDirs, tt.allow)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}

	t.Run("allowed unmatched", func(t *testing.T) {
		resolved, err := ResolveShadowPaths(ctx, layer, []ShadowPath{
			{Dest: "missing", Source: "/opt/proxy/foo"},
			{Dest: "bar", Source: "/opt/proxy/bar"},
		}, searchDirs, []string{"missing"})
		if err != nil {
			t.Fatalf("ResolveShadowPaths: %v", err)
		}
		if len(resolved) != 1 || resolved[0].Dest != "/usr/bin/bar" {
			t.Errorf("resolved = %v", resolved)
		}
	})
}

func TestShadowPathsBacksUpAndRestores(t *testing.T) {
	t.Parallel()

	layer := shadowLayer(t)
	root, err := filepath.EvalSymlinks(layer.Path())
	if err != nil {
		t.Fatal(err)
	}
	opts := container.DefaultOptions()
	opts.Layer = layer

	hooks := ShadowPaths([]ShadowPath{{Dest: "foo", Source: "/opt/proxy/foo"}}, nil, nil).NewHooks()
	var binds []container.BindMount
	wrapped := hooks.WrapSetup(func(ctx context.Context, volume subvol.Volume, opts container.Options, streams container.IO, body func(*container.Setup) error) error {
		binds = opts.BindMountsRO
		return body(&container.Setup{Volume: volume})
	})

	backup := layer.Path(ShadowedRoot, "usr/bin/foo")
	err = wrapped(context.Background(), layer, opts, container.IO{}, func(*container.Setup) error {
		if got := readFile(t, backup); got != "orig" {
			t.Errorf("backup content = %q, want orig", got)
		}
		// A proxy updates the real binary through its backup.
		if err := os.WriteFile(backup, []byte("upgraded"), 0o644); err != nil {
			t.Fatal(err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []container.BindMount{{Source: filepath.Join(root, "opt/proxy/foo"), Dest: "/usr/bin/foo"}}
	if !reflect.DeepEqual(binds, want) {
		t.Errorf("binds = %v, want %v", binds, want)
	}
	if got := readFile(t, layer.Path("usr/bin/foo")); got != "upgraded" {
		t.Errorf("restored content = %q, want the updated backup", got)
	}
	if layer.Exists(MetadataDirName) {
		t.Error("backup dirs left behind")
	}
}

func TestShadowPathsKeepsForeignMetadata(t *testing.T) {
	t.Parallel()

	layer := shadowLayer(t)
	writeFile(t, layer.Path(), MetadataDirName+"/keep", "x")
	opts := container.DefaultOptions()
	opts.Layer = layer

	hooks := ShadowPaths([]ShadowPath{{Dest: "/usr/bin/foo", Source: "/opt/proxy/foo"}}, nil, nil).NewHooks()
	wrapped := hooks.WrapSetup(func(ctx context.Context, volume subvol.Volume, opts container.Options, streams container.IO, body func(*container.Setup) error) error {
		return body(&container.Setup{Volume: volume})
	})
	if err := wrapped(context.Background(), layer, opts, container.IO{}, func(*container.Setup) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !layer.Exists(MetadataDirName + "/keep") {
		t.Error("unrelated metadata removed")
	}
	if layer.Exists(ShadowedRoot) {
		t.Error("shadowed root left behind")
	}
}
