// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/bureau-foundation/layerrun/container"
	"github.com/bureau-foundation/layerrun/plugins"
)

func TestJoinPairs(t *testing.T) {
	t.Parallel()

	got, err := joinPairs([]string{"--bindmount-ro", "/a", "/b", "--boot", "--shadow-path", "dnf", "/p/dnf", "--", "--bindmount-ro", "x"})
	if err != nil {
		t.Fatalf("joinPairs: %v", err)
	}
	want := []string{"--bindmount-ro=/a\x00/b", "--boot", "--shadow-path=dnf\x00/p/dnf", "--", "--bindmount-ro", "x"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("joinPairs = %q, want %q", got, want)
	}

	if _, err := joinPairs([]string{"--bindmount-rw", "/a"}); err == nil {
		t.Error("one value accepted for a two-value flag")
	}
}

func TestParseArgs(t *testing.T) {
	t.Parallel()

	flags, err := parseArgs([]string{
		"--layer", "/images/base",
		"--no-snapshot",
		"--no-private-network",
		"--bindmount-ro", "/host/src", "/src",
		"--setenv", "A=1",
		"--append-console",
		"--user", "root",
		"make", "--jobs", "4",
	})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if flags.layer != "/images/base" || flags.snapshot || flags.privateNet {
		t.Errorf("flags = %+v", flags)
	}
	if want := []string{"make", "--jobs", "4"}; !reflect.DeepEqual(flags.command, want) {
		t.Errorf("command = %q, want %q", flags.command, want)
	}
	if flags.console != consoleToStderr {
		t.Errorf("console = %q, want stderr", flags.console)
	}

	opts, err := flags.options(container.Root())
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Snapshot || !opts.Debug.SharedNetwork || !opts.Quiet {
		t.Errorf("opts = %+v", opts)
	}
	if want := []container.BindMount{{Source: "/host/src", Dest: "/src"}}; !reflect.DeepEqual(opts.BindMountsRO, want) {
		t.Errorf("binds = %v, want %v", opts.BindMountsRO, want)
	}

	if _, err := (&cliFlags{forwardFDs: []int{-1}}).options(container.Root()); err == nil {
		t.Error("negative descriptor accepted")
	}
}

func TestParseArgsDefaults(t *testing.T) {
	t.Parallel()

	flags, err := parseArgs([]string{"--layer", "/l"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	opts, err := flags.options(container.Nobody())
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if !reflect.DeepEqual(opts.Command, container.DefaultCommand) {
		t.Errorf("command = %q, want the default", opts.Command)
	}
	if !opts.Snapshot || !opts.Quiet || opts.Debug.SharedNetwork {
		t.Errorf("opts = %+v", opts)
	}

	args, err := flags.pluginArgs("/bin/entry", "/tmp")
	if err != nil {
		t.Fatalf("pluginArgs: %v", err)
	}
	if args.AttachMetadataDir != plugins.MetadataDefaultOn || !args.ShadowProxiedBinaries {
		t.Errorf("plugin args = %+v", args)
	}
}

func TestParseArgsErrors(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{},
		{"--layer", "/l", "--attach-metadata-dir", "sometimes"},
	} {
		flags, err := parseArgs(args)
		if err == nil {
			_, err = flags.pluginArgs("", "")
		}
		if err == nil {
			t.Errorf("parseArgs(%q) succeeded", args)
		}
	}
}

func TestDebugDisablesQuiet(t *testing.T) {
	t.Parallel()

	flags, err := parseArgs([]string{"--layer", "/l", "--debug"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	opts, err := flags.options(container.Nobody())
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Quiet || !opts.Debug.Verbose {
		t.Errorf("Quiet=%v Verbose=%v, want verbose only", opts.Quiet, opts.Debug.Verbose)
	}
}

func TestConsoleRedirect(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "console.log")
	flags := &cliFlags{console: path}
	redirect, closeConsole, err := flags.consoleRedirect()
	if err != nil {
		t.Fatalf("consoleRedirect: %v", err)
	}
	defer closeConsole()
	if redirect.Kind != container.RedirectFile {
		t.Errorf("kind = %v, want file", redirect.Kind)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("console log not created: %v", err)
	}

	flags.console = ""
	if redirect, _, _ := flags.consoleRedirect(); redirect.Kind != container.RedirectDiscard {
		t.Errorf("no flag: kind = %v, want discard", redirect.Kind)
	}
}
