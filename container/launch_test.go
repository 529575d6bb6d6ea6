// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"github.com/bureau-foundation/layerrun/lib/cgroup"
)

func TestStateString(t *testing.T) {
	t.Parallel()

	want := map[State]string{
		StateIdle:              "idle",
		StateSettingUp:         "setting-up",
		StateLaunching:         "launching",
		StateAwaitingHandshake: "awaiting-handshake",
		StateRunning:           "running",
		StateShuttingDown:      "shutting-down",
		StateDone:              "done",
		State(42):              "State(42)",
	}
	for state, name := range want {
		if state.String() != name {
			t.Errorf("State(%d).String() = %q, want %q", int(state), state.String(), name)
		}
	}
}

// launchedSelf describes a container whose first process is the test
// process, which is enough to build the entry command line.
func launchedSelf(t *testing.T, booted bool) (*Launched, string) {
	t.Helper()
	own, err := cgroup.PathOf(os.Getpid())
	if err != nil {
		t.Skipf("no unified cgroup for this process: %v", err)
	}

	opts := DefaultOptions().WithCommand("/bin/echo", "hi")
	opts.User = User{Name: "builder", UID: 1001, GID: 1002, Home: "/home/builder"}
	opts.Chdir = "/src"
	setup := &Setup{
		Options:     opts,
		CmdEnv:      []string{"PATH=/custom/bin", NotABuildStepEnv},
		Tools:       Tools{Clonecaps: "/usr/libexec/clonecaps"},
		CgroupMount: "/sys/fs/cgroup",
		Environ:     []string{"TERM=xterm-256color", "HOME=/home/caller"},
		Logger:      slog.Default(),
	}
	return &Launched{Setup: setup, PID: os.Getpid(), booted: booted}, own
}

func TestCommandArgsNonBooted(t *testing.T) {
	t.Parallel()

	launched, own := launchedSelf(t, false)
	argv, err := launched.CommandArgs()
	if err != nil {
		t.Fatalf("CommandArgs: %v", err)
	}
	pid := strconv.Itoa(os.Getpid())

	wantPrefix := cgroup.JoinArgs(filepath.Join("/sys/fs/cgroup", own))
	if !slices.Equal(argv[:len(wantPrefix)], wantPrefix) {
		t.Fatalf("argv does not start with the cgroup join: %q", argv)
	}
	rest := argv[len(wantPrefix):]
	want := []string{
		"env", "-",
		"HOME=/home/builder",
		"LOGNAME=builder",
		"PATH=" + DefaultPath,
		"USER=builder",
		"TERM=xterm-256color",
		"PATH=/custom/bin",
		NotABuildStepEnv,
		"nsenter", "--target=" + pid, "--all", "--setuid=1001", "--setgid=1002",
		"--wd=/proc/" + pid + "/root/src",
		"/bin/echo", "hi",
	}
	if !slices.Equal(rest, want) {
		t.Errorf("command =\n  %q\nwant\n  %q", rest, want)
	}
}

func TestCommandArgsBooted(t *testing.T) {
	t.Parallel()

	launched, own := launchedSelf(t, true)
	launched.Setup.Options.Chdir = ""
	argv, err := launched.CommandArgs()
	if err != nil {
		t.Fatalf("CommandArgs: %v", err)
	}
	pid := strconv.Itoa(os.Getpid())

	prefix := cgroup.JoinArgs(filepath.Join("/sys/fs/cgroup", own))
	rest := argv[len(prefix):]
	if !slices.Equal(rest[:4], []string{"/usr/libexec/clonecaps", pid, "--", "env"}) {
		t.Errorf("booted command does not clone capabilities first: %q", rest)
	}
	for _, arg := range rest {
		if len(arg) > 5 && arg[:5] == "--wd=" {
			t.Errorf("unexpected %q without Chdir", arg)
		}
	}
}

func TestConsoleArgRedirected(t *testing.T) {
	t.Parallel()

	for _, redirect := range []Redirect{Discard(), Capture(), Pipe()} {
		if arg := consoleArg(IO{Console: redirect}); arg != "--console=pipe" {
			t.Errorf("consoleArg(%s) = %q, want --console=pipe", redirect.Kind, arg)
		}
	}
}

func TestEntryArgs(t *testing.T) {
	t.Parallel()

	args := entryArgs(&Setup{Tools: Tools{Entry: "/opt/layerrun/layerrun-entry"}})
	want := []string{
		"--tmpfs=/__layerrun_tmp__:mode=0755",
		"--bind-ro=/opt/layerrun/layerrun-entry:/__layerrun_tmp__/entry",
		"--bind-ro=/proc:/__layerrun_tmp__/outerproc",
	}
	if !slices.Equal(args, want) {
		t.Errorf("entryArgs = %q, want %q", args, want)
	}
}
