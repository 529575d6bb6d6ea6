// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/bureau-foundation/layerrun/lib/testutil"
)

func startShell(t *testing.T, script string) *Process {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", script)
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting shell: %v", err)
	}
	return Watch(cmd)
}

func TestProcessExitCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		script string
		code   int
	}{
		{"exit 0", 0},
		{"exit 3", 3},
		{"kill -KILL $$", 128 + 9},
		{"kill -TERM $$", 128 + 15},
	}
	for _, test := range tests {
		process := startShell(t, test.script)
		code, err := process.Wait(context.Background())
		if err != nil {
			t.Errorf("%q: Wait: %v", test.script, err)
			continue
		}
		if code != test.code {
			t.Errorf("%q: exit code %d, want %d", test.script, code, test.code)
		}
		if !process.Exited() {
			t.Errorf("%q: Exited() false after Wait", test.script)
		}
	}
}

func TestProcessWaitCancelled(t *testing.T) {
	t.Parallel()

	process := startShell(t, "exec sleep 60")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := process.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait error = %v, want context.Canceled", err)
	}
	if process.Exited() {
		t.Error("process exited on its own")
	}

	if err := process.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	testutil.RequireClosed(t, process.Done(), 5*time.Second, "process to exit after Kill")
	if err := process.Signal(os.Interrupt); !errors.Is(err, os.ErrProcessDone) {
		t.Errorf("Signal after exit = %v, want os.ErrProcessDone", err)
	}
}
