// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/layerrun/container"
	"github.com/bureau-foundation/layerrun/lib/subvol"
	"github.com/bureau-foundation/layerrun/lib/testutil"
)

func TestHookWrapsCommand(t *testing.T) {
	t.Parallel()

	_, extra := pipeFiles(t)
	opts := container.DefaultOptions().WithCommand("make", "install").WithForwardFiles(extra)

	hooks := Hook("probe", "/host/layerrun-entry", func(context.Context, *container.Setup, int) (func() error, error) {
		return nil, nil
	}).NewHooks()

	var seen container.Options
	wrapped := hooks.WrapSetup(func(ctx context.Context, volume subvol.Volume, opts container.Options, streams container.IO, body func(*container.Setup) error) error {
		seen = opts
		return nil
	})
	if err := wrapped(context.Background(), nil, opts, container.IO{}, nil); err != nil {
		t.Fatalf("WrapSetup: %v", err)
	}

	wantCommand := []string{
		"/__layerrun_hook_probe__/entry", "await-ready",
		"--pid-fd", "4", "--ready-fd", "5",
		"--outerproc", "/__layerrun_hook_probe__/outerproc",
		"--unmount", "/__layerrun_hook_probe__/entry",
		"--unmount", "/__layerrun_hook_probe__/outerproc",
		"--", "make", "install",
	}
	if !slices.Equal(seen.Command, wantCommand) {
		t.Errorf("command = %q\nwant %q", seen.Command, wantCommand)
	}
	if len(seen.ForwardFiles) != 3 || seen.ForwardFiles[0] != extra {
		t.Errorf("forwarded %d files, want the caller's file then two pipes", len(seen.ForwardFiles))
	}
	wantBinds := []container.BindMount{
		{Source: "/host/layerrun-entry", Dest: "/__layerrun_hook_probe__/entry"},
		{Source: "/proc", Dest: "/__layerrun_hook_probe__/outerproc"},
	}
	if !slices.Equal(seen.BindMountsRO, wantBinds) {
		t.Errorf("binds = %v, want %v", seen.BindMountsRO, wantBinds)
	}
	if !slices.Equal(opts.Command, []string{"make", "install"}) {
		t.Error("caller's options were modified")
	}
}

func pipeFiles(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		reader.Close()
		writer.Close()
	})
	return reader, writer
}

// childEnds duplicates the exfiltrator's forwarded ends the way a
// started process would hold them.
func childEnds(t *testing.T, exfil *container.Exfiltrator) (pidWrite, readyRead *os.File) {
	t.Helper()
	forwarded := exfil.Forwarded()
	var dups []*os.File
	for _, file := range forwarded {
		fd, err := syscall.Dup(int(file.Fd()))
		if err != nil {
			t.Fatal(err)
		}
		dups = append(dups, os.NewFile(uintptr(fd), file.Name()))
	}
	return dups[0], dups[1]
}

func testLaunched() *container.Launched {
	return &container.Launched{Setup: &container.Setup{Logger: slog.Default()}}
}

func TestRunWithHookOrder(t *testing.T) {
	t.Parallel()

	exfil, err := container.NewExfiltrator(0, true)
	if err != nil {
		t.Fatal(err)
	}
	defer exfil.Close()
	pidWrite, readyRead := childEnds(t, exfil)

	var mu sync.Mutex
	var trace []string
	record := func(event string) {
		mu.Lock()
		trace = append(trace, event)
		mu.Unlock()
	}

	hook := func(ctx context.Context, setup *container.Setup, pid int) (func() error, error) {
		record("hook " + strconv.Itoa(pid))
		return func() error {
			record("cleanup")
			return nil
		}, nil
	}
	body := func(launched *container.Launched) error {
		launched.MarkCommandStarted()
		if _, err := io.WriteString(pidWrite, "Pid:\t4242\n"); err != nil {
			return err
		}
		pidWrite.Close()
		line, err := bufio.NewReader(readyRead).ReadString('\n')
		readyRead.Close()
		if err != nil {
			return err
		}
		record("command saw " + strings.TrimSpace(line))
		return nil
	}

	if err := runWithHook(context.Background(), "probe", testLaunched(), exfil, hook, body); err != nil {
		t.Fatalf("runWithHook: %v", err)
	}
	want := []string{"hook 4242", "command saw ready", "cleanup"}
	if !slices.Equal(trace, want) {
		t.Errorf("trace = %v, want %v", trace, want)
	}
}

func TestRunWithHookFailureWithholdsReady(t *testing.T) {
	t.Parallel()

	exfil, err := container.NewExfiltrator(0, true)
	if err != nil {
		t.Fatal(err)
	}
	defer exfil.Close()
	pidWrite, readyRead := childEnds(t, exfil)

	failure := errors.New("no sockets")
	hook := func(context.Context, *container.Setup, int) (func() error, error) {
		return nil, failure
	}
	var ready string
	body := func(launched *container.Launched) error {
		launched.MarkCommandStarted()
		io.WriteString(pidWrite, "Pid:\t7\n")
		pidWrite.Close()
		data, _ := io.ReadAll(readyRead)
		readyRead.Close()
		ready = string(data)
		return nil
	}

	err = runWithHook(context.Background(), "probe", testLaunched(), exfil, hook, body)
	if !errors.Is(err, failure) {
		t.Fatalf("err = %v, want the hook's error", err)
	}
	if ready != "" {
		t.Errorf("command received %q after a failed hook", ready)
	}
}

func TestRunWithHookCommandExitsEarly(t *testing.T) {
	t.Parallel()

	exfil, err := container.NewExfiltrator(0, true)
	if err != nil {
		t.Fatal(err)
	}
	defer exfil.Close()

	called := false
	hook := func(context.Context, *container.Setup, int) (func() error, error) {
		called = true
		return nil, nil
	}
	err = runWithHook(context.Background(), "probe", testLaunched(), exfil, hook, func(*container.Launched) error { return nil })
	if err != nil {
		t.Errorf("runWithHook: %v", err)
	}
	if called {
		t.Error("hook ran without a PID")
	}
}

func TestRunWithHookBodyErrorFirst(t *testing.T) {
	t.Parallel()

	exfil, err := container.NewExfiltrator(0, true)
	if err != nil {
		t.Fatal(err)
	}
	defer exfil.Close()
	pidWrite, readyRead := childEnds(t, exfil)
	defer readyRead.Close()

	bodyErr := errors.New("command failed to start")
	cleanupErr := errors.New("stop failed")
	hookRan := make(chan struct{})
	hook := func(context.Context, *container.Setup, int) (func() error, error) {
		close(hookRan)
		return func() error { return cleanupErr }, nil
	}
	body := func(launched *container.Launched) error {
		launched.MarkCommandStarted()
		io.WriteString(pidWrite, "Pid:\t9\n")
		pidWrite.Close()
		<-hookRan
		return bodyErr
	}

	err = runWithHook(context.Background(), "probe", testLaunched(), exfil, hook, body)
	if !errors.Is(err, bodyErr) || !errors.Is(err, cleanupErr) {
		t.Fatalf("err = %v, want both the body and cleanup errors", err)
	}
	if !strings.HasPrefix(err.Error(), bodyErr.Error()) {
		t.Errorf("err = %q, want the body's error first", err)
	}
}

func TestRunWithHookCommandDiesBeforeReport(t *testing.T) {
	t.Parallel()

	exfil, err := container.NewExfiltrator(0, true)
	if err != nil {
		t.Fatal(err)
	}
	defer exfil.Close()
	pidWrite, readyRead := childEnds(t, exfil)

	hook := func(context.Context, *container.Setup, int) (func() error, error) {
		t.Error("hook ran without a PID")
		return nil, nil
	}
	// The command dies holding the only other write end. The hook must
	// see EOF on its own and release the command's ready pipe, without
	// waiting for the body to return.
	body := func(launched *container.Launched) error {
		launched.MarkCommandStarted()
		pidWrite.Close()
		data, _ := io.ReadAll(readyRead)
		readyRead.Close()
		if len(data) != 0 {
			return errors.New("ready sent without a PID")
		}
		return nil
	}

	result := make(chan error, 1)
	go func() {
		result <- runWithHook(context.Background(), "probe", testLaunched(), exfil, hook, body)
	}()
	err = testutil.RequireReceive(t, result, 10*time.Second, "hook kept waiting for a dead command")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want a handshake EOF", err)
	}
}

func TestLaunchedMarkCommandStartedTwice(t *testing.T) {
	t.Parallel()

	launched := testLaunched()
	launched.MarkCommandStarted()
	launched.MarkCommandStarted()
	select {
	case <-launched.CommandStarted():
	default:
		t.Error("CommandStarted not closed")
	}
}
