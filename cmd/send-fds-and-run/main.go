// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// send-fds-and-run forwards some of its own descriptors across a
// privilege boundary to a command started through recv-fds-and-run,
// and exits with that command's status.
//
// Usage:
//
//	send-fds-and-run [--fd N]... [--receiver PATH] [--escalate ARG]... [--no-set-listen-fds] -- CMD [args...]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/layerrun/container"
	"github.com/bureau-foundation/layerrun/lib/fdforward"
	"github.com/bureau-foundation/layerrun/lib/privilege"
	"github.com/bureau-foundation/layerrun/lib/process"
)

func main() {
	process.Exit(run(os.Args[1:]))
}

func run(args []string) error {
	set := pflag.NewFlagSet("send-fds-and-run", pflag.ContinueOnError)
	set.SetInterspersed(false)
	fds := set.IntSlice("fd", nil, "descriptor to forward, in order (repeatable)")
	receiver := set.String("receiver", "recv-fds-and-run", "receiver helper")
	escalate := set.StringArray("escalate", privilege.DefaultPrefix, "argv prefix that runs the receiver as root")
	noListen := set.Bool("no-set-listen-fds", false, "do not export LISTEN_FDS and LISTEN_PID")
	timeout := set.Duration("timeout", fdforward.DefaultTimeout, "how long to wait for the receiver")
	if err := set.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	command := set.Args()
	if len(command) == 0 {
		return errors.New("a command is required after --")
	}

	var files []*os.File
	for _, fd := range *fds {
		if fd < 0 {
			return fmt.Errorf("invalid descriptor %d", fd)
		}
		files = append(files, os.NewFile(uintptr(fd), "fd"+strconv.Itoa(fd)))
	}

	level := slog.LevelInfo
	if os.Getenv("LAYERRUN_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, err := fdforward.Start(ctx, files, command, fdforward.Options{
		Receiver:     *receiver,
		SetListenFDs: !*noListen,
		Escalator:    privilege.New(*escalate),
		Timeout:      *timeout,
		Logger:       logger,
	}, func(cmd *exec.Cmd) {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	})
	if err != nil {
		return err
	}
	code, err := container.Watch(cmd).Wait(context.Background())
	if err != nil {
		return err
	}
	if code != 0 {
		return &container.ExitError{Code: code}
	}
	return nil
}
