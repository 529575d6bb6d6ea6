// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bureau-foundation/layerrun/container"
	"github.com/bureau-foundation/layerrun/lib/subvol"
)

// HookFunc runs once the user command's host PID is known and before
// the command starts. The returned cleanup, if any, runs after the
// command has exited.
type HookFunc func(ctx context.Context, setup *container.Setup, pid int) (cleanup func() error, err error)

// Hook runs fn against the user command's process.
//
// The command is prefixed with the entry helper in await-ready mode,
// which reports its host PID and then blocks until the hook succeeds.
// If fn fails the command is never started: the helper sees its ready
// pipe close and exits non-zero.
func Hook(name, entryPath string, fn HookFunc) container.Plugin {
	return container.PluginFunc(name, func() container.Hooks {
		var exfil *container.Exfiltrator
		dir := "/__layerrun_hook_" + name + "__"
		entry := dir + "/entry"
		outerProc := dir + "/outerproc"

		return container.Hooks{
			WrapSetup: func(next container.SetupFunc) container.SetupFunc {
				return func(ctx context.Context, volume subvol.Volume, opts container.Options, streams container.IO, body func(*container.Setup) error) error {
					var err error
					exfil, err = container.NewExfiltrator(len(opts.ForwardFiles), true)
					if err != nil {
						return err
					}
					defer exfil.Close()

					wrapped := []string{
						entry, "await-ready",
						"--pid-fd", strconv.Itoa(exfil.PIDFD()),
						"--ready-fd", strconv.Itoa(exfil.ReadyFD()),
						"--outerproc", outerProc,
						"--unmount", entry,
						"--unmount", outerProc,
						"--",
					}
					opts = opts.WithForwardFiles(exfil.Forwarded()...).WithBindsRO(
						container.BindMount{Source: entryPath, Dest: entry},
						container.BindMount{Source: "/proc", Dest: outerProc},
					)
					opts.Command = append(wrapped, opts.Command...)
					return next(ctx, volume, opts, streams, body)
				}
			},
			WrapLaunch: func(next container.LaunchFunc) container.LaunchFunc {
				return func(ctx context.Context, setup *container.Setup, body func(*container.Launched) error) error {
					return next(ctx, setup, func(launched *container.Launched) error {
						return runWithHook(ctx, name, launched, exfil, fn, body)
					})
				}
			},
		}
	})
}

type hookResult struct {
	cleanup func() error
	err     error
}

// runWithHook runs body, which starts the user command, while a second
// goroutine waits for the command's PID and runs fn.
func runWithHook(ctx context.Context, name string, launched *container.Launched, exfil *container.Exfiltrator, fn HookFunc, body func(*container.Launched) error) error {
	if exfil == nil {
		return fmt.Errorf("%s: launch without setup", name)
	}
	logger := launched.Setup.Logger.With("hook", name)
	hookCtx, cancel := context.WithCancel(ctx)
	done := make(chan hookResult, 1)
	go func() {
		cleanup, err := runHook(hookCtx, launched, exfil, fn)
		done <- hookResult{cleanup: cleanup, err: err}
	}()

	bodyErr := body(launched)
	cancel()
	result := <-done

	hookErr := result.err
	if hookErr != nil && errors.Is(hookErr, context.Canceled) && ctx.Err() == nil {
		// The command ended without reporting its PID, so there was
		// nothing to hook; its exit status says why.
		logger.Warn("command exited before the hook ran")
		hookErr = nil
	}
	if hookErr != nil {
		hookErr = fmt.Errorf("%s: %w", name, hookErr)
	}
	var cleanupErr error
	if result.cleanup != nil {
		if cleanupErr = result.cleanup(); cleanupErr != nil {
			cleanupErr = fmt.Errorf("%s cleanup: %w", name, cleanupErr)
		}
	}
	return errors.Join(bodyErr, hookErr, cleanupErr)
}

// runHook waits for the command to start, drops the parent's copies of
// the pipe ends it forwarded so that a command dying before its report
// reads as EOF, then reads the PID, runs fn and sends ready.
func runHook(ctx context.Context, launched *container.Launched, exfil *container.Exfiltrator, fn HookFunc) (func() error, error) {
	select {
	case <-launched.CommandStarted():
		exfil.CloseForwarded()
	case <-ctx.Done():
		exfil.Close()
		return nil, ctx.Err()
	}
	pid, err := exfil.ReadPID(ctx)
	if err != nil {
		exfil.Close()
		return nil, err
	}
	cleanup, err := fn(ctx, launched.Setup, pid)
	if err != nil {
		exfil.Close()
		return nil, err
	}
	if err := exfil.SendReady(); err != nil {
		return cleanup, err
	}
	return cleanup, nil
}
