// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/layerrun/lib/clock"
)

// ShutdownPolicy bounds the booted-mode shutdown loop. The power-off
// signal is resent with exponential backoff, starting at InitialDelay
// and capped at MaxDelay, until the console process exits.
type ShutdownPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// MaxWait is how long to keep signaling before killing the console
	// process. Zero waits indefinitely.
	MaxWait time.Duration
}

// DefaultShutdownPolicy returns the policy used when none is configured.
func DefaultShutdownPolicy() ShutdownPolicy {
	return ShutdownPolicy{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
	}
}

// Validate checks the policy's bounds.
func (p ShutdownPolicy) Validate() error {
	switch {
	case p.InitialDelay <= 0:
		return configErrorf("Shutdown.InitialDelay", "must be positive, got %s", p.InitialDelay)
	case p.MaxDelay < p.InitialDelay:
		return configErrorf("Shutdown.MaxDelay", "%s is less than InitialDelay %s", p.MaxDelay, p.InitialDelay)
	case p.MaxWait < 0:
		return configErrorf("Shutdown.MaxWait", "must not be negative, got %s", p.MaxWait)
	}
	return nil
}

// shutdown signals until console exits. systemd may not have installed
// its signal handlers yet when the first signal arrives, hence the
// resends. A signal failure is not fatal: the target may already be
// gone, which the next Done check observes.
//
// When ctx ends or MaxWait elapses, the console process is killed and
// the loop waits for it to be reaped.
func shutdown(ctx context.Context, console exitWatcher, policy ShutdownPolicy, clk clock.Clock, signal func() error, logger *slog.Logger) error {
	start := clk.Now()
	delay := policy.InitialDelay
	attempts := 0
	for !console.Exited() {
		if ctx.Err() != nil {
			kill(console, logger)
			return ctx.Err()
		}
		if policy.MaxWait > 0 && clk.Now().Sub(start) >= policy.MaxWait {
			logger.Warn("container ignored shutdown signal, killing", "attempts", attempts, "waited", policy.MaxWait)
			kill(console, logger)
			return errShutdownTimeout
		}

		attempts++
		if err := signal(); err != nil {
			logger.Debug("shutdown signal failed", "attempt", attempts, "error", err)
		}

		select {
		case <-console.Done():
		case <-ctx.Done():
		case <-clk.After(delay):
		}
		delay = min(policy.MaxDelay, delay*2)
	}
	logger.Debug("container shut down", "attempts", attempts)
	return nil
}

func kill(console exitWatcher, logger *slog.Logger) {
	if err := console.Kill(); err != nil {
		logger.Debug("killing console process failed", "error", err)
	}
	<-console.Done()
}
