// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/layerrun/lib/clock"
	"github.com/bureau-foundation/layerrun/lib/testutil"
)

type fakeConsole struct {
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	kills int
}

func newFakeConsole() *fakeConsole { return &fakeConsole{done: make(chan struct{})} }

func (c *fakeConsole) Done() <-chan struct{} { return c.done }

func (c *fakeConsole) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConsole) Kill() error {
	c.mu.Lock()
	c.kills++
	c.mu.Unlock()
	c.exit()
	return nil
}

func (c *fakeConsole) exit() { c.once.Do(func() { close(c.done) }) }

func (c *fakeConsole) killCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kills
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestShutdownBackoff(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(epoch)
	console := newFakeConsole()
	policy := ShutdownPolicy{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}

	var mu sync.Mutex
	var signaled []time.Duration
	signal := func() error {
		mu.Lock()
		defer mu.Unlock()
		signaled = append(signaled, fake.Now().Sub(epoch))
		if len(signaled) == 5 {
			console.exit()
		}
		// Early signals can fail before systemd is ready.
		if len(signaled) == 1 {
			return errors.New("no such process")
		}
		return nil
	}

	result := make(chan error, 1)
	go func() {
		result <- shutdown(context.Background(), console, policy, fake, signal, slog.Default())
	}()

	for _, delay := range []time.Duration{5, 10, 20, 20} {
		fake.WaitForTimers(1)
		fake.Advance(delay * time.Millisecond)
	}

	if err := testutil.RequireReceive(t, result, 5*time.Second, "shutdown to return"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{0, 5 * time.Millisecond, 15 * time.Millisecond, 35 * time.Millisecond, 55 * time.Millisecond}
	if !slices.Equal(signaled, want) {
		t.Errorf("signal times = %v, want %v", signaled, want)
	}
	if console.killCount() != 0 {
		t.Error("console was killed after a graceful shutdown")
	}
}

func TestShutdownAlreadyExited(t *testing.T) {
	t.Parallel()

	console := newFakeConsole()
	console.exit()
	signal := func() error {
		t.Error("signaled an exited console")
		return nil
	}
	if err := shutdown(context.Background(), console, DefaultShutdownPolicy(), clock.Fake(epoch), signal, slog.Default()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestShutdownMaxWait(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(epoch)
	console := newFakeConsole()
	policy := ShutdownPolicy{InitialDelay: 5 * time.Millisecond, MaxDelay: 250 * time.Millisecond, MaxWait: 12 * time.Millisecond}

	result := make(chan error, 1)
	go func() {
		result <- shutdown(context.Background(), console, policy, fake, func() error { return nil }, slog.Default())
	}()

	fake.WaitForTimers(1)
	fake.Advance(5 * time.Millisecond)
	fake.WaitForTimers(1)
	fake.Advance(10 * time.Millisecond)

	err := testutil.RequireReceive(t, result, 5*time.Second, "shutdown to give up")
	if !errors.Is(err, errShutdownTimeout) {
		t.Errorf("shutdown error = %v, want errShutdownTimeout", err)
	}
	if console.killCount() != 1 {
		t.Errorf("console killed %d times, want 1", console.killCount())
	}
}

func TestShutdownCancelled(t *testing.T) {
	t.Parallel()

	console := newFakeConsole()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := shutdown(ctx, console, DefaultShutdownPolicy(), clock.Fake(epoch), func() error { return nil }, slog.Default())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("shutdown error = %v, want context.Canceled", err)
	}
	if console.killCount() != 1 {
		t.Errorf("console killed %d times, want 1", console.killCount())
	}
}

func TestShutdownPolicyValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultShutdownPolicy().Validate(); err != nil {
		t.Errorf("default policy: %v", err)
	}
	for name, policy := range map[string]ShutdownPolicy{
		"zero initial":      {MaxDelay: time.Second},
		"max below initial": {InitialDelay: time.Second, MaxDelay: time.Millisecond},
		"negative max wait": {InitialDelay: time.Millisecond, MaxDelay: time.Second, MaxWait: -1},
	} {
		var configErr *ConfigurationError
		if err := policy.Validate(); !errors.As(err, &configErr) {
			t.Errorf("%s: Validate() = %v, want *ConfigurationError", name, err)
		}
	}
}
