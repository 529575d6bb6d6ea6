// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/layerrun/lib/subvol"
)

// SubvolFunc acquires the working volume for opts and runs body with it.
type SubvolFunc func(ctx context.Context, opts Options, body func(subvol.Volume) error) error

// SetupFunc prepares the cgroup, mount namespace and command line for a
// volume and runs body with the result.
type SetupFunc func(ctx context.Context, volume subvol.Volume, opts Options, streams IO, body func(*Setup) error) error

// LaunchFunc starts the container for setup and runs body once the
// container's PID is known.
type LaunchFunc func(ctx context.Context, setup *Setup, body func(*Launched) error) error

// Hooks are one invocation's wrappers. A nil hook leaves its step
// unchanged. Each wrapper receives the next-inner step and must call it
// exactly once, releasing whatever it acquired before returning.
type Hooks struct {
	WrapSubvol func(next SubvolFunc) SubvolFunc
	WrapSetup  func(next SetupFunc) SetupFunc
	WrapLaunch func(next LaunchFunc) LaunchFunc
}

// Plugin contributes Hooks to a run. NewHooks is called once per run,
// so per-run state belongs in the closures it returns.
type Plugin interface {
	Name() string
	NewHooks() Hooks
}

// PluginFunc adapts a name and hook constructor into a Plugin.
func PluginFunc(name string, newHooks func() Hooks) Plugin {
	return pluginFunc{name: name, newHooks: newHooks}
}

type pluginFunc struct {
	name     string
	newHooks func() Hooks
}

func (p pluginFunc) Name() string    { return p.name }
func (p pluginFunc) NewHooks() Hooks { return p.newHooks() }

// steps are the three composed step functions of a run.
type steps struct {
	subvol SubvolFunc
	setup  SetupFunc
	launch LaunchFunc
}

// compose folds plugins around inner from right to left: the first
// plugin's wrapper is the outermost caller.
func compose(plugins []Plugin, inner steps) steps {
	composed := inner
	for i := len(plugins) - 1; i >= 0; i-- {
		name := plugins[i].Name()
		hooks := plugins[i].NewHooks()
		if hooks.WrapSubvol != nil {
			composed.subvol = guardSubvol(name, hooks.WrapSubvol, composed.subvol)
		}
		if hooks.WrapSetup != nil {
			composed.setup = guardSetup(name, hooks.WrapSetup, composed.setup)
		}
		if hooks.WrapLaunch != nil {
			composed.launch = guardLaunch(name, hooks.WrapLaunch, composed.launch)
		}
	}
	return composed
}

// callGuard enforces that a wrapper calls its next step exactly once.
type callGuard struct {
	plugin string
	step   string
	calls  int
}

func (g *callGuard) enter() error {
	g.calls++
	if g.calls > 1 {
		return fmt.Errorf("plugin %s called the %s step more than once", g.plugin, g.step)
	}
	return nil
}

func (g *callGuard) check(err error) error {
	if err == nil && g.calls == 0 {
		return fmt.Errorf("plugin %s returned without calling the %s step", g.plugin, g.step)
	}
	return err
}

func guardSubvol(name string, wrap func(SubvolFunc) SubvolFunc, next SubvolFunc) SubvolFunc {
	return func(ctx context.Context, opts Options, body func(subvol.Volume) error) error {
		guard := &callGuard{plugin: name, step: "subvol"}
		wrapped := wrap(func(ctx context.Context, opts Options, body func(subvol.Volume) error) error {
			if err := guard.enter(); err != nil {
				return err
			}
			return next(ctx, opts, body)
		})
		return guard.check(wrapped(ctx, opts, body))
	}
}

func guardSetup(name string, wrap func(SetupFunc) SetupFunc, next SetupFunc) SetupFunc {
	return func(ctx context.Context, volume subvol.Volume, opts Options, streams IO, body func(*Setup) error) error {
		guard := &callGuard{plugin: name, step: "setup"}
		wrapped := wrap(func(ctx context.Context, volume subvol.Volume, opts Options, streams IO, body func(*Setup) error) error {
			if err := guard.enter(); err != nil {
				return err
			}
			return next(ctx, volume, opts, streams, body)
		})
		return guard.check(wrapped(ctx, volume, opts, streams, body))
	}
}

func guardLaunch(name string, wrap func(LaunchFunc) LaunchFunc, next LaunchFunc) LaunchFunc {
	return func(ctx context.Context, setup *Setup, body func(*Launched) error) error {
		guard := &callGuard{plugin: name, step: "launch"}
		wrapped := wrap(func(ctx context.Context, setup *Setup, body func(*Launched) error) error {
			if err := guard.enter(); err != nil {
				return err
			}
			return next(ctx, setup, body)
		})
		return guard.check(wrapped(ctx, setup, body))
	}
}
