// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// layerrun runs a command in a container built from an image layer with
// systemd-nspawn.
//
// Usage:
//
//	layerrun --layer PATH [flags] [--] [command [args...]]
//	layerrun check [--layer PATH] [--config FILE]
//
// The exit status is the command's. Failures to run it print
// "error: ..." and exit 1.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/layerrun/container"
	"github.com/bureau-foundation/layerrun/lib/config"
	"github.com/bureau-foundation/layerrun/lib/privilege"
	"github.com/bureau-foundation/layerrun/lib/process"
	"github.com/bureau-foundation/layerrun/lib/repoconfig"
	"github.com/bureau-foundation/layerrun/lib/subvol"
	"github.com/bureau-foundation/layerrun/lib/version"
	"github.com/bureau-foundation/layerrun/plugins"
)

// debugEnv enables debug logging like --debug.
const debugEnv = "LAYERRUN_DEBUG"

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "check" {
		process.Exit(checkCmd(args[1:]))
	}
	process.Exit(run(args))
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug || os.Getenv(debugEnv) != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func resolveTools(cfg *config.Config) (container.Tools, error) {
	var tools container.Tools
	for _, tool := range []struct {
		name   string
		target *string
	}{
		{cfg.Tools.Nspawn, &tools.Nspawn},
		{cfg.Tools.Entry, &tools.Entry},
		{cfg.Tools.RecvFDs, &tools.RecvFDs},
		{cfg.Tools.Clonecaps, &tools.Clonecaps},
	} {
		path, err := cfg.BinaryPath(tool.name)
		if err != nil {
			return container.Tools{}, err
		}
		*tool.target = path
	}
	return tools, nil
}

// loadRepo reads the configured repo config, or discovers one above the
// working directory. Outside any repository there is none.
func loadRepo(cfg *config.Config) (*repoconfig.Config, error) {
	if cfg.RepoConfig != "" {
		return repoconfig.ReadFile(cfg.RepoConfig)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	repo, err := repoconfig.Discover(cwd)
	if errors.Is(err, repoconfig.ErrNoRepo) {
		return nil, nil
	}
	return repo, err
}

func run(args []string) error {
	flags, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.showVersion {
		fmt.Printf("layerrun %s\n", version.Info())
		return nil
	}
	logger := newLogger(flags.debug)
	slog.SetDefault(logger)
	logger.Debug("starting", "version", version.Full())

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	tools, err := resolveTools(cfg)
	if err != nil {
		return err
	}
	repo, err := loadRepo(cfg)
	if err != nil {
		return err
	}
	escalator := privilege.New(cfg.Privilege.Escalate)

	layer, err := subvol.Open(subvol.Kind(flags.layerKind), flags.layer, escalator)
	if err != nil {
		return fmt.Errorf("opening layer: %w", err)
	}
	user, err := container.LookupUserIn(layer.Path("/etc/passwd"), flags.user)
	if err != nil {
		return err
	}
	opts, err := flags.options(user)
	if err != nil {
		return err
	}
	opts.Layer = layer

	pluginArgs, err := flags.pluginArgs(tools.Entry, cfg.Paths.Temp)
	if err != nil {
		return err
	}
	pluginArgs.Logger = logger
	runPlugins, err := plugins.Default(opts, pluginArgs)
	if err != nil {
		return err
	}

	console, closeConsole, err := flags.consoleRedirect()
	if err != nil {
		return err
	}
	defer closeConsole()
	streams := container.DefaultIO()
	streams.Console = console

	runner, err := container.New(container.Config{
		Tools:     tools,
		Privilege: escalator,
		Repo:      repo,
		Shutdown: container.ShutdownPolicy{
			InitialDelay: cfg.Shutdown.InitialDelay,
			MaxDelay:     cfg.Shutdown.MaxDelay,
			MaxWait:      cfg.Shutdown.MaxWait,
		},
		TempDir: cfg.Paths.Temp,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcome, err := runner.Run(ctx, opts, streams, runPlugins...)
	if err != nil {
		return err
	}
	if outcome.Console != nil && outcome.Console.ExitCode != 0 {
		logger.Warn("systemd-nspawn exited abnormally", "exit_code", outcome.Console.ExitCode)
	}
	return outcome.Err()
}

// checkCmd reports whether this host can run containers.
func checkCmd(args []string) error {
	set := pflag.NewFlagSet("layerrun check", pflag.ContinueOnError)
	layerPath := set.String("layer", "", "also check this layer")
	layerKind := set.String("layer-kind", "btrfs", "layer backend: btrfs or dir")
	configPath := set.String("config", "", "config file (default: $LAYERRUN_CONFIG)")
	if err := set.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	validator := container.NewValidator()
	tools, err := resolveTools(cfg)
	if err != nil {
		// The validator reports which one is missing.
		tools = container.Tools{
			Nspawn:    cfg.Tools.Nspawn,
			Entry:     cfg.Tools.Entry,
			RecvFDs:   cfg.Tools.RecvFDs,
			Clonecaps: cfg.Tools.Clonecaps,
		}
	}
	var layer subvol.Volume
	if *layerPath != "" {
		layer, err = subvol.Open(subvol.Kind(*layerKind), *layerPath, privilege.New(cfg.Privilege.Escalate))
		if err != nil {
			return fmt.Errorf("opening layer: %w", err)
		}
	}
	repo, err := loadRepo(cfg)
	if err != nil {
		return err
	}

	validator.ValidateAll(tools, container.DetectCapabilities(), layer, repo)
	validator.PrintResults(os.Stdout)
	if validator.HasErrors() {
		return &container.ExitError{Code: 1}
	}
	return nil
}
