// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for layerrun.
//
// Configuration is loaded from a single file specified by either the
// LAYERRUN_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). Unlike most tools, a missing file is not an error
// when neither is given: layerrun runs with [Default] so that a bare
// host with systemd-nspawn on PATH needs no setup. There is no
// ~/.config discovery and no automatic file search.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${LAYERRUN_BIN}, and ${VAR:-default} patterns are expanded.
// No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Paths, Tools, Privilege, Shutdown
//   - [Default] -- returns a Config with host defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.BinaryPath] -- hermetic helper binary resolution
//
// This package depends on no other layerrun packages.
package config
