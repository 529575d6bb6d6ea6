// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugins provides the container plugins used for image builds
// and tests.
//
// Each plugin is a [container.Plugin] whose hooks wrap one or more of
// the run's steps:
//
//   - [MetadataDir] copies a build metadata directory into the working
//     volume at [MetadataDirName] (WrapSubvol).
//   - [ShadowPaths] replaces files in the image with other files for the
//     duration of the run, backing up and restoring the originals
//     (WrapSetup).
//   - [VersionLock] binds a package versionlock list into each served
//     repo snapshot (WrapSetup).
//   - [Hook] runs a function against the user command's host PID before
//     the command is allowed to start (WrapSetup and WrapLaunch).
//   - [RepoServers] is a Hook that starts a repo-server per port inside
//     the container's network namespace.
//
// [Default] composes these from [PluginArgs] in the order they must
// nest.
package plugins

const (
	// MetadataDirName is the container path of the build metadata dir.
	MetadataDirName = "/__layerrun__"

	// DefaultSnapshotDir holds one repo snapshot per package manager,
	// each named after the manager's binary.
	DefaultSnapshotDir = MetadataDirName + "/rpm/default-snapshot-for-installer"

	// ShadowedRoot holds the originals of shadowed files during a run.
	ShadowedRoot = MetadataDirName + "/shadowed"
)
