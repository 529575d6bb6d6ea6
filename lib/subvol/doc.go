// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package subvol is the narrow volume interface layerrun runs
// containers against.
//
// A [Volume] is a directory tree holding a filesystem image. The
// orchestrator only needs to resolve paths inside it, snapshot it,
// delete snapshots, and run commands as root against it. Two backends
// exist: [Btrfs], where snapshots are copy-on-write subvolume
// snapshots, and [Dir], a plain directory snapshotted with
// `cp -a --reflink=auto` for hosts without btrfs. Building image content
// is out of scope.
//
// All mutations run as root through a privilege.Escalator; layer
// contents are typically root-owned.
package subvol
