// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package privilege runs commands across the privilege-escalation
// boundary.
//
// Most of a container launch needs root: starting systemd-nspawn,
// entering namespaces, writing cgroup.procs, snapshotting btrfs
// subvolumes. layerrun itself usually runs unprivileged and reaches root
// through an escalation wrapper (by default `sudo --`). An [Escalator]
// prefixes argument vectors with that wrapper, or with nothing when the
// process already has euid 0.
//
// The wrapper closes every descriptor above stderr. Commands that need
// extra descriptors go through lib/fdforward instead of ExtraFiles.
package privilege
