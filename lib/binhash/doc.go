// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash computes BLAKE3 digests of files and byte streams.
//
// The shadow-paths plugin uses it to prove that a shadowed file was
// restored byte-for-byte: it digests the original before the container
// runs and compares the restored file afterwards. Files inside a
// container image are often readable only by root, so [HashReader]
// accepts the stdout of a privileged `cat` as readily as an open file.
package binhash
