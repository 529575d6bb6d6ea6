// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the layerrun binaries.
//
// The variables are injected with -ldflags -X at build time:
//
//	go build -ldflags "-X github.com/bureau-foundation/layerrun/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds report "unknown" and "0.1.0-dev".
package version
