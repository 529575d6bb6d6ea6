// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"log/slog"
)

// resourceStack holds release functions for acquired resources. A
// release is pushed only after its acquisition succeeded, and unwind
// runs them newest first.
type resourceStack struct {
	logger   *slog.Logger
	releases []namedRelease
}

type namedRelease struct {
	name    string
	release func() error
}

func newResourceStack(logger *slog.Logger) *resourceStack {
	return &resourceStack{logger: logger}
}

// push registers release for the resource called name.
func (s *resourceStack) push(name string, release func() error) {
	s.releases = append(s.releases, namedRelease{name: name, release: release})
}

// unwind releases everything in reverse order. Failures are logged and
// never stop the unwind: a leaked cgroup or temp dir must not turn a
// successful run into a failed one.
func (s *resourceStack) unwind() {
	for i := len(s.releases) - 1; i >= 0; i-- {
		entry := s.releases[i]
		if err := entry.release(); err != nil {
			s.logger.Warn("cleanup failed", "resource", entry.name, "error", err)
		} else {
			s.logger.Debug("released", "resource", entry.name)
		}
	}
	s.releases = nil
}
