// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"errors"
	"log/slog"
	"slices"
	"testing"
)

func TestResourceStackUnwindOrder(t *testing.T) {
	t.Parallel()

	var released []string
	stack := newResourceStack(slog.Default())
	for _, name := range []string{"cgroup", "bind target", "mount namespace"} {
		stack.push(name, func() error {
			released = append(released, name)
			if name == "bind target" {
				return errors.New("busy")
			}
			return nil
		})
	}
	stack.unwind()

	want := []string{"mount namespace", "bind target", "cgroup"}
	if !slices.Equal(released, want) {
		t.Errorf("released %q, want %q", released, want)
	}

	// A second unwind is a no-op.
	stack.unwind()
	if len(released) != 3 {
		t.Errorf("second unwind released again: %q", released)
	}
}
