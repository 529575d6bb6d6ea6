// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package privilege

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// DefaultPrefix is the escalation wrapper used when none is configured.
var DefaultPrefix = []string{"sudo", "--"}

// Escalator turns argument vectors into commands that run as root.
type Escalator struct {
	prefix []string
}

// New returns an Escalator using prefix, or no prefix at all when the
// current process is already root.
func New(prefix []string) Escalator {
	if os.Geteuid() == 0 {
		return Escalator{}
	}
	return Escalator{prefix: append([]string(nil), prefix...)}
}

// WithPrefix returns an Escalator that always uses prefix, regardless
// of the current euid. Tests use it with an empty prefix.
func WithPrefix(prefix []string) Escalator {
	return Escalator{prefix: append([]string(nil), prefix...)}
}

// Direct reports whether commands run without an escalation wrapper, in
// which case descriptors can be passed with ExtraFiles and signals sent
// with kill(2).
func (e Escalator) Direct() bool {
	return len(e.prefix) == 0
}

// Wrap returns argv prefixed with the escalation wrapper.
func (e Escalator) Wrap(argv ...string) []string {
	wrapped := make([]string, 0, len(e.prefix)+len(argv))
	wrapped = append(wrapped, e.prefix...)
	return append(wrapped, argv...)
}

// Command returns an exec.Cmd running argv as root. The environment is
// the minimal one from Environ; callers needing more set cmd.Env.
func (e Escalator) Command(ctx context.Context, argv ...string) *exec.Cmd {
	wrapped := e.Wrap(argv...)
	cmd := exec.CommandContext(ctx, wrapped[0], wrapped[1:]...)
	cmd.Env = Environ()
	return cmd
}

// Run runs argv as root. A failure includes the command's stderr.
func (e Escalator) Run(ctx context.Context, argv ...string) error {
	_, err := e.Output(ctx, argv...)
	return err
}

// Output runs argv as root and returns its stdout.
func (e Escalator) Output(ctx context.Context, argv ...string) ([]byte, error) {
	cmd := e.Command(ctx, argv...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if message := strings.TrimSpace(stderr.String()); message != "" {
			return out, fmt.Errorf("%s: %w: %s", argv[0], err, message)
		}
		return out, fmt.Errorf("%s: %w", argv[0], err)
	}
	return out, nil
}

// Environ is the environment given to privileged helper commands: the
// caller's PATH and a C locale, nothing else.
func Environ() []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	return []string{"PATH=" + path, "LC_ALL=C"}
}
