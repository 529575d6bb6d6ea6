// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"log/slog"
	"os/exec"
	"reflect"
	"testing"
	"time"

	"github.com/bureau-foundation/layerrun/container"
	"github.com/bureau-foundation/layerrun/lib/clock"
	"github.com/bureau-foundation/layerrun/lib/testutil"
)

func TestParsePorts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    []int
		wantErr bool
	}{
		{"", nil, false},
		{"8080", []int{8080}, false},
		{"8080 8081\n8080\t9000\n", []int{8080, 8081, 9000}, false},
		{"80 http", nil, true},
		{"0", nil, true},
		{"65536", nil, true},
	}
	for _, tt := range tests {
		got, err := ParsePorts([]byte(tt.input))
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePorts(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParsePorts(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func startWatched(t *testing.T, argv ...string) *container.Process {
	t.Helper()
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	return container.Watch(cmd)
}

func TestStopRepoServersTerminates(t *testing.T) {
	t.Parallel()

	setup := &container.Setup{Clock: clock.Real(), Logger: slog.Default()}
	servers := []*repoServer{
		{snapshot: "/a", port: 1, process: startWatched(t, "sleep", "60")},
		{snapshot: "/b", port: 2, process: startWatched(t, "sleep", "60")},
	}
	if err := stopRepoServers(setup, servers); err != nil {
		t.Fatalf("stopRepoServers: %v", err)
	}
	for _, server := range servers {
		if !server.process.Exited() {
			t.Errorf("server on port %d still running", server.port)
		}
	}
}

func TestStopRepoServersKillsAfterGrace(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Unix(0, 0))
	setup := &container.Setup{Clock: fake, Logger: slog.Default()}
	stubborn := startWatched(t, "sh", "-c", `trap "" TERM; while :; do sleep 0.1; done`)
	servers := []*repoServer{{snapshot: "/a", port: 1, process: stubborn}}

	done := make(chan error, 1)
	go func() { done <- stopRepoServers(setup, servers) }()
	fake.WaitForTimers(1)
	fake.Advance(repoServerStopGrace)

	if err := testutil.RequireReceive(t, done, 10*time.Second, "stop"); err != nil {
		t.Fatalf("stopRepoServers: %v", err)
	}
	if !stubborn.Exited() {
		t.Error("server still running after the grace period")
	}
}
