// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for the polling and
// backoff loops in layerrun: the booted-container shutdown reaper, the
// init-system readiness wait, and the repo-server termination grace
// period.
//
// Production code takes a Clock and uses Real(). Tests use Fake(), which
// only moves when Advance is called:
//
//	c := clock.Fake(time.Unix(0, 0))
//	go reaper.Run(ctx)
//	c.WaitForTimers(1) // reaper is sleeping between signals
//	c.Advance(5 * time.Millisecond)
//
// WaitForTimers removes the race between a goroutine registering a sleep
// and the test advancing time past it.
package clock
