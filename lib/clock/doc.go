// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source for code that arms
// timers.
//
// The key exchange arms a deadline when it posts its ECDHE handshake
// and fails every queued operation if the ephemeral key has not
// arrived in time. Tests drive that deadline with a FakeClock instead
// of waiting in real time:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	dispatcher, _ := activity.New(activity.Config{Clock: fake, ...})
//	// ... submit an operation that triggers the handshake ...
//	fake.WaitForTimers(1)
//	fake.Advance(20 * time.Second)
package clock
