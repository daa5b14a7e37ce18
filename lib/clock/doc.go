// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that bounded
// waits (the shutdown drain in lib/rref, request deadlines in the
// transports) can be driven deterministically in tests.
//
// Production code holds a Clock field set to Real(). Tests construct a
// FakeClock, start the goroutine that will wait, call WaitForTimers to
// make sure the wait has registered, then Advance past the deadline:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go func() { done <- rrefContext.DelAllUsers(time.Second) }()
//	fake.WaitForTimers(1)
//	fake.Advance(time.Second)
package clock
