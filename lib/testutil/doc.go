// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so that a protocol test which fails to deliver a
// confirmation fails quickly instead of hanging the suite. They are the
// only place real wall-clock timeouts are used in tests; everything else
// drives time through lib/clock.
//
// [SocketDir] creates a short directory under /tmp for Unix sockets,
// which have a 108-byte path limit that t.TempDir() can exceed.
//
// All helpers call t.Fatalf on failure.
package testutil
