// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rref

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTypeMismatch is returned when an RRefID is requested with a
	// type other than the one it was first registered with.
	ErrTypeMismatch = errors.New("rref: type mismatch")

	// ErrDuplicateFork is returned by the non-idempotent registration
	// paths when a fork id is already present.
	ErrDuplicateFork = errors.New("rref: duplicate fork")

	// ErrAlreadyConfirmedOrUnknown is returned when a pending user is
	// looked up after it was confirmed, or was never registered.
	ErrAlreadyConfirmedOrUnknown = errors.New("rref: user is not pending (already confirmed or unknown)")

	// ErrRRefLeakDetected is wrapped by *LeakError.
	ErrRRefLeakDetected = errors.New("rref: leak detected")

	// ErrDestroyed fails operations that wait on a Context after Destroy.
	ErrDestroyed = errors.New("rref: context destroyed")

	// ErrUnknownOwner is returned when materializing an owner that is
	// not registered on this worker.
	ErrUnknownOwner = errors.New("rref: unknown owner rref")

	// ErrAlreadyMaterialized is returned when an owner's value is set
	// twice.
	ErrAlreadyMaterialized = errors.New("rref: owner value already set")

	// ErrOwnerIsLocal is returned when asked to create a user handle for
	// an object this worker owns.
	ErrOwnerIsLocal = errors.New("rref: owner is the local worker")

	// ErrUserDeleted is returned when forking a released handle.
	ErrUserDeleted = errors.New("rref: user already deleted")

	// ErrMalformedMessage is returned for protocol messages missing a
	// required field.
	ErrMalformedMessage = errors.New("rref: malformed message")

	// ErrUnknownMessage is returned for unrecognized message kinds.
	ErrUnknownMessage = errors.New("rref: unknown message kind")
)

// Leak is one fork the owner never received a delete for.
type Leak struct {
	RRefID RRefID
	ForkID ForkID
}

// LeakError lists every leaked fork found at shutdown. It matches
// ErrRRefLeakDetected with errors.Is.
type LeakError struct {
	Leaks []Leak
}

func (e *LeakError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "rref: %d leaked fork(s)", len(e.Leaks))
	for _, leak := range e.Leaks {
		fmt.Fprintf(&builder, "; rref %s fork %s", leak.RRefID, leak.ForkID)
	}
	return builder.String()
}

func (e *LeakError) Unwrap() error { return ErrRRefLeakDetected }
