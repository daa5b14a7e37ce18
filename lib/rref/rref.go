// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rref

import "fmt"

// RRef is either an *OwnerRRef or a *UserRRef.
type RRef interface {
	RRefID() RRefID
	Owner() WorkerID
	Type() TypeName
	IsOwner() bool
}

// Compile-time interface checks.
var (
	_ RRef = (*OwnerRRef)(nil)
	_ RRef = (*UserRRef)(nil)
)

// ForkData describes one fork well enough for the receiving worker to
// build a matching reference. It is what travels on the wire when a
// reference is handed to another worker.
type ForkData struct {
	Owner  WorkerID `cbor:"owner"`
	RRefID RRefID   `cbor:"rref_id"`
	ForkID ForkID   `cbor:"fork_id"`
	Parent WorkerID `cbor:"parent"`
	Type   TypeName `cbor:"type"`
}

// OwnerRRef is the reference on the worker that holds the value. The
// value arrives through the Future returned by Value; until then the
// owner is pending materialization.
type OwnerRRef struct {
	owner    WorkerID
	rrefID   RRefID
	typeName TypeName
	value    *Future[any]

	// orphaned is set when the last fork was deleted while the value
	// was still pending. Guarded by Context.mu.
	orphaned bool
}

func newOwnerRRef(owner WorkerID, rrefID RRefID, typeName TypeName) *OwnerRRef {
	return &OwnerRRef{
		owner:    owner,
		rrefID:   rrefID,
		typeName: typeName,
		value:    NewFuture[any](),
	}
}

func (o *OwnerRRef) RRefID() RRefID  { return o.rrefID }
func (o *OwnerRRef) Owner() WorkerID { return o.owner }
func (o *OwnerRRef) Type() TypeName  { return o.typeName }
func (o *OwnerRRef) IsOwner() bool   { return true }

// Value returns the future carrying the owned value.
func (o *OwnerRRef) Value() *Future[any] { return o.value }

// Pending reports whether the value has not been set yet.
func (o *OwnerRRef) Pending() bool { return !o.value.Completed() }

func (o *OwnerRRef) String() string {
	return fmt.Sprintf("OwnerRRef(%s, %s)", o.rrefID, o.typeName)
}

// UserState is the confirmation state of a user handle.
type UserState int

const (
	UserPending UserState = iota
	UserConfirmed
	UserDeleted
)

func (s UserState) String() string {
	switch s {
	case UserPending:
		return "pending"
	case UserConfirmed:
		return "confirmed"
	case UserDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("UserState(%d)", int(s))
	}
}

// UserRRef is a handle to a value owned by another worker. The handle
// never holds the value, only identity.
type UserRRef struct {
	context  *Context
	owner    WorkerID
	rrefID   RRefID
	forkID   ForkID
	typeName TypeName

	// Guarded by context.mu.
	state            UserState
	pendingChildren  int
	releaseRequested bool
	err              error

	// deleteReply is completed when a DelUser-requested notice is
	// acknowledged.
	deleteReply *Future[Message]
}

func (u *UserRRef) RRefID() RRefID  { return u.rrefID }
func (u *UserRRef) Owner() WorkerID { return u.owner }
func (u *UserRRef) Type() TypeName  { return u.typeName }
func (u *UserRRef) IsOwner() bool   { return false }

// ForkID returns the id of this handle instance.
func (u *UserRRef) ForkID() ForkID { return u.forkID }

// State returns the current confirmation state.
func (u *UserRRef) State() UserState {
	u.context.mu.Lock()
	defer u.context.mu.Unlock()
	return u.state
}

// Confirmed reports whether the owner has acknowledged this handle.
// A handle stays confirmed after Release until the delete is sent.
func (u *UserRRef) Confirmed() bool {
	return u.State() == UserConfirmed
}

// Err returns the remote failure recorded while confirming this handle,
// if any. A failed confirmation still moves the handle to confirmed so
// that it can be released normally.
func (u *UserRRef) Err() error {
	u.context.mu.Lock()
	defer u.context.mu.Unlock()
	return u.err
}

// Release signals that the application no longer uses this handle. The
// delete notice goes to the owner as soon as the handle is confirmed and
// every child it forwarded has been accepted. Calling Release more than
// once has no further effect.
func (u *UserRRef) Release() {
	u.context.releaseUser(u)
}

// newForkData describes a new fork of ref sent from parent.
func newForkData(ref RRef, forkID ForkID, parent WorkerID) ForkData {
	return ForkData{
		Owner:  ref.Owner(),
		RRefID: ref.RRefID(),
		ForkID: forkID,
		Parent: parent,
		Type:   ref.Type(),
	}
}

func (u *UserRRef) String() string {
	return fmt.Sprintf("UserRRef(%s, fork %s, owner %d)", u.rrefID, u.forkID, u.owner)
}
