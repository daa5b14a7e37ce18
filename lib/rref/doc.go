// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rref tracks the lifetime of remote references (RRefs) shared
// between workers that talk over an unordered, possibly duplicating
// transport.
//
// An [OwnerRRef] lives on the worker that holds the value. A [UserRRef]
// is a handle to it on some other worker, identified by its own
// [ForkID]. The [Context] decides when an owner may be freed: never while
// any fork of it might still exist or be in flight.
//
// # Protocol
//
// Every user handle is Pending until the owner acknowledges it, then
// Confirmed, then Deleted once the application calls Release and the
// delete notice has been sent. The messages involved are:
//
//   - user-create: creator to owner, registers a user made by
//     CreateUserRRef; the owner answers user-accept.
//   - fork-request: a worker that received a forwarded handle tells the
//     owner about its new fork; the owner answers user-accept.
//   - child-accept: the receiver of a forwarded handle tells the
//     forwarding parent that the owner knows about the child.
//   - user-delete: a released handle tells the owner to drop its fork.
//
// The transport gives no ordering guarantee between any two sends. A
// parent that has forwarded a handle is therefore held in the
// pending-children table, and its delete notice withheld, until the
// child-accept arrives. Otherwise the delete could reach the owner before
// the child's fork-request and free the value early.
//
// # Locking
//
// A single mutex guards every table. Critical sections only touch
// memory. Sends, future completions, and subscribed callbacks always run
// after the lock is released, so a callback may call back into the
// Context.
//
// # Shutdown
//
// [Context.Destroy] drains outstanding handles with a bounded wait,
// audits the owner table for forks that were never deleted, and returns
// the owners whose payload the caller still has to release.
package rref
