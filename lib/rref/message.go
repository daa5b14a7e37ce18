// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rref

import (
	"context"

	"github.com/bureau-foundation/rref/lib/codec"
)

// MessageKind names a protocol message.
type MessageKind string

const (
	// KindUserCreate registers a user made by CreateUserRRef with its
	// owner, creating the owner if needed. Answered by KindUserAccept.
	KindUserCreate MessageKind = "user-create"

	// KindForkRequest registers a forwarded fork with an existing (or
	// not yet created) owner. Answered by KindUserAccept.
	KindForkRequest MessageKind = "fork-request"

	// KindChildAccept tells a forwarding parent that its child is known
	// to the owner. Answered by KindAck.
	KindChildAccept MessageKind = "child-accept"

	// KindUserAccept is the owner's acknowledgement of a fork.
	KindUserAccept MessageKind = "user-accept"

	// KindUserDelete drops one fork on the owner. Answered by KindAck.
	KindUserDelete MessageKind = "user-delete"

	// KindFetch asks the owner for the value. Answered by KindValue once
	// the owner exists and the value is set.
	KindFetch MessageKind = "fetch"

	// KindValue carries a CBOR-encoded owner value.
	KindValue MessageKind = "value"

	// KindDebugInfo asks for the table sizes. The reply carries Info.
	KindDebugInfo MessageKind = "debug-info"

	// KindAck is the empty acknowledgement.
	KindAck MessageKind = "ack"
)

// Message is the envelope for every protocol message and reply.
// Requests and replies are correlated by the transport, and within the
// protocol by (RRefID, ForkID).
type Message struct {
	Kind   MessageKind      `cbor:"kind"`
	Fork   *ForkData        `cbor:"fork,omitempty"`
	RRefID RRefID           `cbor:"rref_id"`
	ForkID ForkID           `cbor:"fork_id"`
	Value  codec.RawMessage `cbor:"value,omitempty"`
	Info   map[string]int   `cbor:"info,omitempty"`
}

// Agent is the transport a Context sends through. Send must not block
// on the network: it returns a future completed with the peer's reply
// (or failed with the transport error) on whatever goroutine the
// transport uses. Sends to the local worker must be delivered like any
// other send.
type Agent interface {
	WorkerInfo() WorkerInfo
	Send(ctx context.Context, to WorkerID, message Message) *Future[Message]
}
