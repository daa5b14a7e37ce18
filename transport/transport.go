// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"

	"github.com/bureau-foundation/rref/lib/rref"
)

// Handler processes one inbound protocol message and returns the
// future reply.
type Handler interface {
	HandleMessage(ctx context.Context, from rref.WorkerID, message rref.Message) *rref.Future[rref.Message]
}

// Compile-time interface checks.
var (
	_ Handler    = (*rref.Context)(nil)
	_ rref.Agent = (*MemoryAgent)(nil)
	_ rref.Agent = (*SocketAgent)(nil)
	_ rref.Agent = (*GRPCAgent)(nil)
	_ Listener   = (*SocketListener)(nil)
	_ Listener   = (*GRPCListener)(nil)
)

// Listener accepts inbound protocol messages for one worker.
type Listener interface {
	// Serve dispatches every inbound message to handler until ctx is
	// cancelled. Returns nil on clean shutdown.
	Serve(ctx context.Context, handler Handler) error

	// Address is what peers put in their configuration to reach this
	// worker: a socket path or a host:port.
	Address() string
}

// Resolver maps a worker id to the address of its listener.
type Resolver func(id rref.WorkerID) (address string, ok bool)

// StaticResolver resolves from a fixed table.
func StaticResolver(addresses map[rref.WorkerID]string) Resolver {
	return func(id rref.WorkerID) (string, bool) {
		address, ok := addresses[id]
		return address, ok
	}
}

var (
	// ErrUnknownWorker is returned for sends to a worker the transport
	// cannot address.
	ErrUnknownWorker = errors.New("transport: unknown worker")

	// ErrDropped fails a MemoryNetwork send whose delivery was dropped.
	ErrDropped = errors.New("transport: message dropped")
)

// Wire actions and methods shared by the socket and gRPC transports.
const (
	ActionDeliver   = "deliver"
	ActionDebugInfo = "debug-info"
)

// envelope is the CBOR request body of a delivery.
type envelope struct {
	From    rref.WorkerID `cbor:"from"`
	Message rref.Message  `cbor:"message"`
}

// deliver runs message through handler and waits for the reply.
func deliver(ctx context.Context, handler Handler, from rref.WorkerID, message rref.Message) (rref.Message, error) {
	return handler.HandleMessage(ctx, from, message).Wait(ctx)
}
