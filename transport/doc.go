// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries rref protocol messages between workers.
//
// Each transport provides an agent, which implements rref.Agent and is
// handed to rref.New, and a [Listener] that feeds inbound messages to a
// [Handler] (normally the worker's *rref.Context):
//
//   - [SocketAgent] and [SocketListener] use the lib/service CBOR Unix
//     socket protocol, one connection per message. Workers on one host.
//   - [GRPCAgent] and [GRPCListener] use a unary gRPC method whose
//     request and response are protobuf BytesValue wrappers around the
//     CBOR envelope. No protoc step is needed.
//   - [MemoryNetwork] connects agents in one process. Deliveries can be
//     held, reordered, duplicated, or dropped, which is how the protocol
//     tests reproduce the races the confirmation handshake exists for.
//
// None of the transports order messages between two workers, and none
// retry. The protocol is written for exactly that.
package transport
