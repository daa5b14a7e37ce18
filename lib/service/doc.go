// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service is a small CBOR request-response protocol over Unix
// sockets, used between workers on one host and by rrefctl.
//
// Each connection carries exactly one request and one response. The
// request is a CBOR map with an "action" field naming the handler plus
// whatever fields that handler decodes. The response is always the
// [Response] envelope: {ok: true, data: ...} or {ok: false, error: "..."}.
// CBOR is self-delimiting, so there is no framing.
//
// [SocketServer] dispatches actions registered with Handle. [Client]
// opens a connection per Call and turns an ok=false response into a
// [*ServiceError].
package service
