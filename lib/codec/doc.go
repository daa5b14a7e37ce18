// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the single CBOR configuration used for every
// inter-worker protocol envelope: fork notices, accept and delete
// notices, fetch replies, and the socket request/response framing in
// lib/service.
//
// Encoding follows Core Deterministic Encoding (RFC 8949 §4.2), so a
// given message always produces identical bytes. Identifier types that
// implement encoding.TextMarshaler (rref.RRefID, rref.ForkID) travel as
// CBOR text strings such as "3:17".
//
// Buffer-oriented use:
//
//	data, err := codec.Marshal(message)
//	err = codec.Unmarshal(data, &message)
//
// Stream-oriented use (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Protocol types carry `cbor` struct tags only. Types that are also
// printed as JSON by rrefctl carry `json` tags, which fxamacker/cbor
// reads as a fallback; a field never has both.
package codec
