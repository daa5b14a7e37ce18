// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rref

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// WorkerID identifies a worker in the cluster. Assignment is the
// responsibility of cluster membership, not this package.
type WorkerID uint16

// WorkerInfo is the identity of one worker.
type WorkerInfo struct {
	ID   WorkerID `cbor:"id"`
	Name string   `cbor:"name"`
}

func (w WorkerInfo) String() string {
	return fmt.Sprintf("%s(%d)", w.Name, w.ID)
}

// nextLocalID is shared by every Context in the process so that ids
// stay unique even if a process hosts more than one Context for the
// same worker id.
var nextLocalID atomic.Uint64

// GloballyUniqueID pairs the creating worker with a process-local
// sequence number. Its text form is "<worker>:<local>".
type GloballyUniqueID struct {
	CreatedOn WorkerID
	LocalID   uint64
}

func (id GloballyUniqueID) String() string {
	return strconv.FormatUint(uint64(id.CreatedOn), 10) + ":" + strconv.FormatUint(id.LocalID, 10)
}

// MarshalText implements encoding.TextMarshaler.
func (id GloballyUniqueID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *GloballyUniqueID) UnmarshalText(text []byte) error {
	parsed, err := ParseGloballyUniqueID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseGloballyUniqueID parses the "<worker>:<local>" form.
func ParseGloballyUniqueID(s string) (GloballyUniqueID, error) {
	workerPart, localPart, found := strings.Cut(s, ":")
	if !found {
		return GloballyUniqueID{}, fmt.Errorf("globally unique id %q: missing ':'", s)
	}
	worker, err := strconv.ParseUint(workerPart, 10, 16)
	if err != nil {
		return GloballyUniqueID{}, fmt.Errorf("globally unique id %q: worker: %w", s, err)
	}
	local, err := strconv.ParseUint(localPart, 10, 64)
	if err != nil {
		return GloballyUniqueID{}, fmt.Errorf("globally unique id %q: local id: %w", s, err)
	}
	return GloballyUniqueID{CreatedOn: WorkerID(worker), LocalID: local}, nil
}

// RRefID identifies the logical remote object: the owner's creation
// event.
type RRefID struct{ GloballyUniqueID }

// ForkID identifies one handle instance of an RRef.
type ForkID struct{ GloballyUniqueID }

// selfForkID is the fork id an owner registers for itself to bridge a
// round trip through its own transport.
func selfForkID(rrefID RRefID) ForkID {
	return ForkID{rrefID.GloballyUniqueID}
}

// TypeName is the declared type of the value behind a reference. Two
// declarations are compatible only when they are equal.
type TypeName string
