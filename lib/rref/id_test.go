// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rref

import (
	"strings"
	"testing"

	"github.com/bureau-foundation/rref/lib/codec"
)

func TestGloballyUniqueIDTextRoundtrip(t *testing.T) {
	original := GloballyUniqueID{CreatedOn: 3, LocalID: 17}
	if got := original.String(); got != "3:17" {
		t.Fatalf("String() = %q, want 3:17", got)
	}

	var parsed GloballyUniqueID
	if err := parsed.UnmarshalText([]byte("3:17")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if parsed != original {
		t.Errorf("UnmarshalText = %+v, want %+v", parsed, original)
	}
}

func TestParseGloballyUniqueIDRejects(t *testing.T) {
	for _, input := range []string{"", "3", "x:1", "1:y", "70000:1", "1:-2"} {
		if _, err := ParseGloballyUniqueID(input); err == nil {
			t.Errorf("ParseGloballyUniqueID(%q) succeeded, want error", input)
		}
	}
}

func TestForkDataCBORUsesTextIDs(t *testing.T) {
	data := ForkData{
		Owner:  2,
		RRefID: RRefID{GloballyUniqueID{CreatedOn: 2, LocalID: 5}},
		ForkID: ForkID{GloballyUniqueID{CreatedOn: 4, LocalID: 9}},
		Parent: 4,
		Type:   "tensor",
	}
	encoded, err := codec.Marshal(data)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := codec.Diagnose(encoded)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	for _, want := range []string{`"2:5"`, `"4:9"`} {
		if !strings.Contains(diagnostic, want) {
			t.Errorf("encoded fork data %s missing %s", diagnostic, want)
		}
	}

	var decoded ForkData
	if err := codec.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != data {
		t.Errorf("decoded = %+v, want %+v", decoded, data)
	}
}

func TestGenGloballyUniqueIDDistinct(t *testing.T) {
	c, _ := newTestContext(t, 1)
	seen := make(map[GloballyUniqueID]bool)
	for range 1000 {
		id := c.GenGloballyUniqueID()
		if id.CreatedOn != 1 {
			t.Fatalf("CreatedOn = %d, want 1", id.CreatedOn)
		}
		if seen[id] {
			t.Fatalf("GenGloballyUniqueID returned %s twice", id)
		}
		seen[id] = true
	}
}
