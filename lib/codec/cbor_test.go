// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

type sampleNotice struct {
	Kind   string `cbor:"kind"`
	ForkID string `cbor:"fork_id,omitempty"`
	Count  int    `cbor:"count"`
}

// textID marshals as "a:b" to exercise the TextMarshaler settings.
type textID struct {
	a, b int
}

func (id textID) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%d:%d", id.a, id.b)), nil
}

func (id *textID) UnmarshalText(text []byte) error {
	_, err := fmt.Sscanf(string(text), "%d:%d", &id.a, &id.b)
	return err
}

func TestMarshalDeterministic(t *testing.T) {
	message := sampleNotice{Kind: "user-delete", ForkID: "1:2", Count: 7}

	first, err := Marshal(message)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(message)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("Marshal produced different bytes for the same value")
		}
	}
}

func TestTextMarshalerEncodesAsString(t *testing.T) {
	type envelope struct {
		ID textID `cbor:"id"`
	}

	data, err := Marshal(envelope{ID: textID{a: 3, b: 17}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diagnostic, `"3:17"`) {
		t.Errorf("Diagnose() = %s, want a text string \"3:17\"", diagnostic)
	}

	var decoded envelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ID != (textID{a: 3, b: 17}) {
		t.Errorf("decoded ID = %+v, want {3 17}", decoded.ID)
	}
}

func TestUnmarshalAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"num_forks": 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	table, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if table["num_forks"] != uint64(2) {
		t.Errorf("num_forks = %v (%T), want uint64 2", table["num_forks"], table["num_forks"])
	}
}

func TestStreamRoundtrip(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for i := range 3 {
		if err := encoder.Encode(sampleNotice{Kind: "ack", Count: i}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i := range 3 {
		var decoded sampleNotice
		if err := decoder.Decode(&decoded); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if decoded.Count != i {
			t.Errorf("message %d Count = %d", i, decoded.Count)
		}
	}
}
