// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

type sampleRecord struct {
	AEID      string            `cbor:"ae_id"`
	State     int               `cbor:"state"`
	Payload   map[string]string `cbor:"payload,omitempty"`
	CreatedAt time.Time         `cbor:"created_at"`
}

func TestMarshalDeterministicMapOrder(t *testing.T) {
	// Go map iteration is randomized; deterministic encoding must
	// still produce identical bytes across many encodings.
	record := sampleRecord{
		AEID:  "A1",
		State: 2,
		Payload: map[string]string{
			"subject":  "telemetry.x",
			"decision": "allow",
			"ae_id":    "A1",
			"reason":   "",
		},
	}

	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := Marshal(record)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding %d differs from first encoding", i)
		}
	}
}

func TestTimeRoundtrip(t *testing.T) {
	created := time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)
	data, err := Marshal(sampleRecord{AEID: "A1", CreatedAt: created})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", decoded.CreatedAt, created)
	}
}

func TestStreamSequence(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for i := 0; i < 3; i++ {
		if err := encoder.Encode(sampleRecord{AEID: "A1", State: i}); err != nil {
			t.Fatalf("Encode %d: %v", i, err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i := 0; ; i++ {
		var record sampleRecord
		err := decoder.Decode(&record)
		if errors.Is(err, io.EOF) {
			if i != 3 {
				t.Fatalf("decoded %d records, want 3", i)
			}
			break
		}
		if err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if record.State != i {
			t.Errorf("record %d has State %d", i, record.State)
		}
	}
}

func TestUnmarshalAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"ae_id": "A1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		t.Fatalf("decoded %T, want map[string]any", decoded)
	}
}

func TestUnmarshalInvalid(t *testing.T) {
	var record sampleRecord
	if err := Unmarshal([]byte{0xff, 0x00}, &record); err == nil {
		t.Fatal("expected error for invalid CBOR")
	}
}
