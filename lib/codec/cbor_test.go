// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type samplePin struct {
	Reference string    `cbor:"reference"`
	Count     int       `cbor:"count"`
	Updated   time.Time `cbor:"updated"`
}

func TestMarshalUnmarshal(t *testing.T) {
	original := samplePin{
		Reference: "/var/cache/images/os-42.tar.zst",
		Count:     2,
		Updated:   time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC),
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded samplePin
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Reference != original.Reference || decoded.Count != original.Count {
		t.Errorf("decoded %+v, want %+v", decoded, original)
	}
	if !decoded.Updated.Equal(original.Updated) {
		t.Errorf("updated = %v, want %v", decoded.Updated, original.Updated)
	}
}

func TestMarshalDeterministicMapOrder(t *testing.T) {
	ledger := map[string]int{"zeta": 1, "alpha": 2, "mid": 3}

	first, err := Marshal(ledger)
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		again, err := Marshal(ledger)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("map encoding is not deterministic")
		}
	}
}

func TestUnmarshalRejectsDuplicateKeys(t *testing.T) {
	// {"a": 1, "a": 2}
	data := []byte{0xa2, 0x61, 'a', 0x01, 0x61, 'a', 0x02}
	var decoded map[string]int
	if err := Unmarshal(data, &decoded); err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]int{"count": 3})
	if err != nil {
		t.Fatal(err)
	}
	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(diagnostic, `"count": 3`) {
		t.Errorf("diagnostic = %s", diagnostic)
	}
}
