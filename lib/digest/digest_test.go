// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/zeebo/blake3"
)

func TestSumMatchesStreaming(t *testing.T) {
	content := bytes.Repeat([]byte("usr/lib/os-release\x00"), 10000)

	streamed, err := FromReader(bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if whole := Sum(content); whole != streamed {
		t.Errorf("Sum = %s, FromReader = %s", whole, streamed)
	}
}

func TestSumIsDomainSeparated(t *testing.T) {
	content := []byte("tree content")
	unkeyed := blake3.Sum256(content)
	if Sum(content) == Digest(unkeyed) {
		t.Error("tree digest equals unkeyed BLAKE3; domain key not applied")
	}
}

func TestParseRoundTrip(t *testing.T) {
	original := Sum([]byte("fedora-coreos-42"))

	parsed, err := Parse(original.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != original {
		t.Errorf("Parse(String()) = %s, want %s", parsed, original)
	}

	prefixed, err := Parse("blake3:" + original.String())
	if err != nil {
		t.Fatal(err)
	}
	if prefixed != original {
		t.Error("blake3: prefix not accepted")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, input := range []string{"", "zz", strings.Repeat("ab", 31), strings.Repeat("ab", 33)} {
		if _, err := Parse(input); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", input)
		}
	}
}

func TestShort(t *testing.T) {
	value := Sum([]byte("x"))
	if got := value.Short(); len(got) != ShortLength || !strings.HasPrefix(value.String(), got) {
		t.Errorf("Short() = %q", got)
	}
}

func TestJSONUsesHex(t *testing.T) {
	value := Sum([]byte("json"))
	data, err := json.Marshal(struct {
		Tree Digest `json:"tree"`
	}{value})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), value.String()) {
		t.Errorf("JSON %s does not contain hex digest", data)
	}

	var decoded struct {
		Tree Digest `json:"tree"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Tree != value {
		t.Error("JSON round trip changed digest")
	}
}
