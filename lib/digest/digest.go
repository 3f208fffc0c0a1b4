// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Size is the byte length of a Digest.
const Size = 32

// ShortLength is the number of hex characters in a short digest.
const ShortLength = 16

// Digest is a 32-byte BLAKE3 keyed digest of a tree's tar stream.
type Digest [Size]byte

// treeDomainKey is the BLAKE3 key for tree digests. Changing it
// invalidates every digest in every existing tree store. The bytes are
// the ASCII domain name zero-padded to 32 bytes so the key is readable
// in hex dumps.
var treeDomainKey = [32]byte{
	'r', 'o', 'o', 't', 's', 'w', 'a', 'p', '.', 't', 'r', 'e', 'e', 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Hasher accumulates a tree digest over a stream. It implements
// io.Writer so it can sit on one side of an io.TeeReader.
type Hasher struct {
	hash hash.Hash
}

// NewHasher returns a Hasher keyed with the tree domain.
func NewHasher() *Hasher {
	// NewKeyed only fails for keys that are not 32 bytes.
	keyed, err := blake3.NewKeyed(treeDomainKey[:])
	if err != nil {
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return &Hasher{hash: keyed}
}

// Write adds p to the digest. Never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.hash.Write(p)
}

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() Digest {
	var result Digest
	copy(result[:], h.hash.Sum(nil))
	return result
}

// Sum computes the tree digest of data.
func Sum(data []byte) Digest {
	hasher := NewHasher()
	hasher.Write(data)
	return hasher.Sum()
}

// FromReader computes the tree digest of everything read from r.
func FromReader(r io.Reader) (Digest, error) {
	hasher := NewHasher()
	if _, err := io.Copy(hasher, r); err != nil {
		return Digest{}, fmt.Errorf("hashing tree stream: %w", err)
	}
	return hasher.Sum(), nil
}

// IsZero reports whether d is the zero digest (never a valid tree).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the 64-character hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first ShortLength hex characters.
func (d Digest) Short() string {
	return d.String()[:ShortLength]
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Parse parses a 64-character hex digest. A "blake3:" prefix is
// accepted and ignored.
func Parse(text string) (Digest, error) {
	text = strings.TrimPrefix(strings.TrimSpace(text), "blake3:")
	var result Digest
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return result, fmt.Errorf("parsing tree digest: %w", err)
	}
	if len(decoded) != Size {
		return result, fmt.Errorf("tree digest is %d bytes, want %d", len(decoded), Size)
	}
	copy(result[:], decoded)
	return result, nil
}
