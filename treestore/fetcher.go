// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package treestore

import (
	"context"
	"io"

	"github.com/bureau-foundation/rootswap/lib/digest"
)

// Media types reported in Content.MediaType.
const (
	MediaTypeTar     = "application/x-tar"
	MediaTypeTarZstd = "application/x-tar+zstd"
	MediaTypeTarLZ4  = "application/x-tar+lz4"
)

// Content is an opened tree image.
type Content struct {
	// Reader yields the uncompressed tar stream. The store closes it.
	Reader io.ReadCloser

	// Expected is the digest the stream must hash to. Content without
	// an expected digest is refused.
	Expected digest.Digest

	// MediaType describes the encoding the content was stored in.
	MediaType string
}

// Fetcher resolves image references to content. Implementations
// return failure.NotFound for references that do not resolve.
type Fetcher interface {
	Open(ctx context.Context, reference string) (*Content, error)
}
