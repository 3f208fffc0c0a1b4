// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package treestore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/rootswap/lib/digest"
	"github.com/bureau-foundation/rootswap/lib/failure"
)

// digestSeparator splits an archive path from an inline digest in a
// reference: "/images/os-42.tar.zst@blake3:<hex>".
const digestSeparator = "@blake3:"

// digestSuffix names the sibling file holding an archive's digest when
// the reference does not carry one.
const digestSuffix = ".blake3"

// ArchiveFetcher resolves references to tar archives on the local
// filesystem. An archive may be compressed (.tar.zst, .tar.lz4) and
// may additionally be age-encrypted (.age suffix), in which case one
// of Identities must decrypt it.
type ArchiveFetcher struct {
	Identities []age.Identity
}

// NewArchiveFetcher returns a fetcher that decrypts with the
// identities in identityFile. An empty path means encrypted archives
// are refused.
func NewArchiveFetcher(identityFile string) (*ArchiveFetcher, error) {
	fetcher := &ArchiveFetcher{}
	if identityFile == "" {
		return fetcher, nil
	}
	file, err := os.Open(identityFile)
	if err != nil {
		return nil, fmt.Errorf("opening age identity file: %w", err)
	}
	defer file.Close()
	identities, err := age.ParseIdentities(file)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity file %s: %w", identityFile, err)
	}
	fetcher.Identities = identities
	return fetcher, nil
}

// ParseReference splits a reference into the archive path and the
// inline expected digest, which is zero when absent.
func ParseReference(reference string) (string, digest.Digest, error) {
	if reference == "" {
		return "", digest.Digest{}, fmt.Errorf("empty image reference")
	}
	index := strings.LastIndex(reference, digestSeparator)
	if index < 0 {
		return reference, digest.Digest{}, nil
	}
	expected, err := digest.Parse(reference[index+len(digestSeparator):])
	if err != nil {
		return "", digest.Digest{}, fmt.Errorf("image reference %q: %w", reference, err)
	}
	return reference[:index], expected, nil
}

// Open implements Fetcher.
func (f *ArchiveFetcher) Open(ctx context.Context, reference string) (*Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, expected, err := ParseReference(reference)
	if err != nil {
		return nil, failure.New(failure.NotFound, "treestore.fetch", err)
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, failure.Errorf(failure.NotFound, "treestore.fetch", "image %s does not exist", path)
		}
		return nil, failure.Errorf(failure.IoFailure, "treestore.fetch", "opening %s: %w", path, err)
	}

	if expected.IsZero() {
		expected, err = readDigestFile(path + digestSuffix)
		if err != nil {
			file.Close()
			return nil, err
		}
	}

	reader, mediaType, err := f.decode(file, path)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Content{Reader: reader, Expected: expected, MediaType: mediaType}, nil
}

// decode peels the encoding layers named by the file suffixes,
// outermost first.
func (f *ArchiveFetcher) decode(file *os.File, path string) (io.ReadCloser, string, error) {
	name := path
	var reader io.Reader = bufio.NewReader(file)
	closers := []func() error{file.Close}

	if strings.HasSuffix(name, ".age") {
		if len(f.Identities) == 0 {
			return nil, "", failure.Errorf(failure.IntegrityFailure, "treestore.fetch", "%s is encrypted and no age identity is configured", path)
		}
		decrypted, err := age.Decrypt(reader, f.Identities...)
		if err != nil {
			return nil, "", failure.Errorf(failure.IntegrityFailure, "treestore.fetch", "decrypting %s: %w", path, err)
		}
		reader = decrypted
		name = strings.TrimSuffix(name, ".age")
	}

	mediaType := MediaTypeTar
	switch {
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tar.zstd"):
		decoder, err := zstd.NewReader(reader)
		if err != nil {
			return nil, "", failure.Errorf(failure.IntegrityFailure, "treestore.fetch", "zstd stream in %s: %w", path, err)
		}
		reader = decoder
		closers = append(closers, func() error { decoder.Close(); return nil })
		mediaType = MediaTypeTarZstd
	case strings.HasSuffix(name, ".tar.lz4"):
		reader = lz4.NewReader(reader)
		mediaType = MediaTypeTarLZ4
	case strings.HasSuffix(name, ".tar"):
	default:
		return nil, "", failure.Errorf(failure.NotFound, "treestore.fetch", "%s is not a recognized archive (.tar, .tar.zst, .tar.lz4, optionally .age)", path)
	}
	return &layeredReader{Reader: reader, closers: closers}, mediaType, nil
}

// readDigestFile reads a sibling digest file. The first field is the
// digest; anything after it (such as a file name) is ignored.
func readDigestFile(path string) (digest.Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return digest.Digest{}, failure.Errorf(failure.IntegrityFailure, "treestore.fetch",
				"no expected digest: reference has no %s suffix and %s does not exist", digestSeparator, path)
		}
		return digest.Digest{}, failure.Errorf(failure.IoFailure, "treestore.fetch", "reading %s: %w", path, err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return digest.Digest{}, failure.Errorf(failure.IntegrityFailure, "treestore.fetch", "%s is empty", path)
	}
	parsed, err := digest.Parse(fields[0])
	if err != nil {
		return digest.Digest{}, failure.Errorf(failure.IntegrityFailure, "treestore.fetch", "%s: %w", path, err)
	}
	return parsed, nil
}

// layeredReader closes every decoding layer, innermost last.
type layeredReader struct {
	io.Reader
	closers []func() error
}

func (r *layeredReader) Close() error {
	var errs []error
	for index := len(r.closers) - 1; index >= 0; index-- {
		if err := r.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
