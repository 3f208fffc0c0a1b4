// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package treestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/rootswap/lib/atomicfile"
	"github.com/bureau-foundation/rootswap/lib/digest"
	"github.com/bureau-foundation/rootswap/lib/failure"
)

const (
	objectsDir     = "objects"
	temporaryDir   = "tmp"
	ledgerFile     = "pins.cbor"
	ledgerLockFile = "pins.lock"

	// checkoutPrefix names extraction directories under tmp/. The
	// extracting process's pid follows, so abandoned extractions can
	// be told apart from ones in progress.
	checkoutPrefix = "checkout-"
)

// Options configures Open.
type Options struct {
	// Fetcher resolves references for Checkout. Required for Checkout;
	// the pin and collection operations work without one.
	Fetcher Fetcher

	// Logger receives operational logs. Nil discards them.
	Logger *slog.Logger
}

// Store is a content-addressed store of read-only trees.
type Store struct {
	root    string
	fetcher Fetcher
	logger  *slog.Logger
}

// Tree is a checked-out tree.
type Tree struct {
	Digest    digest.Digest
	Path      string
	Reference string
	MediaType string

	// Reused is true when the tree was already present and Checkout
	// only added a pin.
	Reused bool
}

// TreeInfo describes a tree in the store for status reporting.
type TreeInfo struct {
	Digest  digest.Digest `json:"digest"`
	Path    string        `json:"path"`
	Holders []string      `json:"holders"`
}

// Open opens the store rooted at root (normally <sysroot>/trees),
// creating its layout if missing.
func Open(root string, options Options) (*Store, error) {
	for _, directory := range []string{root, filepath.Join(root, objectsDir), filepath.Join(root, temporaryDir)} {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, failure.Errorf(failure.IoFailure, "treestore.open", "creating %s: %w", directory, err)
		}
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	store := &Store{root: root, fetcher: options.Fetcher, logger: logger}
	if _, err := store.readLedger(); err != nil {
		return nil, failure.New(failure.CorruptState, "treestore.open", err)
	}
	return store, nil
}

// ObjectPath returns where the tree with the given digest lives.
func (s *Store) ObjectPath(tree digest.Digest) string {
	return filepath.Join(s.root, objectsDir, tree.String())
}

// Has reports whether the tree is present.
func (s *Store) Has(tree digest.Digest) bool {
	info, err := os.Stat(s.ObjectPath(tree))
	return err == nil && info.IsDir()
}

func (s *Store) ledgerPath() string     { return filepath.Join(s.root, ledgerFile) }
func (s *Store) ledgerLockPath() string { return filepath.Join(s.root, ledgerLockFile) }

// Checkout resolves reference to a present, verified tree pinned by
// holder. If the tree is already present it is reused. Otherwise the
// content is extracted and verified; on failure nothing is left
// behind and the error is failure.NotFound, failure.IntegrityFailure,
// or failure.IoFailure.
func (s *Store) Checkout(ctx context.Context, reference, holder string) (Tree, error) {
	if s.fetcher == nil {
		return Tree{}, failure.Errorf(failure.IoFailure, "treestore.checkout", "no fetcher configured")
	}
	content, err := s.fetcher.Open(ctx, reference)
	if err != nil {
		return Tree{}, err
	}
	defer content.Reader.Close()

	if content.Expected.IsZero() {
		return Tree{}, failure.Errorf(failure.IntegrityFailure, "treestore.checkout", "%s has no expected digest", reference)
	}

	tree := Tree{
		Digest:    content.Expected,
		Path:      s.ObjectPath(content.Expected),
		Reference: reference,
		MediaType: content.MediaType,
	}

	// Fast path: pin an existing tree without reading the content.
	err = s.withLedger(func(current *ledger) (bool, error) {
		if !s.Has(tree.Digest) {
			return false, nil
		}
		tree.Reused = true
		return current.add(tree.Digest.String(), holder), nil
	})
	if err != nil {
		return Tree{}, failure.New(failure.IoFailure, "treestore.checkout", err)
	}
	if tree.Reused {
		s.logger.Info("reusing tree", "reference", reference, "tree", tree.Digest.Short(), "holder", holder)
		return tree, nil
	}

	temporary, err := os.MkdirTemp(filepath.Join(s.root, temporaryDir), checkoutPrefix+strconv.Itoa(os.Getpid())+"-")
	if err != nil {
		return Tree{}, failure.Errorf(failure.IoFailure, "treestore.checkout", "creating extraction directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if removeErr := removeTree(temporary); removeErr != nil {
				s.logger.Warn("removing failed extraction", "path", temporary, "error", removeErr)
			}
		}
	}()

	hasher := digest.NewHasher()
	stream := io.TeeReader(&contextReader{ctx: ctx, reader: content.Reader}, hasher)
	stats, err := extract(stream, temporary, s.logger)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Tree{}, fmt.Errorf("extracting %s: %w", reference, ctxErr)
		}
		return Tree{}, err
	}
	// The tar reader stops at the end-of-archive marker; the digest
	// covers the whole stream, including any trailing padding.
	if _, err := io.Copy(io.Discard, stream); err != nil {
		return Tree{}, failure.Errorf(failure.IntegrityFailure, "treestore.checkout", "reading %s: %w", reference, err)
	}

	actual := hasher.Sum()
	if actual != content.Expected {
		return Tree{}, failure.Errorf(failure.IntegrityFailure, "treestore.checkout",
			"%s: content digest %s does not match expected %s", reference, actual, content.Expected)
	}

	if err := stripWritePermission(temporary); err != nil {
		return Tree{}, failure.Errorf(failure.IoFailure, "treestore.checkout", "sealing extracted tree: %w", err)
	}

	err = s.withLedger(func(current *ledger) (bool, error) {
		if s.Has(tree.Digest) {
			// A concurrent checkout of the same tree won the race.
			tree.Reused = true
		} else {
			if err := os.Rename(temporary, tree.Path); err != nil {
				return false, fmt.Errorf("moving tree into place: %w", err)
			}
			committed = true
			if err := atomicfile.SyncDirectory(filepath.Dir(tree.Path)); err != nil {
				return false, err
			}
			if err := os.Chmod(tree.Path, 0o555); err != nil {
				return false, err
			}
		}
		return current.add(tree.Digest.String(), holder), nil
	})
	if err != nil {
		return Tree{}, failure.New(failure.IoFailure, "treestore.checkout", err)
	}

	s.logger.Info("checked out tree",
		"reference", reference,
		"tree", tree.Digest.Short(),
		"media_type", tree.MediaType,
		"files", stats.files,
		"bytes", stats.bytes,
		"holder", holder,
	)
	return tree, nil
}

// Pin records holder as keeping tree alive. Pinning twice with the
// same holder counts once.
func (s *Store) Pin(tree digest.Digest, holder string) error {
	err := s.withLedger(func(current *ledger) (bool, error) {
		return current.add(tree.String(), holder), nil
	})
	if err != nil {
		return failure.New(failure.IoFailure, "treestore.pin", err)
	}
	return nil
}

// Unpin releases holder's pin on tree. The tree is not deleted even if
// this was the last pin. Unpinning a holder that holds no pin is a
// no-op.
func (s *Store) Unpin(tree digest.Digest, holder string) error {
	err := s.withLedger(func(current *ledger) (bool, error) {
		removed := current.remove(tree.String(), holder)
		if !removed {
			s.logger.Debug("unpin of absent holder", "tree", tree.Short(), "holder", holder)
		}
		return removed, nil
	})
	if err != nil {
		return failure.New(failure.IoFailure, "treestore.unpin", err)
	}
	return nil
}

// Transfer moves a pin from one holder to another in a single ledger
// update, so the tree is never unpinned in between.
func (s *Store) Transfer(tree digest.Digest, from, to string) error {
	err := s.withLedger(func(current *ledger) (bool, error) {
		added := current.add(tree.String(), to)
		removed := current.remove(tree.String(), from)
		return added || removed, nil
	})
	if err != nil {
		return failure.New(failure.IoFailure, "treestore.transfer", err)
	}
	return nil
}

// Holders returns the holders pinning tree.
func (s *Store) Holders(tree digest.Digest) ([]string, error) {
	var holders []string
	err := s.withLedger(func(current *ledger) (bool, error) {
		holders = slices.Clone(current.holders(tree.String()))
		return false, nil
	})
	if err != nil {
		return nil, failure.New(failure.IoFailure, "treestore.holders", err)
	}
	return holders, nil
}

// DeleteIfUnpinned deletes tree if nothing pins it. Reports whether
// the tree was deleted.
func (s *Store) DeleteIfUnpinned(tree digest.Digest) (bool, error) {
	deleted := false
	err := s.withLedger(func(current *ledger) (bool, error) {
		if len(current.holders(tree.String())) > 0 || !s.Has(tree) {
			return false, nil
		}
		if err := removeTree(s.ObjectPath(tree)); err != nil {
			return false, err
		}
		deleted = true
		return false, nil
	})
	if err != nil {
		return false, failure.New(failure.IoFailure, "treestore.delete", err)
	}
	if deleted {
		s.logger.Info("deleted unpinned tree", "tree", tree.Short())
	}
	return deleted, nil
}

// Collect deletes every tree that nothing pins and returns their
// digests.
func (s *Store) Collect() ([]digest.Digest, error) {
	var deleted []digest.Digest
	err := s.withLedger(func(current *ledger) (bool, error) {
		entries, err := os.ReadDir(filepath.Join(s.root, objectsDir))
		if err != nil {
			return false, err
		}
		for _, entry := range entries {
			tree, parseErr := digest.Parse(entry.Name())
			if parseErr != nil {
				s.logger.Warn("ignoring unexpected entry in tree store", "name", entry.Name())
				continue
			}
			if len(current.holders(entry.Name())) > 0 {
				continue
			}
			if err := removeTree(s.ObjectPath(tree)); err != nil {
				return false, err
			}
			deleted = append(deleted, tree)
		}
		return false, nil
	})
	if err != nil {
		return deleted, failure.New(failure.IoFailure, "treestore.collect", err)
	}
	for _, tree := range deleted {
		s.logger.Info("collected unpinned tree", "tree", tree.Short())
	}
	return deleted, nil
}

// Reconcile rebuilds the pin ledger. The result holds exactly the pins
// in expected (tree to holders, normally derived from the committed
// deployment list) plus any existing pin whose holder keep accepts
// (normally the tokens of live stagings). Returns the number of pins
// added and removed.
func (s *Store) Reconcile(expected map[digest.Digest][]string, keep func(holder string) bool) (added, removed int, err error) {
	err = s.withLedger(func(current *ledger) (bool, error) {
		want := make(map[string]map[string]bool)
		for tree, holders := range expected {
			set := make(map[string]bool, len(holders))
			for _, holder := range holders {
				set[holder] = true
			}
			want[tree.String()] = set
		}

		for tree, holders := range current.Pins {
			for _, holder := range slices.Clone(holders) {
				if want[tree][holder] || (keep != nil && keep(holder)) {
					continue
				}
				current.remove(tree, holder)
				removed++
				s.logger.Warn("dropped leaked pin", "tree", tree[:digest.ShortLength], "holder", holder)
			}
		}
		for tree, holders := range want {
			for holder := range holders {
				if current.add(tree, holder) {
					added++
					s.logger.Warn("restored missing pin", "tree", tree[:digest.ShortLength], "holder", holder)
				}
			}
		}
		return added+removed > 0, nil
	})
	if err != nil {
		return 0, 0, failure.New(failure.IoFailure, "treestore.reconcile", err)
	}
	return added, removed, nil
}

// Trees lists the trees present in the store with their holders. It
// does not take the ledger lock: the ledger is only ever replaced by
// rename, so the read sees one complete version of it.
func (s *Store) Trees() ([]TreeInfo, error) {
	current, err := s.readLedger()
	if err != nil {
		return nil, failure.New(failure.IoFailure, "treestore.trees", err)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, objectsDir))
	if err != nil {
		return nil, failure.New(failure.IoFailure, "treestore.trees", err)
	}
	var trees []TreeInfo
	for _, entry := range entries {
		tree, parseErr := digest.Parse(entry.Name())
		if parseErr != nil {
			continue
		}
		trees = append(trees, TreeInfo{
			Digest:  tree,
			Path:    s.ObjectPath(tree),
			Holders: current.holders(entry.Name()),
		})
	}
	return trees, nil
}

// RemoveAbandonedCheckouts deletes extraction directories left by
// processes that are no longer running, and atomic-write temporaries
// beside the ledger.
func (s *Store) RemoveAbandonedCheckouts() (int, error) {
	directory := filepath.Join(s.root, temporaryDir)
	entries, err := os.ReadDir(directory)
	if err != nil {
		return 0, failure.Errorf(failure.IoFailure, "treestore.recover", "reading %s: %w", directory, err)
	}
	removed := 0
	for _, entry := range entries {
		pid, ok := checkoutOwner(entry.Name())
		if ok && processAlive(pid) {
			continue
		}
		if err := removeTree(filepath.Join(directory, entry.Name())); err != nil {
			return removed, failure.Errorf(failure.IoFailure, "treestore.recover", "removing %s: %w", entry.Name(), err)
		}
		removed++
	}
	// Ledger writers create their temporaries under the ledger lock.
	var temporaries int
	err = s.withLedger(func(*ledger) (bool, error) {
		var sweepErr error
		temporaries, sweepErr = atomicfile.RemoveTemporaries(s.root)
		return false, sweepErr
	})
	if err != nil {
		return removed, failure.New(failure.IoFailure, "treestore.recover", err)
	}
	return removed + temporaries, nil
}

// checkoutOwner parses the pid from "checkout-<pid>-<random>".
func checkoutOwner(name string) (int, bool) {
	rest, found := strings.CutPrefix(name, checkoutPrefix)
	if !found {
		return 0, false
	}
	pidText, _, found := strings.Cut(rest, "-")
	if !found {
		return 0, false
	}
	pid, err := strconv.Atoi(pidText)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// contextReader fails reads once ctx is done, so a long extraction
// stops promptly on cancellation.
type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.reader.Read(p)
}
