// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package treestore

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/rootswap/lib/atomicfile"
	"github.com/bureau-foundation/rootswap/lib/codec"
	"github.com/bureau-foundation/rootswap/lib/digest"
)

// ledgerVersion is the pin ledger format version.
const ledgerVersion = 1

// ledger is the persisted pin ledger: for each tree (hex digest), the
// sorted set of holders keeping it alive.
type ledger struct {
	Version int                 `cbor:"version"`
	Pins    map[string][]string `cbor:"pins"`
}

func (l *ledger) holders(tree string) []string {
	return l.Pins[tree]
}

// add records holder on tree. Returns false if it was already there.
func (l *ledger) add(tree, holder string) bool {
	holders := l.Pins[tree]
	index, found := slices.BinarySearch(holders, holder)
	if found {
		return false
	}
	l.Pins[tree] = slices.Insert(holders, index, holder)
	return true
}

// remove drops holder from tree. Returns false if it was not there.
func (l *ledger) remove(tree, holder string) bool {
	holders := l.Pins[tree]
	index, found := slices.BinarySearch(holders, holder)
	if !found {
		return false
	}
	holders = slices.Delete(holders, index, index+1)
	if len(holders) == 0 {
		delete(l.Pins, tree)
	} else {
		l.Pins[tree] = holders
	}
	return true
}

// withLedger runs fn with the ledger loaded under the ledger lock, and
// persists the ledger if fn reports a change.
func (s *Store) withLedger(fn func(*ledger) (bool, error)) error {
	lockFile, err := os.OpenFile(s.ledgerLockPath(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening pin ledger lock: %w", err)
	}
	defer lockFile.Close()
	// The critical sections are short (no extraction happens under
	// this lock), so blocking is acceptable here unlike the sysroot
	// lock.
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking pin ledger: %w", err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	current, err := s.readLedger()
	if err != nil {
		return err
	}
	changed, err := fn(current)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.writeLedger(current)
}

func (s *Store) readLedger() (*ledger, error) {
	data, err := os.ReadFile(s.ledgerPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &ledger{Version: ledgerVersion, Pins: make(map[string][]string)}, nil
		}
		return nil, fmt.Errorf("reading pin ledger: %w", err)
	}
	var loaded ledger
	if err := codec.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("decoding pin ledger %s: %w", s.ledgerPath(), err)
	}
	if loaded.Version != ledgerVersion {
		return nil, fmt.Errorf("pin ledger version %d, this binary understands %d", loaded.Version, ledgerVersion)
	}
	if loaded.Pins == nil {
		loaded.Pins = make(map[string][]string)
	}
	for tree, holders := range loaded.Pins {
		if _, err := digest.Parse(tree); err != nil {
			return nil, fmt.Errorf("pin ledger %s: %w", s.ledgerPath(), err)
		}
		slices.Sort(holders)
		loaded.Pins[tree] = slices.Compact(holders)
	}
	return &loaded, nil
}

func (s *Store) writeLedger(current *ledger) error {
	data, err := codec.Marshal(current)
	if err != nil {
		return fmt.Errorf("encoding pin ledger: %w", err)
	}
	if err := atomicfile.WriteFile(s.ledgerPath(), data, 0o644); err != nil {
		return fmt.Errorf("writing pin ledger: %w", err)
	}
	return nil
}
