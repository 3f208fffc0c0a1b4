// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootmeta

import (
	"context"
	"slices"
	"sync"
)

// MemoryWriter is a Writer that keeps the boot order in memory. Set
// Fail to make WriteBootOrder fail; the stored order is then left
// unchanged.
type MemoryWriter struct {
	Fail func(entries []Entry) error

	mu      sync.Mutex
	entries []Entry
	writes  int
}

// NewMemoryWriter returns an empty MemoryWriter.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

func (m *MemoryWriter) WriteBootOrder(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail(entries); err != nil {
			return err
		}
	}
	m.entries = slices.Clone(entries)
	m.writes++
	return nil
}

func (m *MemoryWriter) ReadBootOrder(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for _, entry := range m.entries {
		ids = append(ids, entry.DeploymentID)
	}
	return ids, nil
}

// Entries returns the stored boot order.
func (m *MemoryWriter) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

// Writes returns how many WriteBootOrder calls succeeded.
func (m *MemoryWriter) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
