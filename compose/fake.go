// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compose

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// FakeMount is a mount recorded by FakeBackend.
type FakeMount struct {
	Kind     LayerKind
	Source   string
	Upper    string
	Target   string
	ReadOnly bool
}

// FakeBackend records mounts in memory. Set Fail to inject errors: it
// is called with the operation name ("bind", "overlay", "move",
// "unmount") and target before each operation.
type FakeBackend struct {
	Fail func(operation, target string) error

	mu     sync.Mutex
	mounts []FakeMount
	log    []string
}

// NewFakeBackend returns an empty fake backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{}
}

// Mounts returns the active mounts in mount order.
func (f *FakeBackend) Mounts() []FakeMount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.mounts)
}

// Operations returns every successful operation as "op target".
func (f *FakeBackend) Operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.log)
}

func (f *FakeBackend) Bind(source, target string, readOnly bool) error {
	return f.mount("bind", FakeMount{Kind: KindBind, Source: source, Target: filepath.Clean(target), ReadOnly: readOnly})
}

func (f *FakeBackend) Overlay(lower, upper, work, target string) error {
	return f.mount("overlay", FakeMount{Kind: KindOverlay, Source: lower, Upper: upper, Target: filepath.Clean(target)})
}

func (f *FakeBackend) mount(operation string, mount FakeMount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(operation, mount.Target); err != nil {
		return err
	}
	f.mounts = append(f.mounts, mount)
	f.log = append(f.log, operation+" "+mount.Target)
	return nil
}

func (f *FakeBackend) Move(source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	source, target = filepath.Clean(source), filepath.Clean(target)
	if err := f.fail("move", target); err != nil {
		return err
	}
	if f.index(source) < 0 {
		return fmt.Errorf("moving %s: %w", source, ErrNotMounted)
	}
	for index, mount := range f.mounts {
		if mount.Target == source {
			f.mounts[index].Target = target
		} else if rest, found := strings.CutPrefix(mount.Target, source+"/"); found {
			f.mounts[index].Target = filepath.Join(target, rest)
		}
	}
	f.log = append(f.log, "move "+source+" "+target)
	return nil
}

func (f *FakeBackend) Unmount(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target = filepath.Clean(target)
	if err := f.fail("unmount", target); err != nil {
		return err
	}
	index := f.index(target)
	if index < 0 {
		return ErrNotMounted
	}
	for _, mount := range f.mounts {
		if strings.HasPrefix(mount.Target, target+"/") {
			return fmt.Errorf("unmounting %s: busy (%s mounted below)", target, mount.Target)
		}
	}
	f.mounts = slices.Delete(f.mounts, index, index+1)
	f.log = append(f.log, "unmount "+target)
	return nil
}

func (f *FakeBackend) Mounted(target string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index(filepath.Clean(target)) >= 0, nil
}

func (f *FakeBackend) ReadOnly(target string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := f.index(filepath.Clean(target))
	if index < 0 {
		return false, fmt.Errorf("%s: %w", target, ErrNotMounted)
	}
	return f.mounts[index].ReadOnly, nil
}

// index returns the topmost mount at target, or -1.
func (f *FakeBackend) index(target string) int {
	for index := len(f.mounts) - 1; index >= 0; index-- {
		if f.mounts[index].Target == target {
			return index
		}
	}
	return -1
}

func (f *FakeBackend) fail(operation, target string) error {
	if f.Fail == nil {
		return nil
	}
	return f.Fail(operation, target)
}
