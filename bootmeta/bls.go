// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootmeta

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bureau-foundation/rootswap/lib/atomicfile"
)

const (
	loaderLink      = "loader"
	loaderTemporary = "loader.tmp"
	entriesDir      = "entries"
	imagesDir       = "rootswap"
	entryPrefix     = "rootswap-"
	entrySuffix     = ".conf"
	kernelName      = "vmlinuz"
	initramfsName   = "initramfs.img"
)

// BLSWriter writes Boot Loader Specification entries under a boot
// directory.
type BLSWriter struct {
	bootDir string
	logger  *slog.Logger
}

// NewBLSWriter returns a writer for bootDir (normally /boot). Nil
// logger discards logs.
func NewBLSWriter(bootDir string, logger *slog.Logger) *BLSWriter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BLSWriter{bootDir: bootDir, logger: logger}
}

// WriteBootOrder implements Writer.
func (w *BLSWriter) WriteBootOrder(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("refusing to write an empty boot order")
	}
	for _, entry := range entries {
		if entry.DeploymentID == "" || entry.TreeKey == "" || entry.Kernel == "" {
			return fmt.Errorf("boot entry %+v is incomplete", entry)
		}
	}

	keys := make(map[string]bool)
	for _, entry := range entries {
		if keys[entry.TreeKey] {
			continue
		}
		keys[entry.TreeKey] = true
		if err := w.installImages(entry); err != nil {
			return err
		}
	}

	rendered := renderEntries(entries)
	active, err := w.activeLoader()
	if err != nil {
		return err
	}
	if active != "" {
		current, err := readEntryFiles(filepath.Join(w.bootDir, active, entriesDir))
		if err == nil && maps.EqualFunc(current, rendered, bytes.Equal) {
			w.logger.Debug("boot order unchanged", "loader", active)
			return nil
		}
	}

	next := "loader.0"
	if active == "loader.0" {
		next = "loader.1"
	}
	if err := w.writeLoader(next, rendered); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		os.RemoveAll(filepath.Join(w.bootDir, next))
		return err
	}

	// The swap: a fresh symlink renamed over the old one.
	temporary := filepath.Join(w.bootDir, loaderTemporary)
	if err := os.Remove(temporary); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale %s: %w", temporary, err)
	}
	if err := os.Symlink(next, temporary); err != nil {
		return fmt.Errorf("creating loader symlink: %w", err)
	}
	if err := os.Rename(temporary, filepath.Join(w.bootDir, loaderLink)); err != nil {
		return fmt.Errorf("activating %s: %w", next, err)
	}
	if err := atomicfile.SyncDirectory(w.bootDir); err != nil {
		return err
	}
	w.logger.Info("wrote boot order", "loader", next, "entries", len(entries), "default", entries[0].DeploymentID)

	// Everything below is cleanup; the new order is already active.
	if active != "" {
		if err := os.RemoveAll(filepath.Join(w.bootDir, active)); err != nil {
			w.logger.Warn("removing previous loader directory", "loader", active, "error", err)
		}
	}
	w.removeUnusedImages(keys)
	return nil
}

// ReadBootOrder implements Writer.
func (w *BLSWriter) ReadBootOrder(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	active, err := w.activeLoader()
	if err != nil || active == "" {
		return nil, err
	}
	directory := filepath.Join(w.bootDir, active, entriesDir)
	files, err := readEntryFiles(directory)
	if err != nil {
		return nil, err
	}

	type parsed struct {
		version int
		id      string
	}
	var order []parsed
	for name, data := range files {
		fields := parseEntry(data)
		version, err := strconv.Atoi(fields["version"])
		if err != nil {
			return nil, fmt.Errorf("boot entry %s: bad version %q", name, fields["version"])
		}
		id, found := BootedFromCmdline(fields["options"])
		if !found {
			return nil, fmt.Errorf("boot entry %s has no %s argument", name, DeploymentArgument)
		}
		order = append(order, parsed{version: version, id: id})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].version > order[j].version })

	ids := make([]string, 0, len(order))
	for _, entry := range order {
		ids = append(ids, entry.id)
	}
	return ids, nil
}

// activeLoader returns the directory the loader symlink points at, or
// "" when the boot directory has never been written.
func (w *BLSWriter) activeLoader() (string, error) {
	target, err := os.Readlink(filepath.Join(w.bootDir, loaderLink))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading loader symlink: %w", err)
	}
	if target != "loader.0" && target != "loader.1" {
		return "", fmt.Errorf("loader symlink points at %q, want loader.0 or loader.1", target)
	}
	return target, nil
}

func (w *BLSWriter) writeLoader(name string, rendered map[string][]byte) error {
	directory := filepath.Join(w.bootDir, name)
	if err := os.RemoveAll(directory); err != nil {
		return fmt.Errorf("clearing %s: %w", directory, err)
	}
	entries := filepath.Join(directory, entriesDir)
	if err := os.MkdirAll(entries, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", entries, err)
	}
	for fileName, data := range rendered {
		if err := atomicfile.WriteFile(filepath.Join(entries, fileName), data, 0o644); err != nil {
			return fmt.Errorf("writing boot entry %s: %w", fileName, err)
		}
	}
	if err := atomicfile.SyncDirectory(directory); err != nil {
		return err
	}
	return atomicfile.SyncDirectory(w.bootDir)
}

// installImages copies an entry's kernel and initramfs to the boot
// directory unless its tree's images are already there.
func (w *BLSWriter) installImages(entry Entry) error {
	destination := filepath.Join(w.bootDir, imagesDir, entry.TreeKey)
	if _, err := os.Stat(destination); err == nil {
		return nil
	}
	parent := filepath.Dir(destination)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", parent, err)
	}
	temporary, err := os.MkdirTemp(parent, ".install-"+entry.TreeKey+"-")
	if err != nil {
		return fmt.Errorf("creating image staging directory: %w", err)
	}
	defer os.RemoveAll(temporary)

	if err := copyImage(entry.Kernel, filepath.Join(temporary, kernelName)); err != nil {
		return err
	}
	if entry.Initramfs != "" {
		if err := copyImage(entry.Initramfs, filepath.Join(temporary, initramfsName)); err != nil {
			return err
		}
	}
	if err := atomicfile.SyncDirectory(temporary); err != nil {
		return err
	}
	if err := os.Chmod(temporary, 0o755); err != nil {
		return err
	}
	if err := os.Rename(temporary, destination); err != nil {
		return fmt.Errorf("installing boot images for %s: %w", entry.TreeKey, err)
	}
	return atomicfile.SyncDirectory(parent)
}

func copyImage(source, destination string) error {
	input, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("opening boot image: %w", err)
	}
	defer input.Close()
	output, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating boot image: %w", err)
	}
	if _, err := io.Copy(output, input); err != nil {
		output.Close()
		return fmt.Errorf("copying %s: %w", source, err)
	}
	if err := output.Sync(); err != nil {
		output.Close()
		return err
	}
	return output.Close()
}

// removeUnusedImages deletes installed images no entry references.
func (w *BLSWriter) removeUnusedImages(keep map[string]bool) {
	directory := filepath.Join(w.bootDir, imagesDir)
	entries, err := os.ReadDir(directory)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if keep[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(directory, entry.Name())); err != nil {
			w.logger.Warn("removing unused boot images", "tree", entry.Name(), "error", err)
		}
	}
}

// renderEntries produces the entry files for an order. Versions count
// down from len(entries) so the bootloader's descending version sort
// reproduces the order.
func renderEntries(entries []Entry) map[string][]byte {
	rendered := make(map[string][]byte, len(entries))
	for index, entry := range entries {
		version := len(entries) - index
		var buffer bytes.Buffer
		title := entry.Title
		if title == "" {
			title = "rootswap"
		}
		fmt.Fprintf(&buffer, "title %s (%s)\n", title, entry.DeploymentID)
		fmt.Fprintf(&buffer, "version %d\n", version)
		fmt.Fprintf(&buffer, "linux /%s/%s/%s\n", imagesDir, entry.TreeKey, kernelName)
		if entry.Initramfs != "" {
			fmt.Fprintf(&buffer, "initrd /%s/%s/%s\n", imagesDir, entry.TreeKey, initramfsName)
		}
		options := append(append([]string{}, entry.Options...), DeploymentArgument+"="+entry.DeploymentID)
		fmt.Fprintf(&buffer, "options %s\n", strings.Join(options, " "))
		rendered[entryPrefix+strconv.Itoa(version)+entrySuffix] = buffer.Bytes()
	}
	return rendered
}

func readEntryFiles(directory string) (map[string][]byte, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, fmt.Errorf("reading boot entries: %w", err)
	}
	files := make(map[string][]byte)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, entryPrefix) || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(directory, name))
		if err != nil {
			return nil, fmt.Errorf("reading boot entry %s: %w", name, err)
		}
		files[name] = data
	}
	return files, nil
}

// parseEntry reads the "key value" lines of a BLS entry.
func parseEntry(data []byte) map[string]string {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		fields[key] = strings.TrimSpace(value)
	}
	return fields
}
