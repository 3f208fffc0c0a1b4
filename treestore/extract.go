// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package treestore

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/rootswap/lib/failure"
)

// extractStats summarizes an extraction for logging.
type extractStats struct {
	files   int
	bytes   int64
	skipped int
}

// extract unpacks a tar stream into directory. All filesystem access
// goes through an os.Root, so entries (including symlinks planted by
// earlier entries) cannot reach outside directory. Malformed archives
// are failure.IntegrityFailure.
func extract(stream io.Reader, directory string, logger *slog.Logger) (extractStats, error) {
	var stats extractStats
	root, err := os.OpenRoot(directory)
	if err != nil {
		return stats, failure.Errorf(failure.IoFailure, "treestore.extract", "opening %s: %w", directory, err)
	}
	defer root.Close()

	preserveOwnership := os.Geteuid() == 0
	reader := tar.NewReader(stream)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, failure.Errorf(failure.IntegrityFailure, "treestore.extract", "reading archive: %w", err)
		}

		name, err := entryName(header.Name)
		if err != nil {
			return stats, failure.New(failure.IntegrityFailure, "treestore.extract", err)
		}
		if name == "." {
			continue
		}
		if err := checkPlacement(root, name, header.Typeflag != tar.TypeSymlink); err != nil {
			return stats, err
		}
		if parent := path.Dir(name); parent != "." {
			if err := root.MkdirAll(parent, 0o755); err != nil {
				return stats, extractError(name, err)
			}
		}

		mode := header.FileInfo().Mode()
		switch header.Typeflag {
		case tar.TypeDir:
			if err := root.Mkdir(name, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				return stats, extractError(name, err)
			}
		case tar.TypeReg:
			written, err := writeRegular(root, name, reader)
			if err != nil {
				return stats, extractError(name, err)
			}
			stats.bytes += written
		case tar.TypeSymlink:
			if err := root.Symlink(header.Linkname, name); err != nil {
				return stats, extractError(name, err)
			}
		case tar.TypeLink:
			target, err := entryName(header.Linkname)
			if err != nil {
				return stats, failure.New(failure.IntegrityFailure, "treestore.extract", err)
			}
			if err := checkPlacement(root, target, false); err != nil {
				return stats, err
			}
			if err := root.Link(target, name); err != nil {
				return stats, extractError(name, err)
			}
		default:
			// Device nodes and fifos belong to the running system,
			// not to an image.
			logger.Debug("skipping special archive entry", "name", name, "type", string(header.Typeflag))
			stats.skipped++
			continue
		}
		stats.files++

		if header.Typeflag == tar.TypeSymlink {
			if preserveOwnership {
				if err := root.Lchown(name, header.Uid, header.Gid); err != nil {
					return stats, extractError(name, err)
				}
			}
			continue
		}
		if preserveOwnership {
			if err := root.Lchown(name, header.Uid, header.Gid); err != nil {
				return stats, extractError(name, err)
			}
		}
		// Chmod after chown, which clears setuid bits.
		permissions := mode.Perm() | mode&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky)
		if header.Typeflag == tar.TypeDir {
			// Directories stay writable until the whole tree is
			// extracted; stripWritePermission seals them.
			permissions |= 0o700
		}
		if err := root.Chmod(name, permissions); err != nil {
			return stats, extractError(name, err)
		}
		if header.Typeflag == tar.TypeReg {
			if err := root.Chtimes(name, header.ModTime, header.ModTime); err != nil {
				return stats, extractError(name, err)
			}
		}
	}
	if stats.skipped > 0 {
		logger.Info("skipped special files in archive", "count", stats.skipped)
	}
	return stats, nil
}

func writeRegular(root *os.Root, name string, reader io.Reader) (int64, error) {
	file, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(file, reader)
	if err != nil {
		file.Close()
		return written, err
	}
	return written, file.Close()
}

// entryName cleans an archive member name to a path relative to the
// extraction root, rejecting names that climb out of it.
func entryName(name string) (string, error) {
	cleaned := path.Clean(strings.TrimLeft(name, "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("archive entry %q escapes the tree", name)
	}
	return cleaned, nil
}

// checkPlacement rejects an entry whose parent components already
// exist as anything but real directories, such as a symlink planted by
// an earlier entry. With replacing set, the entry itself must not be an
// existing symlink either. Components that do not exist yet are fine;
// MkdirAll creates them.
func checkPlacement(root *os.Root, name string, replacing bool) error {
	components := strings.Split(name, "/")
	prefix := ""
	for index, component := range components {
		if prefix == "" {
			prefix = component
		} else {
			prefix += "/" + component
		}
		last := index == len(components)-1
		info, err := root.Lstat(prefix)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return extractError(name, err)
		}
		if last {
			if replacing && info.Mode()&fs.ModeSymlink != 0 {
				return failure.Errorf(failure.IntegrityFailure, "treestore.extract", "archive entry %q replaces a symlink", name)
			}
			return nil
		}
		if !info.IsDir() {
			return failure.Errorf(failure.IntegrityFailure, "treestore.extract", "archive entry %q: parent %q is not a directory", name, prefix)
		}
	}
	return nil
}

func extractError(name string, err error) error {
	return failure.Errorf(failure.IoFailure, "treestore.extract", "extracting %q: %w", name, err)
}

// stripWritePermission clears every write bit below directory (but not
// on directory itself, which must stay writable until it is renamed).
func stripWritePermission(directory string) error {
	var directories []string
	err := filepath.WalkDir(directory, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == directory || entry.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if entry.IsDir() {
			directories = append(directories, path)
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		return os.Chmod(path, info.Mode()&^0o222)
	})
	if err != nil {
		return err
	}
	// Deepest first: a directory's children are sealed before it is.
	for index := len(directories) - 1; index >= 0; index-- {
		info, err := os.Lstat(directories[index])
		if err != nil {
			return err
		}
		if err := os.Chmod(directories[index], info.Mode()&^0o222); err != nil {
			return err
		}
	}
	return nil
}

// removeTree deletes a sealed tree, restoring owner write permission
// on its directories first.
func removeTree(directory string) error {
	if _, err := os.Lstat(directory); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	err := filepath.WalkDir(directory, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			return os.Chmod(path, info.Mode()|0o700)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(directory)
}
