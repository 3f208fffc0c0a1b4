// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"os"
	"runtime"

	"github.com/bureau-foundation/rootswap/lib/digest"
)

// These variables are set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty indicates whether there were uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version. This is set manually for releases.
	Version = "0.1.0-dev"
)

// Info returns a formatted version string suitable for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns detailed version information including Go version.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns just the version number.
func Short() string {
	return Version
}

// Commit returns the git commit SHA.
func Commit() string {
	return GitCommit
}

// SelfDigest returns the digest and path of the running binary.
// os.Executable reads /proc/self/exe on Linux, which points at the
// original binary even if it was replaced on disk since startup.
func SelfDigest() (digest.Digest, string, error) {
	executable, err := os.Executable()
	if err != nil {
		return digest.Digest{}, "", fmt.Errorf("resolving own executable path: %w", err)
	}
	file, err := os.Open(executable)
	if err != nil {
		return digest.Digest{}, "", fmt.Errorf("opening own binary: %w", err)
	}
	defer file.Close()
	sum, err := digest.FromReader(file)
	if err != nil {
		return digest.Digest{}, "", fmt.Errorf("hashing own binary at %s: %w", executable, err)
	}
	return sum, executable, nil
}
