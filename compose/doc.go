// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compose assembles a deployment's root filesystem from its
// tree and local state, mounts it, and checks that the result can
// boot.
//
// A composition is an ordered list of named layers, each with a
// declared mutability:
//
//   - base: the deployment's tree, bind-mounted and then remounted
//     read-only so that the immutability of the tree does not depend
//     on the tree's file modes alone.
//   - etc: an overlay whose lower layer is the tree's default
//     configuration (usr/etc, or etc when the image has no usr/etc)
//     and whose upper layer is the deployment's private etc directory.
//     Machine-local edits land in the upper layer.
//   - var: the sysroot's shared var directory, bind-mounted
//     read-write. Every deployment sees the same /var.
//
// [Plan] computes the layers and is pure. [Engine.Compose] mounts them
// in order through a [Backend]; the Linux backend uses mount(2)
// directly and [FakeBackend] records mounts in memory for tests. A
// failure part-way unmounts whatever was already mounted.
package compose
