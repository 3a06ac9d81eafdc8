// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package blob resolves raw byte slices, such as route or command names
// read off a socket, against a table of known keys without converting each
// incoming buffer to a string first.
//
// A Key is a borrowed view of bytes.  A KeyBuffer owns a block of memory
// whose address never changes while the buffer is live; Maps store one
// KeyBuffer per key.  Map.TryGet points a single reusable ScratchKey at
// the caller's bytes for the duration of one probe, so lookups neither copy
// nor allocate:
//
//	m := blob.NewMap[int](0)
//	_, _ = m.Insert("/composition/opacity", 1)
//	if v, ok := m.TryGet(packet[:n]); ok {
//		...
//	}
//
// Nothing in this package is safe for concurrent use.  Give each goroutine
// its own Map, or serialize access with a lock.
//
// Memory comes from the Go heap by default; WithArena moves key blocks into
// anonymous memory mappings that are released explicitly through Dispose.
package blob
