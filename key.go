// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/dgryski/go-farm"
)

const (
	// odd multiplier mixing the key length into the span hash
	spanHashMul = 397

	// the empty key has no last byte to read
	emptyKeyHash = 0x9e3779b97f4a7c15
)

// Key is a non-owning view over a run of bytes, usable as a table key.  The
// memory behind a Key must stay valid and unmodified for as long as the Key
// is in use; a Key never owns it.
type Key struct {
	b []byte
}

// NewKey returns a Key viewing b.  No copy is made.
func NewKey(b []byte) Key {
	return Key{b: b}
}

// Len returns the number of bytes in the key.
func (k Key) Len() int {
	return len(k.b)
}

// Bytes returns the viewed bytes.  They must be treated as read-only.
func (k Key) Bytes() []byte {
	return k.b
}

// Equal reports whether k and other have the same length and content.
func (k Key) Equal(other Key) bool {
	return len(k.b) == len(other.b) && bytes.Equal(k.b, other.b)
}

// Hash returns SpanHash of the key's bytes.
func (k Key) Hash() uint64 {
	return SpanHash(k.b)
}

func (k Key) String() string {
	if len(k.b) == 0 {
		return "0 bytes"
	}
	return fmt.Sprintf("%d bytes @ %p", len(k.b), unsafe.SliceData(k.b))
}

// HashFunc hashes key bytes.  Keys that compare Equal must hash equally.
type HashFunc func(b []byte) uint64

// SpanHash combines the length and last byte of b.  It runs in constant
// time regardless of key length, at the cost of colliding for keys that
// share both; Equal resolves those collisions.  Use FarmHash for keys an
// adversary controls.
func SpanHash(b []byte) uint64 {
	n := len(b)
	if n == 0 {
		return emptyKeyHash
	}
	return uint64(n)*spanHashMul ^ uint64(b[n-1])
}

// FarmHash hashes every byte of b with FarmHash64.
func FarmHash(b []byte) uint64 {
	return farm.Hash64(b)
}
