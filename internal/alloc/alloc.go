// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package alloc hands out fixed-capacity byte blocks whose addresses never
// change until they are explicitly freed.
package alloc

import (
	"errors"
	"fmt"
)

const (
	// DefaultChunkSize is the size of each anonymous mapping an Arena carves
	// blocks out of.
	DefaultChunkSize = 64 * 1024

	// blocks are 8-byte aligned within a chunk
	blockAlign = 8
)

var (
	ErrClosed     = errors.New("arena closed")
	ErrDoubleFree = errors.New("block already freed")
)

// Block is a fixed-capacity region of memory.  len(Bytes()) == cap(Bytes())
// == the requested size, so appending to it always reallocates instead of
// spilling into a neighbouring block.
type Block struct {
	b     []byte
	chunk *chunk
}

// Bytes returns the full block.
func (b Block) Bytes() []byte {
	return b.b
}

// Len returns the block's capacity in bytes.
func (b Block) Len() int {
	return len(b.b)
}

// Allocator hands out and takes back Blocks.
type Allocator interface {
	Alloc(n int) (Block, error)
	Free(b Block) error
}

// Heap allocates blocks on the Go heap.  The Go collector never relocates
// heap objects, so the address of a block is stable for as long as it is
// referenced.
type Heap struct{}

var _ Allocator = Heap{}

func (Heap) Alloc(n int) (Block, error) {
	if n < 0 {
		return Block{}, fmt.Errorf("negative block size %d", n)
	}
	return Block{b: make([]byte, n)}, nil
}

func (Heap) Free(Block) error {
	return nil
}

func alignUp(n int) int {
	return (n + blockAlign - 1) &^ (blockAlign - 1)
}
