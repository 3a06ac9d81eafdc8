// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package alloc

import (
	"fmt"
)

type chunk struct {
	mem  []byte
	off  int
	live int
}

// Arena carves blocks out of anonymous memory mappings that live outside
// the Go heap.  A mapping is released once every block carved from it has
// been freed and the arena has moved on to a newer chunk, or when the
// arena is closed.  An Arena is not safe for concurrent use.
type Arena struct {
	chunkSize int
	cur       *chunk
	chunks    map[*chunk]struct{}
	closed    bool
}

var _ Allocator = (*Arena)(nil)

// NewArena returns an arena that maps memory in chunkSize pieces.  A
// chunkSize <= 0 selects DefaultChunkSize.
func NewArena(chunkSize int) *Arena {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Arena{
		chunkSize: alignUp(chunkSize),
		chunks:    make(map[*chunk]struct{}),
	}
}

func (a *Arena) newChunk(size int) (*chunk, error) {
	mem, err := mapAnon(size)
	if err != nil {
		return nil, fmt.Errorf("mapAnon(%d): %w", size, err)
	}
	c := &chunk{mem: mem}
	a.chunks[c] = struct{}{}
	return c, nil
}

func (a *Arena) release(c *chunk) error {
	delete(a.chunks, c)
	mem := c.mem
	c.mem = nil
	if err := unmap(mem); err != nil {
		return fmt.Errorf("unmap: %w", err)
	}
	return nil
}

// Alloc returns a zeroed block of exactly n bytes.
func (a *Arena) Alloc(n int) (Block, error) {
	if a.closed {
		return Block{}, ErrClosed
	}
	if n < 0 {
		return Block{}, fmt.Errorf("negative block size %d", n)
	}
	if n == 0 {
		return Block{b: []byte{}}, nil
	}

	size := alignUp(n)
	// big requests get a mapping of their own so they don't waste the
	// tail of the current chunk
	if size > a.chunkSize/4 {
		c, err := a.newChunk(size)
		if err != nil {
			return Block{}, err
		}
		c.off = size
		c.live = 1
		return Block{b: c.mem[:n:n], chunk: c}, nil
	}

	if a.cur == nil || a.cur.off+size > len(a.cur.mem) {
		if old := a.cur; old != nil && old.live == 0 {
			if err := a.release(old); err != nil {
				return Block{}, err
			}
		}
		c, err := a.newChunk(a.chunkSize)
		if err != nil {
			return Block{}, err
		}
		a.cur = c
	}

	c := a.cur
	off := c.off
	c.off += size
	c.live++
	return Block{b: c.mem[off : off+n : off+n], chunk: c}, nil
}

// Free returns a block to the arena.  The block's memory must not be used
// afterwards: once its chunk is unmapped any access faults.
func (a *Arena) Free(b Block) error {
	c := b.chunk
	if c == nil {
		return nil
	}
	if a.closed {
		return ErrClosed
	}
	if _, ok := a.chunks[c]; !ok || c.live <= 0 {
		return ErrDoubleFree
	}
	c.live--
	if c.live == 0 && c != a.cur {
		return a.release(c)
	}
	return nil
}

// Mapped returns the number of live mappings.
func (a *Arena) Mapped() int {
	return len(a.chunks)
}

// Close unmaps every chunk, including ones that still have live blocks.
func (a *Arena) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.cur = nil
	var firstErr error
	for c := range a.chunks {
		if err := a.release(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
