// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"fmt"

	"github.com/bpowers/blob/internal/zero"
)

// ScratchKey is a single reusable KeyBuffer that stands in for many
// different borrowed byte spans across successive lookups.  It is either
// idle or redirected at exactly one span; the Guard returned by Redirect
// (or Encode) must be released before the next one is taken.
type ScratchKey struct {
	buf  *KeyBuffer
	busy bool
	gen  uint32 // bumped on every acquire and release
}

// NewScratchKey returns an idle scratch key whose own block can hold
// capacity bytes for Encode.
func NewScratchKey(capacity int, opts ...Option) (*ScratchKey, error) {
	buf, err := NewScratchBuffer(capacity, opts...)
	if err != nil {
		return nil, err
	}
	return &ScratchKey{buf: buf}, nil
}

// Guard scopes a scratch key's view to a single use.  A Guard stops being
// valid once released, even if the scratch key has since been redirected
// again.  The zero Guard, returned alongside errors, views no bytes and
// releases nothing.
type Guard struct {
	s   *ScratchKey
	gen uint32
}

func (g Guard) live() bool {
	return g.s != nil && g.s.busy && g.s.gen == g.gen
}

// Key returns the view.  It panics with ErrReleased once the guard has
// been released.
func (g Guard) Key() Key {
	if g.s == nil {
		return Key{}
	}
	if !g.live() {
		panic(fmt.Errorf("Guard.Key: %w", ErrReleased))
	}
	return Key{b: g.s.buf.view}
}

// Release returns the scratch key to idle.  Releasing a guard more than
// once is a no-op.
func (g Guard) Release() {
	if !g.live() {
		return
	}
	g.s.buf.Reset()
	g.s.busy = false
	g.s.gen++
}

func (s *ScratchKey) acquire(op string) Guard {
	if s.busy {
		panic(fmt.Errorf("ScratchKey.%s: %w", op, ErrScratchBusy))
	}
	s.buf.mustLive(op)
	s.busy = true
	s.gen++
	return Guard{s: s, gen: s.gen}
}

// Redirect points the scratch key at borrowed, which must stay valid until
// the returned Guard is released.
func (s *ScratchKey) Redirect(borrowed []byte) Guard {
	g := s.acquire("Redirect")
	s.buf.Redirect(borrowed)
	return g
}

// Encode encodes text with c into the scratch key's own block.  When the
// encoded form doesn't fit it returns a *CapacityError and the scratch key
// stays idle.
func (s *ScratchKey) Encode(c Codec, text string) (Guard, error) {
	g := s.acquire("Encode")
	block := s.buf.block.Bytes()
	enc, err := c.AppendEncode(block[:0], text)
	if err == nil && len(enc) > len(block) {
		// append had to reallocate; the block itself was left alone
		err = &CapacityError{Requested: len(enc), Capacity: len(block)}
	}
	if err != nil {
		// zero any partial write before handing the block back
		zero.Bytes(block)
		s.buf.setBytes(nil)
		s.busy = false
		s.gen++
		return Guard{}, err
	}
	s.buf.setBytes(block[:len(enc)])
	return g, nil
}

// Busy reports whether a Guard is outstanding.
func (s *ScratchKey) Busy() bool {
	return s.busy
}

// Capacity returns the size of the scratch key's own block.
func (s *ScratchKey) Capacity() int {
	return s.buf.Capacity()
}

// Grow ensures the own block holds at least n bytes.
func (s *ScratchKey) Grow(n int) error {
	if s.busy {
		return fmt.Errorf("ScratchKey.Grow: %w", ErrScratchBusy)
	}
	if s.buf.disposed {
		return fmt.Errorf("ScratchKey.Grow: %w", ErrDisposed)
	}
	if n <= s.buf.Capacity() {
		return nil
	}
	block, err := s.buf.alloc.Alloc(n)
	if err != nil {
		return fmt.Errorf("alloc(%d): %w", n, err)
	}
	return s.buf.replace(block)
}

// Dispose releases the scratch key's block.
func (s *ScratchKey) Dispose() error {
	s.busy = false
	s.gen++
	return s.buf.release()
}
