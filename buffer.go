// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"fmt"

	"github.com/bpowers/blob/internal/alloc"
	"github.com/bpowers/blob/internal/zero"
)

// KeyBuffer owns a fixed-capacity block of memory holding key bytes.  The
// block's address never changes while the buffer is live, so a Key viewing
// it stays valid until Dispose.  The buffer can temporarily view borrowed
// memory instead (Redirect) without copying.
//
// A KeyBuffer must be released with Dispose; a buffer inserted into a Map
// belongs to the map, which disposes it on removal.
type KeyBuffer struct {
	block alloc.Block
	alloc alloc.Allocator
	codec Codec

	n    int    // active length of the own block
	view []byte // block[:n], or borrowed memory while redirected

	redirected bool
	owned      bool
	disposed   bool
	gen        uint32
}

// NewKeyBuffer encodes s with the configured codec (ASCII by default) into
// a new buffer of exactly the encoded length.
func NewKeyBuffer(s string, opts ...Option) (*KeyBuffer, error) {
	o := newOptions(opts)
	b, err := Encode(o.codec, s)
	if err != nil {
		return nil, fmt.Errorf("%s.AppendEncode: %w", o.codec.Name(), err)
	}
	return newFilledBuffer(&o, b)
}

// NewKeyBufferFromBytes copies b into a new buffer.
func NewKeyBufferFromBytes(b []byte, opts ...Option) (*KeyBuffer, error) {
	o := newOptions(opts)
	return newFilledBuffer(&o, b)
}

// NewKeyBufferFromRange copies b[off:off+n] into a new buffer.
func NewKeyBufferFromRange(b []byte, off, n int, opts ...Option) (*KeyBuffer, error) {
	if err := checkRange(b, off, n); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	return newFilledBuffer(&o, b[off:off+n])
}

// NewScratchBuffer returns an empty buffer able to hold up to capacity bytes.
func NewScratchBuffer(capacity int, opts ...Option) (*KeyBuffer, error) {
	o := newOptions(opts)
	return newKeyBuffer(o.allocator(), o.codec, capacity)
}

func newKeyBuffer(a alloc.Allocator, codec Codec, capacity int) (*KeyBuffer, error) {
	block, err := a.Alloc(capacity)
	if err != nil {
		return nil, fmt.Errorf("alloc(%d): %w", capacity, err)
	}
	b := &KeyBuffer{
		block: block,
		alloc: a,
		codec: codec,
	}
	b.view = block.Bytes()[:0]
	return b, nil
}

func newFilledBuffer(o *options, src []byte) (*KeyBuffer, error) {
	b, err := newKeyBuffer(o.allocator(), o.codec, len(src))
	if err != nil {
		return nil, err
	}
	b.SetBytesUnchecked(src, 0, len(src))
	return b, nil
}

func checkRange(src []byte, off, n int) error {
	if off < 0 || n < 0 || off > len(src) || n > len(src)-off {
		return fmt.Errorf("%w: [%d:%d] of %d bytes", ErrOutOfRange, off, off+n, len(src))
	}
	return nil
}

func (b *KeyBuffer) check(op string) error {
	if b.disposed {
		return fmt.Errorf("KeyBuffer.%s: %w", op, ErrDisposed)
	}
	if b.owned {
		return fmt.Errorf("KeyBuffer.%s: %w", op, ErrOwned)
	}
	return nil
}

func (b *KeyBuffer) mustLive(op string) {
	if b.disposed {
		panic(fmt.Errorf("KeyBuffer.%s: %w", op, ErrDisposed))
	}
}

// View returns a Key over the buffer's current content: its own block, or
// the borrowed memory it was redirected to.
func (b *KeyBuffer) View() Key {
	b.mustLive("View")
	return Key{b: b.view}
}

// Len returns the length of the current view.
func (b *KeyBuffer) Len() int {
	return len(b.view)
}

// Capacity returns the size of the own block in bytes.
func (b *KeyBuffer) Capacity() int {
	return b.block.Len()
}

// Codec returns the codec the buffer was built with.
func (b *KeyBuffer) Codec() Codec {
	return b.codec
}

// Redirected reports whether the buffer currently views borrowed memory.
func (b *KeyBuffer) Redirected() bool {
	return b.redirected
}

// SetBytes copies src[off:off+n] into the own block and makes it the
// active content.  Bytes between n and the previous length are zeroed.
// The buffer views its own block afterwards, even if it was redirected.
func (b *KeyBuffer) SetBytes(src []byte, off, n int) error {
	if err := b.check("SetBytes"); err != nil {
		return err
	}
	if err := checkRange(src, off, n); err != nil {
		return err
	}
	if n > b.block.Len() {
		return &CapacityError{Requested: n, Capacity: b.block.Len()}
	}
	b.setBytes(src[off : off+n])
	return nil
}

// SetBytesUnchecked is SetBytes without the capacity and range checks, for
// callers that have already validated sizes.  A violation still cannot
// write outside the block: it panics from the slice bounds check.
func (b *KeyBuffer) SetBytesUnchecked(src []byte, off, n int) {
	b.mustLive("SetBytesUnchecked")
	if b.owned {
		panic(fmt.Errorf("KeyBuffer.SetBytesUnchecked: %w", ErrOwned))
	}
	b.setBytes(src[off : off+n])
}

func (b *KeyBuffer) setBytes(src []byte) {
	block := b.block.Bytes()
	n := copy(block[:len(src)], src)
	// a shorter key must not leave the tail of the longer one behind
	zero.Range(block, n, b.n)
	b.n = n
	b.view = block[:n]
	b.redirected = false
}

// Redirect points the view at borrowed memory without copying.  The caller
// must keep that memory valid and unmodified until Reset.
func (b *KeyBuffer) Redirect(borrowed []byte) {
	b.mustLive("Redirect")
	if b.owned {
		panic(fmt.Errorf("KeyBuffer.Redirect: %w", ErrOwned))
	}
	b.view = borrowed
	b.redirected = true
}

// Reset points the view back at the buffer's own block.
func (b *KeyBuffer) Reset() {
	b.mustLive("Reset")
	b.view = b.block.Bytes()[:b.n]
	b.redirected = false
}

// Text decodes the current view with the buffer's codec.
func (b *KeyBuffer) Text() (string, error) {
	if b.disposed {
		return "", fmt.Errorf("KeyBuffer.Text: %w", ErrDisposed)
	}
	return b.codec.Decode(b.view)
}

func (b *KeyBuffer) String() string {
	if b.disposed {
		return "<disposed>"
	}
	if s, err := b.codec.Decode(b.view); err == nil {
		return s
	}
	return fmt.Sprintf("%x", b.view)
}

// Dispose releases the buffer's block.  Views taken from the buffer must
// not be used afterwards; Refs report ErrDisposed.
func (b *KeyBuffer) Dispose() error {
	if err := b.check("Dispose"); err != nil {
		return err
	}
	return b.release()
}

// release disposes regardless of map ownership.
func (b *KeyBuffer) release() error {
	if b.disposed {
		return fmt.Errorf("KeyBuffer.Dispose: %w", ErrDisposed)
	}
	block := b.block
	b.block = alloc.Block{}
	b.view = nil
	b.n = 0
	b.redirected = false
	b.owned = false
	b.disposed = true
	b.gen++
	if err := b.alloc.Free(block); err != nil {
		return fmt.Errorf("free: %w", err)
	}
	return nil
}

// replace swaps in a new block, invalidating Refs to the old content.
func (b *KeyBuffer) replace(block alloc.Block) error {
	old := b.block
	b.block = block
	b.n = 0
	b.view = block.Bytes()[:0]
	b.redirected = false
	b.gen++
	if err := b.alloc.Free(old); err != nil {
		return fmt.Errorf("free: %w", err)
	}
	return nil
}

// Ref returns a handle that checks whether the buffer is still live before
// handing out its view.
func (b *KeyBuffer) Ref() Ref {
	return Ref{buf: b, gen: b.gen}
}

// Ref is a generation-checked reference to a KeyBuffer.
type Ref struct {
	buf *KeyBuffer
	gen uint32
}

// Key returns the buffer's current view, or ErrDisposed if the buffer has
// been disposed or its block replaced since the Ref was taken.
func (r Ref) Key() (Key, error) {
	if r.buf == nil || r.buf.disposed || r.buf.gen != r.gen {
		return Key{}, ErrDisposed
	}
	return Key{b: r.buf.view}, nil
}
