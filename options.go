// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"io"
	"log/slog"

	"github.com/bpowers/blob/internal/alloc"
)

// Option configures a Map or KeyBuffer.  Options that don't apply to the
// value being built are ignored.
type Option func(*options)

type options struct {
	logger *slog.Logger
	codec  Codec
	hash   HashFunc
	arena  *Arena
}

func newOptions(opts []Option) options {
	o := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		codec:  ASCII,
		hash:   SpanHash,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) allocator() alloc.Allocator {
	if o.arena != nil {
		return o.arena.a
	}
	return alloc.Heap{}
}

// WithLogger sets an optional logger for debug output.  If not provided, no
// logging output will be produced.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCodec selects the text encoding used to turn string keys into bytes.
// The default is ASCII.
func WithCodec(c Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithHashFunc replaces the map's hash.  The default is SpanHash; FarmHash
// is the choice when keys come from untrusted input.
func WithHashFunc(h HashFunc) Option {
	return func(o *options) {
		if h != nil {
			o.hash = h
		}
	}
}

// WithArena allocates key blocks from a, outside the Go heap.  The arena
// must outlive every buffer allocated from it.
func WithArena(a *Arena) Option {
	return func(o *options) {
		o.arena = a
	}
}

// Arena is an allocator of key blocks backed by anonymous memory mappings.
// Blocks are released explicitly when their KeyBuffer is disposed, and all
// at once by Close.  An Arena is not safe for concurrent use.
type Arena struct {
	a *alloc.Arena
}

// NewArena returns an arena that maps memory in chunkSize pieces; a
// chunkSize <= 0 picks a default.
func NewArena(chunkSize int) *Arena {
	return &Arena{a: alloc.NewArena(chunkSize)}
}

// Close unmaps all of the arena's memory.  Buffers still holding blocks
// from the arena must not be used afterwards.
func (a *Arena) Close() error {
	return a.a.Close()
}
