// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"fmt"

	"github.com/bpowers/blob/internal/mph"
)

// Frozen is an immutable snapshot of a Map indexed by a minimal perfect
// hash.  Every lookup costs two full-content hashes and one comparison, no
// matter how the keys collide under SpanHash, which makes it the better
// choice for tables that are built once and then queried with untrusted
// input.
type Frozen[V any] struct {
	keys   []Key
	values []V
	index  *mph.Table
	block  *KeyBuffer // every key's bytes, back to back
	codec  Codec
}

// Freeze copies the map's keys and values into a new Frozen table.  The
// map is unchanged and remains usable.
func (m *Map[V]) Freeze() (*Frozen[V], error) {
	if m.disposed {
		return nil, fmt.Errorf("Map.Freeze: %w", ErrDisposed)
	}
	total := 0
	for i := range m.slots {
		if m.used.IsSet(int64(i)) {
			total += m.slots[i].key.Len()
		}
	}
	block, err := newKeyBuffer(m.opts.allocator(), m.opts.codec, total)
	if err != nil {
		return nil, err
	}

	f := &Frozen[V]{
		keys:   make([]Key, 0, m.count),
		values: make([]V, 0, m.count),
		block:  block,
		codec:  m.opts.codec,
	}
	raw := make([][]byte, 0, m.count)
	mem := block.block.Bytes()
	off := 0
	for i := range m.slots {
		if !m.used.IsSet(int64(i)) {
			continue
		}
		s := &m.slots[i]
		n := copy(mem[off:], s.key.b)
		k := mem[off : off+n : off+n]
		off += n
		f.keys = append(f.keys, Key{b: k})
		f.values = append(f.values, s.value)
		raw = append(raw, k)
	}
	block.n = off
	block.view = mem[:off]
	block.owned = true

	m.opts.logger.Debug("building perfect hash index", "entries", len(raw), "keyBytes", total)
	f.index, err = mph.Build(raw, m.opts.logger)
	if err != nil {
		_ = block.release()
		return nil, fmt.Errorf("mph.Build: %w", err)
	}
	return f, nil
}

func (f *Frozen[V]) mustLive(op string) {
	if f.block.disposed {
		panic(fmt.Errorf("Frozen.%s: %w", op, ErrDisposed))
	}
}

// TryGet returns the value stored under the key whose bytes equal b.
func (f *Frozen[V]) TryGet(b []byte) (V, bool) {
	f.mustLive("TryGet")
	if i, ok := f.index.MaybeLookup(b); ok && f.keys[i].Equal(Key{b: b}) {
		return f.values[i], true
	}
	var zero V
	return zero, false
}

// TryGetString looks up the encoding of s.  Strings whose encoding isn't
// their own bytes are encoded into a temporary slice.
func (f *Frozen[V]) TryGetString(s string) (V, bool) {
	if zc, ok := f.codec.(zeroCopier); ok {
		if b, ok := zc.view(s); ok {
			return f.TryGet(b)
		}
	}
	b, err := Encode(f.codec, s)
	if err != nil {
		var zero V
		return zero, false
	}
	return f.TryGet(b)
}

// Len returns the number of entries.
func (f *Frozen[V]) Len() int {
	return len(f.keys)
}

// Dispose releases the table's key memory.
func (f *Frozen[V]) Dispose() error {
	if f.block.disposed {
		return fmt.Errorf("Frozen.Dispose: %w", ErrDisposed)
	}
	f.keys = nil
	f.values = nil
	return f.block.release()
}
