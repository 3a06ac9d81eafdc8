// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"fmt"
	"math/bits"

	"github.com/bpowers/blob/internal/bitset"
)

const (
	defaultCapacity = 16
	minSlots        = 8

	// Fibonacci hashing constant (2^64 / golden ratio) spreading weak
	// hashes across the slot array
	fibMul = 0x9e3779b97f4a7c15
)

type slot[V any] struct {
	hash      uint64
	key       Key
	buf       *KeyBuffer
	source    string
	hasSource bool
	value     V
}

// Map associates byte-string keys with values.  It owns a KeyBuffer for
// every stored key and resolves raw, borrowed byte slices against them
// without allocating.
//
// Keys are unique by content.  Insertion is first-write-wins: inserting a
// key that is already present leaves the existing value in place.
//
// A Map is not safe for concurrent use, including concurrent lookups:
// every lookup redirects the map's single scratch key.
type Map[V any] struct {
	// open addressing with linear probing; len(slots) is a power of two
	slots []slot[V]
	used  *bitset.Bitset
	tomb  *bitset.Bitset
	shift uint
	mask  uint64
	count int
	tombs int

	// source string -> the buffer built from it, for removal by identity
	sources map[string]*KeyBuffer
	scratch *ScratchKey

	opts     options
	disposed bool
}

// NewMap returns an empty map sized to hold initialCapacity entries
// without growing.  A non-positive initialCapacity picks a default.
func NewMap[V any](initialCapacity int, opts ...Option) *Map[V] {
	if initialCapacity <= 0 {
		initialCapacity = defaultCapacity
	}
	o := newOptions(opts)
	// a zero-capacity block never touches the allocator's memory, so this
	// can't fail
	scratch, err := newKeyBuffer(o.allocator(), o.codec, 0)
	if err != nil {
		panic(fmt.Errorf("invariant broken: empty scratch buffer: %w", err))
	}
	m := &Map[V]{
		sources: make(map[string]*KeyBuffer, initialCapacity),
		scratch: &ScratchKey{buf: scratch},
		opts:    o,
	}
	m.resize(slotsFor(initialCapacity))
	return m
}

// slotsFor returns the slot count keeping n entries under a 7/8 load.
func slotsFor(n int) int {
	want := n + n/7 + 1
	if want < minSlots {
		want = minSlots
	}
	return 1 << bits.Len(uint(want-1))
}

func (m *Map[V]) resize(n int) {
	m.slots = make([]slot[V], n)
	m.used = bitset.New(int64(n))
	m.tomb = bitset.New(int64(n))
	m.shift = uint(64 - bits.TrailingZeros(uint(n)))
	m.mask = uint64(n - 1)
	m.count = 0
	m.tombs = 0
}

func (m *Map[V]) home(h uint64) uint64 {
	return (h * fibMul) >> m.shift
}

func (m *Map[V]) mustLive(op string) {
	if m.disposed {
		panic(fmt.Errorf("Map.%s: %w", op, ErrDisposed))
	}
}

// find returns the slot holding a key equal to k, or -1.
func (m *Map[V]) find(k Key, h uint64) int {
	idx := m.home(h)
	for probes := 0; probes < len(m.slots); probes++ {
		if !m.used.IsSet(int64(idx)) {
			if !m.tomb.IsSet(int64(idx)) {
				return -1
			}
		} else if s := &m.slots[idx]; s.hash == h {
			if len(s.key.b) != s.buf.n {
				panic(fmt.Errorf("%w: stored view has %d bytes, buffer %d", ErrLengthMismatch, len(s.key.b), s.buf.n))
			}
			if s.key.Equal(k) {
				return int(idx)
			}
		}
		idx = (idx + 1) & m.mask
	}
	return -1
}

// place stores an entry known to be absent, growing first if needed.
func (m *Map[V]) place(s slot[V]) {
	if (m.count+m.tombs+1)*8 > len(m.slots)*7 {
		m.rehash(slotsFor(m.count + 1))
	}
	idx := m.home(s.hash)
	for m.used.IsSet(int64(idx)) {
		idx = (idx + 1) & m.mask
	}
	if m.tomb.IsSet(int64(idx)) {
		m.tomb.Clear(int64(idx))
		m.tombs--
	}
	m.slots[idx] = s
	m.used.Set(int64(idx))
	m.count++
}

// rehash rebuilds the slot array with n slots, dropping tombstones.  Only
// slot records move; key blocks stay where they are.
func (m *Map[V]) rehash(n int) {
	if n < len(m.slots) {
		n = len(m.slots)
	}
	m.opts.logger.Debug("rehashing map", "slots", len(m.slots), "newSlots", n, "entries", m.count, "tombstones", m.tombs)
	old, oldUsed := m.slots, m.used
	m.resize(n)
	for i := range old {
		if oldUsed.IsSet(int64(i)) {
			m.place(old[i])
		}
	}
}

func (m *Map[V]) growScratch(n int) error {
	if n <= m.scratch.Capacity() {
		return nil
	}
	if c := 2 * m.scratch.Capacity(); c > n {
		n = c
	}
	return m.scratch.Grow(n)
}

// Insert encodes key with the map's codec and associates it with value.  If
// key (or a key with the same bytes) is already present, Insert does
// nothing and returns false.
func (m *Map[V]) Insert(key string, value V) (bool, error) {
	if m.disposed {
		return false, fmt.Errorf("Map.Insert: %w", ErrDisposed)
	}
	if _, ok := m.sources[key]; ok {
		m.opts.logger.Debug("ignoring duplicate key", "key", key)
		return false, nil
	}
	enc, err := Encode(m.opts.codec, key)
	if err != nil {
		return false, fmt.Errorf("%s.AppendEncode: %w", m.opts.codec.Name(), err)
	}
	h := m.opts.hash(enc)
	if m.find(Key{b: enc}, h) >= 0 {
		m.opts.logger.Debug("ignoring duplicate key", "key", key)
		return false, nil
	}
	if err := m.growScratch(len(enc)); err != nil {
		return false, err
	}
	buf, err := newFilledBuffer(&m.opts, enc)
	if err != nil {
		return false, err
	}
	buf.owned = true
	m.place(slot[V]{hash: h, key: buf.View(), buf: buf, source: key, hasSource: true, value: value})
	m.sources[key] = buf
	return true, nil
}

// InsertBuffer associates a caller-built buffer with value.  On success the
// map owns buf and disposes it when the entry is removed; the caller must
// not modify or dispose it.  If a key with the same bytes is already
// present nothing happens, InsertBuffer returns false and buf stays with
// the caller.
func (m *Map[V]) InsertBuffer(buf *KeyBuffer, value V) (bool, error) {
	switch {
	case m.disposed:
		return false, fmt.Errorf("Map.InsertBuffer: %w", ErrDisposed)
	case buf.disposed:
		return false, fmt.Errorf("Map.InsertBuffer: buffer: %w", ErrDisposed)
	case buf.owned:
		return false, fmt.Errorf("Map.InsertBuffer: %w", ErrOwned)
	case buf.redirected:
		return false, fmt.Errorf("Map.InsertBuffer: %w", ErrBorrowed)
	case buf.codec.Name() != m.opts.codec.Name():
		return false, fmt.Errorf("Map.InsertBuffer: %w: %s != %s", ErrCodecMismatch, buf.codec.Name(), m.opts.codec.Name())
	}
	k := buf.View()
	h := m.opts.hash(k.b)
	if m.find(k, h) >= 0 {
		m.opts.logger.Debug("ignoring duplicate key", "key", buf)
		return false, nil
	}
	if err := m.growScratch(k.Len()); err != nil {
		return false, err
	}
	buf.owned = true
	m.place(slot[V]{hash: h, key: k, buf: buf, value: value})
	return true, nil
}

func (m *Map[V]) removeAt(idx int) error {
	s := m.slots[idx]
	if s.hasSource {
		delete(m.sources, s.source)
	}
	m.slots[idx] = slot[V]{}
	m.used.Clear(int64(idx))
	m.tomb.Set(int64(idx))
	m.count--
	m.tombs++
	return s.buf.release()
}

// Remove deletes the entry inserted under key by Insert and disposes its
// buffer.  It reports whether an entry was removed.
func (m *Map[V]) Remove(key string) (bool, error) {
	if m.disposed {
		return false, fmt.Errorf("Map.Remove: %w", ErrDisposed)
	}
	buf, ok := m.sources[key]
	if !ok {
		return false, nil
	}
	idx := m.find(buf.View(), m.opts.hash(buf.view))
	if idx < 0 {
		panic(fmt.Errorf("invariant broken: source %q has no entry", key))
	}
	return true, m.removeAt(idx)
}

// RemoveBuffer deletes the entry whose key has the same bytes as buf and
// disposes the map's buffer for it.  If buf is not itself the stored
// buffer it is left untouched.
func (m *Map[V]) RemoveBuffer(buf *KeyBuffer) (bool, error) {
	if m.disposed {
		return false, fmt.Errorf("Map.RemoveBuffer: %w", ErrDisposed)
	}
	if buf.disposed {
		return false, fmt.Errorf("Map.RemoveBuffer: buffer: %w", ErrDisposed)
	}
	idx := m.find(Key{b: buf.view}, m.opts.hash(buf.view))
	if idx < 0 {
		return false, nil
	}
	return true, m.removeAt(idx)
}

func (m *Map[V]) get(k Key) (V, bool) {
	idx := m.find(k, m.opts.hash(k.b))
	if idx < 0 {
		var zero V
		return zero, false
	}
	return m.slots[idx].value, true
}

// TryGet returns the value stored under the key whose bytes equal b.  It
// does not allocate and does not retain b.
func (m *Map[V]) TryGet(b []byte) (V, bool) {
	m.mustLive("TryGet")
	g := m.scratch.Redirect(b)
	defer g.Release()
	return m.get(g.Key())
}

// TryGetString looks up the encoding of s.  When the codec's encoding of s
// is s's own bytes (ASCII text, or any UTF-8 codec input) no copy is made;
// otherwise s is encoded into the map's scratch block, still without
// allocating.
func (m *Map[V]) TryGetString(s string) (V, bool) {
	m.mustLive("TryGetString")
	if zc, ok := m.opts.codec.(zeroCopier); ok {
		if b, ok := zc.view(s); ok {
			return m.TryGet(b)
		}
	}
	g, err := m.scratch.Encode(m.opts.codec, s)
	if err != nil {
		// unencodable, or longer than any stored key
		var zero V
		return zero, false
	}
	defer g.Release()
	return m.get(g.Key())
}

// Contains reports whether a key with b's bytes is present.
func (m *Map[V]) Contains(b []byte) bool {
	_, ok := m.TryGet(b)
	return ok
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	return m.count
}

// Codec returns the codec string keys are encoded with.
func (m *Map[V]) Codec() Codec {
	return m.opts.codec
}

// All calls yield for each entry in unspecified order until yield returns
// false.  The map must not be modified during iteration, and keys must not
// be retained past the entry's removal.
func (m *Map[V]) All(yield func(key Key, value V) bool) {
	m.mustLive("All")
	for i := range m.slots {
		if !m.used.IsSet(int64(i)) {
			continue
		}
		if !yield(m.slots[i].key, m.slots[i].value) {
			return
		}
	}
}

// Clear removes every entry and disposes their buffers.
func (m *Map[V]) Clear() error {
	if m.disposed {
		return fmt.Errorf("Map.Clear: %w", ErrDisposed)
	}
	var firstErr error
	for i := range m.slots {
		if !m.used.IsSet(int64(i)) {
			continue
		}
		if err := m.slots[i].buf.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.opts.logger.Debug("cleared map", "entries", m.count)
	clear(m.slots)
	m.used.Reset()
	m.tomb.Reset()
	m.count = 0
	m.tombs = 0
	clear(m.sources)
	return firstErr
}

// Dispose clears the map and releases its scratch key.  The map must not
// be used afterwards: mutators return ErrDisposed and lookups panic.
func (m *Map[V]) Dispose() error {
	if m.disposed {
		return fmt.Errorf("Map.Dispose: %w", ErrDisposed)
	}
	err := m.Clear()
	if serr := m.scratch.Dispose(); serr != nil && err == nil {
		err = serr
	}
	m.disposed = true
	m.slots = nil
	m.sources = nil
	return err
}
