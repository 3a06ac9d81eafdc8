// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"bytes"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/blob/keyfile"
)

// checkInvariants verifies the map's bookkeeping agrees with its slots.
func checkInvariants[V any](t *testing.T, m *Map[V]) {
	t.Helper()
	require.Equal(t, int64(len(m.slots)), m.used.Len())
	require.Zero(t, len(m.slots)&(len(m.slots)-1), "slot count must be a power of two")

	used, tombs := 0, 0
	for i := range m.slots {
		isUsed, isTomb := m.used.IsSet(int64(i)), m.tomb.IsSet(int64(i))
		require.False(t, isUsed && isTomb, "slot %d is both used and a tombstone", i)
		if isTomb {
			tombs++
		}
		if !isUsed {
			continue
		}
		used++
		s := &m.slots[i]
		require.True(t, s.buf.owned)
		require.False(t, s.buf.disposed)
		require.False(t, s.buf.redirected)
		require.Equal(t, s.buf.n, s.key.Len())
		require.Equal(t, m.opts.hash(s.key.b), s.hash)
		require.Equal(t, i, m.find(s.key, s.hash))
		if s.hasSource {
			require.Same(t, s.buf, m.sources[s.source])
		}
	}
	require.Equal(t, m.count, used)
	require.Equal(t, m.tombs, tombs)
	require.LessOrEqual(t, len(m.sources), m.count)
	require.LessOrEqual(t, (m.count+m.tombs)*8, len(m.slots)*7)
	require.False(t, m.scratch.Busy())
}

func newIntMap(t *testing.T, keys []string, opts ...Option) *Map[int] {
	t.Helper()
	m := NewMap[int](len(keys), opts...)
	for i, k := range keys {
		ok, err := m.Insert(k, i)
		require.NoError(t, err)
		require.True(t, ok, "key %q", k)
	}
	return m
}

func TestMap_firstWriteWins(t *testing.T) {
	m := NewMap[int](0)
	ok, err := m.Insert("alpha", 1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.Insert("beta", 2)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.Insert("alpha", 99)
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, 2, m.Len())
	v, ok := m.TryGet([]byte("alpha"))
	require.True(t, ok)
	require.Equal(t, 1, v)
	checkInvariants(t, m)
	require.NoError(t, m.Dispose())
}

func TestMap_sharedPrefixes(t *testing.T) {
	m := newIntMap(t, []string{"/a", "/ab", "/abc"})
	defer func() { require.NoError(t, m.Dispose()) }()

	v, ok := m.TryGet([]byte("/ab"))
	require.True(t, ok)
	require.Equal(t, 1, v)

	for i, k := range []string{"/a", "/ab", "/abc"} {
		v, ok := m.TryGet([]byte(k))
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	for _, k := range []string{"", "/", "/b", "/abcd", "/ac", "a/b"} {
		_, ok := m.TryGet([]byte(k))
		require.False(t, ok, "key %q", k)
	}
	// a span into the middle of a larger buffer
	wire := []byte("xx/abyy")
	v, ok = m.TryGet(wire[2:5])
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func genKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("/composition/layers/%d/clips/%d/connect", i%37, i)
	}
	return keys
}

func TestMap_zeroAllocLookup(t *testing.T) {
	const n = 1000
	keys := genKeys(n)

	for _, hash := range []HashFunc{SpanHash, FarmHash} {
		m := newIntMap(t, keys, WithHashFunc(hash))
		checkInvariants(t, m)

		// raw buffers, as they would arrive off the wire
		raw := make([][]byte, n)
		for i, k := range keys {
			b, err := Encode(ASCII, k)
			require.NoError(t, err)
			raw[i] = b
		}

		// repeated redirect/reset cycles on the one scratch key
		for round := 0; round < 3; round++ {
			for i, b := range raw {
				v, ok := m.TryGet(b)
				require.True(t, ok)
				require.Equal(t, i, v)
			}
		}

		misses := 0
		allocs := testing.AllocsPerRun(10, func() {
			for i, b := range raw {
				if v, ok := m.TryGet(b); !ok || v != i {
					misses++
				}
				if v, ok := m.TryGetString(keys[i]); !ok || v != i {
					misses++
				}
			}
		})
		require.Zero(t, allocs)
		require.Zero(t, misses)
		require.NoError(t, m.Dispose())
	}
}

func TestMap_spanHashCollisions(t *testing.T) {
	// same length and last byte: every key lands on one hash
	var keys []string
	for i := 10; i < 100; i++ {
		keys = append(keys, fmt.Sprintf("/track/%d/mute", i))
	}
	keys = append(keys, "/ping", "/pong")
	require.Equal(t, SpanHash([]byte("/ping")), SpanHash([]byte("/pong")))
	require.Equal(t, SpanHash([]byte(keys[0])), SpanHash([]byte(keys[1])))

	m := newIntMap(t, keys)
	defer func() { require.NoError(t, m.Dispose()) }()
	checkInvariants(t, m)

	for i, k := range keys {
		v, ok := m.TryGetString(k)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := m.TryGetString("/pang")
	require.False(t, ok)
	_, ok = m.TryGetString("/track/00/mute")
	require.False(t, ok)
}

func TestMap_emptyKey(t *testing.T) {
	m := newIntMap(t, []string{"", "/a"})
	defer func() { require.NoError(t, m.Dispose()) }()

	v, ok := m.TryGet(nil)
	require.True(t, ok)
	require.Equal(t, 0, v)
	v, ok = m.TryGet([]byte{})
	require.True(t, ok)
	require.Equal(t, 0, v)
	v, ok = m.TryGetString("")
	require.True(t, ok)
	require.Equal(t, 0, v)

	removed, err := m.Remove("")
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, m.Contains(nil))
	require.True(t, m.Contains([]byte("/a")))
}

func TestMap_remove(t *testing.T) {
	m := newIntMap(t, []string{"/a", "/ab", "/abc"})
	defer func() { require.NoError(t, m.Dispose()) }()

	ref := m.sources["/ab"].Ref()
	removed, err := m.Remove("/ab")
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, 2, m.Len())
	require.False(t, m.Contains([]byte("/ab")))
	_, err = ref.Key()
	require.ErrorIs(t, err, ErrDisposed)

	removed, err = m.Remove("/ab")
	require.NoError(t, err)
	require.False(t, removed)

	// probing continues past the tombstone
	require.True(t, m.Contains([]byte("/a")))
	require.True(t, m.Contains([]byte("/abc")))
	checkInvariants(t, m)

	// re-inserting after removal is a fresh entry
	ok, err := m.Insert("/ab", 42)
	require.NoError(t, err)
	require.True(t, ok)
	v, _ := m.TryGet([]byte("/ab"))
	require.Equal(t, 42, v)
	checkInvariants(t, m)
}

func TestMap_removeBuffer(t *testing.T) {
	m := newIntMap(t, []string{"/a", "/ab"})
	defer func() { require.NoError(t, m.Dispose()) }()

	probe, err := NewKeyBuffer("/ab")
	require.NoError(t, err)
	stored := m.sources["/ab"]

	removed, err := m.RemoveBuffer(probe)
	require.NoError(t, err)
	require.True(t, removed)
	require.True(t, stored.disposed)
	// the caller's buffer is untouched
	require.Equal(t, "/ab", probe.String())
	_, stillSourced := m.sources["/ab"]
	require.False(t, stillSourced)

	removed, err = m.RemoveBuffer(probe)
	require.NoError(t, err)
	require.False(t, removed)
	require.NoError(t, probe.Dispose())

	_, err = m.RemoveBuffer(probe)
	require.ErrorIs(t, err, ErrDisposed)
	checkInvariants(t, m)
}

func TestMap_insertBuffer(t *testing.T) {
	m := NewMap[string](0)
	defer func() { require.NoError(t, m.Dispose()) }()

	buf, err := NewKeyBufferFromBytes([]byte("/tempo/tap"))
	require.NoError(t, err)
	ok, err := m.InsertBuffer(buf, "tap")
	require.NoError(t, err)
	require.True(t, ok)

	// the map owns it now
	require.ErrorIs(t, buf.Dispose(), ErrOwned)
	require.ErrorIs(t, buf.SetBytes([]byte("x"), 0, 1), ErrOwned)
	requirePanicsWith(t, ErrOwned, func() { buf.Redirect([]byte("x")) })
	requirePanicsWith(t, ErrOwned, func() { buf.SetBytesUnchecked([]byte("x"), 0, 1) })
	_, err = m.InsertBuffer(buf, "again")
	require.ErrorIs(t, err, ErrOwned)

	v, ok := m.TryGetString("/tempo/tap")
	require.True(t, ok)
	require.Equal(t, "tap", v)

	// a content duplicate stays with the caller
	dup, err := NewKeyBuffer("/tempo/tap")
	require.NoError(t, err)
	ok, err = m.InsertBuffer(dup, "dup")
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, dup.owned)
	require.NoError(t, dup.Dispose())

	// so does an Insert of the same text
	ok, err = m.Insert("/tempo/tap", "insert")
	require.NoError(t, err)
	require.False(t, ok)
	v, _ = m.TryGetString("/tempo/tap")
	require.Equal(t, "tap", v)

	// buffers without a source string can't be removed by string
	removed, err := m.Remove("/tempo/tap")
	require.NoError(t, err)
	require.False(t, removed)
	removed, err = m.RemoveBuffer(buf)
	require.NoError(t, err)
	require.True(t, removed)
	require.True(t, buf.disposed)
	checkInvariants(t, m)
}

func TestMap_insertBufferErrors(t *testing.T) {
	m := NewMap[int](0)
	defer func() { require.NoError(t, m.Dispose()) }()

	disposed, err := NewKeyBuffer("/a")
	require.NoError(t, err)
	require.NoError(t, disposed.Dispose())
	_, err = m.InsertBuffer(disposed, 1)
	require.ErrorIs(t, err, ErrDisposed)

	redirected, err := NewKeyBuffer("/a")
	require.NoError(t, err)
	redirected.Redirect([]byte("/borrowed"))
	_, err = m.InsertBuffer(redirected, 1)
	require.ErrorIs(t, err, ErrBorrowed)
	redirected.Reset()
	ok, err := m.InsertBuffer(redirected, 1)
	require.NoError(t, err)
	require.True(t, ok)

	other, err := NewKeyBuffer("/b", WithCodec(UTF8))
	require.NoError(t, err)
	_, err = m.InsertBuffer(other, 2)
	require.ErrorIs(t, err, ErrCodecMismatch)
	require.NoError(t, other.Dispose())

	second := NewMap[int](0)
	_, err = second.InsertBuffer(redirected, 1)
	require.ErrorIs(t, err, ErrOwned)
	require.NoError(t, second.Dispose())

	require.Equal(t, 1, m.Len())
	checkInvariants(t, m)
}

func TestMap_codecs(t *testing.T) {
	keys := []string{"/café", "/über/alles", "/plain"}

	m := newIntMap(t, keys, WithCodec(Latin1))
	defer func() { require.NoError(t, m.Dispose()) }()
	require.Equal(t, Latin1, m.Codec())

	for i, k := range keys {
		v, ok := m.TryGetString(k)
		require.True(t, ok, "key %q", k)
		require.Equal(t, i, v)
	}
	// stored as one byte per rune
	v, ok := m.TryGet([]byte{'/', 'c', 'a', 'f', 0xe9})
	require.True(t, ok)
	require.Equal(t, 0, v)
	// the UTF-8 bytes are a different key
	require.False(t, m.Contains([]byte("/café")))

	// the non-ascii path encodes into the scratch block
	allocs := testing.AllocsPerRun(100, func() {
		if _, ok := m.TryGetString("/über/alles"); !ok {
			panic("missing key")
		}
	})
	require.Zero(t, allocs)

	_, ok = m.TryGetString("snow ☃")
	require.False(t, ok)
	// longer than the scratch block
	_, ok = m.TryGetString("/ü" + strings.Repeat("x", 64))
	require.False(t, ok)
	require.False(t, m.scratch.Busy())

	ascii := NewMap[int](0)
	_, err := ascii.Insert("/café", 1)
	require.ErrorIs(t, err, ErrUnencodable)
	_, ok = ascii.TryGetString("/café")
	require.False(t, ok)
	require.NoError(t, ascii.Dispose())
}

func TestMap_tombstonesDoNotGrow(t *testing.T) {
	m := NewMap[int](4)
	defer func() { require.NoError(t, m.Dispose()) }()
	slots := len(m.slots)

	for i := 0; i < 1000; i++ {
		k := "/churn/" + strconv.Itoa(i)
		ok, err := m.Insert(k, i)
		require.NoError(t, err)
		require.True(t, ok)
		removed, err := m.Remove(k)
		require.NoError(t, err)
		require.True(t, removed)
	}
	require.Zero(t, m.Len())
	require.Equal(t, slots, len(m.slots))
	checkInvariants(t, m)
}

func TestMap_growthKeepsKeyBlocks(t *testing.T) {
	keys := genKeys(500)
	m := NewMap[int](1)
	defer func() { require.NoError(t, m.Dispose()) }()

	addrs := make(map[string]*byte)
	for i, k := range keys {
		ok, err := m.Insert(k, i)
		require.NoError(t, err)
		require.True(t, ok)
		addrs[k] = &m.sources[k].View().Bytes()[0]
	}
	require.Greater(t, len(m.slots), 500)
	checkInvariants(t, m)

	for i, k := range keys {
		v, ok := m.TryGetString(k)
		require.True(t, ok)
		require.Equal(t, i, v)
		require.True(t, addrs[k] == &m.sources[k].View().Bytes()[0], "key %q moved", k)
	}
}

func TestMap_randomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	m := NewMap[int](0)
	defer func() { require.NoError(t, m.Dispose()) }()
	shadow := make(map[string]int)

	for i := 0; i < 5000; i++ {
		k := "/k/" + strconv.Itoa(rng.Intn(300))
		switch rng.Intn(3) {
		case 0, 1:
			ok, err := m.Insert(k, i)
			require.NoError(t, err)
			_, exists := shadow[k]
			require.Equal(t, !exists, ok)
			if !exists {
				shadow[k] = i
			}
		case 2:
			removed, err := m.Remove(k)
			require.NoError(t, err)
			_, exists := shadow[k]
			require.Equal(t, exists, removed)
			delete(shadow, k)
		}
		if i%500 == 0 {
			checkInvariants(t, m)
		}
	}
	checkInvariants(t, m)

	got := make(map[string]int)
	m.All(func(k Key, v int) bool {
		got[string(k.Bytes())] = v
		return true
	})
	if diff := cmp.Diff(shadow, got); diff != "" {
		t.Fatalf("All() mismatch (-want +got):\n%s", diff)
	}

	n := 0
	m.All(func(Key, int) bool {
		n++
		return n < 3
	})
	require.Equal(t, min(3, len(shadow)), n)
}

func TestMap_clear(t *testing.T) {
	m := newIntMap(t, []string{"/a", "/ab", "/abc"})
	refs := []Ref{m.sources["/a"].Ref(), m.sources["/abc"].Ref()}

	require.NoError(t, m.Clear())
	require.Zero(t, m.Len())
	require.False(t, m.Contains([]byte("/a")))
	for _, ref := range refs {
		_, err := ref.Key()
		require.ErrorIs(t, err, ErrDisposed)
	}
	checkInvariants(t, m)

	ok, err := m.Insert("/a", 7)
	require.NoError(t, err)
	require.True(t, ok)
	v, _ := m.TryGet([]byte("/a"))
	require.Equal(t, 7, v)
	require.NoError(t, m.Dispose())
}

func TestMap_dispose(t *testing.T) {
	buf, err := NewKeyBuffer("/owned")
	require.NoError(t, err)
	m := newIntMap(t, []string{"/a"})
	_, err = m.InsertBuffer(buf, 1)
	require.NoError(t, err)
	ref := buf.Ref()

	require.NoError(t, m.Dispose())

	_, err = ref.Key()
	require.ErrorIs(t, err, ErrDisposed)
	require.True(t, buf.disposed)
	require.ErrorIs(t, m.Dispose(), ErrDisposed)
	require.ErrorIs(t, m.Clear(), ErrDisposed)
	_, err = m.Insert("/b", 2)
	require.ErrorIs(t, err, ErrDisposed)
	_, err = m.Remove("/a")
	require.ErrorIs(t, err, ErrDisposed)
	_, err = m.Freeze()
	require.ErrorIs(t, err, ErrDisposed)
	requirePanicsWith(t, ErrDisposed, func() { m.TryGet([]byte("/a")) })
	requirePanicsWith(t, ErrDisposed, func() { m.TryGetString("/a") })
	requirePanicsWith(t, ErrDisposed, func() { m.All(func(Key, int) bool { return true }) })
}

func TestMap_lengthMismatchPanics(t *testing.T) {
	m := newIntMap(t, []string{"/abc"})
	m.sources["/abc"].n = 2
	requirePanicsWith(t, ErrLengthMismatch, func() { m.TryGet([]byte("/abc")) })
	require.False(t, m.scratch.Busy())

	// lookups work again once the buffer is consistent
	m.sources["/abc"].n = 4
	v, ok := m.TryGet([]byte("/abc"))
	require.True(t, ok)
	require.Equal(t, 0, v)
	require.NoError(t, m.Dispose())
}

func TestMap_panickingHashReleasesScratch(t *testing.T) {
	explode := false
	hash := func(b []byte) uint64 {
		if explode {
			panic("hash failed")
		}
		return FarmHash(b)
	}
	m := newIntMap(t, []string{"/a", "/ab"}, WithCodec(Latin1), WithHashFunc(hash))
	defer func() { require.NoError(t, m.Dispose()) }()

	explode = true
	require.Panics(t, func() { m.TryGet([]byte("/a")) })
	require.Panics(t, func() { m.TryGetString("/ab") })
	// the encoding path goes through the scratch block
	require.Panics(t, func() { m.TryGetString("/ü") })
	require.False(t, m.scratch.Busy())

	explode = false
	v, ok := m.TryGet([]byte("/ab"))
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = m.TryGetString("/a")
	require.True(t, ok)
	require.Equal(t, 0, v)
}

func TestMap_arena(t *testing.T) {
	arena := NewArena(4096)
	defer func() { require.NoError(t, arena.Close()) }()

	keys := genKeys(300)
	m := newIntMap(t, keys, WithArena(arena), WithHashFunc(FarmHash))
	require.Greater(t, arena.a.Mapped(), 1)
	checkInvariants(t, m)

	raw := make([][]byte, len(keys))
	for i, k := range keys {
		raw[i] = []byte(k)
	}
	allocs := testing.AllocsPerRun(10, func() {
		for i, b := range raw {
			if v, ok := m.TryGet(b); !ok || v != i {
				panic("bad lookup")
			}
		}
	})
	require.Zero(t, allocs)

	for _, k := range keys[:100] {
		removed, err := m.Remove(k)
		require.NoError(t, err)
		require.True(t, removed)
	}
	for i, k := range keys[100:] {
		v, ok := m.TryGetString(k)
		require.True(t, ok)
		require.Equal(t, i+100, v)
	}

	require.NoError(t, m.Dispose())
	// every block is back; only the chunk being carved stays mapped
	require.Equal(t, 1, arena.a.Mapped())
}

func TestMap_logger(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	m := NewMap[int](1, WithLogger(logger))
	for i, k := range genKeys(20) {
		_, err := m.Insert(k, i)
		require.NoError(t, err)
	}
	_, err := m.Insert(genKeys(1)[0], 0)
	require.NoError(t, err)
	require.NoError(t, m.Dispose())

	require.Contains(t, out.String(), "rehashing map")
	require.Contains(t, out.String(), "ignoring duplicate key")
	require.Contains(t, out.String(), "cleared map")
}

func TestMap_testdata(t *testing.T) {
	for _, path := range []string{"testdata/routes.small", "testdata/routes.hujson"} {
		entries, err := keyfile.Load(path)
		require.NoError(t, err)
		require.NotEmpty(t, entries)

		m := NewMap[string](len(entries))
		for _, e := range entries {
			ok, err := m.Insert(e.Key, e.Value)
			require.NoError(t, err)
			require.True(t, ok, "%s: key %q", path, e.Key)
		}
		checkInvariants(t, m)
		require.Equal(t, len(entries), m.Len())
		for _, e := range entries {
			v, ok := m.TryGet([]byte(e.Key))
			require.True(t, ok)
			require.Equal(t, e.Value, v)
		}
		require.NoError(t, m.Dispose())
	}
}

func BenchmarkMap_TryGet(b *testing.B) {
	keys := genKeys(1000)
	raw := make([][]byte, len(keys))
	for i, k := range keys {
		raw[i] = []byte(k)
	}

	for _, bench := range []struct {
		name string
		hash HashFunc
	}{
		{"span", SpanHash},
		{"farm", FarmHash},
	} {
		b.Run(bench.name, func(b *testing.B) {
			m := NewMap[int](len(keys), WithHashFunc(bench.hash))
			for i, k := range keys {
				if _, err := m.Insert(k, i); err != nil {
					b.Fatal(err)
				}
			}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, ok := m.TryGet(raw[i%len(raw)]); !ok {
					b.Fatal("missing key")
				}
			}
		})
	}

	b.Run("builtin", func(b *testing.B) {
		m := make(map[string]int, len(keys))
		for i, k := range keys {
			m[k] = i
		}
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, ok := m[string(raw[i%len(raw)])]; !ok {
				b.Fatal("missing key")
			}
		}
	})
}
