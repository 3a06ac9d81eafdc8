// Copyright 2022 The blob Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package mph builds minimal perfect hash indexes over a fixed set of
// byte-string keys.
package mph

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sort"

	"github.com/dgryski/go-farm"

	"github.com/bpowers/blob/internal/bitset"
	"github.com/bpowers/blob/internal/unsafestring"
)

const (
	maxIndexEntries = (1 << 31) - 1
	maxUint32       = ^uint32(0)
)

var ErrDuplicateKey = errors.New("duplicate key")

// nextPow2 returns the next highest power of two above a given number.
func nextPow2(n int64) int64 {
	return 1 << (64 - bits.LeadingZeros64(uint64(n)))
}

type stringSet map[string]struct{}

func (set stringSet) Contains(s string) bool {
	_, ok := set[s]
	return ok
}

func (set stringSet) Add(s string) {
	set[s] = struct{}{}
}

type bucket struct {
	n    int64
	vals []uint32
}

// bySize is used to sort our buckets from most full to least full
type bySize []bucket

func (s bySize) Len() int           { return len(s) }
func (s bySize) Less(i, j int) bool { return len(s[i].vals) > len(s[j].vals) }
func (s bySize) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// Table is an immutable index that maps each of the keys it was built
// from to that key's position in the input.
type Table struct {
	level0     []uint32 // power of 2 size
	level0Mask uint64   // len(level0) - 1
	level1     []uint32 // power of 2 size >= len(keys); index+1, 0 is empty
	level1Mask uint64   // len(level1) - 1
}

// Build builds a Table from keys using the "Hash, displace, and compress"
// algorithm described in http://cmph.sourceforge.net/papers/esa09.pdf.
func Build(keys [][]byte, logger *slog.Logger) (*Table, error) {
	if len(keys) > maxIndexEntries {
		return nil, fmt.Errorf("too many elements -- we only support %d items in an index (%d asked for)", maxIndexEntries, len(keys))
	}

	var (
		entryLen  = int64(len(keys))
		level0Len = nextPow2(entryLen / 4)
		level1Len = nextPow2(entryLen)
	)

	var (
		level0Mask = uint64(level0Len - 1)
		level1Mask = uint64(level1Len - 1)
	)

	var (
		level0        = make([]uint32, level0Len)
		level1        = make([]uint32, level1Len)
		sparseBuckets = make([][]uint32, level0Len)
		seen          = make(stringSet, len(keys))
	)

	logger.Debug("building sparse buckets", "keys", len(keys))

	for i, key := range keys {
		// two equal keys always collide, so the seed search below would
		// never terminate
		if s := unsafestring.FromBytes(key); seen.Contains(s) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, s)
		} else {
			seen.Add(s)
		}
		n := farm.Hash64WithSeed(key, 0) & level0Mask
		sparseBuckets[n] = append(sparseBuckets[n], uint32(i))
	}

	var buckets []bucket
	for n, vals := range sparseBuckets {
		if len(vals) > 0 {
			buckets = append(buckets, bucket{n: int64(n), vals: vals})
		}
	}
	sort.Sort(bySize(buckets))

	logger.Debug("assigning seeds", "buckets", len(buckets))

	occ := bitset.New(int64(len(level1)))
	var tmpOcc []uint32
	for _, b := range buckets {
		seed := uint64(1)
	trySeed:
		if seed >= uint64(maxUint32) {
			return nil, errors.New("couldn't find 32-bit seed")
		}
		tmpOcc = tmpOcc[:0]
		for _, i := range b.vals {
			n := uint32(farm.Hash64WithSeed(keys[i], seed) & level1Mask)
			if occ.IsSet(int64(n)) {
				for _, n := range tmpOcc {
					occ.Clear(int64(n))
					level1[n] = 0
				}
				seed++
				goto trySeed
			}
			tmpOcc = append(tmpOcc, n)
			occ.Set(int64(n))
			level1[n] = i + 1
		}
		level0[b.n] = uint32(seed)
	}

	return &Table{
		level0:     level0,
		level0Mask: level0Mask,
		level1:     level1,
		level1Mask: level1Mask,
	}, nil
}

// MaybeLookup searches for b in t and returns its potential index.  Keys
// that were not part of the build set hash to an arbitrary slot, so
// callers must compare the key at the returned index against b.
func (t *Table) MaybeLookup(b []byte) (int, bool) {
	// first we hash the key with a fixed seed, giving us the offset
	// of a seed that perfectly hashes into our second-level table
	seed := uint64(t.level0[farm.Hash64WithSeed(b, 0)&t.level0Mask])
	// next, we use that more-specific seed to re-hash the key, giving
	// us the key's position (plus one) in the input
	n := t.level1[farm.Hash64WithSeed(b, seed)&t.level1Mask]
	if n == 0 {
		return 0, false
	}
	return int(n - 1), true
}

// MaybeLookupString searches for s in t and returns its potential index.
func (t *Table) MaybeLookupString(s string) (int, bool) {
	return t.MaybeLookup(unsafestring.ToBytes(s))
}
