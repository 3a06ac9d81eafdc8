// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command gen-testdata writes a key file of random route-like keys, each
// mapped to its index, for tests and benchmarks.
package main

import (
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/bpowers/blob/keyfile"
)

const hmacKey = "d259c7f656caf7f1"

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		var seedBytes [8]byte
		_, _ = crand.Read(seedBytes[:])
		seed = int64(binary.LittleEndian.Uint64(seedBytes[:]))
	}
	return rand.New(rand.NewSource(seed))
}

func generate(n int, prefix string, maxSegments int, rng *rand.Rand) []keyfile.Entry {
	h := hmac.New(sha256.New, []byte(hmacKey))
	seen := make(map[string]struct{}, n)
	entries := make([]keyfile.Entry, 0, n)
	for len(entries) < n {
		key := prefix
		segments := 1 + rng.Intn(maxSegments)
		for i := 0; i < segments; i++ {
			var buf [8]byte
			_, _ = rng.Read(buf[:])
			h.Reset()
			h.Write(buf[:])
			// segments of varying length so keys share prefixes but not sizes
			seg := hex.EncodeToString(h.Sum(nil))[:2+rng.Intn(14)]
			if i > 0 {
				key += "/"
			}
			key += seg
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		entries = append(entries, keyfile.Entry{Key: key, Value: strconv.Itoa(len(entries))})
	}
	return entries
}

func main() {
	fs := flag.NewFlagSet("gen-testdata", flag.ContinueOnError)
	count := fs.IntP("count", "n", 1000000, "number of keys to generate")
	prefix := fs.String("prefix", "/", "prefix shared by every key")
	segments := fs.Int("segments", 4, "maximum number of path segments per key")
	seed := fs.Int64("seed", 0, "random seed (0 picks one)")
	output := fs.StringP("output", "o", "", "file to write atomically (default stdout)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if *count < 0 || *segments < 1 {
		fmt.Fprintf(os.Stderr, "gen-testdata: --count must be >= 0 and --segments >= 1\n")
		os.Exit(2)
	}

	entries := generate(*count, *prefix, *segments, newRand(*seed))

	var err error
	if *output == "" {
		err = keyfile.Write(os.Stdout, entries)
	} else {
		err = keyfile.WriteFile(*output, entries)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "gen-testdata: %s\n", err)
		os.Exit(1)
	}
}
