// Copyright 2021 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package zero provides functions to zero byte ranges.
package zero

// Bytes zeroes every byte of b.
func Bytes(b []byte) {
	clear(b)
}

// Range zeroes b[from:to].  Out-of-order or out-of-range bounds are
// clamped rather than panicking, so callers can pass an old length that
// is smaller than the new one.
func Range(b []byte, from, to int) {
	if from < 0 {
		from = 0
	}
	if to > len(b) {
		to = len(b)
	}
	if from >= to {
		return
	}
	clear(b[from:to])
}
