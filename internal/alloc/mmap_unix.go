// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build unix

package alloc

import (
	"golang.org/x/sys/unix"
)

func mapAnon(n int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	// key lookups touch a handful of bytes at scattered offsets
	_ = unix.Madvise(mem, unix.MADV_RANDOM)
	return mem, nil
}

func unmap(mem []byte) error {
	return unix.Munmap(mem)
}
