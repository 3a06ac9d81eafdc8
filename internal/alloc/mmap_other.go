// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build !unix

package alloc

// Without anonymous mappings we fall back to the Go heap, which never
// moves objects either.
func mapAnon(n int) ([]byte, error) {
	return make([]byte, n), nil
}

func unmap([]byte) error {
	return nil
}
