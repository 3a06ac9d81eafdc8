// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"errors"
	"fmt"
)

var (
	ErrCapacity       = errors.New("key exceeds buffer capacity")
	ErrDisposed       = errors.New("use after dispose")
	ErrLengthMismatch = errors.New("key length does not match its buffer")
	ErrOutOfRange     = errors.New("source range out of bounds")
	ErrOwned          = errors.New("buffer is owned by a map")
	ErrBorrowed       = errors.New("buffer views borrowed memory")
	ErrScratchBusy    = errors.New("scratch key already redirected")
	ErrReleased       = errors.New("scratch guard already released")
	ErrCodecMismatch  = errors.New("buffer codec differs from map codec")
	ErrUnencodable    = errors.New("text not representable in codec")
)

// CapacityError reports an attempt to store more bytes in a KeyBuffer than
// its block holds.  It matches ErrCapacity under errors.Is.
type CapacityError struct {
	Requested int
	Capacity  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: %d bytes requested, capacity %d", ErrCapacity, e.Requested, e.Capacity)
}

func (e *CapacityError) Unwrap() error {
	return ErrCapacity
}
