// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"fmt"
	"unicode/utf8"

	"github.com/bpowers/blob/internal/unsafestring"
)

// Codec converts between text and the bytes stored in keys.  A codec is
// chosen per Map or KeyBuffer with WithCodec; keys built with one codec do
// not round-trip through another.
type Codec interface {
	// Name identifies the encoding, e.g. "ascii".
	Name() string
	// AppendEncode appends the encoded form of s to dst.
	AppendEncode(dst []byte, s string) ([]byte, error)
	// Decode returns the text b encodes.
	Decode(b []byte) (string, error)
}

// zeroCopier is implemented by codecs whose encoding of some strings is
// the string's own bytes.
type zeroCopier interface {
	view(s string) ([]byte, bool)
}

var (
	ASCII  Codec = asciiCodec{}
	UTF8   Codec = utf8Codec{}
	Latin1 Codec = latin1Codec{}
)

// Encode returns c's encoding of s in a new slice.
func Encode(c Codec, s string) ([]byte, error) {
	return c.AppendEncode(make([]byte, 0, len(s)), s)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func isASCIIBytes(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

type asciiCodec struct{}

func (asciiCodec) Name() string { return "ascii" }

func (asciiCodec) AppendEncode(dst []byte, s string) ([]byte, error) {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			r, _ := utf8.DecodeRuneInString(s[i:])
			return dst, fmt.Errorf("%w: %q at offset %d is not ascii", ErrUnencodable, r, i)
		}
	}
	return append(dst, s...), nil
}

func (asciiCodec) Decode(b []byte) (string, error) {
	if !isASCIIBytes(b) {
		return "", fmt.Errorf("%w: non-ascii byte in %q", ErrUnencodable, b)
	}
	return string(b), nil
}

func (asciiCodec) view(s string) ([]byte, bool) {
	if !isASCII(s) {
		return nil, false
	}
	return unsafestring.ToBytes(s), true
}

type utf8Codec struct{}

func (utf8Codec) Name() string { return "utf-8" }

func (utf8Codec) AppendEncode(dst []byte, s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return dst, fmt.Errorf("%w: invalid utf-8 in %q", ErrUnencodable, s)
	}
	return append(dst, s...), nil
}

func (utf8Codec) Decode(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid utf-8 in %q", ErrUnencodable, b)
	}
	return string(b), nil
}

// Invalid utf-8 never matches a stored key, so no validation is needed on
// the lookup path.
func (utf8Codec) view(s string) ([]byte, bool) {
	return unsafestring.ToBytes(s), true
}

type latin1Codec struct{}

func (latin1Codec) Name() string { return "latin-1" }

func (latin1Codec) AppendEncode(dst []byte, s string) ([]byte, error) {
	for i, r := range s {
		// invalid utf-8 decodes as RuneError, which is also > 0xff
		if r > 0xff {
			return dst, fmt.Errorf("%w: %q at offset %d is not latin-1", ErrUnencodable, r, i)
		}
		dst = append(dst, byte(r))
	}
	return dst, nil
}

func (latin1Codec) Decode(b []byte) (string, error) {
	if isASCIIBytes(b) {
		return string(b), nil
	}
	buf := make([]byte, 0, len(b)*2)
	for _, c := range b {
		buf = utf8.AppendRune(buf, rune(c))
	}
	return string(buf), nil
}

func (latin1Codec) view(s string) ([]byte, bool) {
	if !isASCII(s) {
		return nil, false
	}
	return unsafestring.ToBytes(s), true
}
