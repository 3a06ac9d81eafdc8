// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package keyfile reads and writes lists of known keys and their values.
//
// Two formats are supported.  The line format holds one "key:value" pair
// per line; blank lines and lines starting with '#' are skipped.  The
// HuJSON format is a single JSON object, comments and trailing commas
// allowed, whose members are read in document order.
package keyfile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

const readBufferSize = 16 * 1024

var ErrMalformed = errors.New("malformed key file")

// Entry is one key and its value.
type Entry struct {
	Key   string
	Value string
}

// Read parses the line format.
func Read(r io.Reader) ([]Entry, error) {
	var entries []Entry
	s := bufio.NewScanner(bufio.NewReaderSize(r, readBufferSize))
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := bytes.TrimSuffix(s.Bytes(), []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 || line[0] == '#' {
			continue
		}
		k, v, ok := bytes.Cut(line, []byte{':'})
		if !ok {
			return nil, fmt.Errorf("%w: line %d has no ':' separator", ErrMalformed, lineNo)
		}
		entries = append(entries, Entry{Key: string(k), Value: string(v)})
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("bufio.Scanner: %w", err)
	}
	return entries, nil
}

// ParseHuJSON parses the HuJSON format.  Values may be strings or numbers.
func ParseHuJSON(data []byte) ([]Entry, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid HuJSON: %w", ErrMalformed, err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.UseNumber()

	if tok, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	} else if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: expected an object, found %v", ErrMalformed, tok)
	}

	var entries []Entry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		key, _ := tok.(string)

		tok, err = dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %w", ErrMalformed, key, err)
		}
		var value string
		switch v := tok.(type) {
		case string:
			value = v
		case json.Number:
			value = v.String()
		default:
			return nil, fmt.Errorf("%w: key %q: value must be a string or number, found %v", ErrMalformed, key, tok)
		}
		entries = append(entries, Entry{Key: key, Value: value})
	}
	return entries, nil
}

// Write writes entries in the line format.
func Write(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriterSize(w, readBufferSize)
	for _, e := range entries {
		if strings.ContainsAny(e.Key, ":\n") || strings.Contains(e.Value, "\n") {
			return fmt.Errorf("%w: entry %q cannot be written in the line format", ErrMalformed, e.Key)
		}
		if _, err := fmt.Fprintf(bw, "%s:%s\n", e.Key, e.Value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile atomically replaces path with entries in the line format.
func WriteFile(path string, entries []Entry) error {
	var buf bytes.Buffer
	if err := Write(&buf, entries); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("atomic.WriteFile(%s): %w", path, err)
	}
	return nil
}

// Load reads path, choosing the format from its extension: ".json" and
// ".hujson" are HuJSON, anything else is the line format.
func Load(path string) ([]Entry, error) {
	switch filepath.Ext(path) {
	case ".json", ".hujson":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		entries, err := ParseHuJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return entries, nil
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = f.Close()
		}()
		entries, err := Read(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return entries, nil
	}
}
