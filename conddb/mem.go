// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// Mem is an in-memory settings store.
type Mem struct {
	mu sync.RWMutex
	db map[string]string
}

// NewMem returns an empty in-memory store.
func NewMem() *Mem {
	return &Mem{db: make(map[string]string)}
}

// ReadFile returns an in-memory store holding the settings of the named
// text file, one "key = value" pair per line.
// Empty lines and lines starting with '#' are ignored.
func ReadFile(fname string) (*Mem, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open settings file: %w", err)
	}
	defer f.Close()

	mem, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not read settings file %q: %w", fname, err)
	}
	return mem, nil
}

// Read returns an in-memory store holding the settings read from r.
func Read(r io.Reader) (*Mem, error) {
	var (
		mem = NewMem()
		sc  = bufio.NewScanner(r)
		n   = 0
	)
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i <= 0 {
			return nil, fmt.Errorf("conddb: invalid line %d: %q", n, line)
		}
		var (
			k = strings.TrimSpace(line[:i])
			v = strings.TrimSpace(line[i+1:])
		)
		mem.db[k] = v
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("conddb: could not scan settings: %w", err)
	}
	return mem, nil
}

// Get implements timing.Store.
func (mem *Mem) Get(key, def string) string {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	if v, ok := mem.db[key]; ok {
		return v
	}
	return def
}

// Set implements timing.Store.
func (mem *Mem) Set(key, value string) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.db[key] = value
	return nil
}

// Keys returns the sorted keys of the store.
func (mem *Mem) Keys() []string {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	keys := make([]string, 0, len(mem.db))
	for k := range mem.db {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteTo writes the settings as "key = value" lines, sorted by key.
func (mem *Mem) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, k := range mem.Keys() {
		nn, err := fmt.Fprintf(w, "%s = %s\n", k, mem.Get(k, ""))
		n += int64(nn)
		if err != nil {
			return n, fmt.Errorf("conddb: could not write setting %q: %w", k, err)
		}
	}
	return n, nil
}
