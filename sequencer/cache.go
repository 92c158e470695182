// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sequencer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-lpc/tsc/internal/mmap"
)

// Cache maps packet descriptions to encoded packets.
type Cache interface {
	Get(desc string) ([]byte, bool)
	Set(desc string, p []byte) error
	Clear() error
}

// MemCache is an in-memory packet cache.
type MemCache struct {
	mu sync.RWMutex
	db map[string][]byte
}

// NewMemCache returns an empty in-memory cache.
func NewMemCache() *MemCache {
	return &MemCache{db: make(map[string][]byte)}
}

// Get returns the stored packet itself, not a copy.
func (c *MemCache) Get(desc string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.db[desc]
	return p, ok
}

func (c *MemCache) Set(desc string, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.db[desc] = p
	return nil
}

func (c *MemCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.db = make(map[string][]byte)
	return nil
}

// Len returns the number of cached packets.
func (c *MemCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.db)
}

// DiskCache is a packet cache persisted in a directory, one file per
// packet, named after the SHA-256 of its description.
// Packets read back from disk are decoded and their embedded description
// checked; invalid files are treated as misses.
type DiskCache struct {
	dir string
	mem *MemCache
}

// NewDiskCache returns a cache storing its packets under dir.
func NewDiskCache(dir string) (*DiskCache, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("sequencer: could not create cache directory %q: %w", dir, err)
	}
	return &DiskCache{dir: dir, mem: NewMemCache()}, nil
}

// Dir returns the directory holding the cache files.
func (c *DiskCache) Dir() string { return c.dir }

func (c *DiskCache) fname(desc string) string {
	sum := sha256.Sum256([]byte(desc))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".pkt")
}

func (c *DiskCache) Get(desc string) ([]byte, bool) {
	if p, ok := c.mem.Get(desc); ok {
		return p, true
	}

	p, err := c.load(c.fname(desc), desc)
	if err != nil {
		return nil, false
	}
	_ = c.mem.Set(desc, p)
	return p, true
}

func (c *DiskCache) load(fname, desc string) ([]byte, error) {
	f, err := mmap.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p := make([]byte, f.Len())
	copy(p, f.Bytes())

	frame, err := Decode(p)
	if err != nil {
		return nil, fmt.Errorf("sequencer: invalid cache file %q: %w", fname, err)
	}
	if frame.Description != desc {
		return nil, fmt.Errorf("sequencer: cache file %q holds another packet", fname)
	}
	return p, nil
}

func (c *DiskCache) Set(desc string, p []byte) error {
	_ = c.mem.Set(desc, p)

	fname := c.fname(desc)
	f, err := os.CreateTemp(c.dir, ".pkt-*")
	if err != nil {
		return fmt.Errorf("sequencer: could not create cache file: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	_, err = f.Write(p)
	if err != nil {
		return fmt.Errorf("sequencer: could not write cache file: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("sequencer: could not close cache file: %w", err)
	}
	err = os.Rename(f.Name(), fname)
	if err != nil {
		return fmt.Errorf("sequencer: could not store cache file %q: %w", fname, err)
	}
	return nil
}

func (c *DiskCache) Clear() error {
	_ = c.mem.Clear()

	fnames, err := filepath.Glob(filepath.Join(c.dir, "*.pkt"))
	if err != nil {
		return fmt.Errorf("sequencer: could not list cache files: %w", err)
	}
	for _, fname := range fnames {
		err := os.Remove(fname)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("sequencer: could not remove cache file %q: %w", fname, err)
		}
	}
	return nil
}

var (
	_ Cache = (*MemCache)(nil)
	_ Cache = (*DiskCache)(nil)
)
