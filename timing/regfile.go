// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package timing

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"
)

// RegisterIO reads and writes the current count of timing registers.
type RegisterIO interface {
	ReadCount(name string) (int64, error)
	WriteCount(name string, v int64) error
}

type rwer interface {
	io.ReaderAt
	io.WriterAt
}

type reg32 struct {
	r func() uint32
	w func(v uint32)
}

// RegisterFile maps named registers onto 32-bit words of a memory region.
type RegisterFile struct {
	mu   sync.Mutex
	rw   rwer
	regs map[string]reg32
	addr map[string]int64

	err  error
	xbuf [4]byte
}

// NewRegisterFile lays out the named registers, in sorted order, as
// consecutive little-endian 32-bit words of rw.
func NewRegisterFile(rw rwer, names []string) *RegisterFile {
	names = append([]string(nil), names...)
	sort.Strings(names)

	rf := &RegisterFile{
		rw:   rw,
		regs: make(map[string]reg32, len(names)),
		addr: make(map[string]int64, len(names)),
	}
	for i, name := range names {
		off := int64(4 * i)
		rf.addr[name] = off
		rf.regs[name] = reg32{
			r: func() uint32 { return rf.readU32(off) },
			w: func(v uint32) { rf.writeU32(off, v) },
		}
	}
	return rf
}

// NewMemRegisterFile returns a register file backed by memory.
func NewMemRegisterFile(names []string) *RegisterFile {
	return NewRegisterFile(&memRW{p: make([]byte, 4*len(names))}, names)
}

// Addr returns the byte offset of the named register.
func (rf *RegisterFile) Addr(name string) (int64, bool) {
	off, ok := rf.addr[name]
	return off, ok
}

func (rf *RegisterFile) readU32(off int64) uint32 {
	if rf.err != nil {
		return 0
	}
	_, rf.err = rf.rw.ReadAt(rf.xbuf[:4], off)
	if rf.err != nil {
		rf.err = fmt.Errorf("timing: could not read register 0x%x: %w", off, rf.err)
		return 0
	}
	return binary.LittleEndian.Uint32(rf.xbuf[:4])
}

func (rf *RegisterFile) writeU32(off int64, v uint32) {
	if rf.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(rf.xbuf[:4], v)
	_, rf.err = rf.rw.WriteAt(rf.xbuf[:4], off)
	if rf.err != nil {
		rf.err = fmt.Errorf("timing: could not write register 0x%x: %w", off, rf.err)
		return
	}
}

// ReadCount implements RegisterIO.
func (rf *RegisterFile) ReadCount(name string) (int64, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	reg, ok := rf.regs[name]
	if !ok {
		return 0, fmt.Errorf("timing: unknown register %q", name)
	}
	rf.err = nil
	v := reg.r()
	if rf.err != nil {
		return 0, fmt.Errorf("timing: could not read %q: %w", name, rf.err)
	}
	return int64(int32(v)), nil
}

// WriteCount implements RegisterIO.
func (rf *RegisterFile) WriteCount(name string, v int64) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	reg, ok := rf.regs[name]
	if !ok {
		return fmt.Errorf("timing: unknown register %q", name)
	}
	rf.err = nil
	reg.w(uint32(v))
	if rf.err != nil {
		return fmt.Errorf("timing: could not write %q: %w", name, rf.err)
	}
	return nil
}

type memRW struct {
	p []byte
}

func (m *memRW) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.p)) {
		return 0, io.EOF
	}
	n := copy(p, m.p[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memRW) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.p)) {
		return 0, io.ErrShortWrite
	}
	n := copy(m.p[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var (
	_ RegisterIO = (*RegisterFile)(nil)
)
