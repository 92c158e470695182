// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sequencer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-lpc/tsc/internal/crc16"
	"github.com/go-lpc/tsc/internal/sparse"
)

// Decoder reads (and validates) packets from an underlying data source.
// Decoder computes CRC-16 checksums on the fly.
type Decoder struct {
	r io.Reader

	buf []byte
	err error
	crc crc16.Hash16
}

// NewDecoder creates a decoder that reads and validates data from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, 8),
		crc: crc16.New(nil),
	}
}

func (dec *Decoder) crcw(p []byte) {
	_, _ = dec.crc.Write(p) // can not fail.
}

func (dec *Decoder) reset() {
	dec.crc.Reset()
}

// Decode reads the next packet into f.
func (dec *Decoder) Decode(f *Frame) error {
	dec.reset()

	v := dec.readU8()
	if dec.err != nil {
		return fmt.Errorf("sequencer: could not read global header marker: %w", dec.err)
	}
	if v != gbHeader {
		return fmt.Errorf("sequencer: could not read global header marker (got=0x%x)", v)
	}

	vers := dec.readU16()
	if dec.err != nil {
		return fmt.Errorf("sequencer: could not read packet version: %w", dec.err)
	}
	if vers != Version {
		return fmt.Errorf("sequencer: invalid packet version (got=%d, want=%d)", vers, Version)
	}

	f.Description = dec.readStr32()
	f.Period = int(dec.readU32())
	nspecs := int(dec.readU16())
	if dec.err != nil {
		return fmt.Errorf("sequencer: could not read packet header: %w", dec.unexpected())
	}

	f.Specs = make([]Spec, 0, nspecs)
	for i := 0; i < nspecs; i++ {
		v := dec.readU8()
		if dec.err != nil {
			return fmt.Errorf("sequencer: could not read spec header: %w", dec.unexpected())
		}
		if v != frHeader {
			return fmt.Errorf("sequencer: invalid spec header marker (got=0x%x)", v)
		}

		var (
			name = string(dec.readN(int(dec.readU16())))
			op   = Op(dec.readU8())
			def  = dec.readI64()
			n    = int(dec.readU32())
		)
		if dec.err != nil {
			return fmt.Errorf("sequencer: could not read spec header: %w", dec.unexpected())
		}
		if n > f.Period {
			return fmt.Errorf(
				"sequencer: register %q has too many entries (n=%d, period=%d)",
				name, n, f.Period,
			)
		}

		counts := sparse.New(f.Period, def)
		prev := -1
		for j := 0; j < n; j++ {
			var (
				tick = int(dec.readU32())
				cnt  = dec.readI64()
			)
			if dec.err != nil {
				return fmt.Errorf("sequencer: could not read entries of %q: %w", name, dec.unexpected())
			}
			if tick <= prev || tick >= f.Period {
				return fmt.Errorf("sequencer: invalid tick %d for register %q", tick, name)
			}
			prev = tick
			counts.Set(tick, cnt)
		}

		v = dec.readU8()
		if dec.err != nil {
			return fmt.Errorf("sequencer: could not read spec trailer: %w", dec.unexpected())
		}
		if v != frTrailer {
			return fmt.Errorf("sequencer: invalid spec trailer marker (got=0x%x)", v)
		}
		f.Specs = append(f.Specs, Spec{Register: name, Counts: counts, Op: op})
	}

	v = dec.readU8()
	if dec.err != nil {
		return fmt.Errorf("sequencer: could not read global trailer marker: %w", dec.unexpected())
	}
	if v != gbTrailer {
		return fmt.Errorf("sequencer: invalid global trailer marker (got=0x%x)", v)
	}

	var (
		compCRC = dec.crc.Sum16()
		recvCRC = dec.readU16()
	)
	if dec.err != nil {
		return fmt.Errorf("sequencer: could not receive CRC-16: %w", dec.unexpected())
	}
	if compCRC != recvCRC {
		return fmt.Errorf(
			"sequencer: inconsistent CRC: recv=0x%04x comp=0x%04x",
			recvCRC, compCRC,
		)
	}

	return nil
}

func (dec *Decoder) unexpected() error {
	if errors.Is(dec.err, io.EOF) {
		dec.err = io.ErrUnexpectedEOF
	}
	return dec.err
}

func (dec *Decoder) readN(n int) []byte {
	if dec.err != nil {
		return nil
	}
	p := make([]byte, n)
	_, dec.err = io.ReadFull(dec.r, p)
	dec.crcw(p)
	return p
}

func (dec *Decoder) readU8() uint8 {
	dec.load(1)
	return dec.buf[0]
}

func (dec *Decoder) readU16() uint16 {
	const n = 2
	dec.load(n)
	return binary.BigEndian.Uint16(dec.buf[:n])
}

func (dec *Decoder) readU32() uint32 {
	const n = 4
	dec.load(n)
	return binary.BigEndian.Uint32(dec.buf[:n])
}

func (dec *Decoder) readI64() int64 {
	const n = 8
	dec.load(n)
	return int64(binary.BigEndian.Uint64(dec.buf[:n]))
}

func (dec *Decoder) readStr32() string {
	n := dec.readU32()
	if dec.err != nil {
		return ""
	}
	if n > maxDescription {
		dec.err = fmt.Errorf("description too long (%d bytes)", n)
		return ""
	}
	return string(dec.readN(int(n)))
}

func (dec *Decoder) load(n int) {
	if dec.err != nil {
		dec.buf = dec.buf[:cap(dec.buf)]
		for i := range dec.buf {
			dec.buf[i] = 0
		}
		return
	}
	if cap(dec.buf) < n {
		dec.buf = append(dec.buf[:len(dec.buf)], make([]byte, n-cap(dec.buf))...)
	}
	dec.buf = dec.buf[:n]
	_, dec.err = io.ReadFull(dec.r, dec.buf[:n])
	if dec.err == nil {
		dec.crcw(dec.buf[:n])
	}
}

// Decode deserializes a packet.
func Decode(p []byte) (Frame, error) {
	var (
		f   Frame
		dec = NewDecoder(bytes.NewReader(p))
	)
	err := dec.Decode(&f)
	if err != nil {
		return f, err
	}
	return f, nil
}
