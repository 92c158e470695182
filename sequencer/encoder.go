// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sequencer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-lpc/tsc/internal/crc16"
)

// Encoder writes sequencer packets to an output stream.
// Encoder computes the CRC-16 checksum on the fly and appends it
// at the end of each packet.
type Encoder struct {
	w   io.Writer
	buf []byte
	err error
	crc crc16.Hash16
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   w,
		buf: make([]byte, 8),
		crc: crc16.New(nil),
	}
}

func (enc *Encoder) crcw(p []byte) {
	_, _ = enc.crc.Write(p) // can not fail.
}

func (enc *Encoder) reset() {
	enc.crc.Reset()
}

// Encode writes the frame to the stream, computes the corresponding
// CRC-16 checksum on the fly and appends it to the stream.
func (enc *Encoder) Encode(f *Frame) error {
	if f == nil {
		return nil
	}

	switch {
	case len(f.Description) > maxDescription:
		return fmt.Errorf("sequencer: description too long (%d bytes)", len(f.Description))
	case len(f.Specs) > MaxSpecs:
		return fmt.Errorf("sequencer: too many register specs (%d)", len(f.Specs))
	case f.Period < 0:
		return fmt.Errorf("sequencer: invalid negative period %d", f.Period)
	}

	enc.reset()

	enc.writeU8(gbHeader)
	if enc.err != nil {
		return fmt.Errorf("sequencer: could not write global header marker: %w", enc.err)
	}

	enc.writeU16(Version)
	enc.writeStr32(f.Description)
	enc.writeU32(uint32(f.Period))
	enc.writeU16(uint16(len(f.Specs)))

	for _, spec := range f.Specs {
		if len(spec.Register) > MaxNameSize {
			return fmt.Errorf("sequencer: register name too long (%d bytes)", len(spec.Register))
		}
		if spec.Counts == nil || spec.Counts.Len() != f.Period {
			return fmt.Errorf(
				"sequencer: register %q has an invalid number of counts (period=%d)",
				spec.Register, f.Period,
			)
		}
		enc.writeU8(frHeader)
		enc.writeU16(uint16(len(spec.Register)))
		enc.write([]byte(spec.Register))
		enc.writeU8(uint8(spec.Op))
		enc.writeI64(spec.Counts.Default())

		idx, vals := spec.Counts.Entries()
		enc.writeU32(uint32(len(idx)))
		for j, i := range idx {
			enc.writeU32(uint32(i))
			enc.writeI64(vals[j])
		}
		enc.writeU8(frTrailer)
	}
	enc.writeU8(gbTrailer)

	crc := enc.crc.Sum16()
	enc.writeU16(crc)

	if enc.err != nil {
		return fmt.Errorf("sequencer: could not encode packet: %w", enc.err)
	}
	return nil
}

func (enc *Encoder) write(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
	enc.crcw(p)
}

func (enc *Encoder) writeU8(v uint8) {
	const n = 1
	enc.reserve(n)
	enc.buf[0] = v
	enc.write(enc.buf[:n])
}

func (enc *Encoder) writeU16(v uint16) {
	const n = 2
	enc.reserve(n)
	binary.BigEndian.PutUint16(enc.buf[:n], v)
	enc.write(enc.buf[:n])
}

func (enc *Encoder) writeU32(v uint32) {
	const n = 4
	enc.reserve(n)
	binary.BigEndian.PutUint32(enc.buf[:n], v)
	enc.write(enc.buf[:n])
}

func (enc *Encoder) writeI64(v int64) {
	const n = 8
	enc.reserve(n)
	binary.BigEndian.PutUint64(enc.buf[:n], uint64(v))
	enc.write(enc.buf[:n])
}

func (enc *Encoder) writeStr32(s string) {
	enc.writeU32(uint32(len(s)))
	enc.write([]byte(s))
}

func (enc *Encoder) reserve(n int) {
	if cap(enc.buf) < n {
		enc.buf = append(enc.buf[:len(enc.buf)], make([]byte, n-cap(enc.buf))...)
	}
}

// Encode serializes the register specs of one packet, along with its
// description.
// All specs must span the same number of base ticks.
func Encode(specs []Spec, desc string) ([]byte, error) {
	f := Frame{
		Description: desc,
		Specs:       specs,
	}
	if len(specs) > 0 && specs[0].Counts != nil {
		f.Period = specs[0].Counts.Len()
	}

	buf := new(bytes.Buffer)
	err := NewEncoder(buf).Encode(&f)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
