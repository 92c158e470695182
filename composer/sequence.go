// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package composer

import (
	"fmt"
	"strings"

	"github.com/go-lpc/tsc/internal/pyfmt"
)

// Sequence holds the parameters of one packet.
// Times are in seconds, tick counts in base ticks.
type Sequence struct {
	ModeNumber int
	Period     int // length of the packet
	N          int // number of X-ray pulses
	Dt         int // X-ray pulse spacing
	T0         int // first X-ray pulse
	Transd     int // sample translation trigger offset
	Z          bool
	Delay      float64 // laser to X-ray delay

	LaserOn bool
	MsOn    bool
	PumpOn  bool
	XdetOn  bool
	TransOn bool

	ImageNumberInc bool
	PassNumberInc  int
	PassNumber     OptInt
	Acquiring      bool

	// Preceding and Following are the neighbouring packets in the queue.
	// Their own neighbours are not set.
	Preceding *Sequence
	Following *Sequence
}

// Get returns the Python representation of the named parameter.
func (s *Sequence) Get(name string) (string, error) {
	p, ok := lookupParam(name)
	if !ok {
		return "", fmt.Errorf("composer: unknown sequence parameter %q", name)
	}
	return p.repr(s), nil
}

// Params returns the key=value representation of all the parameters.
func (s *Sequence) Params() string {
	items := make([]string, len(params))
	for i, p := range params {
		items[i] = p.name + "=" + p.repr(s)
	}
	return strings.Join(items, ", ")
}

func (s *Sequence) String() string {
	return "Sequence(" + s.Params() + ")"
}

// detached returns a copy of s without neighbours.
func (s *Sequence) detached() *Sequence {
	o := *s
	o.Preceding = nil
	o.Following = nil
	return &o
}

// Sequences is a batch of sequences.
// Scalar parameters are shared by every sequence; list parameters hold
// one value per sequence, cycled when shorter than the batch.
type Sequences struct {
	base  Sequence
	lists []column
	n     int
}

type column struct {
	p    param
	vals []pyfmt.Literal
}

// Len returns the number of sequences: the length of the longest list
// parameter, or 1 if there is none.
func (seqs *Sequences) Len() int { return seqs.n }

// At returns the i-th sequence, linked to its neighbours.
// The first and last sequences are neighbours, as the queue cycles.
func (seqs *Sequences) At(i int) *Sequence {
	if i < 0 || i >= seqs.n {
		panic(fmt.Errorf("composer: sequence index out of range [%d] with length %d", i, seqs.n))
	}
	s := seqs.at(i)
	s.Preceding = seqs.at((i - 1 + seqs.n) % seqs.n)
	s.Following = seqs.at((i + 1) % seqs.n)
	return s
}

func (seqs *Sequences) at(i int) *Sequence {
	s := seqs.base.detached()
	for _, col := range seqs.lists {
		// values were validated when the column was added.
		_ = col.p.set(s, col.vals[i%len(col.vals)])
	}
	return s
}

// List returns the values of a list parameter, and whether it is one.
func (seqs *Sequences) List(name string) ([]string, bool) {
	for _, col := range seqs.lists {
		if col.p.name != name {
			continue
		}
		out := make([]string, len(col.vals))
		for i, v := range col.vals {
			s := seqs.base.detached()
			_ = col.p.set(s, v)
			out[i] = col.p.repr(s)
		}
		return out, true
	}
	return nil, false
}

// apply sets the parameters of args on the batch.
// Invalid parameters are reported and ignored.
func (seqs *Sequences) apply(args Args) []error {
	var errs []error
	for _, p := range params {
		v, ok := args[p.name]
		if !ok {
			continue
		}
		lit, err := literal(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("composer: invalid value for %q: %w", p.name, err))
			continue
		}
		err = seqs.set(p, lit)
		if err != nil {
			errs = append(errs, fmt.Errorf("composer: invalid value for %q: %w", p.name, err))
		}
	}
	for name := range args {
		if _, ok := lookupParam(name); !ok {
			errs = append(errs, fmt.Errorf("composer: unknown sequence parameter %q", name))
		}
	}
	return errs
}

func (seqs *Sequences) set(p param, lit pyfmt.Literal) error {
	if lit.Kind != pyfmt.List {
		err := p.set(&seqs.base, lit)
		if err != nil {
			return err
		}
		seqs.drop(p.name)
		return nil
	}

	if len(lit.Elems) == 0 {
		return fmt.Errorf("empty list")
	}
	var tmp Sequence
	for i, v := range lit.Elems {
		err := p.set(&tmp, v)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	seqs.drop(p.name)
	seqs.lists = append(seqs.lists, column{p: p, vals: lit.Elems})
	seqs.resize()
	return nil
}

func (seqs *Sequences) drop(name string) {
	for i, col := range seqs.lists {
		if col.p.name == name {
			seqs.lists = append(seqs.lists[:i], seqs.lists[i+1:]...)
			break
		}
	}
	seqs.resize()
}

func (seqs *Sequences) resize() {
	seqs.n = 1
	for _, col := range seqs.lists {
		if len(col.vals) > seqs.n {
			seqs.n = len(col.vals)
		}
	}
}

// SequencesFrom returns the batch holding the given sequences, in order.
// Each parameter becomes a list parameter with one value per sequence.
func SequencesFrom(seqs ...*Sequence) (*Sequences, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("composer: empty list of sequences")
	}
	out := &Sequences{base: *seqs[0].detached(), n: 1}
	for _, p := range params {
		lit := pyfmt.Literal{Kind: pyfmt.List}
		for _, s := range seqs {
			lit.Elems = append(lit.Elems, p.get(s))
		}
		err := out.set(p, lit)
		if err != nil {
			return nil, fmt.Errorf("composer: invalid sequence parameter %q: %w", p.name, err)
		}
	}
	return out, nil
}
