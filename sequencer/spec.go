// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sequencer holds the packets of the FPGA timing sequencer:
// their encoding, their cache and the queue that plays them.
package sequencer // import "github.com/go-lpc/tsc/sequencer"

import (
	"fmt"
	"strings"

	"github.com/go-lpc/tsc/internal/sparse"
)

// Op is the set of operations the sequencer applies to a register.
type Op uint8

const (
	OpSet    Op = 1 << iota // write the count when it changes
	OpInc                   // add the count to the register
	OpReport                // report the register value after the update
)

var opNames = []struct {
	op   Op
	name string
}{
	{OpSet, "set"},
	{OpInc, "inc"},
	{OpReport, "report"},
}

// ParseOp parses a comma-separated list of operations, such as "inc,report".
func ParseOp(s string) (Op, error) {
	var op Op
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		found := false
		for _, v := range opNames {
			if v.name == tok {
				op |= v.op
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("sequencer: invalid register operation %q", tok)
		}
	}
	return op, nil
}

func (op Op) String() string {
	var names []string
	for _, v := range opNames {
		if op&v.op != 0 {
			names = append(names, v.name)
		}
	}
	return strings.Join(names, ",")
}

// Spec describes the content of one register over one packet:
// Counts holds one count per base tick.
type Spec struct {
	Register string
	Counts   *sparse.Array
	Op       Op
}

func (spec Spec) String() string {
	return fmt.Sprintf("%s(%v): %v", spec.Register, spec.Op, spec.Counts)
}

// Frame is the decoded content of a packet.
type Frame struct {
	Description string
	Period      int
	Specs       []Spec
}

// Spec returns the first spec of the frame for the named register with
// all the operations of op.
func (f *Frame) Spec(name string, op Op) (Spec, bool) {
	for _, spec := range f.Specs {
		if spec.Register == name && spec.Op&op == op {
			return spec, true
		}
	}
	return Spec{}, false
}
