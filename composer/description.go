// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package composer

import (
	"strings"

	"github.com/go-lpc/tsc/internal/pyfmt"
	"github.com/go-lpc/tsc/timing"
)

const (
	Generator             = "timing_sequence_composer"
	GeneratorVersion      = "1.0"
	TimingSequenceVersion = "1.0"
)

// neighbour parameters a packet depends on.
var (
	precedingParams = []string{"period", "N", "dt", "t0", "delay", "laser_on", "ms_on", "xdet_on", "trans_on"}
	followingParams = []string{"pump_on", "delay"}
)

// description returns the canonical key=value description of the packet
// of s. It holds every input of the packet.
func (in *inputs) description(s *Sequence) string {
	var (
		sys = in.sys
		kvs = make([]string, 0, 256)
	)
	add := func(k, v string) {
		kvs = append(kvs, k+"="+v)
	}

	add("xd", pyfmt.Float(in.xd))
	add("pst_offset", pyfmt.Float(in.pstOffset))
	add("bct", pyfmt.Float(sys.Clock.Bct))
	add("P0t", pyfmt.Float(sys.Clock.P0t))
	add("hsct", pyfmt.Float(sys.Clock.Hsct))
	for _, name := range []string{timing.RegPSOCoarse, timing.RegPSOFine} {
		if reg, ok := sys.Registers[name]; ok {
			add(name+".stepsize", pyfmt.Float(reg.Stepsize))
			add(name+".offset", pyfmt.Float(reg.Offset))
		}
	}

	for _, p := range params {
		add(p.name, p.repr(s))
	}
	neighbour := func(prefix string, o *Sequence, names []string) {
		if o == nil {
			o = s
		}
		for _, name := range names {
			p, _ := lookupParam(name)
			add(prefix+"."+name, p.repr(o))
		}
	}
	neighbour("preceding_sequence", s.Preceding, precedingParams)
	neighbour("following_sequence", s.Following, followingParams)

	for i := range sys.Channels {
		ch := &sys.Channels[i]
		if !ch.PPEnabled {
			continue
		}
		for _, f := range timing.ChannelFields() {
			v, _ := ch.Field(f)
			add(ch.Mnemonic+"."+f, v)
		}
		for _, reg := range []*timing.Register{ch.Delay, ch.Pulse} {
			if reg == nil {
				continue
			}
			add(reg.Name+".stepsize", pyfmt.Float(reg.Stepsize))
		}
	}

	add("generator", pyfmt.Str(Generator))
	add("generator_version", pyfmt.Str(GeneratorVersion))
	add("timing_sequence_version", pyfmt.Str(TimingSequenceVersion))

	return strings.Join(kvs, ", ")
}
