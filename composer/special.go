// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package composer

import (
	"fmt"
	"math"

	"github.com/go-lpc/tsc/internal/sparse"
	"github.com/go-lpc/tsc/sequencer"
	"github.com/go-lpc/tsc/timing"
)

const (
	psoDiv = 5 // ps oscillator period, in bunch clock periods

	transDelayMin = 10e-6 // delay of the first trans delay index
	transDelayMax = 63    // largest trans delay index
)

// pso programs the phase of the ps oscillator so that the ps laser
// fires at the first laser time of the packet.
func (gen *generator) pso(ch *timing.Channel) ([]sequencer.Spec, error) {
	if len(gen.tLaser) == 0 {
		return nil, nil
	}
	coarse, err := gen.register(timing.RegPSOCoarse)
	if err != nil {
		return nil, err
	}
	fine, err := gen.register(timing.RegPSOFine)
	if err != nil {
		return nil, err
	}

	var (
		phase = fmod(gen.tLaser[0]-gen.in.pstOffset, gen.T)
		dial  = fmod(coarse.DialFromUser(phase), psoDiv*gen.in.sys.Clock.Bct)
		nc    = int64(math.Floor(dial / coarse.Stepsize))
		nf    = round((dial - float64(nc)*coarse.Stepsize) / fine.Stepsize)
	)

	return []sequencer.Spec{
		{Register: coarse.Name, Counts: gen.counts(nc), Op: sequencer.OpSet},
		{Register: fine.Name, Counts: gen.counts(nf), Op: sequencer.OpSet},
	}, nil
}

// nsfTriggers returns the flash lamp trigger times of a sequence.
func nsfTriggers(in *inputs, s *Sequence, ch *timing.Channel) []float64 {
	if !gateOf(s, ch) {
		return nil
	}
	_, _, tLaser := pulses(in, s)
	if len(tLaser) == 0 {
		return nil
	}
	var (
		T    = in.sys.Clock.Hsct
		Tnsf = nsfDiv * T
		t0   = fmod(tLaser[0]+ch.OffsetSign*nan0(ch.Offset), Tnsf)
		n    = s.Period / nsfDiv
		ts   = make([]float64, n)
	)
	for k := range ts {
		ts[k] = t0 + float64(k)*Tnsf
	}
	return ts
}

// nsf triggers the ns laser flash lamp at its fixed rate, in phase with
// the first laser pulse of the packet.
// The first trigger is dropped when too close to the last trigger of the
// preceding packet.
func (gen *generator) nsf(ch *timing.Channel) ([]sequencer.Spec, error) {
	if ch.Delay == nil || ch.Enable == nil {
		return nil, fmt.Errorf("composer: channel %q has no delay/enable registers", ch.Mnemonic)
	}
	ts := nsfTriggers(gen.in, gen.s, ch)
	if len(ts) == 0 {
		return []sequencer.Spec{
			{Register: ch.Enable.Name, Counts: gen.counts(0), Op: sequencer.OpSet},
		}, nil
	}

	var (
		Tnsf  = nsfDiv * gen.T
		phase = fmod(ts[0], gen.T)
	)
	prev := gen.s.Preceding
	if prev == nil {
		prev = gen.s
	}
	if pts := nsfTriggers(gen.in, prev, ch); len(pts) > 0 {
		last := pts[len(pts)-1] - float64(prev.Period)*gen.T
		if ts[0]-last < nsfMinGap*Tnsf {
			gen.msg.Debugf("nsf: dropping first trigger (gap=%g s)", ts[0]-last)
			ts = ts[1:]
		}
	}

	var (
		delay  = gen.counts(timing.Ticks(phase, ch.Delay))
		enable = gen.counts(0)
	)
	for _, t := range ts {
		enable.Set(iclip(int(math.Floor(t/gen.T)), 0, gen.n-1), 1)
	}

	return []sequencer.Spec{
		{Register: ch.Delay.Name, Counts: delay, Op: sequencer.OpSet},
		{Register: ch.Enable.Name, Counts: enable, Op: sequencer.OpSet},
	}, nil
}

// DelayIndex returns the 6-bit logarithmic index of a laser to X-ray
// delay sent to the sample translation controller: 8 steps per decade
// above 10 µs.
func DelayIndex(delay float64) int {
	d := math.Max(delay, transDelayMin)
	i := round(8 * math.Log10(d/transDelayMin))
	if i > transDelayMax {
		i = transDelayMax
	}
	return int(i)
}

// TransCode returns the trigger code sent to the sample translation
// controller: the mode number in bits 0-3, the pump flag in bit 4 and the
// delay index in bits 5-10.
func TransCode(mode int, pumpOn bool, delay float64) int {
	return mode&0xF | int(b2i(pumpOn))<<4 | DelayIndex(delay)<<5
}

const transBits = 11

// trans serializes the trigger code of the next packet on the state of
// the sample translation channel: a start pulse followed by one slot per
// bit of the code.
func (gen *generator) trans(ch *timing.Channel) ([]sequencer.Spec, error) {
	if ch.State == nil {
		return nil, fmt.Errorf("composer: channel %q has no state register", ch.Mnemonic)
	}
	state := gen.counts(0)
	if !gen.s.Z || !gen.gate(ch) {
		return []sequencer.Spec{
			{Register: ch.State.Name, Counts: state, Op: sequencer.OpSet},
		}, nil
	}

	next := gen.s.Following
	if next == nil {
		next = gen.s
	}
	var (
		code = TransCode(gen.s.ModeNumber, next.PumpOn, next.Delay)
		w    = transWidth(ch, gen.T)
	)

	set := func(beg int) {
		for i := beg; i < beg+w; i++ {
			state.Set(mod(i+gen.s.Transd, gen.n), 1)
		}
	}
	set(0)
	for k := 0; k < transBits; k++ {
		if code&(1<<k) != 0 {
			set((k + 1) * w)
		}
	}

	return []sequencer.Spec{
		{Register: ch.State.Name, Counts: state, Op: sequencer.OpSet},
	}, nil
}

func transWidth(ch *timing.Channel, T float64) int {
	w := int(round(nan0(ch.PulseLengthMS()) / T))
	if w < 1 {
		w = 1
	}
	return w
}

// DecodeTrans decodes the trigger code serialized on the state of a
// sample translation channel, for a slot width w and a shift transd.
// DecodeTrans returns false when no start pulse is found.
func DecodeTrans(state *sparse.Array, w, transd int) (int, bool) {
	n := state.Len()
	if n == 0 || w < 1 {
		return 0, false
	}
	at := func(slot int) bool {
		return state.At(mod(slot*w+transd, n)) != 0
	}
	if !at(0) {
		return 0, false
	}
	code := 0
	for k := 0; k < transBits; k++ {
		if at(k + 1) {
			code |= 1 << k
		}
	}
	return code, true
}
