// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package composer

import (
	"fmt"
	"math"
	"sort"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tsc/internal/sparse"
	"github.com/go-lpc/tsc/sequencer"
	"github.com/go-lpc/tsc/timing"
)

const (
	burstPeriod = 24e-3 // ms shutter stays open for faster X-ray bursts
	nsfDiv      = 48    // flash lamp period, in base ticks
	nsfMinGap   = 0.8   // minimal flash lamp interval, in flash lamp periods
)

// inputs is a snapshot of everything a packet depends on.
type inputs struct {
	sys       *timing.System
	xd        float64 // X-ray delay
	pstOffset float64 // ps laser trigger to oscillator phase
}

// generator computes the register specs of one packet.
type generator struct {
	in  *inputs
	s   *Sequence
	msg log.MsgStream

	T float64 // base tick
	n int     // packet length, in base ticks

	itXray []int
	tXray  []float64
	tLaser []float64

	specs []sequencer.Spec
}

func newGenerator(in *inputs, s *Sequence, msg log.MsgStream) *generator {
	gen := &generator{
		in:  in,
		s:   s,
		msg: msg,
		T:   in.sys.Clock.Hsct,
		n:   s.Period,
	}
	gen.itXray, gen.tXray, gen.tLaser = pulses(in, s)
	return gen
}

// pulses returns the X-ray pulse ticks and the X-ray and laser pulse times
// of a sequence.
func pulses(in *inputs, s *Sequence) (itXray []int, tXray, tLaser []float64) {
	T := in.sys.Clock.Hsct
	itXray = make([]int, s.N)
	tXray = make([]float64, s.N)
	tLaser = make([]float64, s.N)
	for k := range itXray {
		itXray[k] = s.T0 + k*s.Dt
		tXray[k] = float64(itXray[k])*T + in.xd
		tLaser[k] = tXray[k] - s.Delay
	}
	return itXray, tXray, tLaser
}

// registerSpecs returns the register specs of the packet.
// Failures of a channel are logged and the channel is skipped.
func (gen *generator) registerSpecs() []sequencer.Spec {
	gen.bookkeeping()

	for i := range gen.in.sys.Channels {
		ch := &gen.in.sys.Channels[i]
		if !ch.PPEnabled {
			continue
		}
		specs, err := gen.channel(ch)
		if err == nil {
			err = gen.fits(specs)
		}
		if err != nil {
			gen.msg.Errorf("could not generate channel %d (%s): %+v", ch.Index, ch.Mnemonic, err)
			continue
		}
		gen.specs = append(gen.specs, specs...)
	}

	return gen.specs
}

func (gen *generator) channel(ch *timing.Channel) (specs []sequencer.Spec, err error) {
	defer func() {
		e := recover()
		if e == nil {
			return
		}
		specs = nil
		switch e := e.(type) {
		case error:
			err = fmt.Errorf("composer: %w", e)
		default:
			err = fmt.Errorf("composer: %v", e)
		}
	}()

	switch ch.Special {
	case timing.SpecialPSO:
		return gen.pso(ch)
	case timing.SpecialNSF:
		return gen.nsf(ch)
	case timing.SpecialTrans:
		return gen.trans(ch)
	}
	return gen.pulse(ch)
}

func (gen *generator) counts(def int64) *sparse.Array {
	return sparse.New(gen.n, def)
}

func (gen *generator) register(name string) (*timing.Register, error) {
	reg, ok := gen.in.sys.Registers[name]
	if !ok {
		return nil, fmt.Errorf("composer: no register %q", name)
	}
	return reg, nil
}

// bookkeeping emits the specs of the image, pass and pulse counters.
func (gen *generator) bookkeeping() {
	s := gen.s

	switch {
	case s.PassNumber.Valid:
		gen.emit(timing.RegPassNumber, gen.counts(int64(s.PassNumber.Value)), sequencer.OpSet)
	case s.PassNumberInc == 0:
		gen.emit(timing.RegPassNumber, gen.counts(0), sequencer.OpSet)
	default:
		inc := gen.counts(0)
		inc.Set(0, int64(s.PassNumberInc))
		gen.emit(timing.RegPassNumber, inc, sequencer.OpInc)
	}

	if s.ImageNumberInc {
		inc := gen.counts(0)
		inc.Set(gen.n-1, 1)
		gen.emit(timing.RegImageNumber, inc, sequencer.OpInc)
	}

	if s.MsOn {
		gen.emit(timing.RegPulses, gen.counts(0), sequencer.OpSet)
		inc := gen.counts(0)
		for _, it := range gen.itXray {
			inc.Add(mod(it, gen.n), 1)
		}
		gen.emit(timing.RegPulses, inc, sequencer.OpInc)
	}

	gen.emit(timing.RegAcquiring, gen.counts(b2i(s.Acquiring)), sequencer.OpSet)
}

// fits checks the counts of specs against the width of their registers.
func (gen *generator) fits(specs []sequencer.Spec) error {
	for _, spec := range specs {
		reg, ok := gen.in.sys.Registers[spec.Register]
		if !ok {
			continue
		}
		var (
			hi    = reg.MaxCount()
			_, vs = spec.Counts.Entries()
		)
		check := func(v int64) error {
			if v < 0 || v > hi {
				return fmt.Errorf("composer: count %d of register %q out of range [0, %d]", v, reg.Name, hi)
			}
			return nil
		}
		if err := check(spec.Counts.Default()); err != nil {
			return err
		}
		for _, v := range vs {
			if err := check(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (gen *generator) emit(name string, counts *sparse.Array, op sequencer.Op) {
	gen.specs = append(gen.specs, sequencer.Spec{Register: name, Counts: counts, Op: op})
}

// gate returns the boolean gating a channel.
func (gen *generator) gate(ch *timing.Channel) bool {
	return gateOf(gen.s, ch)
}

func gateOf(s *Sequence, ch *timing.Channel) bool {
	switch ch.Gated {
	case timing.GatedPump:
		return s.LaserOn
	case timing.GatedProbe:
		return s.MsOn
	case timing.GatedDetector:
		return s.XdetOn
	case timing.GatedTrans:
		return s.TransOn
	}
	return true
}

// reference returns the times a channel is aligned to.
func (gen *generator) reference(ch *timing.Channel) []float64 {
	switch ch.Timed {
	case timing.TimedPump, timing.TimedPumpProbe:
		return gen.tLaser
	case timing.TimedProbe:
		return gen.tXray
	case timing.TimedPumpPlusProbe:
		return merge(gen.tLaser, gen.tXray)
	case timing.TimedPeriod:
		return []float64{0}
	}
	return nil
}

// off returns the all-zero state and enable specs of a disabled channel.
func (gen *generator) off(ch *timing.Channel) []sequencer.Spec {
	return []sequencer.Spec{
		{Register: ch.State.Name, Counts: gen.counts(0), Op: sequencer.OpSet},
		{Register: ch.Enable.Name, Counts: gen.counts(0), Op: sequencer.OpSet},
	}
}

// pulse generates a plain pulse channel.
func (gen *generator) pulse(ch *timing.Channel) ([]sequencer.Spec, error) {
	if ch.State == nil || ch.Enable == nil {
		return nil, fmt.Errorf("composer: channel %q has no state/enable registers", ch.Mnemonic)
	}
	tref := gen.reference(ch)
	if !gen.gate(ch) || len(tref) == 0 {
		return gen.off(ch), nil
	}

	var (
		specs []sequencer.Spec
		rises []int
		err   error
	)
	switch {
	case ch.Special != timing.SpecialMS && ch.SubMS():
		specs, rises, err = gen.subMS(ch)
	default:
		specs, rises, err = gen.ms(ch, tref)
	}
	if err != nil {
		return nil, err
	}
	return append(specs, gen.counters(ch, rises)...), nil
}

// edges returns the rising and falling edge times of a sub-ms channel,
// offset and reduced to the packet.
func (gen *generator) edges(ch *timing.Channel) (tOn, tOff []float64) {
	pl := nan0(ch.PulseLengthSubMS())
	switch ch.Timed {
	case timing.TimedPump:
		tOn = gen.tLaser
		tOff = shift(gen.tLaser, pl)
	case timing.TimedProbe:
		tOn = gen.tXray
		tOff = shift(gen.tXray, pl)
	case timing.TimedPumpProbe:
		tOn = gen.tLaser
		tOff = shift(gen.tXray, pl)
	case timing.TimedPumpPlusProbe:
		tOn = merge(gen.tLaser, gen.tXray)
		tOff = shift(tOn, pl)
	case timing.TimedPeriod:
		tOn = []float64{0}
		tOff = []float64{pl}
	}

	var (
		offset = ch.OffsetSign * ch.OffsetHW
		period = gen.T * float64(gen.n)
	)
	on := make([]float64, len(tOn))
	off := make([]float64, len(tOff))
	for i := range tOn {
		width := tOff[i] - tOn[i]
		if width > period {
			width = period
		}
		on[i] = fmod(tOn[i]+offset, period)
		off[i] = on[i] + math.Max(width, 0)
	}
	return on, off
}

// subMS generates a channel with sub-ms precision: each pulse is written
// as (delay, pulse) counts on the base ticks it spans.
func (gen *generator) subMS(ch *timing.Channel) ([]sequencer.Spec, []int, error) {
	if ch.Delay == nil || ch.Pulse == nil {
		return nil, nil, fmt.Errorf("composer: channel %q has no delay/pulse registers", ch.Mnemonic)
	}

	var (
		T      = gen.T
		n      = gen.n
		period = T * float64(n)

		delay  = gen.counts(0)
		pulse  = gen.counts(0)
		enable = gen.counts(0)
		state  = gen.counts(0)
		rises  []int

		fullD = min64(fitCount(T, ch.Delay), ch.Delay.MaxCount())
		fullP = min64(fitCount(T, ch.Pulse), ch.Pulse.MaxCount())
	)

	write := func(it int, tdelay, twidth float64) {
		if it < 0 || it >= n {
			return
		}
		d := timing.Ticks(tdelay, ch.Delay)
		if d > fullD {
			d = fullD
		}
		p := timing.Ticks(twidth, ch.Pulse)
		// delay and pulse must fit in one base tick.
		if room := fullP - int64(math.Ceil(float64(d)*ch.Delay.Stepsize/ch.Pulse.Stepsize-1e-9)); p > room {
			p = room
		}
		if p <= 0 {
			return
		}
		state.Set(it, 0)
		enable.Set(it, 1)
		delay.Set(it, d)
		pulse.Set(it, p)
	}

	// span writes the pulse [ton, toff), 0 <= ton < toff <= period.
	span := func(ton, toff float64) {
		if !(toff > ton) {
			return
		}
		var (
			itOn  = imin(int(math.Floor(ton/T)), n-1)
			itOff = imin(int(math.Floor(toff/T)), n)
			frac  = ton - float64(itOn)*T
		)
		write(itOn, frac, math.Min(toff-ton, T-frac))
		for it := itOn + 1; it < itOff; it++ {
			write(it, 0, T)
		}
		if itOff > itOn {
			write(itOff, 0, toff-float64(itOff)*T)
		}
	}

	tOn, tOff := gen.edges(ch)
	for i := range tOn {
		ton, toff := tOn[i], tOff[i]
		if toff == ton {
			continue
		}
		rises = append(rises, imin(int(math.Floor(ton/T)), n-1))
		if toff <= period {
			span(ton, toff)
			continue
		}
		// pulse wrapping around the end of the packet.
		span(ton, period)
		span(0, toff-period)
	}

	return []sequencer.Spec{
		{Register: ch.Delay.Name, Counts: delay, Op: sequencer.OpSet},
		{Register: ch.Pulse.Name, Counts: pulse, Op: sequencer.OpSet},
		{Register: ch.Enable.Name, Counts: enable, Op: sequencer.OpSet},
		{Register: ch.State.Name, Counts: state, Op: sequencer.OpSet},
	}, rises, nil
}

// ms generates a channel with base tick resolution, driven by its state
// register.
func (gen *generator) ms(ch *timing.Channel, tref []float64) ([]sequencer.Spec, []int, error) {
	var (
		pl     = nan0(ch.PulseLengthMS())
		offset = nan0(ch.Offset)
		tOn    = shift(tref, offset)
		tOff   = shift(tOn, pl)
	)

	if ch.Special == timing.SpecialMS && isBurst(tOn) {
		lo, hi := minmax(tOn)
		tOn = []float64{lo}
		tOff = []float64{hi + pl}
	}

	state, rises := gen.stateMask(tOn, tOff)
	return []sequencer.Spec{
		{Register: ch.State.Name, Counts: state, Op: sequencer.OpSet},
	}, rises, nil
}

// isBurst reports whether rising edges are so close that the ms shutter
// should stay open in between.
func isBurst(tOn []float64) bool {
	if len(tOn) < 2 {
		return false
	}
	ts := append([]float64(nil), tOn...)
	sort.Float64s(ts)
	dmax := 0.0
	for i := 1; i < len(ts); i++ {
		dmax = math.Max(dmax, ts[i]-ts[i-1])
	}
	return dmax > 0 && dmax < burstPeriod
}

// stateMask returns the 0/1 state of a channel switched on at tOn and off
// at tOff, along with the ticks of the rising edges.
func (gen *generator) stateMask(tOn, tOff []float64) (*sparse.Array, []int) {
	var (
		T      = gen.T
		n      = gen.n
		period = T * float64(n)
		inc    = make([]int64, n)
		rises  = make([]int, 0, len(tOn))
		outer  = 0
	)

	tick := func(t float64) int {
		if t < 0 || t >= period {
			outer++
		}
		return iclip(int(round(fmod(t, period)/T)), 0, n-1)
	}
	for i := range tOn {
		on := tick(tOn[i])
		off := tick(tOff[i])
		inc[on]++
		inc[off]--
		rises = append(rises, on)
	}

	state := make([]int64, n)
	sum := int64(outer % 2)
	for i, v := range inc {
		sum += v
		state[i] = clip01(sum)
	}
	return sparse.FromDense(state, 0), rises
}

// counters emits the trigger and acquisition counters of a channel,
// incremented on the last rising edge of the packet.
func (gen *generator) counters(ch *timing.Channel, rises []int) []sequencer.Spec {
	if !ch.CounterEnabled || len(rises) == 0 {
		return nil
	}
	last := rises[0]
	for _, it := range rises[1:] {
		if it > last {
			last = it
		}
	}

	var specs []sequencer.Spec
	if ch.TrigCount != nil {
		trig := gen.counts(0)
		trig.Set(last, 1)
		specs = append(specs, sequencer.Spec{Register: ch.TrigCount.Name, Counts: trig, Op: sequencer.OpInc | sequencer.OpReport})
	}
	if gen.s.Acquiring && ch.Acq != nil && ch.AcqCount != nil {
		acq := gen.counts(0)
		acq.Set(last, 1)
		cnt := gen.counts(0)
		cnt.Set(last, 1)
		specs = append(specs,
			sequencer.Spec{Register: ch.Acq.Name, Counts: acq, Op: sequencer.OpSet | sequencer.OpReport},
			sequencer.Spec{Register: ch.AcqCount.Name, Counts: cnt, Op: sequencer.OpInc | sequencer.OpReport},
		)
	}
	return specs
}

// fitCount returns the largest count of reg fitting in t.
func fitCount(t float64, reg *timing.Register) int64 {
	v := t / reg.Stepsize
	c := round(v)
	if float64(c)*reg.Stepsize > t*(1+1e-12) {
		c--
	}
	return c
}

func round(v float64) int64 {
	return int64(math.RoundToEven(v))
}

// fmod returns x modulo y, in [0, y).
func fmod(x, y float64) float64 {
	v := math.Mod(x, y)
	if v < 0 {
		v += y
	}
	if v >= y {
		v = 0
	}
	return v
}

func mod(i, n int) int {
	v := i % n
	if v < 0 {
		v += n
	}
	return v
}

func shift(ts []float64, dt float64) []float64 {
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = t + dt
	}
	return out
}

func merge(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.Float64s(out)
	return out
}

func minmax(ts []float64) (lo, hi float64) {
	lo, hi = ts[0], ts[0]
	for _, t := range ts[1:] {
		lo = math.Min(lo, t)
		hi = math.Max(hi, t)
	}
	return lo, hi
}

func nan0(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

func b2i(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func imin(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func iclip(v, lo, hi int) int {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

func clip01(v int64) int64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
