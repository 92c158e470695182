// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package composer

import (
	"bytes"
	"context"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tsc/internal/sparse"
	"github.com/go-lpc/tsc/sequencer"
	"github.com/go-lpc/tsc/timing"
)

type mapStore struct {
	mu sync.Mutex
	db map[string]string
}

func newMapStore() *mapStore { return &mapStore{db: make(map[string]string)} }

func (s *mapStore) Get(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.db[key]; ok {
		return v
	}
	return def
}

func (s *mapStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db[key] = value
	return nil
}

var discard = log.NewMsgStream("test", log.LvlError, io.Discard)

func newTestComposer(t *testing.T, opts ...Option) (*Composer, *sequencer.Sequencer) {
	t.Helper()
	sys := timing.New()
	seq := sequencer.New(nil, timing.NewMemRegisterFile(sys.RegisterNames()), sequencer.WithLogger(discard))
	opts = append([]Option{WithLogger(discard), WithDebounce(20 * time.Millisecond)}, opts...)
	c := New(sys, seq, opts...)
	seq.SetCompiler(c)
	t.Cleanup(func() { _ = c.Close() })
	return c, seq
}

func findSpec(t *testing.T, specs []sequencer.Spec, name string, op sequencer.Op) *sparse.Array {
	t.Helper()
	for _, spec := range specs {
		if spec.Register == name && spec.Op == op {
			return spec.Counts
		}
	}
	t.Fatalf("could not find spec %s(%v)", name, op)
	return nil
}

func hasSpec(specs []sequencer.Spec, name string) bool {
	for _, spec := range specs {
		if spec.Register == name {
			return true
		}
	}
	return false
}

func TestSingleShot(t *testing.T) {
	c, _ := newTestComposer(t)
	s := c.Sequence(Args{
		"delay": 10e-6, "laser_on": true, "ms_on": true,
		"N": 1, "dt": 4, "t0": 100, "period": 276,
	})
	specs := c.RegisterSpecs(s)

	enable := findSpec(t, specs, "pst_enable", sequencer.OpSet)
	if got, want := enable.NonZero(), []int{99}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid laser trigger ticks: got=%v, want=%v", got, want)
	}
	delay := findSpec(t, specs, "pst_delay", sequencer.OpSet)
	if got, want := delay.At(99), int64(1411417); got != want {
		t.Fatalf("invalid laser trigger delay: got=%d, want=%d", got, want)
	}
	pulse := findSpec(t, specs, "pst_pulse", sequencer.OpSet)
	if got, want := pulse.At(99), int64(704); got != want {
		t.Fatalf("invalid laser trigger pulse: got=%d, want=%d", got, want)
	}

	inc := findSpec(t, specs, timing.RegPulses, sequencer.OpInc)
	if got, want := inc.NonZero(), []int{100}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid pulses increments: got=%v, want=%v", got, want)
	}
	reset := findSpec(t, specs, timing.RegPulses, sequencer.OpSet)
	if len(reset.NonZero()) != 0 || reset.Default() != 0 {
		t.Fatalf("pulses should be reset at the packet start: %v", reset)
	}

	xosct := findSpec(t, specs, "xosct_delay", sequencer.OpSet)
	if got, want := xosct.At(99), int64(1425389); got != want {
		t.Fatalf("invalid scope trigger delay: got=%d, want=%d", got, want)
	}
	xpulse := findSpec(t, specs, "xosct_pulse", sequencer.OpSet)
	if got, want := xpulse.At(99), int64(141); got != want {
		t.Fatalf("invalid scope trigger pulse: got=%d, want=%d", got, want)
	}
}

func TestBookkeeping(t *testing.T) {
	c, _ := newTestComposer(t)
	for _, tc := range []struct {
		name string
		args Args
		test func(t *testing.T, specs []sequencer.Spec)
	}{
		{
			name: "pass-number",
			args: Args{"pass_number": 3, "pass_number_inc": 1},
			test: func(t *testing.T, specs []sequencer.Spec) {
				pass := findSpec(t, specs, timing.RegPassNumber, sequencer.OpSet)
				if pass.Default() != 3 || len(pass.NonZero()) != 276 {
					t.Fatalf("invalid pass number: %v", pass)
				}
			},
		},
		{
			name: "pass-number-inc",
			args: Args{"pass_number_inc": 2},
			test: func(t *testing.T, specs []sequencer.Spec) {
				inc := findSpec(t, specs, timing.RegPassNumber, sequencer.OpInc)
				if got, want := inc.Dense()[0], int64(2); got != want || len(inc.NonZero()) != 1 {
					t.Fatalf("invalid pass number increment: %v", inc)
				}
			},
		},
		{
			name: "no-pass-number",
			args: Args{},
			test: func(t *testing.T, specs []sequencer.Spec) {
				pass := findSpec(t, specs, timing.RegPassNumber, sequencer.OpSet)
				if len(pass.NonZero()) != 0 {
					t.Fatalf("pass number should be reset: %v", pass)
				}
			},
		},
		{
			name: "image-number",
			args: Args{"image_number_inc": true, "period": 100, "t0": 10},
			test: func(t *testing.T, specs []sequencer.Spec) {
				inc := findSpec(t, specs, timing.RegImageNumber, sequencer.OpInc)
				if got, want := inc.NonZero(), []int{99}; !reflect.DeepEqual(got, want) {
					t.Fatalf("invalid image number increment: got=%v, want=%v", got, want)
				}
			},
		},
		{
			name: "no-image-number",
			args: Args{"image_number_inc": false},
			test: func(t *testing.T, specs []sequencer.Spec) {
				if hasSpec(specs, timing.RegImageNumber) {
					t.Fatalf("unexpected image number spec")
				}
			},
		},
		{
			name: "acquiring",
			args: Args{"acquiring": true, "ms_on": false},
			test: func(t *testing.T, specs []sequencer.Spec) {
				acq := findSpec(t, specs, timing.RegAcquiring, sequencer.OpSet)
				if acq.Default() != 1 {
					t.Fatalf("invalid acquiring flag: %v", acq)
				}
				if hasSpec(specs, timing.RegPulses) {
					t.Fatalf("unexpected pulses spec with ms_on=False")
				}
			},
		},
		{
			name: "pulses-wrap",
			args: Args{"N": 3, "dt": 100, "t0": 200, "period": 276},
			test: func(t *testing.T, specs []sequencer.Spec) {
				inc := findSpec(t, specs, timing.RegPulses, sequencer.OpInc)
				if got, want := inc.NonZero(), []int{24, 124, 200}; !reflect.DeepEqual(got, want) {
					t.Fatalf("invalid pulses increments: got=%v, want=%v", got, want)
				}
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.test(t, c.RegisterSpecs(c.Sequence(tc.args)))
		})
	}
}

func TestCounters(t *testing.T) {
	c, _ := newTestComposer(t)
	s := c.Sequence(Args{"N": 3, "dt": 10, "t0": 50, "acquiring": true})
	specs := c.RegisterSpecs(s)

	// xdet: ms regime, offset -1ms, last rising edge at round(70-0.987).
	trig := findSpec(t, specs, "xdet_trig_count", sequencer.OpInc|sequencer.OpReport)
	if got, want := trig.NonZero(), []int{69}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid trigger count: got=%v, want=%v", got, want)
	}
	acq := findSpec(t, specs, "xdet_acq", sequencer.OpSet|sequencer.OpReport)
	if got, want := acq.NonZero(), []int{69}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid acquisition flag: got=%v, want=%v", got, want)
	}
	cnt := findSpec(t, specs, "xdet_acq_count", sequencer.OpInc|sequencer.OpReport)
	if got, want := cnt.NonZero(), []int{69}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid acquisition count: got=%v, want=%v", got, want)
	}

	// pst: sub-ms regime, laser fired at the X-ray times.
	trig = findSpec(t, specs, "pst_trig_count", sequencer.OpInc|sequencer.OpReport)
	if got, want := trig.NonZero(), []int{69}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid trigger count: got=%v, want=%v", got, want)
	}

	if hasSpec(specs, "nsq_trig_count") {
		t.Fatalf("unexpected counter for channel without counter")
	}

	s = c.Sequence(Args{"acquiring": false})
	specs = c.RegisterSpecs(s)
	if hasSpec(specs, "xdet_acq") || hasSpec(specs, "xdet_acq_count") {
		t.Fatalf("unexpected acquisition counters when not acquiring")
	}
	if !hasSpec(specs, "xdet_trig_count") {
		t.Fatalf("missing trigger counter")
	}
}

func TestCache(t *testing.T) {
	c, seq := newTestComposer(t)
	s := c.Sequence(Args{"delay": 1e-6})

	p1, err := c.PacketFor(s)
	if err != nil {
		t.Fatalf("could not build packet: %+v", err)
	}
	p2, err := c.PacketFor(s)
	if err != nil {
		t.Fatalf("could not build packet: %+v", err)
	}
	if got, want := c.Generated(), uint64(1); got != want {
		t.Fatalf("invalid number of generated packets: got=%d, want=%d", got, want)
	}
	if &p1.Data[0] != &p2.Data[0] {
		t.Fatalf("cache hit should return the cached packet")
	}

	// same parameters, another sequence value.
	p3, err := c.PacketFor(c.Sequence(Args{"delay": 1e-6}))
	if err != nil {
		t.Fatalf("could not build packet: %+v", err)
	}
	if &p3.Data[0] != &p1.Data[0] || c.Generated() != 1 {
		t.Fatalf("identical descriptions should hit the cache")
	}

	err = seq.SetCacheEnabled(false)
	if err != nil {
		t.Fatalf("could not disable cache: %+v", err)
	}
	p4, err := c.PacketFor(s)
	if err != nil {
		t.Fatalf("could not build packet: %+v", err)
	}
	if got, want := c.Generated(), uint64(2); got != want {
		t.Fatalf("invalid number of generated packets: got=%d, want=%d", got, want)
	}
	if !bytes.Equal(p4.Data, p1.Data) {
		t.Fatalf("cache should not change the packet content")
	}
	if p4.Description != p1.Description {
		t.Fatalf("cache should not change the packet description")
	}

	// a fresh composer computes the same bytes.
	c2, _ := newTestComposer(t)
	p5, err := c2.PacketFor(c2.Sequence(Args{"delay": 1e-6}))
	if err != nil {
		t.Fatalf("could not build packet: %+v", err)
	}
	if !bytes.Equal(p5.Data, p1.Data) {
		t.Fatalf("packets should be deterministic")
	}

	frame, err := sequencer.Decode(p1.Data)
	if err != nil {
		t.Fatalf("could not decode packet: %+v", err)
	}
	if frame.Description != p1.Description {
		t.Fatalf("invalid embedded description")
	}
	if got, want := frame.Period, 276; got != want {
		t.Fatalf("invalid period: got=%d, want=%d", got, want)
	}
}

func TestDescription(t *testing.T) {
	c, _ := newTestComposer(t)
	s := c.Sequence(Args{"delay": 1e-5})
	desc := c.Description(s)

	for _, kv := range []string{
		"xd=0.0",
		"delay=1e-05",
		"period=276",
		"laser_on=True",
		"pass_number=None",
		"preceding_sequence.delay=1e-05",
		"preceding_sequence.ms_on=True",
		"following_sequence.pump_on=True",
		"nsf.offset_PP=-0.0002",
		"xosct.offset_HW=-1.5e-07",
		"ms.pulse_length_PP=0.006",
		"ms.special='ms'",
		"psod3.stepsize=",
	} {
		if !strings.Contains(desc, kv) {
			t.Fatalf("description misses %q:\n%s", kv, desc)
		}
	}
	if strings.Contains(desc, "sync.") {
		t.Fatalf("description should not hold disabled channels:\n%s", desc)
	}
	if !strings.HasSuffix(desc, "generator='timing_sequence_composer', generator_version='1.0', timing_sequence_version='1.0'") {
		t.Fatalf("invalid description trailer:\n%s", desc)
	}

	for _, tc := range []struct {
		name string
		mod  func()
	}{
		{"xd", func() { _ = c.Set("xd", "1e-7") }},
		{"pst_offset", func() { _ = c.Set("pst_offset", "2e-9") }},
		{"channel", func() { _ = c.System().SetChannelField("pst", "offset_HW", "-8e-08") }},
		{"register", func() { _ = c.System().SetRegisterCalibration("pst_delay", 7e-10, 0) }},
		{"pso", func() { _ = c.System().SetRegisterCalibration(timing.RegPSOFine, 1e-11, 0) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := c.Description(s)
			tc.mod()
			after := c.Description(s)
			if before == after {
				t.Fatalf("description should change")
			}
		})
	}

	// neighbours of a batch.
	seqs := c.Sequences(Args{"delay": []float64{1e-6, 2e-6, 3e-6}})
	desc = c.Description(seqs.At(0))
	for _, kv := range []string{
		"delay=1e-06",
		"preceding_sequence.delay=3e-06",
		"following_sequence.delay=2e-06",
	} {
		if !strings.Contains(desc, kv) {
			t.Fatalf("description misses %q:\n%s", kv, desc)
		}
	}
}

func TestModeSwitch(t *testing.T) {
	c, _ := newTestComposer(t)
	seqs := c.Sequences(Args{
		"mode_number": []int{1, 2},
		"pump_on":     []bool{true, false},
		"delay":       []float64{1e-3, 1e-6},
		"z":           true,
		"trans_on":    true,
	})
	if got, want := seqs.Len(), 2; got != want {
		t.Fatalf("invalid number of sequences: got=%d, want=%d", got, want)
	}

	ch, _ := c.System().Channel("trans")
	w := transWidth(ch, c.System().Clock.Hsct)

	var specs [2][]sequencer.Spec
	for i := range specs {
		s := seqs.At(i)
		specs[i] = c.RegisterSpecs(s)
		state := findSpec(t, specs[i], "trans_state", sequencer.OpSet)
		code, ok := DecodeTrans(state, w, s.Transd)
		if !ok {
			t.Fatalf("could not decode trans code of sequence %d", i)
		}
		if got, want := code&0xF, s.ModeNumber; got != want {
			t.Fatalf("invalid mode number: got=%d, want=%d", got, want)
		}
		if got, want := code>>4&1 == 1, s.Following.PumpOn; got != want {
			t.Fatalf("invalid pump flag: got=%v, want=%v", got, want)
		}
		if got, want := code>>5, DelayIndex(s.Following.Delay); got != want {
			t.Fatalf("invalid delay index: got=%d, want=%d", got, want)
		}
		if got, want := code, TransCode(s.ModeNumber, s.Following.PumpOn, s.Following.Delay); got != want {
			t.Fatalf("invalid trans code: got=0x%x, want=0x%x", got, want)
		}
	}

	// channels that do not depend on the mode number are unaffected.
	seqs = c.Sequences(Args{"mode_number": []int{1, 2}, "z": true, "trans_on": true})
	a := c.RegisterSpecs(seqs.At(0))
	b := c.RegisterSpecs(seqs.At(1))
	for _, name := range []string{"xdet_state", "ms_state", "pst_delay", "pst_enable", "hlc_state"} {
		if !sparse.Equal(findSpec(t, a, name, sequencer.OpSet), findSpec(t, b, name, sequencer.OpSet)) {
			t.Fatalf("channel %q should not depend on the mode number", name)
		}
	}
	if sparse.Equal(findSpec(t, a, "trans_state", sequencer.OpSet), findSpec(t, b, "trans_state", sequencer.OpSet)) {
		t.Fatalf("trans pattern should depend on the mode number")
	}

	// no translation.
	s := c.Sequence(Args{"z": false, "trans_on": true, "mode_number": 3})
	state := findSpec(t, c.RegisterSpecs(s), "trans_state", sequencer.OpSet)
	if len(state.NonZero()) != 0 {
		t.Fatalf("trans pattern should be empty without translation")
	}
}

func TestTransShift(t *testing.T) {
	c, _ := newTestComposer(t)
	s := c.Sequence(Args{"z": true, "trans_on": true, "mode_number": 5, "transd": 270, "period": 276, "delay": 1e-5})
	state := findSpec(t, c.RegisterSpecs(s), "trans_state", sequencer.OpSet)
	code, ok := DecodeTrans(state, 1, 270)
	if !ok {
		t.Fatalf("could not decode shifted trans code")
	}
	if got, want := code, TransCode(5, true, 1e-5); got != want {
		t.Fatalf("invalid trans code: got=0x%x, want=0x%x", got, want)
	}
	if state.At(270) != 1 {
		t.Fatalf("start pulse should be at the trigger offset")
	}
}

func TestDelayIndex(t *testing.T) {
	for _, tc := range []struct {
		delay float64
		want  int
	}{
		{-1, 0},
		{0, 0},
		{1e-6, 0},
		{10e-6, 0},
		{100e-6, 8},
		{1e-3, 16},
		{10e-3, 24},
		{1, 40},
		{1e6, 63},
	} {
		if got, want := DelayIndex(tc.delay), tc.want; got != want {
			t.Errorf("delay index(%g): got=%d, want=%d", tc.delay, got, want)
		}
	}

	if got, want := TransCode(0x13, true, 1e-3), 0x3|1<<4|16<<5; got != want {
		t.Fatalf("invalid trans code: got=0x%x, want=0x%x", got, want)
	}
}

func TestFlashLampDedup(t *testing.T) {
	c, _ := newTestComposer(t)
	seqs := c.Sequences(Args{"delay": []float64{10e-3, 0}, "period": 96})

	// second packet: first trigger 10ms after the last one of the first.
	s := seqs.At(1)
	specs := c.RegisterSpecs(s)
	enable := findSpec(t, specs, "nsf_enable", sequencer.OpSet)
	if got, want := enable.NonZero(), []int{51}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid flash lamp triggers: got=%v, want=%v", got, want)
	}

	// first packet: well separated from the second one.
	specs = c.RegisterSpecs(seqs.At(0))
	enable = findSpec(t, specs, "nsf_enable", sequencer.OpSet)
	if got, want := enable.NonZero(), []int{41, 89}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid flash lamp triggers: got=%v, want=%v", got, want)
	}

	// a repeated packet keeps all its triggers.
	specs = c.RegisterSpecs(c.Sequence(Args{"delay": 0, "period": 96}))
	enable = findSpec(t, specs, "nsf_enable", sequencer.OpSet)
	if got, want := enable.NonZero(), []int{3, 51}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid flash lamp triggers: got=%v, want=%v", got, want)
	}
	delay := findSpec(t, specs, "nsf_delay", sequencer.OpSet)
	if delay.Default() <= 0 {
		t.Fatalf("invalid flash lamp delay: %v", delay)
	}
}

func TestBurstCollapse(t *testing.T) {
	c, _ := newTestComposer(t)
	s := c.Sequence(Args{"ms_on": true, "N": 5, "dt": 4, "t0": 100})
	state := findSpec(t, c.RegisterSpecs(s), "ms_state", sequencer.OpSet)

	var want []int
	for i := 96; i < 118; i++ {
		want = append(want, i)
	}
	if got := state.NonZero(); !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid shutter state:\ngot= %v\nwant=%v", got, want)
	}

	// pulses too far apart: one opening per pulse.
	s = c.Sequence(Args{"ms_on": true, "N": 3, "dt": 40, "t0": 100})
	state = findSpec(t, c.RegisterSpecs(s), "ms_state", sequencer.OpSet)
	if got, want := transitions(state), 3; got != want {
		t.Fatalf("invalid number of openings: got=%d, want=%d", got, want)
	}
}

// transitions returns the number of 0->1 transitions of a state array.
func transitions(state *sparse.Array) int {
	var (
		vs = state.Dense()
		n  = 0
	)
	for i := 1; i < len(vs); i++ {
		if vs[i-1] == 0 && vs[i] == 1 {
			n++
		}
	}
	return n
}

func TestStateMaskWrap(t *testing.T) {
	c, _ := newTestComposer(t)
	s := c.Sequence(Args{"N": 1, "t0": 0, "period": 276, "xdet_on": true})
	state := findSpec(t, c.RegisterSpecs(s), "xdet_state", sequencer.OpSet)
	if got, want := state.NonZero(), []int{0, 275}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid wrapped state: got=%v, want=%v", got, want)
	}
}

func TestGates(t *testing.T) {
	c, _ := newTestComposer(t)
	for _, tc := range []struct {
		gate  string
		chans []string
	}{
		{"laser_on", []string{"nsq", "pst", "lxd"}},
		{"ms_on", []string{"ms"}},
		{"xdet_on", []string{"xosct", "xdet"}},
		{"trans_on", []string{"trans"}},
	} {
		t.Run(tc.gate, func(t *testing.T) {
			s := c.Sequence(Args{tc.gate: false, "z": true, "N": 3})
			specs := c.RegisterSpecs(s)
			for _, name := range tc.chans {
				found := false
				for _, spec := range specs {
					if !strings.HasPrefix(spec.Register, name+"_") {
						continue
					}
					found = true
					if len(spec.Counts.NonZero()) != 0 {
						t.Fatalf("gated-off spec %s should be all zero: %v", spec.Register, spec.Counts)
					}
				}
				if !found {
					t.Fatalf("no spec for channel %q", name)
				}
			}
		})
	}
}

func TestTickBounds(t *testing.T) {
	c, _ := newTestComposer(t)
	var (
		sys = c.System()
		T   = sys.Clock.Hsct
	)
	for _, args := range []Args{
		{"delay": 10e-6},
		{"delay": -10e-6, "t0": 0},
		{"delay": 5e-3, "t0": 275, "N": 2, "dt": 1},
		{"delay": 0.3, "N": 10, "dt": 27},
		{"delay": 1e-9, "t0": 300, "N": 4, "dt": -7},
		{"period": 48, "N": 12, "dt": 4, "t0": 0, "delay": 2e-3},
		{"period": 1, "N": 1, "t0": 0},
	} {
		s := c.Sequence(args)
		specs := c.RegisterSpecs(s)
		counts := make(map[string]*sparse.Array)
		for _, spec := range specs {
			if got, want := spec.Counts.Len(), s.Period; got != want {
				t.Fatalf("%v: invalid length for %s: got=%d, want=%d", args, spec.Register, got, want)
			}
			idx, _ := spec.Counts.Entries()
			for _, i := range idx {
				if i < 0 || i >= s.Period {
					t.Fatalf("%v: invalid tick %d for %s", args, i, spec.Register)
				}
			}
			counts[spec.Register] = spec.Counts
			if strings.HasSuffix(spec.Register, "_state") {
				for _, v := range spec.Counts.Dense() {
					if v != 0 && v != 1 {
						t.Fatalf("%v: invalid state %d for %s", args, v, spec.Register)
					}
				}
			}
		}

		for i := range sys.Channels {
			ch := &sys.Channels[i]
			delay, okd := counts[ch.Delay.Name]
			pulse, okp := counts[ch.Pulse.Name]
			if !okd || !okp {
				continue
			}
			for it := 0; it < s.Period; it++ {
				d := float64(delay.At(it)) * ch.Delay.Stepsize
				p := float64(pulse.At(it)) * ch.Pulse.Stepsize
				if d+p > T*(1+1e-9) {
					t.Fatalf("%v: %s pulse overflows tick %d: delay=%g pulse=%g", args, ch.Mnemonic, it, d, p)
				}
			}
		}
	}
}

func TestWrappedPulse(t *testing.T) {
	c, _ := newTestComposer(t)
	err := c.System().SetChannelField("nsq", "pulse_length_HW", "2.5e-3")
	if err != nil {
		t.Fatalf("could not set pulse length: %+v", err)
	}
	// laser pulse starting 1ms before the end of the packet.
	s := c.Sequence(Args{"t0": 0, "delay": 1e-3, "N": 1, "period": 276})
	specs := c.RegisterSpecs(s)
	enable := findSpec(t, specs, "nsq_enable", sequencer.OpSet)
	if got, want := enable.NonZero(), []int{0, 1, 275}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid wrapped pulse ticks: got=%v, want=%v", got, want)
	}
	pulse := findSpec(t, specs, "nsq_pulse", sequencer.OpSet)
	delay := findSpec(t, specs, "nsq_delay", sequencer.OpSet)
	full := fitCount(c.System().Clock.Hsct, c.System().Registers["nsq_pulse"])
	if got := pulse.At(0); got != full {
		t.Fatalf("invalid full tick pulse: got=%d, want=%d", got, full)
	}
	if delay.At(0) != 0 || delay.At(1) != 0 || delay.At(275) == 0 {
		t.Fatalf("invalid delays: %v", delay)
	}
}

func TestPSO(t *testing.T) {
	c, _ := newTestComposer(t)
	sys := c.System()
	s := c.Sequence(Args{"delay": 1e-6})
	specs := c.RegisterSpecs(s)
	coarse := findSpec(t, specs, timing.RegPSOCoarse, sequencer.OpSet)
	fine := findSpec(t, specs, timing.RegPSOFine, sequencer.OpSet)

	psod3, _ := sys.Register(timing.RegPSOCoarse)
	psod2, _ := sys.Register(timing.RegPSOFine)
	var (
		phase = float64(coarse.Default())*psod3.Stepsize + float64(fine.Default())*psod2.Stepsize
		tl    = fmod(100*sys.Clock.Hsct-1e-6, 5*sys.Clock.Bct)
	)
	if coarse.Default() < 0 || coarse.Default() >= 20 {
		t.Fatalf("invalid coarse phase: %d", coarse.Default())
	}
	if d := phase - tl; d > psod2.Stepsize || d < -psod2.Stepsize {
		t.Fatalf("invalid phase: got=%g, want=%g", phase, tl)
	}

	s = c.Sequence(Args{"N": 0})
	if hasSpec(c.RegisterSpecs(s), timing.RegPSOCoarse) {
		t.Fatalf("unexpected pso spec without laser pulse")
	}
}

func TestChannelFailure(t *testing.T) {
	c, _ := newTestComposer(t)
	sys := c.System()
	for i := range sys.Channels {
		if sys.Channels[i].Mnemonic == "nsq" {
			sys.Channels[i].State = nil
		}
	}
	specs := c.RegisterSpecs(c.Sequence(Args{}))
	if hasSpec(specs, "nsq_delay") {
		t.Fatalf("failing channel should not produce specs")
	}
	for _, name := range []string{"pst_delay", "xdet_state", timing.RegAcquiring} {
		if !hasSpec(specs, name) {
			t.Fatalf("missing spec %q", name)
		}
	}
}

func TestRegisterWidth(t *testing.T) {
	c, _ := newTestComposer(t)
	sys := c.System()

	// sub-ms delays are clipped to the register width.
	pst, _ := sys.Register("pst_delay")
	pst.Bits = 4
	s := c.Sequence(Args{"delay": 0, "period": 96})
	specs := c.RegisterSpecs(s)
	delay := findSpec(t, specs, "pst_delay", sequencer.OpSet)
	_, vs := delay.Entries()
	if len(vs) == 0 {
		t.Fatalf("missing pst delay")
	}
	for _, v := range vs {
		if v > pst.MaxCount() {
			t.Fatalf("pst delay overflows its register: got=%d, max=%d", v, pst.MaxCount())
		}
	}

	// a channel whose counts overflow a register is dropped.
	nsf, _ := sys.Register("nsf_delay")
	nsf.Bits = 4
	specs = c.RegisterSpecs(s)
	for _, name := range []string{"nsf_delay", "nsf_enable"} {
		if hasSpec(specs, name) {
			t.Fatalf("overflowing channel should not produce spec %q", name)
		}
	}
	for _, name := range []string{"pst_delay", "xdet_state", timing.RegAcquiring} {
		if !hasSpec(specs, name) {
			t.Fatalf("missing spec %q", name)
		}
	}
}

func TestSequences(t *testing.T) {
	c, _ := newTestComposer(t)
	var (
		delays = []float64{1e-6, 1e-5}
		ns     = []int{1, 2, 3}
	)
	seqs := c.Sequences(Args{"delay": delays, "N": ns, "laser_on": false})
	if got, want := seqs.Len(), 3; got != want {
		t.Fatalf("invalid number of sequences: got=%d, want=%d", got, want)
	}
	for i := 0; i < seqs.Len(); i++ {
		s := seqs.At(i)
		if got, want := s.Delay, delays[i%len(delays)]; got != want {
			t.Fatalf("invalid delay[%d]: got=%v, want=%v", i, got, want)
		}
		if got, want := s.N, ns[i%len(ns)]; got != want {
			t.Fatalf("invalid N[%d]: got=%v, want=%v", i, got, want)
		}
		if s.LaserOn {
			t.Fatalf("invalid scalar parameter")
		}
		if got, want := s.Preceding.N, ns[(i+2)%3]; got != want {
			t.Fatalf("invalid preceding[%d]: got=%v, want=%v", i, got, want)
		}
		if got, want := s.Following.N, ns[(i+1)%3]; got != want {
			t.Fatalf("invalid following[%d]: got=%v, want=%v", i, got, want)
		}
		if s.Preceding.Preceding != nil || s.Following.Following != nil {
			t.Fatalf("neighbours should not be linked")
		}
	}
	if got, want := c.Sequences(Args{"delay": 1e-3}).Len(), 1; got != want {
		t.Fatalf("invalid number of sequences: got=%d, want=%d", got, want)
	}

	vs, ok := seqs.List("delay")
	if !ok || !reflect.DeepEqual(vs, []string{"1e-06", "1e-05"}) {
		t.Fatalf("invalid delay list: %v", vs)
	}
	if _, ok := seqs.List("laser_on"); ok {
		t.Fatalf("laser_on is not a list parameter")
	}

	all, err := SequencesFrom(seqs.At(0), seqs.At(1), seqs.At(2), seqs.At(0))
	if err != nil {
		t.Fatalf("could not concatenate sequences: %+v", err)
	}
	if got, want := all.Len(), 4; got != want {
		t.Fatalf("invalid number of sequences: got=%d, want=%d", got, want)
	}
	for i := 0; i < all.Len(); i++ {
		if got, want := all.At(i).Params(), seqs.At(i%3).Params(); got != want {
			t.Fatalf("invalid sequence %d:\ngot= %s\nwant=%s", i, got, want)
		}
	}
	if _, err := SequencesFrom(); err == nil {
		t.Fatalf("expected an error for an empty list")
	}
}

func TestParseSequences(t *testing.T) {
	c, _ := newTestComposer(t)
	seqs := c.ParseSequences("delay=[1e-6, 1e-5, 1e-4], N=bad, laser_on=False, period=-3, unknown=1, dt=4.5, pass_number=2")
	if got, want := seqs.Len(), 3; got != want {
		t.Fatalf("invalid number of sequences: got=%d, want=%d", got, want)
	}
	s := seqs.At(2)
	for _, tc := range []struct {
		name string
		want string
	}{
		{"delay", "0.0001"},
		{"N", "1"},
		{"laser_on", "False"},
		{"period", "276"},
		{"dt", "4"},
		{"pass_number", "2"},
	} {
		got, err := s.Get(tc.name)
		if err != nil {
			t.Fatalf("could not get %q: %+v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("invalid %s: got=%s, want=%s", tc.name, got, tc.want)
		}
	}
	if _, err := s.Get("nope"); err == nil {
		t.Fatalf("expected an error for an unknown parameter")
	}

	s = c.Sequence(Args{"delay": []float64{1, 2}, "N": "2"})
	if s.Delay != 0 || s.N != 2 {
		t.Fatalf("invalid sequence: %v", s)
	}
}

func TestSetGet(t *testing.T) {
	store := newMapStore()
	sys := timing.New()
	seq := sequencer.New(store, timing.NewMemRegisterFile(sys.RegisterNames()), sequencer.WithLogger(discard))
	c := New(sys, seq, WithLogger(discard), WithStore(store), WithDebounce(time.Hour))
	defer c.Close()

	for _, tc := range []struct {
		name  string
		value string
		want  string
	}{
		{"xd", "1e-07", "1e-07"},
		{"pst_offset", "-2.5e-09", "-2.5e-09"},
		{"period", "300", "300"},
		{"delay", "0.001", "0.001"},
		{"laser_on", "0", "False"},
		{"pass_number", "None", "None"},
		{"pass_number", "4", "4"},
	} {
		err := c.Set(tc.name, tc.value)
		if err != nil {
			t.Fatalf("could not set %s=%s: %+v", tc.name, tc.value, err)
		}
		got, err := c.Get(tc.name)
		if err != nil {
			t.Fatalf("could not get %s: %+v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("invalid %s: got=%s, want=%s", tc.name, got, tc.want)
		}
	}

	if got, want := store.Get("composer.xd", ""), "1e-07"; got != want {
		t.Fatalf("invalid persisted xd: got=%q, want=%q", got, want)
	}
	if got, want := store.Get("sequencer.default.period", ""), "300"; got != want {
		t.Fatalf("invalid persisted period: got=%q, want=%q", got, want)
	}
	if got, want := c.Sequence(nil).Period, 300; got != want {
		t.Fatalf("invalid default period: got=%d, want=%d", got, want)
	}

	for _, tc := range []struct {
		name  string
		value string
	}{
		{"xd", "nan"},
		{"xd", "'a'"},
		{"period", "0"},
		{"N", "1.5"},
		{"nope", "1"},
		{"delay", "[1"},
	} {
		if err := c.Set(tc.name, tc.value); err == nil {
			t.Fatalf("expected an error setting %s=%s", tc.name, tc.value)
		}
	}
	if _, err := c.Get("nope"); err == nil {
		t.Fatalf("expected an error for an unknown parameter")
	}

	// a new composer picks up the persisted values.
	c2 := New(sys, seq, WithLogger(discard), WithStore(store))
	defer c2.Close()
	if got, want := c2.XD(), 1e-7; got != want {
		t.Fatalf("invalid xd: got=%v, want=%v", got, want)
	}
	if got, want := c2.PSTOffset(), -2.5e-9; got != want {
		t.Fatalf("invalid pst offset: got=%v, want=%v", got, want)
	}

	// invalid persisted defaults fall back to the built-in ones.
	_ = store.Set("sequencer.default.N", "'many'")
	if got, want := c2.Sequence(nil).N, 1; got != want {
		t.Fatalf("invalid fallback default: got=%d, want=%d", got, want)
	}
}

func TestQueue(t *testing.T) {
	c, seq := newTestComposer(t)
	regs := seq.Registers()

	seq.SetQueueSequenceCount(12)
	seq.SetQueueRepeatCount(3)
	_ = regs.WriteCount(timing.RegPulses, 42)

	err := c.AcquisitionStart(5)
	if err != nil {
		t.Fatalf("could not start acquisition: %+v", err)
	}
	for _, tc := range []struct {
		name string
		want int64
	}{
		{timing.RegImageNumber, 4},
		{timing.RegPassNumber, 0},
		{timing.RegPulses, 0},
	} {
		v, err := regs.ReadCount(tc.name)
		if err != nil {
			t.Fatalf("could not read %q: %+v", tc.name, err)
		}
		if v != tc.want {
			t.Fatalf("invalid %s: got=%d, want=%d", tc.name, v, tc.want)
		}
	}
	if !seq.QueueActive() || seq.QueueSequenceCount() != 0 || seq.QueueRepeatCount() != 0 {
		t.Fatalf("invalid queue state after start: %v", seq)
	}

	err = seq.SetDescriptor("delay=[1e-6, 1e-5]")
	if err != nil {
		t.Fatalf("could not set descriptor: %+v", err)
	}
	err = c.Update()
	if err != nil {
		t.Fatalf("could not update: %+v", err)
	}
	if got, want := len(seq.Packets()), 2; got != want {
		t.Fatalf("invalid number of packets: got=%d, want=%d", got, want)
	}
	for i := 0; i < 3; i++ {
		if _, ok := seq.Next(); !ok {
			t.Fatalf("could not play packet %d", i)
		}
	}

	c.AcquisitionCancel()
	if seq.QueueActive() {
		t.Fatalf("queue should be inactive")
	}
	if seq.QueueSequenceCount() != 3 || seq.QueueRepeatCount() != 1 {
		t.Fatalf("cancel should leave counters untouched: %v", seq)
	}

	c.ClearQueue()
	if len(seq.Packets()) != 0 {
		t.Fatalf("queue should be empty")
	}
}

type failingRegs struct{}

func (failingRegs) ReadCount(string) (int64, error) { return 0, io.ErrClosedPipe }
func (failingRegs) WriteCount(string, int64) error  { return io.ErrClosedPipe }

func TestAcquisitionStartError(t *testing.T) {
	sys := timing.New()
	seq := sequencer.New(nil, failingRegs{}, sequencer.WithLogger(discard))
	c := New(sys, seq, WithLogger(discard))
	defer c.Close()

	err := c.AcquisitionStart(1)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if seq.QueueActive() {
		t.Fatalf("queue should stay inactive")
	}
}

type countingCompiler struct {
	mu sync.Mutex
	n  int
	c  sequencer.Compiler
}

func (cc *countingCompiler) Compile(desc string) ([][]byte, error) {
	cc.mu.Lock()
	cc.n++
	cc.mu.Unlock()
	return cc.c.Compile(desc)
}

func (cc *countingCompiler) count() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.n
}

func TestUpdateLater(t *testing.T) {
	c, seq := newTestComposer(t)
	cc := &countingCompiler{c: c}
	seq.SetCompiler(cc)

	for i := 0; i < 5; i++ {
		err := c.Set("delay", "1e-3")
		if err != nil {
			t.Fatalf("could not set delay: %+v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for cc.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got, want := cc.count(), 1; got != want {
		t.Fatalf("invalid number of updates: got=%d, want=%d", got, want)
	}
	if got, want := len(seq.Packets()), 1; got != want {
		t.Fatalf("invalid number of packets: got=%d, want=%d", got, want)
	}

	_ = c.Close()
	c.UpdateLater()
	time.Sleep(100 * time.Millisecond)
	if got, want := cc.count(), 1; got != want {
		t.Fatalf("closed composer should not update: got=%d, want=%d", got, want)
	}
}

func TestPackets(t *testing.T) {
	c, _ := newTestComposer(t, WithWorkers(2))
	seqs := c.Sequences(Args{"delay": []float64{1e-6, 1e-5, 1e-4, 1e-6}})
	pkts, err := c.Packets(context.Background(), seqs)
	if err != nil {
		t.Fatalf("could not build packets: %+v", err)
	}
	if got, want := len(pkts), 4; got != want {
		t.Fatalf("invalid number of packets: got=%d, want=%d", got, want)
	}
	for i, pkt := range pkts {
		if got, want := pkt.Description, c.Description(seqs.At(i)); got != want {
			t.Fatalf("invalid packet order at %d", i)
		}
	}
	// 1st and 4th sequences have different neighbours.
	if pkts[0].Description == pkts[3].Description {
		t.Fatalf("neighbours should be part of the description")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Packets(ctx, seqs)
	if err == nil {
		t.Fatalf("expected an error with a cancelled context")
	}
}
