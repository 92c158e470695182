// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package timing

import (
	"fmt"
	"math"

	"github.com/go-lpc/tsc/internal/pyfmt"
)

// Special selects the specialised logic driving a channel.
type Special string

const (
	SpecialNone  Special = ""
	SpecialMS    Special = "ms"    // millisecond X-ray shutter
	SpecialTrans Special = "trans" // sample translation bit pattern
	SpecialPSO   Special = "pso"   // picosecond oscillator phase
	SpecialNSF   Special = "nsf"   // nanosecond laser flash lamp
)

// ParseSpecial parses the name of a specialised function.
func ParseSpecial(s string) (Special, error) {
	switch v := Special(s); v {
	case SpecialNone, SpecialMS, SpecialTrans, SpecialPSO, SpecialNSF:
		return v, nil
	}
	return "", fmt.Errorf("timing: invalid special function %q", s)
}

// Timed names the reference edge a channel is aligned to.
type Timed string

const (
	TimedPump          Timed = "pump"
	TimedProbe         Timed = "probe"
	TimedPumpProbe     Timed = "pump-probe" // from pump to probe
	TimedPumpPlusProbe Timed = "pump+probe" // on both pump and probe
	TimedPeriod        Timed = "period"     // once per packet
)

// ParseTimed parses the name of a timing reference.
func ParseTimed(s string) (Timed, error) {
	switch v := Timed(s); v {
	case TimedPump, TimedProbe, TimedPumpProbe, TimedPumpPlusProbe, TimedPeriod:
		return v, nil
	}
	return "", fmt.Errorf("timing: invalid timing reference %q", s)
}

// Gated names the boolean gate of a channel.
type Gated string

const (
	GatedNone     Gated = ""
	GatedPump     Gated = "pump"
	GatedProbe    Gated = "probe"
	GatedDetector Gated = "detector"
	GatedTrans    Gated = "trans"
)

// ParseGated parses the name of a gate.
func ParseGated(s string) (Gated, error) {
	switch v := Gated(s); v {
	case GatedNone, GatedPump, GatedProbe, GatedDetector, GatedTrans:
		return v, nil
	}
	return "", fmt.Errorf("timing: invalid gate %q", s)
}

// Channel is the calibration of an output channel of the timing system.
// Times are in seconds; NaN means "not set".
type Channel struct {
	Index    int
	Mnemonic string
	Name     string

	PPEnabled bool // participates in pump-probe packets
	Special   Special
	Timed     Timed
	Gated     Gated

	Offset        float64 // ms-resolution offset
	OffsetHW      float64 // sub-ms offset; NaN selects the ms-resolution regime
	OffsetSign    float64
	PulseLength   float64
	PulseLengthHW float64
	PulseLengthPP float64

	CounterEnabled bool

	Delay  *Register
	Pulse  *Register
	Enable *Register
	State  *Register

	TrigCount *Register
	Acq       *Register
	AcqCount  *Register
}

// SubMS reports whether the channel is timed with sub-millisecond
// precision through its delay and pulse registers.
func (ch *Channel) SubMS() bool {
	return !math.IsNaN(ch.OffsetHW)
}

// PulseLengthSubMS returns the pulse length used in the sub-millisecond
// regime, or NaN if none is set.
func (ch *Channel) PulseLengthSubMS() float64 {
	if !math.IsNaN(ch.PulseLengthHW) {
		return ch.PulseLengthHW
	}
	return ch.PulseLength
}

// PulseLengthMS returns the pulse length used in the millisecond regime,
// or NaN if none is set.
func (ch *Channel) PulseLengthMS() float64 {
	if !math.IsNaN(ch.PulseLengthPP) {
		return ch.PulseLengthPP
	}
	return ch.PulseLength
}

// Registers returns the registers of the channel that are set.
func (ch *Channel) Registers() []*Register {
	var regs []*Register
	for _, reg := range []*Register{
		ch.Delay, ch.Pulse, ch.Enable, ch.State,
		ch.TrigCount, ch.Acq, ch.AcqCount,
	} {
		if reg != nil {
			regs = append(regs, reg)
		}
	}
	return regs
}

// channelField describes a persisted calibration field of a channel.
type channelField struct {
	name string
	get  func(ch *Channel) string
	set  func(ch *Channel, v pyfmt.Literal) error
}

// ChannelFields lists the names of the persisted channel fields, in the
// order they appear in descriptions.
func ChannelFields() []string {
	names := make([]string, len(channelFields))
	for i, f := range channelFields {
		names[i] = f.name
	}
	return names
}

// Field returns the Python-literal representation of a persisted field.
func (ch *Channel) Field(name string) (string, error) {
	f, ok := lookupField(name)
	if !ok {
		return "", fmt.Errorf("timing: unknown channel field %q", name)
	}
	return f.get(ch), nil
}

// SetField parses a Python literal and stores it in the named field.
func (ch *Channel) SetField(name, value string) error {
	f, ok := lookupField(name)
	if !ok {
		return fmt.Errorf("timing: unknown channel field %q", name)
	}
	lit, err := pyfmt.Parse(value)
	if err != nil {
		return fmt.Errorf("timing: could not parse %s.%s=%q: %w", ch.Mnemonic, name, value, err)
	}
	err = f.set(ch, lit)
	if err != nil {
		return fmt.Errorf("timing: could not set %s.%s: %w", ch.Mnemonic, name, err)
	}
	return nil
}

func lookupField(name string) (channelField, bool) {
	for _, f := range channelFields {
		if f.name == name {
			return f, true
		}
	}
	return channelField{}, false
}

var channelFields = []channelField{
	{
		name: "PP_enabled",
		get:  func(ch *Channel) string { return pyfmt.Bool(ch.PPEnabled) },
		set:  setBool(func(ch *Channel) *bool { return &ch.PPEnabled }),
	},
	{
		name: "special",
		get:  func(ch *Channel) string { return pyfmt.Str(string(ch.Special)) },
		set: func(ch *Channel, v pyfmt.Literal) error {
			if v.Kind != pyfmt.String {
				return fmt.Errorf("expected a string, got a %v", v.Kind)
			}
			s, err := ParseSpecial(v.Str)
			if err != nil {
				return err
			}
			ch.Special = s
			return nil
		},
	},
	{
		name: "timed",
		get:  func(ch *Channel) string { return pyfmt.Str(string(ch.Timed)) },
		set: func(ch *Channel, v pyfmt.Literal) error {
			if v.Kind != pyfmt.String {
				return fmt.Errorf("expected a string, got a %v", v.Kind)
			}
			s, err := ParseTimed(v.Str)
			if err != nil {
				return err
			}
			ch.Timed = s
			return nil
		},
	},
	{
		name: "gated",
		get:  func(ch *Channel) string { return pyfmt.Str(string(ch.Gated)) },
		set: func(ch *Channel, v pyfmt.Literal) error {
			if v.Kind != pyfmt.String {
				return fmt.Errorf("expected a string, got a %v", v.Kind)
			}
			s, err := ParseGated(v.Str)
			if err != nil {
				return err
			}
			ch.Gated = s
			return nil
		},
	},
	{
		name: "offset_PP",
		get:  func(ch *Channel) string { return pyfmt.Float(ch.Offset) },
		set:  setFloat(func(ch *Channel) *float64 { return &ch.Offset }),
	},
	{
		name: "offset_HW",
		get:  func(ch *Channel) string { return pyfmt.Float(ch.OffsetHW) },
		set:  setFloat(func(ch *Channel) *float64 { return &ch.OffsetHW }),
	},
	{
		name: "offset_sign",
		get:  func(ch *Channel) string { return pyfmt.Float(ch.OffsetSign) },
		set:  setFloat(func(ch *Channel) *float64 { return &ch.OffsetSign }),
	},
	{
		name: "pulse_length",
		get:  func(ch *Channel) string { return pyfmt.Float(ch.PulseLength) },
		set:  setFloat(func(ch *Channel) *float64 { return &ch.PulseLength }),
	},
	{
		name: "pulse_length_HW",
		get:  func(ch *Channel) string { return pyfmt.Float(ch.PulseLengthHW) },
		set:  setFloat(func(ch *Channel) *float64 { return &ch.PulseLengthHW }),
	},
	{
		name: "pulse_length_PP",
		get:  func(ch *Channel) string { return pyfmt.Float(ch.PulseLengthPP) },
		set:  setFloat(func(ch *Channel) *float64 { return &ch.PulseLengthPP }),
	},
	{
		name: "counter_enabled",
		get:  func(ch *Channel) string { return pyfmt.Bool(ch.CounterEnabled) },
		set:  setBool(func(ch *Channel) *bool { return &ch.CounterEnabled }),
	},
}

func setFloat(field func(ch *Channel) *float64) func(ch *Channel, v pyfmt.Literal) error {
	return func(ch *Channel, v pyfmt.Literal) error {
		f, err := v.Float()
		if err != nil {
			return err
		}
		*field(ch) = f
		return nil
	}
}

func setBool(field func(ch *Channel) *bool) func(ch *Channel, v pyfmt.Literal) error {
	return func(ch *Channel, v pyfmt.Literal) error {
		f, err := v.Float()
		if err != nil || math.IsNaN(f) {
			return fmt.Errorf("expected a boolean, got a %v", v.Kind)
		}
		*field(ch) = f != 0
		return nil
	}
}
