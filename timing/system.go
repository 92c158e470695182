// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package timing

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/go-lpc/tsc/internal/pyfmt"
)

const (
	DefaultDomain = "BioCARS"
	DefaultDBName = "timing_system"
)

// Names of the registers that are not attached to a channel.
const (
	RegImageNumber = "image_number"
	RegPassNumber  = "pass_number"
	RegPulses      = "pulses"
	RegAcquiring   = "acquiring"
	RegPSOCoarse   = "psod3"
	RegPSOFine     = "psod2"
)

// System is the timing system: clock, registers and output channels.
//
// System is safe for concurrent use; the composer works on snapshots
// obtained with Snapshot.
type System struct {
	mu sync.RWMutex

	DomainName string
	DBName     string
	Clock      Clock
	Channels   []Channel
	Registers  map[string]*Register

	store Store
}

// New returns a timing system with the built-in calibration.
func New() *System {
	var (
		clk = DefaultClock()
		sys = &System{
			DomainName: DefaultDomain,
			DBName:     DefaultDBName,
			Clock:      clk,
			Registers:  make(map[string]*Register),
		}
	)

	for _, name := range []string{RegImageNumber, RegPassNumber, RegPulses, RegAcquiring} {
		sys.Registers[name] = &Register{Name: name, Stepsize: 1, Bits: 32}
	}
	sys.Registers[RegPSOCoarse] = &Register{Name: RegPSOCoarse, Stepsize: clk.Bct / 4, Bits: 8}
	sys.Registers[RegPSOFine] = &Register{Name: RegPSOFine, Stepsize: clk.Bct / 288, Bits: 8}

	nan := math.NaN()
	for i, def := range []struct {
		mnemonic string
		name     string
		pp       bool
		special  Special
		timed    Timed
		gated    Gated
		offset   float64
		offsetHW float64
		plen     float64
		plenHW   float64
		plenPP   float64
		counter  bool
	}{
		{"xosct", "X-ray scope trigger", true, SpecialNone, TimedProbe, GatedDetector, nan, -1.5e-7, nan, 1e-7, nan, false},
		{"ps", "ps laser oscillator", true, SpecialPSO, TimedPump, GatedNone, nan, nan, nan, nan, nan, false},
		{"nsf", "ns laser flash lamp", true, SpecialNSF, TimedPump, GatedNone, -2e-4, nan, nan, nan, nan, false},
		{"nsq", "ns laser Q-switch", true, SpecialNone, TimedPump, GatedPump, nan, -3e-8, nan, 1e-6, nan, false},
		{"pst", "ps laser trigger", true, SpecialNone, TimedPump, GatedPump, nan, -7.5e-8, nan, 5e-7, nan, true},
		{"ms", "X-ray ms shutter", true, SpecialMS, TimedProbe, GatedProbe, -4e-3, nan, nan, nan, 6e-3, false},
		{"xdet", "X-ray detector", true, SpecialNone, TimedProbe, GatedDetector, -1e-3, nan, nan, nan, 2e-3, true},
		{"trans", "sample translation", true, SpecialTrans, TimedPeriod, GatedTrans, 0, nan, nan, nan, 1e-3, false},
		{"lxd", "laser to X-ray scope", true, SpecialNone, TimedPumpProbe, GatedPump, nan, 0, nan, nan, nan, false},
		{"s1", "pump and probe scope", true, SpecialNone, TimedPumpPlusProbe, GatedNone, nan, 0, nan, 1e-6, nan, false},
		{"hlc", "heatload chopper", true, SpecialNone, TimedPeriod, GatedNone, 0, nan, 2e-3, nan, nan, false},
		{"sync", "spare", false, SpecialNone, TimedPeriod, GatedNone, nan, nan, nan, nan, nan, false},
	} {
		ch := Channel{
			Index:          i,
			Mnemonic:       def.mnemonic,
			Name:           def.name,
			PPEnabled:      def.pp,
			Special:        def.special,
			Timed:          def.timed,
			Gated:          def.gated,
			Offset:         def.offset,
			OffsetHW:       def.offsetHW,
			OffsetSign:     1,
			PulseLength:    def.plen,
			PulseLengthHW:  def.plenHW,
			PulseLengthPP:  def.plenPP,
			CounterEnabled: def.counter,
		}
		sys.attach(&ch)
		sys.Channels = append(sys.Channels, ch)
	}

	return sys
}

// attach creates the hardware registers of a channel.
func (sys *System) attach(ch *Channel) {
	reg := func(suffix string, step float64, bits int) *Register {
		name := ch.Mnemonic + "_" + suffix
		r := &Register{Name: name, Stepsize: step, Bits: bits}
		sys.Registers[name] = r
		return r
	}
	step := sys.Clock.Bct / 4
	ch.Delay = reg("delay", step, 24)
	ch.Pulse = reg("pulse", step, 24)
	ch.Enable = reg("enable", 1, 1)
	ch.State = reg("state", 1, 1)
	ch.TrigCount = reg("trig_count", 1, 32)
	ch.Acq = reg("acq", 1, 32)
	ch.AcqCount = reg("acq_count", 1, 32)
}

// Load returns the timing system with the built-in calibration
// overridden by the values found in store.
// Invalid stored values are reported in the returned error, the
// corresponding fields keeping their built-in value.
func Load(store Store, dbName string) (*System, error) {
	sys := New()
	if dbName != "" {
		sys.DBName = dbName
	}
	sys.store = store
	if store == nil {
		return sys, nil
	}

	var errs []error
	getf := func(key string, v *float64) {
		s := store.Get(key, "")
		if s == "" {
			return
		}
		lit, err := pyfmt.Parse(s)
		if err == nil {
			var f float64
			f, err = lit.Float()
			if err == nil {
				*v = f
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %w", key, err))
	}

	getf(sys.key("clock", "bct"), &sys.Clock.Bct)
	getf(sys.key("clock", "P0t"), &sys.Clock.P0t)
	getf(sys.key("clock", "hsct"), &sys.Clock.Hsct)

	for _, name := range sys.registerNames() {
		reg := sys.Registers[name]
		getf(sys.key("registers", name, "stepsize"), &reg.Stepsize)
		getf(sys.key("registers", name, "offset"), &reg.Offset)
	}

	for i := range sys.Channels {
		ch := &sys.Channels[i]
		for _, f := range channelFields {
			s := store.Get(sys.key(ch.Mnemonic, f.name), "")
			if s == "" {
				continue
			}
			err := ch.SetField(f.name, s)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) != 0 {
		return sys, fmt.Errorf("timing: invalid stored calibration: %v", errs)
	}
	return sys, nil
}

func (sys *System) key(elems ...string) string {
	key := sys.DBName
	for _, e := range elems {
		key += "." + e
	}
	return key
}

func (sys *System) registerNames() []string {
	names := make([]string, 0, len(sys.Registers))
	for name := range sys.Registers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterNames returns the sorted names of all registers.
func (sys *System) RegisterNames() []string {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	return sys.registerNames()
}

// Register returns the named register.
func (sys *System) Register(name string) (*Register, bool) {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	reg, ok := sys.Registers[name]
	return reg, ok
}

// Channel returns the channel with the given mnemonic.
func (sys *System) Channel(mnemonic string) (*Channel, bool) {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	for i := range sys.Channels {
		if sys.Channels[i].Mnemonic == mnemonic {
			return &sys.Channels[i], true
		}
	}
	return nil, false
}

// SetChannelField modifies a calibration field of a channel and persists
// it to the store the system was loaded from, if any.
func (sys *System) SetChannelField(mnemonic, field, value string) error {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	var ch *Channel
	for i := range sys.Channels {
		if sys.Channels[i].Mnemonic == mnemonic {
			ch = &sys.Channels[i]
			break
		}
	}
	if ch == nil {
		return fmt.Errorf("timing: unknown channel %q", mnemonic)
	}

	err := ch.SetField(field, value)
	if err != nil {
		return err
	}

	if sys.store == nil {
		return nil
	}
	repr, _ := ch.Field(field)
	err = sys.store.Set(sys.key(mnemonic, field), repr)
	if err != nil {
		return fmt.Errorf("timing: could not persist %s.%s: %w", mnemonic, field, err)
	}
	return nil
}

// SetRegisterCalibration modifies the step size and offset of a register
// and persists them to the store the system was loaded from, if any.
func (sys *System) SetRegisterCalibration(name string, stepsize, offset float64) error {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	reg, ok := sys.Registers[name]
	if !ok {
		return fmt.Errorf("timing: unknown register %q", name)
	}
	if !(stepsize > 0) {
		return fmt.Errorf("timing: invalid step size %v for register %q", stepsize, name)
	}
	reg.Stepsize = stepsize
	reg.Offset = offset

	if sys.store == nil {
		return nil
	}
	for _, kv := range []struct {
		field string
		value float64
	}{
		{"stepsize", stepsize},
		{"offset", offset},
	} {
		err := sys.store.Set(sys.key("registers", name, kv.field), pyfmt.Float(kv.value))
		if err != nil {
			return fmt.Errorf("timing: could not persist %s.%s: %w", name, kv.field, err)
		}
	}
	return nil
}

// Snapshot returns a deep copy of the timing system.
// Channel registers of the copy point into the copied register map.
func (sys *System) Snapshot() *System {
	sys.mu.RLock()
	defer sys.mu.RUnlock()

	snap := &System{
		DomainName: sys.DomainName,
		DBName:     sys.DBName,
		Clock:      sys.Clock,
		Channels:   make([]Channel, len(sys.Channels)),
		Registers:  make(map[string]*Register, len(sys.Registers)),
	}
	for name, reg := range sys.Registers {
		snap.Registers[name] = reg.clone()
	}
	remap := func(reg *Register) *Register {
		if reg == nil {
			return nil
		}
		if r, ok := snap.Registers[reg.Name]; ok {
			return r
		}
		return reg.clone()
	}
	for i, ch := range sys.Channels {
		ch.Delay = remap(ch.Delay)
		ch.Pulse = remap(ch.Pulse)
		ch.Enable = remap(ch.Enable)
		ch.State = remap(ch.State)
		ch.TrigCount = remap(ch.TrigCount)
		ch.Acq = remap(ch.Acq)
		ch.AcqCount = remap(ch.AcqCount)
		snap.Channels[i] = ch
	}
	return snap
}
