// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package composer compiles timing sequences into register-update packets
// for the FPGA sequencer of the timing system.
package composer // import "github.com/go-lpc/tsc/composer"

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tsc/internal/pyfmt"
	"github.com/go-lpc/tsc/sequencer"
	"github.com/go-lpc/tsc/timing"
)

const (
	keyXD        = "composer.xd"
	keyPSTOffset = "composer.pst_offset"
)

// Sequencer is the part of the FPGA sequencer the composer drives.
type Sequencer interface {
	Descriptor() string
	CacheEnabled() bool
	CacheGet(desc string) ([]byte, bool)
	CacheSet(desc string, p []byte) error

	Update() error
	ClearQueue()
	SetQueueActive(v bool)
	SetQueueSequenceCount(v int)
	SetQueueRepeatCount(v int)

	GetDefault(name, def string) string
	SetDefault(name, value string) error

	Registers() timing.RegisterIO
}

// Composer compiles sequences into packets.
//
// Composer is safe for concurrent use: each packet is built from a
// snapshot of the calibration taken when it is requested.
type Composer struct {
	msg   log.MsgStream
	sys   *timing.System
	seq   Sequencer
	store timing.Store
	cfg   config

	mu        sync.RWMutex
	xd        float64
	pstOffset float64

	tmu    sync.Mutex
	timer  *time.Timer
	closed bool

	ngen uint64 // number of generated packets
}

// New returns a composer for the timing system sys, publishing its
// packets through seq.
func New(sys *timing.System, seq Sequencer, opts ...Option) *Composer {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.msg == nil {
		cfg.msg = log.NewMsgStream("composer", log.LvlInfo, os.Stdout)
	}
	if cfg.workers <= 0 {
		cfg.workers = runtime.NumCPU()
	}

	c := &Composer{
		msg:   cfg.msg,
		sys:   sys,
		seq:   seq,
		store: cfg.store,
		cfg:   cfg,
	}
	c.xd = c.loadFloat(keyXD, 0)
	c.pstOffset = c.loadFloat(keyPSTOffset, 0)
	return c
}

func (c *Composer) loadFloat(key string, def float64) float64 {
	if c.store == nil {
		return def
	}
	s := c.store.Get(key, "")
	if s == "" {
		return def
	}
	lit, err := pyfmt.Parse(s)
	if err != nil {
		c.msg.Warnf("invalid stored value %s=%q: %+v", key, s, err)
		return def
	}
	v, err := lit.Float()
	if err != nil || math.IsNaN(v) {
		c.msg.Warnf("invalid stored value %s=%q", key, s)
		return def
	}
	return v
}

// System returns the timing system of the composer.
func (c *Composer) System() *timing.System { return c.sys }

// XD returns the X-ray delay: the time of an X-ray pulse relative to
// the start of its base tick.
func (c *Composer) XD() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.xd
}

// PSTOffset returns the offset of the ps laser trigger relative to the
// ps oscillator phase.
func (c *Composer) PSTOffset() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pstOffset
}

// Get returns the Python representation of a composer parameter: the
// X-ray delay "xd", the ps trigger offset "pst_offset", or the default
// value of a sequence parameter.
func (c *Composer) Get(name string) (string, error) {
	switch name {
	case "xd":
		return pyfmt.Float(c.XD()), nil
	case "pst_offset":
		return pyfmt.Float(c.PSTOffset()), nil
	}
	p, ok := lookupParam(name)
	if !ok {
		return "", fmt.Errorf("composer: unknown parameter %q", name)
	}
	s := c.defaults()
	return p.repr(s), nil
}

// Set modifies a composer parameter from its Python representation and
// schedules an update of the sequencer.
func (c *Composer) Set(name, value string) error {
	lit, err := pyfmt.Parse(value)
	if err != nil {
		return fmt.Errorf("composer: invalid value for %q: %w", name, err)
	}

	switch name {
	case "xd", "pst_offset":
		v, err := lit.Float()
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("composer: invalid value for %q: %q", name, value)
		}
		c.mu.Lock()
		key := keyXD
		if name == "xd" {
			c.xd = v
		} else {
			c.pstOffset = v
			key = keyPSTOffset
		}
		c.mu.Unlock()
		if c.store != nil {
			err = c.store.Set(key, pyfmt.Float(v))
			if err != nil {
				return fmt.Errorf("composer: could not persist %q: %w", name, err)
			}
		}

	default:
		p, ok := lookupParam(name)
		if !ok {
			return fmt.Errorf("composer: unknown parameter %q", name)
		}
		var s Sequence
		err = p.set(&s, lit)
		if err != nil {
			return fmt.Errorf("composer: invalid value for %q: %w", name, err)
		}
		err = c.seq.SetDefault(name, p.repr(&s))
		if err != nil {
			return fmt.Errorf("composer: could not set default %q: %w", name, err)
		}
	}

	c.UpdateLater()
	return nil
}

// defaults returns a sequence holding the default parameters.
// Invalid persisted defaults are reported and replaced by the built-in
// ones.
func (c *Composer) defaults() *Sequence {
	var s Sequence
	for _, p := range params {
		v := c.seq.GetDefault(p.name, p.def)
		lit, err := pyfmt.Parse(v)
		if err == nil {
			err = p.set(&s, lit)
		}
		if err != nil {
			c.msg.Warnf("invalid default %s=%q: %+v", p.name, v, err)
			lit, _ = pyfmt.Parse(p.def)
			_ = p.set(&s, lit)
		}
	}
	return &s
}

// Sequences returns the batch of sequences described by args, on top of
// the default parameters.
// Invalid parameters are logged and ignored.
func (c *Composer) Sequences(args Args) *Sequences {
	seqs := &Sequences{base: *c.defaults(), n: 1}
	for _, err := range seqs.apply(args) {
		c.msg.Warnf("%+v", err)
	}
	return seqs
}

// ParseSequences returns the batch of sequences described by a
// comma-separated list of key=value parameters.
// Malformed parameters are logged and ignored.
func (c *Composer) ParseSequences(params string) *Sequences {
	args, errs := ParseArgs(params)
	for _, err := range errs {
		c.msg.Warnf("%+v", err)
	}
	return c.Sequences(args)
}

// Sequence returns the sequence described by args, on top of the default
// parameters. List parameters are not allowed.
// The sequence is its own neighbour, as a single packet queue cycles.
func (c *Composer) Sequence(args Args) *Sequence {
	scalars := make(Args, len(args))
	for k, v := range args {
		lit, err := literal(v)
		if err == nil && lit.Kind == pyfmt.List {
			c.msg.Warnf("composer: list value for sequence parameter %q ignored", k)
			continue
		}
		scalars[k] = v
	}
	s := c.Sequences(scalars).at(0)
	s.Preceding = s.detached()
	s.Following = s.detached()
	return s
}

// Update recomputes and republishes the packets of the sequencer.
func (c *Composer) Update() error {
	err := c.seq.Update()
	if err != nil {
		return fmt.Errorf("composer: could not update sequencer: %w", err)
	}
	return nil
}

// UpdateLater schedules an Update after the debounce delay.
// A pending update is postponed by each new call.
func (c *Composer) UpdateLater() {
	c.tmu.Lock()
	defer c.tmu.Unlock()

	if c.closed {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.cfg.debounce, func() {
		err := c.Update()
		if err != nil {
			c.msg.Errorf("%+v", err)
		}
	})
}

// Close cancels any pending update.
func (c *Composer) Close() error {
	c.tmu.Lock()
	defer c.tmu.Unlock()

	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return nil
}

// AcquisitionStart prepares the counters of a new acquisition starting
// at imageNumber and activates the sequencer queue.
func (c *Composer) AcquisitionStart(imageNumber int) error {
	regs := c.seq.Registers()
	if regs == nil {
		return fmt.Errorf("composer: no sequencer registers")
	}
	for _, reg := range []struct {
		name string
		v    int64
	}{
		{timing.RegImageNumber, int64(imageNumber - 1)},
		{timing.RegPassNumber, 0},
		{timing.RegPulses, 0},
	} {
		err := regs.WriteCount(reg.name, reg.v)
		if err != nil {
			return fmt.Errorf("composer: could not reset %q: %w", reg.name, err)
		}
	}
	c.seq.SetQueueSequenceCount(0)
	c.seq.SetQueueRepeatCount(0)
	c.seq.SetQueueActive(true)
	c.msg.Infof("acquisition started (image=%d)", imageNumber)
	return nil
}

// AcquisitionCancel deactivates the sequencer queue.
// Queue counters are left untouched.
func (c *Composer) AcquisitionCancel() {
	c.seq.SetQueueActive(false)
	c.msg.Infof("acquisition cancelled")
}

// ClearQueue empties the sequencer queue.
func (c *Composer) ClearQueue() {
	c.seq.ClearQueue()
}

// Generated returns the number of packets generated so far, cache hits
// excluded.
func (c *Composer) Generated() uint64 {
	return atomic.LoadUint64(&c.ngen)
}

func (c *Composer) String() string {
	var o strings.Builder
	fmt.Fprintf(&o, "Composer{xd=%s, pst_offset=%s", pyfmt.Float(c.XD()), pyfmt.Float(c.PSTOffset()))
	fmt.Fprintf(&o, ", defaults=(%s)}", c.defaults().Params())
	return o.String()
}

var (
	_ Sequencer = (*sequencer.Sequencer)(nil)
)
