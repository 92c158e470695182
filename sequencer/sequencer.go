// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sequencer

import (
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tsc/internal/pyfmt"
	"github.com/go-lpc/tsc/timing"
)

const (
	keyDescriptor   = "sequencer.descriptor"
	keyCacheEnabled = "sequencer.cache_enabled"
	keyDefault      = "sequencer.default."
)

// Compiler turns a descriptor into the packets of the queue.
type Compiler interface {
	Compile(descriptor string) ([][]byte, error)
}

// Sequencer holds the state of the FPGA sequencer: the descriptor of the
// packets to play, the packet cache, the packet queue and the registers.
//
// Sequencer is safe for concurrent use.
type Sequencer struct {
	mu  sync.RWMutex
	msg log.MsgStream

	store timing.Store
	regs  timing.RegisterIO
	cache Cache

	compiler Compiler
	publish  func(pkts [][]byte) error

	descriptor   string
	cacheEnabled bool

	queue struct {
		pkts   [][]byte
		active bool
		seq    int // index of the next packet to play
		repeat int // number of times the whole queue was played
	}
}

// New returns a sequencer persisting its settings in store and
// accessing hardware registers through regs.
func New(store timing.Store, regs timing.RegisterIO, opts ...Option) *Sequencer {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.msg == nil {
		cfg.msg = log.NewMsgStream("sequencer", log.LvlInfo, os.Stdout)
	}
	if cfg.cache == nil {
		cfg.cache = NewMemCache()
	}

	seq := &Sequencer{
		msg:          cfg.msg,
		store:        store,
		regs:         regs,
		cache:        cfg.cache,
		publish:      cfg.publish,
		cacheEnabled: true,
	}
	if store != nil {
		seq.descriptor = store.Get(keyDescriptor, "")
		seq.cacheEnabled = parseBool(store.Get(keyCacheEnabled, "True"), true)
	}
	return seq
}

func parseBool(s string, def bool) bool {
	lit, err := pyfmt.Parse(s)
	if err != nil {
		return def
	}
	v, err := lit.Float()
	if err != nil || math.IsNaN(v) {
		return def
	}
	return v != 0
}

// SetCompiler sets the compiler used by Update.
func (seq *Sequencer) SetCompiler(c Compiler) {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	seq.compiler = c
}

// Registers returns the hardware registers of the sequencer.
func (seq *Sequencer) Registers() timing.RegisterIO {
	return seq.regs
}

// Descriptor returns the parameters of the packets to play.
func (seq *Sequencer) Descriptor() string {
	seq.mu.RLock()
	defer seq.mu.RUnlock()
	return seq.descriptor
}

// SetDescriptor sets the parameters of the packets to play.
func (seq *Sequencer) SetDescriptor(desc string) error {
	seq.mu.Lock()
	seq.descriptor = desc
	seq.mu.Unlock()
	return seq.persist(keyDescriptor, desc)
}

// CacheEnabled reports whether the packet cache is in use.
func (seq *Sequencer) CacheEnabled() bool {
	seq.mu.RLock()
	defer seq.mu.RUnlock()
	return seq.cacheEnabled
}

// SetCacheEnabled enables or disables the packet cache.
func (seq *Sequencer) SetCacheEnabled(v bool) error {
	seq.mu.Lock()
	seq.cacheEnabled = v
	seq.mu.Unlock()
	return seq.persist(keyCacheEnabled, pyfmt.Bool(v))
}

// CacheGet returns the cached packet with the given description.
func (seq *Sequencer) CacheGet(desc string) ([]byte, bool) {
	return seq.cache.Get(desc)
}

// CacheSet stores a packet in the cache.
func (seq *Sequencer) CacheSet(desc string, p []byte) error {
	err := seq.cache.Set(desc, p)
	if err != nil {
		return fmt.Errorf("sequencer: could not cache packet: %w", err)
	}
	return nil
}

// CacheClear empties the packet cache.
func (seq *Sequencer) CacheClear() error {
	return seq.cache.Clear()
}

// GetDefault returns the persisted default value of a sequence
// parameter, as a Python literal, or def.
func (seq *Sequencer) GetDefault(name, def string) string {
	if seq.store == nil {
		return def
	}
	return seq.store.Get(keyDefault+name, def)
}

// SetDefault persists the default value of a sequence parameter.
func (seq *Sequencer) SetDefault(name, value string) error {
	if _, err := pyfmt.Parse(value); err != nil {
		return fmt.Errorf("sequencer: invalid default value for %q: %w", name, err)
	}
	return seq.persist(keyDefault+name, value)
}

func (seq *Sequencer) persist(key, value string) error {
	if seq.store == nil {
		return nil
	}
	err := seq.store.Set(key, value)
	if err != nil {
		return fmt.Errorf("sequencer: could not persist %q: %w", key, err)
	}
	return nil
}

// Update compiles the current descriptor and replaces the queue content
// with the resulting packets.
func (seq *Sequencer) Update() error {
	seq.mu.RLock()
	var (
		c    = seq.compiler
		desc = seq.descriptor
	)
	seq.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("sequencer: no compiler")
	}

	pkts, err := c.Compile(desc)
	if err != nil {
		return fmt.Errorf("sequencer: could not compile descriptor: %w", err)
	}

	seq.mu.Lock()
	seq.queue.pkts = pkts
	seq.mu.Unlock()
	seq.msg.Debugf("updated queue with %d packets", len(pkts))

	if seq.publish != nil {
		err = seq.publish(pkts)
		if err != nil {
			return fmt.Errorf("sequencer: could not publish packets: %w", err)
		}
	}
	return nil
}

// Packets returns the content of the queue.
func (seq *Sequencer) Packets() [][]byte {
	seq.mu.RLock()
	defer seq.mu.RUnlock()
	return seq.queue.pkts
}

// ClearQueue empties the queue and resets its counters.
func (seq *Sequencer) ClearQueue() {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	seq.queue.pkts = nil
	seq.queue.seq = 0
	seq.queue.repeat = 0
}

// QueueActive reports whether the queue is being played.
func (seq *Sequencer) QueueActive() bool {
	seq.mu.RLock()
	defer seq.mu.RUnlock()
	return seq.queue.active
}

func (seq *Sequencer) SetQueueActive(v bool) {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	seq.queue.active = v
}

// QueueSequenceCount returns the index of the next packet to play.
func (seq *Sequencer) QueueSequenceCount() int {
	seq.mu.RLock()
	defer seq.mu.RUnlock()
	return seq.queue.seq
}

func (seq *Sequencer) SetQueueSequenceCount(v int) {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	seq.queue.seq = v
}

// QueueRepeatCount returns the number of times the queue was played
// through.
func (seq *Sequencer) QueueRepeatCount() int {
	seq.mu.RLock()
	defer seq.mu.RUnlock()
	return seq.queue.repeat
}

func (seq *Sequencer) SetQueueRepeatCount(v int) {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	seq.queue.repeat = v
}

// Next returns the next packet of an active queue and advances the queue
// counters. Next returns false when the queue is inactive or empty.
func (seq *Sequencer) Next() ([]byte, bool) {
	seq.mu.Lock()
	defer seq.mu.Unlock()

	n := len(seq.queue.pkts)
	if !seq.queue.active || n == 0 {
		return nil, false
	}
	p := seq.queue.pkts[seq.queue.seq%n]
	seq.queue.seq++
	if seq.queue.seq%n == 0 {
		seq.queue.repeat++
	}
	return p, true
}

func (seq *Sequencer) String() string {
	seq.mu.RLock()
	defer seq.mu.RUnlock()
	return fmt.Sprintf(
		"Sequencer{active=%v, packets=%d, seq=%d, repeat=%d}",
		seq.queue.active, len(seq.queue.pkts), seq.queue.seq, seq.queue.repeat,
	)
}
