// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package composer

import (
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tsc/sequencer"
	"github.com/go-lpc/tsc/timing"
)

type config struct {
	msg      log.MsgStream
	store    timing.Store
	debounce time.Duration
	encode   func(specs []sequencer.Spec, desc string) ([]byte, error)
	workers  int
}

func newConfig() config {
	return config{
		debounce: 500 * time.Millisecond,
		encode:   sequencer.Encode,
	}
}

// Option configures a Composer.
type Option func(*config)

// WithLogger sets the message stream of the composer.
func WithLogger(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithStore sets the store persisting the composer calibration
// (X-ray delay and ps trigger offset).
func WithStore(store timing.Store) Option {
	return func(cfg *config) {
		cfg.store = store
	}
}

// WithDebounce sets the delay between the last parameter change and the
// update of the sequencer. The default is 0.5s.
func WithDebounce(d time.Duration) Option {
	return func(cfg *config) {
		cfg.debounce = d
	}
}

// WithWorkers sets the maximum number of packets built concurrently.
// The default is the number of CPUs.
func WithWorkers(n int) Option {
	return func(cfg *config) {
		cfg.workers = n
	}
}
