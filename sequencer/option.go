// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sequencer

import (
	"github.com/go-daq/tdaq/log"
)

type config struct {
	msg     log.MsgStream
	cache   Cache
	publish func(pkts [][]byte) error
}

// Option configures a Sequencer.
type Option func(*config)

// WithLogger sets the message stream of the sequencer.
func WithLogger(msg log.MsgStream) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithCache sets the packet cache. The default is an in-memory cache.
func WithCache(c Cache) Option {
	return func(cfg *config) {
		cfg.cache = c
	}
}

// WithPublish registers a function called with the new queue content
// each time the sequencer is updated.
func WithPublish(f func(pkts [][]byte) error) Option {
	return func(cfg *config) {
		cfg.publish = f
	}
}
