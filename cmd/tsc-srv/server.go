// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/tsc/composer"
	"github.com/go-lpc/tsc/conddb"
	"github.com/go-lpc/tsc/sequencer"
	"github.com/go-lpc/tsc/timing"
)

func openStore(name string) (timing.Store, error) {
	if strings.HasPrefix(name, "db:") {
		return conddb.Open(strings.TrimPrefix(name, "db:"))
	}
	return conddb.ReadFile(name)
}

// server exposes a composer and its sequencer to run control.
type server struct {
	n uint64 // number of played packets, first for 64-bit atomic alignment

	store timing.Store

	mu  sync.Mutex
	sys *timing.System
	seq *sequencer.Sequencer
	tsc *composer.Composer

	idle time.Duration // poll period of an inactive queue
	data chan []byte
}

func newServer(store timing.Store) *server {
	return &server{
		store: store,
		idle:  100 * time.Millisecond,
		data:  make(chan []byte, 1024),
	}
}

// played returns the number of packets played since the last reset.
func (dev *server) played() uint64 {
	return atomic.LoadUint64(&dev.n)
}

// drain discards the packets not yet sent and resets the played counter.
func (dev *server) drain() {
	for {
		select {
		case <-dev.data:
		default:
			atomic.StoreUint64(&dev.n, 0)
			return
		}
	}
}

// state returns the sequencer and timing system the run loop plays.
func (dev *server) state() (*sequencer.Sequencer, *timing.System) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.seq, dev.sys
}

func (dev *server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.tsc != nil {
		_ = dev.tsc.Close()
	}

	sys, err := timing.Load(dev.store, "")
	if err != nil {
		ctx.Msg.Warnf("%+v", err)
	}
	dev.sys = sys
	dev.seq = sequencer.New(
		dev.store, timing.NewMemRegisterFile(sys.RegisterNames()),
		sequencer.WithLogger(ctx.Msg),
	)
	dev.tsc = composer.New(
		dev.sys, dev.seq,
		composer.WithLogger(ctx.Msg),
		composer.WithStore(dev.store),
	)
	dev.seq.SetCompiler(dev.tsc)

	if len(req.Body) == 0 {
		return nil
	}

	dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
	desc := dec.ReadStr()
	err = dev.seq.SetDescriptor(desc)
	if err != nil {
		ctx.Msg.Errorf("could not set sequence descriptor %q: %+v", desc, err)
		return fmt.Errorf("could not set sequence descriptor %q: %w", desc, err)
	}
	ctx.Msg.Infof("sequence descriptor: %q", desc)
	return nil
}

func (dev *server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.tsc == nil {
		return fmt.Errorf("could not initialize: server not configured")
	}

	err := dev.tsc.Update()
	if err != nil {
		ctx.Msg.Errorf("could not compile packets: %+v", err)
		return fmt.Errorf("could not compile packets: %w", err)
	}
	dev.drain()
	ctx.Msg.Infof("compiled %d packets", len(dev.seq.Packets()))
	return nil
}

func (dev *server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.tsc == nil {
		return nil
	}
	dev.tsc.AcquisitionCancel()
	dev.tsc.ClearQueue()
	dev.drain()
	return nil
}

func (dev *server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.tsc == nil {
		return fmt.Errorf("could not start: server not configured")
	}

	image := 1
	if len(req.Body) >= 4 {
		dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
		image = int(dec.ReadU32())
	}

	err := dev.tsc.AcquisitionStart(image)
	if err != nil {
		ctx.Msg.Errorf("could not start acquisition: %+v", err)
		return fmt.Errorf("could not start acquisition (image=%d): %w", image, err)
	}
	return nil
}

func (dev *server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command... -> n=%d", dev.played())

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.tsc == nil {
		return nil
	}
	dev.tsc.AcquisitionCancel()
	return nil
}

func (dev *server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.tsc == nil {
		return nil
	}
	return dev.tsc.Close()
}

func (dev *server) packets(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.data:
		dst.Body = data
	}
	return nil
}

// run plays the sequencer queue, one packet per packet period.
func (dev *server) run(ctx tdaq.Context) error {
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		default:
		}

		wait := dev.idle
		if seq, sys := dev.state(); seq != nil {
			if p, ok := seq.Next(); ok {
				select {
				case dev.data <- p:
					atomic.AddUint64(&dev.n, 1)
				default:
					ctx.Msg.Warnf("dropping packet (%d bytes)", len(p))
				}
				wait = dev.durationOf(sys, p)
			}
		}

		select {
		case <-ctx.Ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// duration returns the play time of a packet.
func (dev *server) duration(p []byte) time.Duration {
	_, sys := dev.state()
	return dev.durationOf(sys, p)
}

func (dev *server) durationOf(sys *timing.System, p []byte) time.Duration {
	frame, err := sequencer.Decode(p)
	if err != nil || frame.Period <= 0 || sys == nil {
		return dev.idle
	}
	return time.Duration(float64(frame.Period) * sys.Clock.Hsct * float64(time.Second))
}
