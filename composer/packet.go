// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package composer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-lpc/tsc/sequencer"
	"golang.org/x/sync/errgroup"
)

// Packet is an encoded sequencer packet along with its description.
type Packet struct {
	Data        []byte
	Description string
}

func (c *Composer) inputs() *inputs {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &inputs{
		sys:       c.sys.Snapshot(),
		xd:        c.xd,
		pstOffset: c.pstOffset,
	}
}

// Description returns the description of the packet of s.
func (c *Composer) Description(s *Sequence) string {
	return c.inputs().description(s)
}

// RegisterSpecs returns the register specs of the packet of s.
func (c *Composer) RegisterSpecs(s *Sequence) []sequencer.Spec {
	return newGenerator(c.inputs(), s, c.msg).registerSpecs()
}

// PacketFor returns the packet of s, from the sequencer cache when
// enabled and already computed.
// The returned Data may be shared with the cache and must not be modified.
func (c *Composer) PacketFor(s *Sequence) (Packet, error) {
	var (
		in   = c.inputs()
		desc = in.description(s)
		pkt  = Packet{Description: desc}
	)

	cache := c.seq.CacheEnabled()
	if cache {
		if p, ok := c.seq.CacheGet(desc); ok {
			c.msg.Debugf("cache hit (%d bytes)", len(p))
			pkt.Data = p
			return pkt, nil
		}
		c.msg.Debugf("cache miss")
	}

	specs := newGenerator(in, s, c.msg).registerSpecs()
	atomic.AddUint64(&c.ngen, 1)

	p, err := c.cfg.encode(specs, desc)
	if err != nil {
		return pkt, fmt.Errorf("composer: could not encode packet: %w", err)
	}
	pkt.Data = p

	if cache {
		err = c.seq.CacheSet(desc, p)
		if err != nil {
			c.msg.Warnf("could not cache packet: %+v", err)
		}
	}
	return pkt, nil
}

// Packets returns the packets of all the sequences of seqs, in order.
func (c *Composer) Packets(ctx context.Context, seqs *Sequences) ([]Packet, error) {
	var (
		pkts      = make([]Packet, seqs.Len())
		grp, gctx = errgroup.WithContext(ctx)
	)
	grp.SetLimit(c.cfg.workers)

	for i := range pkts {
		i := i
		s := seqs.At(i)
		grp.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pkt, err := c.PacketFor(s)
			if err != nil {
				return fmt.Errorf("composer: could not build packet %d: %w", i, err)
			}
			pkts[i] = pkt
			return nil
		})
	}

	err := grp.Wait()
	if err != nil {
		return nil, err
	}
	return pkts, nil
}

// Compile builds the packets of the sequences described by a
// comma-separated list of key=value parameters.
func (c *Composer) Compile(descriptor string) ([][]byte, error) {
	seqs := c.ParseSequences(descriptor)
	pkts, err := c.Packets(context.Background(), seqs)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(pkts))
	for i, pkt := range pkts {
		out[i] = pkt.Data
	}
	return out, nil
}

var (
	_ sequencer.Compiler = (*Composer)(nil)
)
