// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package timing

import (
	"math"
)

const (
	RF     = 351.93398e6 // storage ring RF frequency (Hz)
	P0Div  = 1296        // RF buckets per orbit
	HSCDiv = 275         // orbits per high-speed chopper tick
)

// Clock holds the periods of the master RF clock and of its dividers,
// in seconds.
type Clock struct {
	Bct  float64 // bunch clock period
	P0t  float64 // orbit (bucket clock sub-harmonic) period
	Hsct float64 // high-speed chopper tick, the base tick of a packet
}

// NewClock returns the clock derived from an RF frequency rf and the
// two integer dividers.
func NewClock(rf float64, p0Div, hscDiv int) Clock {
	bct := 1 / rf
	p0t := float64(p0Div) * bct
	return Clock{
		Bct:  bct,
		P0t:  p0t,
		Hsct: float64(hscDiv) * p0t,
	}
}

// DefaultClock returns the clock of the beamline timing system.
func DefaultClock() Clock {
	return NewClock(RF, P0Div, HSCDiv)
}

// Ticks converts a time t, in seconds, into a count of reg steps.
func Ticks(t float64, reg *Register) int64 {
	return round(t / reg.Stepsize)
}

// BaseTick returns the index of the base tick containing t.
func (clk Clock) BaseTick(t float64) int {
	return int(math.Floor(t / clk.Hsct))
}

// round rounds half to even, like numpy.rint.
func round(v float64) int64 {
	return int64(math.RoundToEven(v))
}
