// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package timing

import (
	"fmt"
	"math"
)

// Register is a hardware register of the timing system.
type Register struct {
	Name     string
	Stepsize float64 // physical value of one count (seconds for delays)
	Offset   float64 // user value = dial value + Offset
	Bits     int     // width of the register
}

// DialFromUser converts a user value into a dial value, removing the
// calibration offset of the register.
func (reg *Register) DialFromUser(v float64) float64 {
	return v - reg.Offset
}

// UserFromDial is the inverse of DialFromUser.
func (reg *Register) UserFromDial(v float64) float64 {
	return v + reg.Offset
}

// CountFromDial converts a dial value into a register count.
func (reg *Register) CountFromDial(v float64) int64 {
	return Ticks(v, reg)
}

// DialFromCount converts a register count into a dial value.
func (reg *Register) DialFromCount(n int64) float64 {
	return float64(n) * reg.Stepsize
}

// MaxCount returns the largest count the register can hold.
func (reg *Register) MaxCount() int64 {
	if reg.Bits <= 0 || reg.Bits >= 63 {
		return math.MaxInt64
	}
	return 1<<uint(reg.Bits) - 1
}

func (reg *Register) String() string {
	return fmt.Sprintf("%s(step=%g, offset=%g)", reg.Name, reg.Stepsize, reg.Offset)
}

func (reg *Register) clone() *Register {
	if reg == nil {
		return nil
	}
	o := *reg
	return &o
}
