// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sequencer

const (
	gbHeader  = 0xb0 // global header marker
	gbTrailer = 0xa0 // global trailer marker

	frHeader  = 0xb4 // register spec header marker
	frTrailer = 0xa3 // register spec trailer marker
)

const (
	Version = 1 // version of the packet format

	MaxSpecs       = 1<<16 - 1
	MaxNameSize    = 1<<16 - 1
	maxDescription = 1 << 20
)
