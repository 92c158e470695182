// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package timing describes the FPGA timing system: its master clock,
// its registers and the calibration of its output channels.
package timing // import "github.com/go-lpc/tsc/timing"

// Store is a persistent key/value store of configuration settings.
type Store interface {
	// Get returns the value stored under key, or def if there is none.
	Get(key, def string) string
	// Set stores value under key.
	Set(key, value string) error
}
