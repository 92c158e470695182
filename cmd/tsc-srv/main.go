// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tsc-srv starts a TDAQ server driving the timing sequence
// composer.
//
// Usage: tsc-srv [TDAQ-OPTIONS] <settings>
//
// where settings is either the path to a key=value settings file or
// "db:<name>" to use the timing system database <name>.
package main // import "github.com/go-lpc/tsc/cmd/tsc-srv"

import (
	"context"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
)

func main() {
	cmd := flags.New()
	if len(cmd.Args) != 1 {
		log.Panicf("missing settings argument")
	}

	store, err := openStore(cmd.Args[0])
	if err != nil {
		log.Panicf("could not open settings store: %+v", err)
	}

	dev := newServer(store)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/packets", dev.packets)

	srv.RunHandle(dev.run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
