// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tsc-compile compiles timing sequences into sequencer packets.
//
// Usage: tsc-compile [OPTIONS] "key=value, key=value, ..."
//
// Example:
//
//	$> tsc-compile -o ./out "delay=[1e-6, 1e-5, 1e-4], N=2"
//	tsc-compile: sequences: 3
//	tsc-compile: packet 000: 3912 bytes
//	tsc-compile: packet 001: 3912 bytes
//	tsc-compile: packet 002: 3912 bytes
//
// Each packet is written as <o>/seq-NNN.pkt, along with its description
// in <o>/seq-NNN.txt.
package main // import "github.com/go-lpc/tsc/cmd/tsc-compile"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"

	tdaqlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tsc/composer"
	"github.com/go-lpc/tsc/conddb"
	"github.com/go-lpc/tsc/sequencer"
	"github.com/go-lpc/tsc/timing"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetPrefix("tsc-compile: ")
	log.SetFlags(0)

	var (
		odir     = flag.String("o", ".", "output directory for packets")
		settings = flag.String("settings", "", "path to a key=value settings file")
		dbname   = flag.String("db", "", "name of the timing system database")
		workers  = flag.Int("j", runtime.NumCPU(), "number of concurrent packet builders")
		verbose  = flag.Bool("v", false, "enable verbose mode")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `tsc-compile compiles timing sequences into sequencer packets.

Usage: tsc-compile [OPTIONS] "key=value, key=value, ..."

Example:

 $> tsc-compile -o ./out "delay=[1e-6, 1e-5, 1e-4], N=2"

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		log.Fatalf("missing sequence descriptor")
	}

	store, err := openStore(*settings, *dbname)
	if err != nil {
		log.Fatalf("could not open settings store: %+v", err)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	lvl := tdaqlog.LvlWarning
	if *verbose {
		lvl = tdaqlog.LvlDebug
	}

	err = process(*odir, flag.Arg(0), store, *workers, lvl)
	if err != nil {
		log.Fatalf("could not compile sequences: %+v", err)
	}
}

func openStore(settings, dbname string) (timing.Store, error) {
	switch {
	case settings != "" && dbname != "":
		return nil, fmt.Errorf("-settings and -db are mutually exclusive")
	case settings != "":
		return conddb.ReadFile(settings)
	case dbname != "":
		return conddb.Open(dbname)
	}
	return conddb.NewMem(), nil
}

func process(odir, desc string, store timing.Store, workers int, lvl tdaqlog.Level) error {
	err := os.MkdirAll(odir, 0755)
	if err != nil {
		return fmt.Errorf("could not create output directory: %w", err)
	}

	sys, err := timing.Load(store, "")
	if err != nil {
		log.Printf("%+v", err)
	}

	var (
		msg = tdaqlog.NewMsgStream("tsc", lvl, os.Stderr)
		seq = sequencer.New(store, timing.NewMemRegisterFile(sys.RegisterNames()),
			sequencer.WithLogger(msg),
		)
		tsc = composer.New(sys, seq,
			composer.WithLogger(msg),
			composer.WithStore(store),
			composer.WithWorkers(workers),
		)
	)
	defer tsc.Close()

	seqs := tsc.ParseSequences(desc)
	log.Printf("sequences: %d", seqs.Len())

	pkts, err := tsc.Packets(context.Background(), seqs)
	if err != nil {
		return fmt.Errorf("could not build packets: %w", err)
	}

	var grp errgroup.Group
	for i := range pkts {
		i := i
		pkt := pkts[i]
		log.Printf("packet %03d: %d bytes", i, len(pkt.Data))
		grp.Go(func() error {
			return write(odir, i, pkt)
		})
	}

	err = grp.Wait()
	if err != nil {
		return fmt.Errorf("could not write packets: %w", err)
	}
	return nil
}

func write(odir string, i int, pkt composer.Packet) error {
	name := filepath.Join(odir, fmt.Sprintf("seq-%03d", i))
	err := os.WriteFile(name+".pkt", pkt.Data, 0644)
	if err != nil {
		return fmt.Errorf("could not write packet %d: %w", i, err)
	}
	err = os.WriteFile(name+".txt", []byte(pkt.Description+"\n"), 0644)
	if err != nil {
		return fmt.Errorf("could not write description %d: %w", i, err)
	}
	return nil
}
