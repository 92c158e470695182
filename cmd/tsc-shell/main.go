// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tsc-shell is an interactive shell to inspect and tune the
// timing sequence composer.
//
// Example:
//
//	$> tsc-shell -settings ./timing.txt
//	tsc> set delay 1e-5
//	tsc> get delay
//	1e-05
//	tsc> specs N=2, laser_on=False
//	pass_number       set        def=0 n=0
//	[...]
//	tsc> quit
package main // import "github.com/go-lpc/tsc/cmd/tsc-shell"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	tdaqlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tsc/conddb"
	"github.com/go-lpc/tsc/timing"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("tsc-shell: ")
	log.SetFlags(0)

	var (
		settings = flag.String("settings", "", "path to a key=value settings file")
		dbname   = flag.String("db", "", "name of the timing system database")
		hist     = flag.String("history", filepath.Join(os.TempDir(), ".tsc-shell.history"), "path to the history file")
	)

	flag.Parse()

	var store timing.Store
	switch {
	case *dbname != "":
		db, err := conddb.Open(*dbname)
		if err != nil {
			log.Fatalf("could not open database: %+v", err)
		}
		defer db.Close()
		store = db
	case *settings != "":
		mem, err := conddb.ReadFile(*settings)
		if err != nil {
			log.Fatalf("could not read settings: %+v", err)
		}
		store = mem
	default:
		store = conddb.NewMem()
	}

	sh := newShell(store, os.Stdout, tdaqlog.NewMsgStream("tsc", tdaqlog.LvlWarning, os.Stderr))
	defer sh.Close()

	err := repl(sh, *hist)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func repl(sh *shell, hist string) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(sh.complete)

	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			log.Printf("could not save history: %+v", err)
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("tsc> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintln(sh.w)
				return nil
			}
			return fmt.Errorf("could not read line: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(line)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintf(sh.w, "error: %+v\n", err)
		}
	}
}
