// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tsc-sql dumps and loads the settings of the timing system
// database.
//
// Usage: tsc-sql [OPTIONS] dump [PREFIX]
//
//	tsc-sql [OPTIONS] load FILE
//
// Settings are exchanged as "key = value" text lines, the format read by
// the -settings option of the other tsc commands.
package main // import "github.com/go-lpc/tsc/cmd/tsc-sql"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-lpc/tsc/conddb"
	"github.com/go-lpc/tsc/timing"
)

func main() {
	log.SetPrefix("tsc-sql: ")
	log.SetFlags(0)

	var (
		dbname = flag.String("db", timing.DefaultDBName, "name of the timing system database")
	)

	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		log.Fatalf("missing command")
	}

	db, err := conddb.Open(*dbname)
	if err != nil {
		log.Fatalf("could not open timing system db: %+v", err)
	}
	defer db.Close()

	ctx := context.Background()
	switch cmd := flag.Arg(0); cmd {
	case "dump":
		err = dump(ctx, db, flag.Arg(1), os.Stdout)
	case "load":
		if flag.NArg() != 2 {
			log.Fatalf("missing settings file")
		}
		err = loadFile(ctx, db, flag.Arg(1))
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("could not run %q: %+v", flag.Arg(0), err)
	}
}

type lister interface {
	Settings(ctx context.Context, prefix string) ([]conddb.Setting, error)
}

type setter interface {
	SetValue(ctx context.Context, name, value string) error
}

func dump(ctx context.Context, db lister, prefix string, w io.Writer) error {
	kvs, err := db.Settings(ctx, prefix)
	if err != nil {
		return fmt.Errorf("could not retrieve settings: %w", err)
	}

	mem := conddb.NewMem()
	for _, kv := range kvs {
		_ = mem.Set(kv.Name, kv.Value)
	}
	_, err = mem.WriteTo(w)
	if err != nil {
		return fmt.Errorf("could not dump settings: %w", err)
	}
	log.Printf("settings: %d", len(kvs))
	return nil
}

func loadFile(ctx context.Context, db setter, fname string) error {
	mem, err := conddb.ReadFile(fname)
	if err != nil {
		return err
	}
	return load(ctx, db, mem)
}

func load(ctx context.Context, db setter, mem *conddb.Mem) error {
	keys := mem.Keys()
	for _, k := range keys {
		err := db.SetValue(ctx, k, mem.Get(k, ""))
		if err != nil {
			return fmt.Errorf("could not load setting %q: %w", k, err)
		}
	}
	log.Printf("settings: %d", len(keys))
	return nil
}
