// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/tsc/composer"
	"github.com/go-lpc/tsc/sequencer"
	"github.com/go-lpc/tsc/timing"
)

var errQuit = errors.New("quit")

type shell struct {
	w   io.Writer
	sys *timing.System
	seq *sequencer.Sequencer
	tsc *composer.Composer

	cmds map[string]command
}

type command struct {
	help string
	run  func(args string) error
}

func newShell(store timing.Store, w io.Writer, msg log.MsgStream) *shell {
	sys, err := timing.Load(store, "")
	if err != nil {
		msg.Warnf("%+v", err)
	}
	seq := sequencer.New(store, timing.NewMemRegisterFile(sys.RegisterNames()), sequencer.WithLogger(msg))
	tsc := composer.New(sys, seq, composer.WithLogger(msg), composer.WithStore(store))
	seq.SetCompiler(tsc)

	sh := &shell{
		w:   w,
		sys: sys,
		seq: seq,
		tsc: tsc,
	}
	sh.cmds = map[string]command{
		"help":     {"list commands", sh.cmdHelp},
		"quit":     {"leave the shell", func(string) error { return errQuit }},
		"get":      {"get NAME: print a composer parameter", sh.cmdGet},
		"set":      {"set NAME VALUE: modify a composer parameter", sh.cmdSet},
		"params":   {"print the default sequence parameters", sh.cmdParams},
		"channels": {"print the channel calibration", sh.cmdChannels},
		"channel":  {"channel MNEMONIC FIELD VALUE: modify a channel calibration", sh.cmdChannel},
		"desc":     {"desc ARGS: print the description of a sequence", sh.cmdDesc},
		"specs":    {"specs ARGS: print the register specs of a sequence", sh.cmdSpecs},
		"compile":  {"compile ARGS: compile a batch of sequences", sh.cmdCompile},
		"update":   {"update [DESCRIPTOR]: recompute the sequencer queue", sh.cmdUpdate},
		"queue":    {"print the state of the sequencer queue", sh.cmdQueue},
	}
	return sh
}

func (sh *shell) Close() error {
	return sh.tsc.Close()
}

func (sh *shell) exec(line string) error {
	name, args := split(line)
	cmd, ok := sh.cmds[name]
	if !ok {
		return fmt.Errorf("unknown command %q (try \"help\")", name)
	}
	return cmd.run(args)
}

func split(line string) (string, string) {
	line = strings.TrimSpace(line)
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

func (sh *shell) complete(line string) []string {
	var out []string
	name, args := split(line)
	if !strings.ContainsAny(line, " \t") {
		for k := range sh.cmds {
			if strings.HasPrefix(k, name) {
				out = append(out, k)
			}
		}
		sort.Strings(out)
		return out
	}
	switch name {
	case "get", "set":
		for _, p := range append([]string{"xd", "pst_offset"}, composer.ParamNames()...) {
			if strings.HasPrefix(p, args) {
				out = append(out, name+" "+p)
			}
		}
	}
	return out
}

func (sh *shell) cmdHelp(string) error {
	names := make([]string, 0, len(sh.cmds))
	for k := range sh.cmds {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(sh.w, "  %-9s %s\n", k, sh.cmds[k].help)
	}
	return nil
}

func (sh *shell) cmdGet(args string) error {
	v, err := sh.tsc.Get(args)
	if err != nil {
		return err
	}
	fmt.Fprintln(sh.w, v)
	return nil
}

func (sh *shell) cmdSet(args string) error {
	name, value := split(args)
	if name == "" || value == "" {
		return fmt.Errorf("usage: set NAME VALUE")
	}
	return sh.tsc.Set(name, value)
}

func (sh *shell) cmdParams(string) error {
	fmt.Fprintln(sh.w, sh.tsc.Sequence(nil).Params())
	return nil
}

func (sh *shell) cmdChannels(string) error {
	tw := tabwriter.NewWriter(sh.w, 0, 8, 1, ' ', 0)
	fields := timing.ChannelFields()
	fmt.Fprintf(tw, "mnemonic\t%s\n", strings.Join(fields, "\t"))
	for i := range sh.sys.Channels {
		ch := &sh.sys.Channels[i]
		vs := make([]string, len(fields))
		for j, f := range fields {
			vs[j], _ = ch.Field(f)
		}
		fmt.Fprintf(tw, "%s\t%s\n", ch.Mnemonic, strings.Join(vs, "\t"))
	}
	return tw.Flush()
}

func (sh *shell) cmdChannel(args string) error {
	mnemonic, rest := split(args)
	field, value := split(rest)
	if mnemonic == "" || field == "" || value == "" {
		return fmt.Errorf("usage: channel MNEMONIC FIELD VALUE")
	}
	err := sh.sys.SetChannelField(mnemonic, field, value)
	if err != nil {
		return err
	}
	sh.tsc.UpdateLater()
	return nil
}

func (sh *shell) sequence(args string) (*composer.Sequence, error) {
	seqs := sh.tsc.ParseSequences(args)
	if seqs.Len() != 1 {
		return nil, fmt.Errorf("expected a single sequence, got %d", seqs.Len())
	}
	return seqs.At(0), nil
}

func (sh *shell) cmdDesc(args string) error {
	s, err := sh.sequence(args)
	if err != nil {
		return err
	}
	for _, kv := range strings.Split(sh.tsc.Description(s), ", ") {
		fmt.Fprintln(sh.w, kv)
	}
	return nil
}

func (sh *shell) cmdSpecs(args string) error {
	s, err := sh.sequence(args)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(sh.w, 0, 8, 1, ' ', 0)
	for _, spec := range sh.tsc.RegisterSpecs(s) {
		idx, vals := spec.Counts.Entries()
		fmt.Fprintf(tw, "%s\t%v\tdef=%d\tn=%d", spec.Register, spec.Op, spec.Counts.Default(), len(idx))
		for i := range idx {
			if i == 8 {
				fmt.Fprintf(tw, " ...")
				break
			}
			fmt.Fprintf(tw, " %d:%d", idx[i], vals[i])
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func (sh *shell) cmdCompile(args string) error {
	seqs := sh.tsc.ParseSequences(args)
	pkts, err := sh.tsc.Packets(context.Background(), seqs)
	if err != nil {
		return err
	}
	for i, pkt := range pkts {
		fmt.Fprintf(sh.w, "packet %03d: %d bytes\n", i, len(pkt.Data))
	}
	fmt.Fprintf(sh.w, "generated: %d\n", sh.tsc.Generated())
	return nil
}

func (sh *shell) cmdUpdate(args string) error {
	if args != "" {
		err := sh.seq.SetDescriptor(args)
		if err != nil {
			return err
		}
	}
	err := sh.tsc.Update()
	if err != nil {
		return err
	}
	return sh.cmdQueue("")
}

func (sh *shell) cmdQueue(string) error {
	fmt.Fprintf(sh.w, "descriptor: %q\n", sh.seq.Descriptor())
	fmt.Fprintln(sh.w, sh.seq.String())
	return nil
}
