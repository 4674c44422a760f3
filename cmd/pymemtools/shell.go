// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/nielstron/python-memtools/pymem"
	"github.com/nielstron/python-memtools/query"
	"github.com/nielstron/python-memtools/region"
)

// shell holds everything a command handler needs: the open snapshot,
// its analysis environment, the configured thread count, and the
// streams results/diagnostics go to (spec.md §6: "Progress output
// goes to the diagnostic stream; query results go to the primary
// output stream").
type shell struct {
	store   *region.Store
	env     *pymem.Environment
	threads int
	out     io.Writer
	diag    io.Writer
	color   bool
	verbs   map[string]*cobra.Command
}

func runShell(store *region.Store, env *pymem.Environment, threads int) error {
	sh := &shell{
		store:   store,
		env:     env,
		threads: threads,
		out:     os.Stdout,
		diag:    os.Stderr,
		color:   isatty.IsTerminal(os.Stdout.Fd()),
	}
	sh.registerVerbs()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "(pymemtools) ",
		HistoryFile: sidecarHistoryPath(),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == io.EOF {
			return nil // end-of-input on the prompt exits, per spec.md §6.
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" {
			return nil
		}
		if err := sh.dispatch(line); err != nil {
			fmt.Fprintf(sh.diag, "error: %v\n", err)
		}
	}
}

func sidecarHistoryPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir + "/pymemtools_history"
}

// dispatch splits line into a verb and arguments and runs the
// matching registered *cobra.Command, per shell verb. Flags are
// parsed through pflag on that command's own FlagSet, matching
// spec.md §6's console surface.
func (sh *shell) dispatch(line string) error {
	fields := strings.Fields(line)
	verb, args := fields[0], fields[1:]
	cmd, ok := sh.verbs[verb]
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", verb)
	}
	if err := cmd.Flags().Parse(args); err != nil {
		return err
	}
	return cmd.RunE(cmd, cmd.Flags().Args())
}

func (sh *shell) registerVerbs() {
	sh.verbs = map[string]*cobra.Command{}
	add := func(cmd *cobra.Command) { sh.verbs[cmd.Use] = cmd }

	add(&cobra.Command{Use: "help", RunE: sh.cmdHelp})
	add(&cobra.Command{Use: "regions", RunE: sh.cmdRegions})
	add(&cobra.Command{Use: "show-analysis-data", RunE: sh.cmdShowAnalysisData})
	add(&cobra.Command{Use: "find-base-type", RunE: sh.cmdFindBaseType})
	add(&cobra.Command{Use: "find-all-types", RunE: sh.cmdFindAllTypes})
	add(sh.newTraversalCommand("find", sh.cmdFind, func(c *cobra.Command) {
		c.Flags().Bool("ptr", false, "search data is a hex-encoded pointer value")
		c.Flags().Bool("bswap", false, "byte-swap the pointer value before searching")
		c.Flags().Int64("align", 0, "required alignment of candidate addresses")
		c.Flags().Bool("count", false, "print only the match count")
	}))
	add(&cobra.Command{Use: "count-by-type", RunE: sh.cmdCountByType})
	add(sh.newTraversalCommand("find-all-objects", sh.cmdFindAllObjects, func(c *cobra.Command) {
		c.Flags().String("type-name", "", "restrict to objects of this runtime type")
		c.Flags().String("type-addr", "", "restrict to objects whose type-of pointer equals this hex address")
		c.Flags().Bool("count", false, "print only the match count")
		c.Flags().Int64("size", 0, "restrict to objects whose decoded size equals this many bytes")
	}))
	add(sh.newTraversalCommand("find-references", sh.cmdFindReferences, nil))
	add(&cobra.Command{Use: "find-module", RunE: sh.cmdFindModule})
	add(&cobra.Command{Use: "find-all-threads", RunE: sh.cmdFindAllThreads})
	{
		c := &cobra.Command{Use: "find-all-stacks", RunE: sh.cmdFindAllStacks}
		c.Flags().Bool("include-runnable", false, "also include runnable-but-not-running frames")
		add(c)
	}
	{
		c := sh.newTraversalCommand("aggregate-strings", sh.cmdAggregateStrings, func(c *cobra.Command) {
			c.Flags().Bool("bytes", false, "aggregate bytes objects instead of str")
			c.Flags().Int64("print-smaller-than", 0, "also print objects shorter than this")
			c.Flags().Int64("print-larger-than", 0, "also print objects longer than this")
		})
		add(c)
	}
	add(&cobra.Command{Use: "async-task-graph", RunE: sh.cmdAsyncTaskGraph})
	add(&cobra.Command{Use: "context", RunE: sh.cmdContext})
	add(sh.newTraversalCommand("repr", sh.cmdRepr, nil))
}

// newTraversalCommand builds a command pre-wired with the shared
// Traversal-configuration flags from spec.md §6, plus any
// command-specific flags extra adds.
func (sh *shell) newTraversalCommand(use string, run func(*cobra.Command, []string) error, extra func(*cobra.Command)) *cobra.Command {
	c := &cobra.Command{Use: use, RunE: run}
	c.Flags().Int("max-recursion-depth", pymem.DefaultMaxRecursionDepth, "")
	c.Flags().Int("max-entries", pymem.DefaultMaxEntries, "")
	c.Flags().Int("max-string-length", pymem.DefaultMaxStringLength, "")
	c.Flags().Bool("show-all-addresses", false, "")
	c.Flags().Bool("frame-omit-back", false, "")
	c.Flags().Bool("bytes-as-hex", false, "")
	c.Flags().Bool("short", false, "")
	if extra != nil {
		extra(c)
	}
	return c
}

func (sh *shell) traversalFromFlags(f *cobra.Command) *pymem.Traversal {
	t := pymem.NewTraversal()
	t.MaxRecursionDepth, _ = f.Flags().GetInt("max-recursion-depth")
	t.MaxEntries, _ = f.Flags().GetInt("max-entries")
	t.MaxStringLength, _ = f.Flags().GetInt("max-string-length")
	t.ShowAllAddresses, _ = f.Flags().GetBool("show-all-addresses")
	t.FrameOmitBack, _ = f.Flags().GetBool("frame-omit-back")
	t.BytesAsHex, _ = f.Flags().GetBool("bytes-as-hex")
	t.IsShort, _ = f.Flags().GetBool("short")
	return t
}

func (sh *shell) colorAddr(s string) string {
	if !sh.color {
		return s
	}
	return color.New(color.FgCyan).Sprint(s)
}

func (sh *shell) colorType(s string) string {
	if !sh.color {
		return s
	}
	return color.New(color.FgGreen).Sprint(s)
}

func (sh *shell) colorReason(s string) string {
	if !sh.color {
		return s
	}
	return color.New(color.FgRed).Sprint(s)
}

// colorizeRepr colors the last "!reason" marker of a bracketed
// "<... !reason>" token in s. Earlier markers and any hex addresses
// inside the repr text are left uncolored.
func (sh *shell) colorizeRepr(s string) string {
	if !sh.color || !strings.Contains(s, "!") {
		return s
	}
	i := strings.LastIndex(s, "!")
	j := strings.Index(s[i:], ">")
	if j < 0 {
		return s
	}
	reason := s[i+1 : i+j]
	return s[:i] + sh.colorReason("!"+reason) + s[i+j:]
}

func (sh *shell) cmdHelp(cmd *cobra.Command, args []string) error {
	fmt.Fprintln(sh.out, `commands: help exit regions show-analysis-data find-base-type find-all-types
  find count-by-type find-all-objects find-references find-module find-all-threads
  find-all-stacks aggregate-strings async-task-graph context repr`)
	return nil
}

func (sh *shell) cmdRegions(cmd *cobra.Command, args []string) error {
	total := int64(0)
	for _, r := range sh.store.AllRegions() {
		fmt.Fprintf(sh.out, "%s-%s (%d bytes)\n", sh.colorAddr(r.Start.String()), sh.colorAddr(r.End.String()), r.Size())
		total += r.Size()
	}
	fmt.Fprintf(sh.out, "total: %d bytes\n", total)
	return nil
}

func (sh *shell) cmdShowAnalysisData(cmd *cobra.Command, args []string) error {
	if sh.env.BaseMetaType.IsNull() {
		fmt.Fprintln(sh.out, "base meta-type: (not found; run find-base-type)")
	} else {
		fmt.Fprintf(sh.out, "base meta-type: %s\n", sh.colorAddr(sh.env.BaseMetaType.String()))
	}
	for _, t := range sh.env.AllTypes() {
		fmt.Fprintf(sh.out, "  %-24s %s\n", sh.colorType(t.Name), sh.colorAddr(t.Addr.String()))
	}
	return nil
}

// cmdFindBaseType runs spec.md §4.3's bootstrap sweep for the unique
// self-typed "type" object (spec.md §8 scenario S3).
func (sh *shell) cmdFindBaseType(cmd *cobra.Command, args []string) error {
	if err := sh.env.FindBaseMetaType(sh.store, sh.threads, sh.diag); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "base meta-type: %s\n", sh.colorAddr(sh.env.BaseMetaType.String()))
	return nil
}

// cmdFindAllTypes runs spec.md §4.3's all-types sweep; requires
// find-base-type to have already recorded a base meta-type.
func (sh *shell) cmdFindAllTypes(cmd *cobra.Command, args []string) error {
	warn := func(msg string) { fmt.Fprintf(sh.diag, "warning: %s\n", msg) }
	if err := sh.env.FindAllTypes(sh.store, sh.threads, sh.diag, warn); err != nil {
		return err
	}
	for _, t := range sh.env.AllTypes() {
		fmt.Fprintf(sh.out, "  %-24s %s\n", sh.colorType(t.Name), sh.colorAddr(t.Addr.String()))
	}
	return nil
}

func (sh *shell) cmdFind(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: find [--ptr] [--bswap] [--align=N] DATA")
	}
	ptr, _ := cmd.Flags().GetBool("ptr")
	bswap, _ := cmd.Flags().GetBool("bswap")
	align, _ := cmd.Flags().GetInt64("align")
	count, _ := cmd.Flags().GetBool("count")
	hits, err := query.Find(sh.store, []byte(args[0]), query.FindOptions{
		Ptr: ptr, Bswap: bswap, Align: align, Threads: sh.threads, Progress: sh.diag,
	})
	if err != nil {
		return err
	}
	if count {
		fmt.Fprintf(sh.out, "%d\n", len(hits))
		return nil
	}
	for _, h := range hits {
		fmt.Fprintln(sh.out, sh.colorAddr(h.String()))
	}
	fmt.Fprintf(sh.diag, "%d match(es)\n", len(hits))
	return nil
}

func (sh *shell) cmdCountByType(cmd *cobra.Command, args []string) error {
	counts, err := query.CountByType(sh.env, sh.store, sh.threads, sh.diag)
	if err != nil {
		return err
	}
	for _, c := range counts {
		fmt.Fprintf(sh.out, "%-24s %d\n", sh.colorType(c.TypeName), c.Count)
	}
	return nil
}

func (sh *shell) cmdFindAllObjects(cmd *cobra.Command, args []string) error {
	t := sh.traversalFromFlags(cmd)
	typeName, _ := cmd.Flags().GetString("type-name")
	typeAddrHex, _ := cmd.Flags().GetString("type-addr")
	count, _ := cmd.Flags().GetBool("count")
	size, _ := cmd.Flags().GetInt64("size")

	opts := query.ObjectQueryOptions{TypeName: typeName, Size: size}
	if typeAddrHex != "" {
		a, err := parseAddr(typeAddrHex)
		if err != nil {
			return err
		}
		opts.TypeAddr = a
	}
	hits, err := query.FindObjects(sh.env, sh.store, opts, sh.threads, sh.diag, t)
	if err != nil {
		return err
	}
	if count {
		fmt.Fprintf(sh.out, "%d\n", len(hits))
		return nil
	}
	sh.printHits(hits)
	return nil
}

func (sh *shell) cmdFindReferences(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: find-references ADDR")
	}
	target, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	t := sh.traversalFromFlags(cmd)
	hits, err := query.FindReferences(sh.env, sh.store, target, sh.threads, sh.diag, t)
	if err != nil {
		return err
	}
	sh.printHits(hits)
	return nil
}

func (sh *shell) cmdFindModule(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	hits, err := query.FindModule(sh.env, sh.store, name, sh.threads, sh.diag)
	if err != nil {
		return err
	}
	for _, h := range hits {
		fmt.Fprintf(sh.out, "%s %q\n", sh.colorAddr(h.Addr.String()), h.Name)
	}
	return nil
}

func (sh *shell) cmdFindAllThreads(cmd *cobra.Command, args []string) error {
	threads, err := query.FindAllThreads(sh.env, sh.store)
	if err != nil {
		return err
	}
	for _, th := range threads {
		fmt.Fprintf(sh.out, "%s id=%d top=%s\n", sh.colorAddr(th.Addr.String()), th.ID, sh.colorAddr(th.TopFrame.String()))
	}
	return nil
}

func (sh *shell) cmdFindAllStacks(cmd *cobra.Command, args []string) error {
	includeRunnable, _ := cmd.Flags().GetBool("include-runnable")
	stacks, err := query.ReconstructStacks(sh.env, sh.store, includeRunnable)
	if err != nil {
		return err
	}
	for _, st := range stacks {
		fmt.Fprintf(sh.out, "root %s:\n", sh.colorAddr(st.Root.String()))
		for _, f := range st.Frames {
			where, _ := pymem.FrameWhere(sh.store, f)
			fmt.Fprintf(sh.out, "  %s %s\n", sh.colorAddr(f.String()), where)
		}
		if st.Warning != "" {
			fmt.Fprintf(sh.diag, "warning: %s\n", st.Warning)
		}
	}
	return nil
}

func (sh *shell) cmdAggregateStrings(cmd *cobra.Command, args []string) error {
	bytesFlag, _ := cmd.Flags().GetBool("bytes")
	smaller, _ := cmd.Flags().GetInt64("print-smaller-than")
	larger, _ := cmd.Flags().GetInt64("print-larger-than")
	t := sh.traversalFromFlags(cmd)
	stats, err := query.AggregateStrings(sh.env, sh.store, query.AggregateStringsOptions{
		Bytes: bytesFlag, PrintSmallerThan: smaller, PrintLargerThan: larger,
	}, sh.threads, sh.diag, t)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%s: %d objects, %d bytes total\n", stats.TypeName, stats.TotalCount, stats.TotalBytes)
	for i, n := range stats.Histogram {
		if n == 0 {
			continue
		}
		fmt.Fprintf(sh.out, "  >=%-8d %d\n", i, n)
	}
	sh.printHits(stats.Printed)
	return nil
}

func (sh *shell) cmdAsyncTaskGraph(cmd *cobra.Command, args []string) error {
	g, err := query.ReconstructAwaitGraph(sh.env, sh.store, sh.threads, sh.diag)
	if err != nil {
		return err
	}
	fmt.Fprint(sh.out, g.Render(sh.env, sh.store))
	return nil
}

func (sh *shell) cmdContext(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: context ADDR [before] [after]")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	before, after := int64(64), int64(64)
	if len(args) > 1 {
		before, _ = strconv.ParseInt(args[1], 0, 64)
	}
	if len(args) > 2 {
		after, _ = strconv.ParseInt(args[2], 0, 64)
	}
	dump, err := query.Context(sh.store, addr, before, after)
	if err != nil {
		return err
	}
	fmt.Fprint(sh.out, dump)
	return nil
}

func (sh *shell) cmdRepr(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: repr ADDR")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	t := sh.traversalFromFlags(cmd)
	out := t.Repr(sh.env, sh.store, addr)
	fmt.Fprintln(sh.out, sh.colorizeRepr(out))
	if !t.IsValid() {
		fmt.Fprintln(sh.diag, "warning: one or more visited objects failed validation")
	}
	return nil
}

func (sh *shell) printHits(hits []query.Hit) {
	for _, h := range hits {
		fmt.Fprintf(sh.out, "%s %s\n", sh.colorAddr(h.Addr.String()), sh.colorizeRepr(h.Repr))
	}
}

func parseAddr(s string) (region.Addr, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return region.Addr(v), nil
}
