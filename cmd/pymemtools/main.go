// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pymemtools is the offline forensic analyzer's command-line
// front end: its shell subcommand opens a captured snapshot and drops
// into an analysis shell. Run "pymemtools help" for usage.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nielstron/python-memtools/pymem"
	"github.com/nielstron/python-memtools/region"
)

var (
	flagBase    string
	flagThreads int
)

func main() {
	root := &cobra.Command{
		Use:   "pymemtools",
		Short: "Offline forensic analyzer for captured interpreter heap snapshots",
	}
	root.PersistentFlags().StringVar(&flagBase, "base", "", "snapshot directory or file")
	root.PersistentFlags().IntVar(&flagThreads, "threads", runtime.NumCPU(), "worker thread count for scans")

	root.AddCommand(&cobra.Command{
		Use:   "shell",
		Short: "Open the interactive analysis shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, env, err := openSnapshot(flagBase)
			if err != nil {
				return err
			}
			defer store.Close()
			return runShell(store, env, flagThreads)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openSnapshot opens the region store at path and loads (or creates)
// its analysis sidecar Environment.
func openSnapshot(path string) (*region.Store, *pymem.Environment, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("pymemtools: --base snapshot path is required")
	}
	store, err := region.Open(path)
	if err != nil {
		return nil, nil, err
	}
	env, err := pymem.Load(path)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, env, nil
}
