// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"io"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/intuitivelabs/mallocs/segmalloc"
	"github.com/intuitivelabs/mallocs/segmalloc/memlib"
	"github.com/intuitivelabs/mallocs/segmalloc/trace"
)

var (
	heapSize   string
	useMmap    bool
	joinNext   bool
	noChecks   bool
	debugMode  bool
	checkEvery int
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().StringVar(&heapSize, "heap", "20MiB", "Maximum heap size")
	cmd.Flags().BoolVar(&useMmap, "mmap", false, "Back the heap with an anonymous mmap")
	cmd.Flags().BoolVar(&joinNext, "join-next", false, "Also join freed blocks with the next free block")
	cmd.Flags().BoolVar(&noChecks, "no-checks", false, "Disable pointer checks on free and realloc")
	cmd.Flags().BoolVar(&debugMode, "debug", false, "Check every block touched by the allocator")
	cmd.Flags().IntVar(&checkEvery, "check", 0, "Check the whole heap every N operations (0: only at the end)")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <trace>...",
		Short: "Replay one or more trace files",
		Long: `The run command replays each trace file on a fresh heap and prints the
number of operations, the peak payload, the final heap size and the
resulting utilization.

Example:
  mmdriver run traces/short1.rep
  mmdriver run --heap 64MiB --check 1 traces/*.rep`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraces(cmd.OutOrStdout(), args)
		},
	}
	return cmd
}

func allocOptions() segmalloc.Options {
	opts := segmalloc.OptDefaultOptions
	if noChecks {
		opts &^= segmalloc.OptChecks
	}
	if joinNext {
		opts |= segmalloc.OptJoinNext
	}
	if debugMode {
		opts |= segmalloc.OptDebug
	}
	return opts
}

func newHeap(capacity int) (*memlib.Heap, error) {
	if useMmap {
		return memlib.NewMmap(capacity)
	}
	return memlib.New(capacity), nil
}

func runTraces(w io.Writer, files []string) error {
	capacity, err := humanize.ParseBytes(heapSize)
	if err != nil {
		return errors.Wrapf(err, "bad heap size %q", heapSize)
	}
	var total trace.Result
	var utilSum float64
	for _, f := range files {
		res, err := runTrace(w, f, int(capacity))
		if err != nil {
			return err
		}
		total.Ops += res.Ops
		utilSum += res.Utilization
	}
	if len(files) > 1 {
		printInfo(w, "%-24s %10s ops %28s util %5.1f%%\n", "total",
			humanize.Comma(int64(total.Ops)), "",
			100*utilSum/float64(len(files)))
	}
	return nil
}

func runTrace(w io.Writer, path string, capacity int) (trace.Result, error) {
	printVerbose(w, "Reading trace: %s\n", path)
	tr, err := trace.ParseFile(path)
	if err != nil {
		return trace.Result{}, err
	}
	if tr.HeapHint != 0 {
		printVerbose(w, "  suggested heap size %s\n", humanize.IBytes(tr.HeapHint))
	}

	heap, err := newHeap(capacity)
	if err != nil {
		return trace.Result{}, err
	}
	defer heap.Close()

	sm := segmalloc.New(heap, allocOptions())
	if sm == nil {
		return trace.Result{}, errors.Errorf("%s: cannot initialise allocator", path)
	}
	res, err := trace.Replay(sm, tr, trace.ReplayOptions{CheckEvery: checkEvery})
	if err != nil {
		return res, errors.Wrap(err, tr.Name)
	}
	printInfo(w, "%-24s %10s ops  peak %9s  heap %9s  util %5.1f%%\n",
		tr.Name, humanize.Comma(int64(res.Ops)),
		humanize.IBytes(res.PeakPayload), humanize.IBytes(res.HeapSize),
		100*res.Utilization)
	if verbose {
		u := sm.MUsage()
		printVerbose(w, "  max used %s (with overhead), greatest free block %s\n",
			humanize.IBytes(u.MaxRealUsed), humanize.IBytes(sm.GreatestSize()))
	}
	return res, nil
}
