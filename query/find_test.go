// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package query

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nielstron/python-memtools/region"
)

// TestFindLiteralBytePattern is spec.md §8 scenario S2: a literal byte
// pattern is found at every aligned occurrence across regions, and
// nowhere else.
func TestFindLiteralBytePattern(t *testing.T) {
	r1 := []byte("xxNEEDLExxxNEEDLEx")
	r2 := []byte("no match here")
	s := region.NewForTesting([]region.Region{
		{Start: Addr(0x1000), End: Addr(0x1000 + uint64(len(r1))), Data: r1},
		{Start: Addr(0x2000), End: Addr(0x2000 + uint64(len(r2))), Data: r2},
	})

	hits, err := Find(s, []byte("NEEDLE"), FindOptions{Align: 1, Threads: 1})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	want := []Addr{Addr(0x1002), Addr(0x100b)}
	if diff := cmp.Diff(want, hits); diff != "" {
		t.Fatalf("hits mismatch (-want +got):\n%s", diff)
	}
}

// TestFindPointerValue covers the --ptr fast path: an 8-byte-aligned
// literal uint64 value is found via the direct-compare scan.
func TestFindPointerValue(t *testing.T) {
	data := make([]byte, 0x40)
	putU64(data, 0x18, 0xdeadbeefcafef00d)
	s := region.NewForTesting([]region.Region{{Start: Addr(0x5000), End: Addr(0x5000 + uint64(len(data))), Data: data}})

	hits, err := Find(s, []byte("deadbeefcafef00d"), FindOptions{Ptr: true, Threads: 2})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(hits) != 1 || hits[0] != Addr(0x5018) {
		t.Fatalf("hits = %v, want [0x5018]", hits)
	}
}

func TestFindNoMatches(t *testing.T) {
	s := region.NewForTesting([]region.Region{{Start: Addr(0x1000), End: Addr(0x1010), Data: make([]byte, 0x10)}})
	hits, err := Find(s, []byte("nope"), FindOptions{Align: 1, Threads: 1})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("hits = %v, want none", hits)
	}
}
