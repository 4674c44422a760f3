// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package query

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nielstron/python-memtools/pymem"
	"github.com/nielstron/python-memtools/region"
)

// TestReconstructAwaitGraph is spec.md §8 property 10: a Task awaiting
// a pending Future produces a two-node graph whose only root is the
// Task (nobody awaits it), with the Future as its sole child.
func TestReconstructAwaitGraph(t *testing.T) {
	const base = 0x50000
	buf := make([]byte, 0x100)
	futureTypeAddr := Addr(0xf0000001)
	taskTypeAddr := Addr(0xf0000002)

	// Future at 0x00: pending, no result.
	putU64(buf, 0x00, uint64(futureTypeAddr))
	putU64(buf, 0x08, 0)
	putU64(buf, 0x10, 0)

	// Task at 0x40: pending, no result/coro, fut_waiter = the Future.
	putU64(buf, 0x40, uint64(taskTypeAddr))
	putU64(buf, 0x48, 0)
	putU64(buf, 0x50, 0)
	putU64(buf, 0x58, 0)
	putU64(buf, 0x60, base+0x00)

	s := region.NewForTesting([]region.Region{{Start: Addr(base), End: Addr(base + uint64(len(buf))), Data: buf}})
	env := pymem.NewEnvironment(filepath.Join(t.TempDir(), "snapshot.bin"))
	env.AddType("Future", futureTypeAddr)
	env.AddType("Task", taskTypeAddr)

	futureAddr := Addr(base + 0x00)
	taskAddr := Addr(base + 0x40)

	g, err := ReconstructAwaitGraph(env, s, 2, io.Discard)
	if err != nil {
		t.Fatalf("ReconstructAwaitGraph: %v", err)
	}
	if diff := cmp.Diff([]Addr{taskAddr}, g.Roots); diff != "" {
		t.Fatalf("Roots mismatch (-want +got):\n%s", diff)
	}
	want := map[Addr][]Addr{taskAddr: {futureAddr}, futureAddr: nil}
	if diff := cmp.Diff(want, g.Awaits); diff != "" {
		t.Fatalf("Awaits mismatch (-want +got):\n%s", diff)
	}
}
