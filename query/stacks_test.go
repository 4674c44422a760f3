// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package query

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nielstron/python-memtools/pymem"
	"github.com/nielstron/python-memtools/region"
)

func putU64(buf []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(buf[off:off+8], v)
}

// buildStackFixture lays out one code object, a three-frame call chain
// (F1 the thread's top frame, back-linked through F2 to F3, which
// terminates with a null back pointer), and a single thread-state
// pointing at F1 -- spec.md §8 scenario S6.
func buildStackFixture(t *testing.T) (env *pymem.Environment, s *region.Store, f1, f2, f3 Addr) {
	t.Helper()
	const base = 0x30000
	buf := make([]byte, 0x500)
	codeTypeAddr := Addr(0xcafe0001)
	frameTypeAddr := Addr(0xcafe0002)

	// code object at 0x000
	putU64(buf, 0x000, uint64(codeTypeAddr))
	putU64(buf, 0x008, base+0x100) // varnames (empty, all-zero tuple shape)
	putU64(buf, 0x010, 0)          // nlocals
	putU64(buf, 0x018, base+0x120) // filename
	putU64(buf, 0x020, base+0x140) // name
	putU64(buf, 0x028, 1)          // firstlineno

	// filename str at 0x120: "test.py"
	putU64(buf, 0x120+8, 7)
	copy(buf[0x120+16:], "test.py")

	// name str at 0x140: "func"
	putU64(buf, 0x140+8, 4)
	copy(buf[0x140+16:], "func")

	const codeAddr = base

	writeFrame := func(off int, back, code uint64, lineno uint64) {
		putU64(buf, off+8, back)   // f_back
		putU64(buf, off+16, code) // f_code
		putU64(buf, off+72, 1)    // f_state = suspended
		putU64(buf, off+88, lineno) // f_lineno
	}
	f3 = Addr(base + 0x200)
	f2 = Addr(base + 0x280)
	f1 = Addr(base + 0x300)
	putU64(buf, 0x200, uint64(frameTypeAddr))
	writeFrame(0x200, 0, codeAddr, 10)
	putU64(buf, 0x280, uint64(frameTypeAddr))
	writeFrame(0x280, uint64(f3), codeAddr, 20)
	putU64(buf, 0x300, uint64(frameTypeAddr))
	writeFrame(0x300, uint64(f2), codeAddr, 30)

	// thread-state at 0x400: next=0, frame=F1, threadID=1
	putU64(buf, 0x400+0, 0)
	putU64(buf, 0x400+8, uint64(f1))
	putU64(buf, 0x400+16, 1)

	s = region.NewForTesting([]region.Region{{Start: Addr(base), End: Addr(base + uint64(len(buf))), Data: buf}})
	env = pymem.NewEnvironment(filepath.Join(t.TempDir(), "snapshot.bin"))
	env.AddType("code", codeTypeAddr)
	env.AddType("frame", frameTypeAddr)
	if err := env.SetInterpHead(Addr(base + 0x400)); err != nil {
		t.Fatalf("SetInterpHead: %v", err)
	}
	return env, s, f1, f2, f3
}

func TestFindAllThreads(t *testing.T) {
	env, s, f1, _, _ := buildStackFixture(t)
	threads, err := FindAllThreads(env, s)
	if err != nil {
		t.Fatalf("FindAllThreads: %v", err)
	}
	if len(threads) != 1 {
		t.Fatalf("got %d threads, want 1", len(threads))
	}
	if threads[0].TopFrame != f1 {
		t.Fatalf("TopFrame = %s, want %s", threads[0].TopFrame, f1)
	}
	if threads[0].ID != 1 {
		t.Fatalf("ID = %d, want 1", threads[0].ID)
	}
}

// TestReconstructStacks is spec.md §8 scenario S6 and property 9: the
// thread's top frame is the sole root, and the traceback walks the
// full f_back chain down to the frame whose back pointer is null.
func TestReconstructStacks(t *testing.T) {
	env, s, f1, f2, f3 := buildStackFixture(t)
	stacks, err := ReconstructStacks(env, s, false)
	if err != nil {
		t.Fatalf("ReconstructStacks: %v", err)
	}
	if len(stacks) != 1 {
		t.Fatalf("got %d stacks, want 1", len(stacks))
	}
	st := stacks[0]
	if st.Root != f1 {
		t.Fatalf("Root = %s, want %s", st.Root, f1)
	}
	if st.Warning != "" {
		t.Fatalf("unexpected warning: %q", st.Warning)
	}
	want := []Addr{f1, f2, f3}
	if diff := cmp.Diff(want, st.Frames); diff != "" {
		t.Fatalf("Frames mismatch (-want +got):\n%s", diff)
	}
}
