// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package query

import (
	"fmt"
	"sort"

	"github.com/nielstron/python-memtools/pymem"
	"github.com/nielstron/python-memtools/region"
)

// Thread is one discovered thread-state, walked from Environment's
// InterpHead linked list.
type Thread struct {
	Addr     Addr
	ID       int64
	TopFrame Addr
}

// FindAllThreads walks the thread-state list rooted at
// env.InterpHead, stopping at the first invalid or already-visited
// node (a defensive bound against a corrupt or cyclic list).
func FindAllThreads(env *pymem.Environment, s *region.Store) ([]Thread, error) {
	if env.InterpHead.IsNull() {
		return nil, fmt.Errorf("pymem: interpreter thread-state head not set")
	}
	var out []Thread
	seen := map[Addr]bool{}
	for addr := env.InterpHead; !addr.IsNull(); {
		if seen[addr] {
			break
		}
		seen[addr] = true
		if reason := pymem.ThreadStateValid(env, s, addr); reason != pymem.Valid {
			break
		}
		id, err := pymem.ThreadID(s, addr)
		if err != nil {
			break
		}
		top, err := pymem.ThreadTopFrame(s, addr)
		if err != nil {
			break
		}
		out = append(out, Thread{addr, id, top})
		next, err := pymem.ThreadNext(s, addr)
		if err != nil {
			break
		}
		addr = next
	}
	return out, nil
}

// Stack is one reconstructed call stack: Root is the innermost frame
// (the most recent call, which no other discovered frame points to via
// f_back), Frames lists every frame from Root outward along f_back to
// the outermost caller, and Warning is
// set if the chain ran off the end of the discovered set instead of
// terminating at null.
type Stack struct {
	Root    Addr
	Frames  []Addr
	Warning string
}

// ReconstructStacks discovers every frame reachable from a thread's
// top frame (optionally widened by includeRunnable, per the
// --include-runnable flag), keeping only frames whose f_state marks
// them runnable, and groups them into per-thread stacks walked via
// f_back. A frame is a root iff no other discovered frame's f_back
// points at it (spec.md §8 test property 9); the traceback for a root
// follows f_back links until it reaches null or a frame outside the
// discovered set, in which case Warning is set.
func ReconstructStacks(env *pymem.Environment, s *region.Store, includeRunnable bool) ([]Stack, error) {
	threads, err := FindAllThreads(env, s)
	if err != nil {
		return nil, err
	}

	discovered := map[Addr]bool{}
	var frontier []Addr
	for _, th := range threads {
		if !th.TopFrame.IsNull() {
			frontier = append(frontier, th.TopFrame)
		}
	}
	for len(frontier) > 0 {
		addr := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if addr.IsNull() || discovered[addr] {
			continue
		}
		if reason := pymem.FrameValidate(env, s, addr); reason != pymem.Valid {
			continue
		}
		state, err := pymem.FrameStateOf(s, addr)
		if err != nil || !state.Runnable(includeRunnable) {
			continue
		}
		discovered[addr] = true
		back, err := pymem.FrameBack(s, addr)
		if err == nil && !back.IsNull() {
			frontier = append(frontier, back)
		}
	}

	isTarget := map[Addr]bool{}
	for addr := range discovered {
		if back, err := pymem.FrameBack(s, addr); err == nil && !back.IsNull() {
			isTarget[back] = true
		}
	}

	var roots []Addr
	for addr := range discovered {
		if !isTarget[addr] {
			roots = append(roots, addr)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	stacks := make([]Stack, 0, len(roots))
	for _, root := range roots {
		var frames []Addr
		warning := ""
		addr := root
		for !addr.IsNull() {
			frames = append(frames, addr)
			back, err := pymem.FrameBack(s, addr)
			if err != nil {
				warning = "lost track of prior-frame pointer mid-chain"
				break
			}
			if back.IsNull() {
				break
			}
			if !discovered[back] {
				warning = fmt.Sprintf("prior frame %s lies outside the discovered set", back)
				break
			}
			addr = back
		}
		stacks = append(stacks, Stack{Root: root, Frames: frames, Warning: warning})
	}
	return stacks, nil
}
