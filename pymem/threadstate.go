// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"fmt"

	"github.com/nielstron/python-memtools/region"
)

// Thread-state layout: next:ptr(8) + frame:ptr(8) + threadID:int64(8).
// Unlike every other decoded type, a thread-state is not itself a
// PyObject in the target runtime: it carries no "type-of" field, so it
// can't be found by the type-dispatch sweep the rest of the catalog
// uses. It is reached only by walking the linked list rooted at
// Environment.InterpHead, which is why it is not register()ed into the
// catalog alongside the object-header types.
const (
	threadNextOffset      = 0
	threadFrameOffset     = 8
	threadIDOffset        = 16
	threadStateHeaderSize = 24
)

// ThreadStateValid reports whether the bytes at addr plausibly form a
// thread-state record: its next and frame pointers must each be null
// or aligned and backed by a readable thread-state or frame header.
// The frame itself is not validated.
func ThreadStateValid(env *Environment, s *region.Store, addr Addr) InvalidReason {
	if !s.ExistsRange(addr, threadStateHeaderSize) {
		return ReasonBadSize
	}
	next, err := readPtr(s, addr, threadNextOffset)
	if err != nil || !pointerValidOrNull(s, next, threadStateHeaderSize) {
		return ReasonBadPointer
	}
	frame, err := readPtr(s, addr, threadFrameOffset)
	if err != nil || !pointerValidOrNull(s, frame, frameHeaderSize) {
		return ReasonBadPointer
	}
	return Valid
}

// ThreadNext returns a thread-state's next pointer.
func ThreadNext(s *region.Store, addr Addr) (Addr, error) {
	return readPtr(s, addr, threadNextOffset)
}

// ThreadTopFrame returns a thread-state's current top-of-stack frame,
// or the null address if the thread has none.
func ThreadTopFrame(s *region.Store, addr Addr) (Addr, error) {
	return readPtr(s, addr, threadFrameOffset)
}

// ThreadID returns a thread-state's OS thread identifier.
func ThreadID(s *region.Store, addr Addr) (int64, error) {
	return readI64(s, addr, threadIDOffset)
}

// ReprThreadState renders a thread-state the way Traversal.Child
// renders dispatched types, for query output that mixes the two.
func ReprThreadState(s *region.Store, addr Addr) string {
	id, err := ThreadID(s, addr)
	if err != nil {
		return "<thread !out_of_range>"
	}
	return fmt.Sprintf("<thread id=%d>", id)
}
