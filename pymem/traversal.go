// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"fmt"
	"strings"

	"github.com/nielstron/python-memtools/region"
)

// Default limits, chosen to match the original shell's defaults.
const (
	DefaultMaxRecursionDepth = 8
	DefaultMaxEntries        = 20
	DefaultMaxStringLength   = 200
)

// Traversal carries the state a single top-level repr call needs:
// recursion depth and entry limits, a per-call cycle set, and the
// various shell flags that change rendering. It is single-threaded
// and scoped to one top-level Repr invocation; it must not be shared
// across concurrent callers (spec.md §3 "owns its cycle set for the
// duration of one top-level repr call and is single-threaded").
type Traversal struct {
	MaxRecursionDepth int
	MaxEntries        int
	MaxStringLength   int
	ShowAllAddresses  bool
	FrameOmitBack     bool
	BytesAsHex        bool
	IsShort           bool

	recursionDepth int
	cycleSet       map[Addr]bool
	isValid        bool
}

// NewTraversal returns a Traversal with the documented defaults.
func NewTraversal() *Traversal {
	return &Traversal{
		MaxRecursionDepth: DefaultMaxRecursionDepth,
		MaxEntries:        DefaultMaxEntries,
		MaxStringLength:   DefaultMaxStringLength,
	}
}

// IsValid reports whether every object visited during the most recent
// Repr call validated successfully. Callers use this to decide whether
// to trust partial output.
func (t *Traversal) IsValid() bool {
	return t.isValid
}

// Repr is the top-level entry point: it resets per-call state, then
// dispatches on addr's runtime type.
func (t *Traversal) Repr(env *Environment, s *region.Store, addr Addr) string {
	t.recursionDepth = 0
	t.cycleSet = map[Addr]bool{}
	t.isValid = true
	return t.Child(env, s, addr)
}

// Child renders addr as a nested value within an already-running Repr
// call: it respects the current recursion depth, cycle set, and entry
// limits. Decoders call this (rather than Repr) for every referent
// they print, so that depth/cycle state threads through correctly.
func (t *Traversal) Child(env *Environment, s *region.Store, addr Addr) string {
	if addr.IsNull() {
		return "None"
	}
	dec, name, err := DecoderFor(env, s, addr)
	if err != nil {
		t.isValid = false
		return fmt.Sprintf("<object@%s !%s>", addr, ReasonUnknownType)
	}
	if dec == nil {
		return fmt.Sprintf("<%s@%s !unknown>", name, addr)
	}
	if t.recursionDepth == t.MaxRecursionDepth {
		refs, _ := dec.DirectReferents(env, s, addr)
		return fmt.Sprintf("<%s !recursion_depth len=%d>", name, len(refs))
	}
	if t.cycleSet[addr] {
		return fmt.Sprintf("<%s !recursive_repr>", name)
	}
	if reason := dec.Validate(env, s, addr); reason != Valid {
		t.isValid = false
		return fmt.Sprintf("<%s !%s>", name, reason)
	}

	t.cycleSet[addr] = true
	t.recursionDepth++
	out := dec.Repr(env, s, t, addr)
	t.recursionDepth--
	delete(t.cycleSet, addr)
	return out
}

// Ellipsis is the token appended when more than MaxEntries children
// would otherwise be printed.
const Ellipsis = "..."

// TruncateEntries reports whether n printable entries should be
// truncated to t.MaxEntries, and the count to actually print.
func (t *Traversal) TruncateEntries(n int) (print int, truncated bool) {
	if t.MaxEntries > 0 && n > t.MaxEntries {
		return t.MaxEntries, true
	}
	return n, false
}

// RenderEntries lays out already-rendered child strings inside open/
// close brackets, per spec.md §4.5's output shape: a single entry
// renders inline (callers with a zero-element case handle that
// themselves before calling this), two or more render indented one
// per line, each at the current nesting depth plus one.
func (t *Traversal) RenderEntries(parts []string, open, close string) string {
	if len(parts) == 1 {
		return open + parts[0] + close
	}
	indent := strings.Repeat("  ", t.recursionDepth)
	childIndent := indent + "  "
	var b strings.Builder
	b.WriteString(open)
	b.WriteByte('\n')
	for _, p := range parts {
		b.WriteString(childIndent)
		b.WriteString(p)
		b.WriteString(",\n")
	}
	b.WriteString(indent)
	b.WriteString(close)
	return b.String()
}
