// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"fmt"
	"strings"

	"github.com/nielstron/python-memtools/region"
)

// Code object layout: header(8) + varnames:ptr(8, tuple of str) +
// nlocals:int64(8) + filename:ptr(8, str) + name:ptr(8, str) +
// firstlineno:int64(8).
const (
	codeVarnamesOffset    = 8
	codeNlocalsOffset     = 16
	codeFilenameOffset    = 24
	codeNameOffset        = 32
	codeFirstLinenoOffset = 40
	codeHeaderSize        = 48
)

type codeDecoder struct{}

func (codeDecoder) Name() string { return "code" }

func (codeDecoder) Size(_ *region.Store, _ Addr) (int64, error) { return codeHeaderSize, nil }

func (d codeDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	typeOf, err := TypeOf(s, addr)
	if err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	if !s.ExistsRange(addr, codeHeaderSize) {
		return ReasonBadSize
	}
	varnames, err := readPtr(s, addr, codeVarnamesOffset)
	if err != nil || !pointerValid(s, varnames, tupleItemsOffset) {
		return ReasonBadPointer
	}
	nlocals, err := readI64(s, addr, codeNlocalsOffset)
	if err != nil || nlocals < 0 || nlocals > maxTupleCount {
		return ReasonBadCount
	}
	filename, err := readPtr(s, addr, codeFilenameOffset)
	if err != nil || !pointerValid(s, filename, seqDataOffset) {
		return ReasonBadPointer
	}
	name, err := readPtr(s, addr, codeNameOffset)
	if err != nil || !pointerValid(s, name, seqDataOffset) {
		return ReasonBadPointer
	}
	return Valid
}

func (codeDecoder) DirectReferents(_ *Environment, s *region.Store, addr Addr) ([]Addr, error) {
	var out []Addr
	for _, off := range []int64{codeVarnamesOffset, codeFilenameOffset, codeNameOffset} {
		p, err := readPtr(s, addr, off)
		if err == nil && !p.IsNull() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (codeDecoder) Repr(env *Environment, s *region.Store, t *Traversal, addr Addr) string {
	name, filename, lineno, err := codeIdentity(s, addr)
	if err != nil {
		return "<code !out_of_range>"
	}
	return fmt.Sprintf("<code %s, file %q, line %d>", name, filename, lineno)
}

func init() { register(codeDecoder{}) }

// codeIdentity decodes a code object's name, filename, and
// first-line-number without going through the repr machinery, used by
// frame "where" rendering and by Repr itself.
func codeIdentity(s *region.Store, addr Addr) (name, filename string, firstLine int64, err error) {
	namePtr, err := readPtr(s, addr, codeNameOffset)
	if err != nil {
		return
	}
	filePtr, err := readPtr(s, addr, codeFilenameOffset)
	if err != nil {
		return
	}
	name, _ = decodeShortStr(s, namePtr)
	filename, _ = decodeShortStr(s, filePtr)
	firstLine, err = readI64(s, addr, codeFirstLinenoOffset)
	return
}

func codeVarnames(s *region.Store, addr Addr) ([]string, error) {
	varnamesAddr, err := readPtr(s, addr, codeVarnamesOffset)
	if err != nil {
		return nil, err
	}
	items, err := tupleItems(s, varnamesAddr)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i], _ = decodeShortStr(s, it)
	}
	return out, nil
}

// FrameState enumerates the lifecycle states a frame's f_state field
// carries, per original_source/src/Types/PyFrameObject.cc's
// name_for_state.
type FrameState int64

const (
	FrameCreated   FrameState = 0
	FrameSuspended FrameState = 1
	FrameExecuting FrameState = 2
	FrameCompleted FrameState = 3
	FrameCleared   FrameState = 4
)

func (s FrameState) String() string {
	switch s {
	case FrameCreated:
		return "created"
	case FrameSuspended:
		return "suspended"
	case FrameExecuting:
		return "executing"
	case FrameCompleted:
		return "completed"
	case FrameCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Runnable reports whether a frame in this state is actually
// suspended mid-execution (the frame-stack-building default). When
// includeRunnable is true, FrameCreated also counts, widening the set
// per the --include-runnable flag.
func (s FrameState) Runnable(includeRunnable bool) bool {
	switch s {
	case FrameSuspended, FrameExecuting:
		return true
	case FrameCreated:
		return includeRunnable
	default:
		return false
	}
}

// Frame layout: header(8) + f_back:ptr(8) + f_code:ptr(8) +
// f_builtins:ptr(8) + f_globals:ptr(8) + f_locals:ptr(8, optional) +
// f_valuestack:ptr(8) + f_trace:ptr(8) + f_gen:ptr(8) +
// f_state:int64(8) + f_lasti:int64(8) + f_lineno:int64(8) +
// f_iblock:int64(8), followed by f_localsplus[nlocals]:ptr(8) parallel
// to f_code's co_varnames.
const (
	frameBackOffset       = 8
	frameCodeOffset       = 16
	frameBuiltinsOffset   = 24
	frameGlobalsOffset    = 32
	frameLocalsOffset     = 40
	frameValuestackOffset = 48
	frameTraceOffset      = 56
	frameGenOffset        = 64
	frameStateOffset      = 72
	frameLastiOffset      = 80
	frameLinenoOffset     = 88
	frameIblockOffset     = 96
	frameLocalsplusOffset = 104
	frameHeaderSize       = 104
)

type frameDecoder struct{}

func (frameDecoder) Name() string { return "frame" }

func (frameDecoder) Size(s *region.Store, addr Addr) (int64, error) {
	code, err := readPtr(s, addr, frameCodeOffset)
	if err != nil {
		return 0, err
	}
	nlocals, err := readI64(s, code, codeNlocalsOffset)
	if err != nil {
		return frameHeaderSize, nil
	}
	return frameLocalsplusOffset + 8*nlocals, nil
}

func (d frameDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	typeOf, err := TypeOf(s, addr)
	if err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	if !s.ExistsRange(addr, frameHeaderSize) {
		return ReasonBadSize
	}

	// f_back is the one field allowed to point at another frame we
	// only check shallowly: the prior-frame graph itself is walked by
	// the query layer, not re-validated per hop here.
	back, err := readPtr(s, addr, frameBackOffset)
	if err != nil || !pointerValidOrNull(s, back, MinObjectSize) {
		return ReasonBadPointer
	}
	for _, off := range []int64{frameBuiltinsOffset, frameGlobalsOffset, frameLocalsOffset, frameValuestackOffset, frameTraceOffset, frameGenOffset} {
		p, err := readPtr(s, addr, off)
		if err != nil || !pointerValidOrNull(s, p, MinObjectSize) {
			return ReasonBadPointer
		}
	}

	code, err := readPtr(s, addr, frameCodeOffset)
	if err != nil || !pointerValid(s, code, codeHeaderSize) {
		return ReasonBadPointer
	}
	// One pointer hop deep: fully validate the directly owned code
	// object, per spec.md §4.4's validation discipline.
	if dec, _, err := DecoderFor(env, s, code); err == nil && dec != nil {
		if reason := dec.Validate(env, s, code); reason != Valid {
			return InvalidReason("invalid_f_code_" + string(reason))
		}
	}

	state, err := readI64(s, addr, frameStateOffset)
	if err != nil || state < int64(FrameCreated) || state > int64(FrameCleared) {
		return ReasonBadState
	}

	nlocals, err := readI64(s, code, codeNlocalsOffset)
	if err != nil || nlocals < 0 || nlocals > maxTupleCount {
		return ReasonBadCount
	}
	if !s.ExistsRange(addr, frameLocalsplusOffset+8*nlocals) {
		return ReasonBadSize
	}
	return Valid
}

func (frameDecoder) DirectReferents(_ *Environment, s *region.Store, addr Addr) ([]Addr, error) {
	var out []Addr
	for _, off := range []int64{frameBackOffset, frameCodeOffset, frameBuiltinsOffset, frameGlobalsOffset, frameLocalsOffset, frameTraceOffset, frameGenOffset} {
		p, err := readPtr(s, addr, off)
		if err == nil && !p.IsNull() {
			out = append(out, p)
		}
	}
	if locals, err := frameLocals(s, addr); err == nil {
		for _, l := range locals {
			if !l.addr.IsNull() {
				out = append(out, l.addr)
			}
		}
	}
	return out, nil
}

type frameLocal struct {
	name string
	addr Addr
}

// frameLocals zips code.co_varnames[i] with f_localsplus[i].
func frameLocals(s *region.Store, addr Addr) ([]frameLocal, error) {
	code, err := readPtr(s, addr, frameCodeOffset)
	if err != nil {
		return nil, err
	}
	names, err := codeVarnames(s, code)
	if err != nil {
		return nil, err
	}
	out := make([]frameLocal, 0, len(names))
	for i, name := range names {
		v, err := readPtr(s, addr, frameLocalsplusOffset+8*int64(i))
		if err != nil {
			return nil, err
		}
		out = append(out, frameLocal{name, v})
	}
	return out, nil
}

// FrameValidate validates the frame at addr, for callers (the query
// layer's stack reconstruction) that need to check frame validity
// without going through the type-dispatch catalog.
func FrameValidate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	return frameDecoder{}.Validate(env, s, addr)
}

// FrameBack returns a frame's prior-frame pointer.
func FrameBack(s *region.Store, addr Addr) (Addr, error) {
	return readPtr(s, addr, frameBackOffset)
}

// FrameStateOf returns a frame's lifecycle state.
func FrameStateOf(s *region.Store, addr Addr) (FrameState, error) {
	v, err := readI64(s, addr, frameStateOffset)
	return FrameState(v), err
}

// FrameWhere renders "filename:lineno (funcname)" the way a Python
// traceback line does.
func FrameWhere(s *region.Store, addr Addr) (string, error) {
	code, err := readPtr(s, addr, frameCodeOffset)
	if err != nil {
		return "", err
	}
	name, filename, _, err := codeIdentity(s, code)
	if err != nil {
		return "", err
	}
	lineno, err := readI64(s, addr, frameLinenoOffset)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d (%s)", filename, lineno, name), nil
}

func (d frameDecoder) Repr(env *Environment, s *region.Store, t *Traversal, addr Addr) string {
	where, err := FrameWhere(s, addr)
	if err != nil {
		return "<frame !out_of_range>"
	}
	state, _ := FrameStateOf(s, addr)
	tokens := []string{fmt.Sprintf("state=%s", state), fmt.Sprintf("where=%s", where)}

	if !t.IsShort {
		if back, err := readPtr(s, addr, frameBackOffset); err == nil && !back.IsNull() && !t.FrameOmitBack {
			tokens = append(tokens, "back="+t.Child(env, s, back))
		}
		if locals, err := frameLocals(s, addr); err == nil && len(locals) > 0 {
			shown, truncated := t.TruncateEntries(len(locals))
			parts := make([]string, 0, shown)
			for i := 0; i < shown; i++ {
				parts = append(parts, locals[i].name+"="+t.Child(env, s, locals[i].addr))
			}
			if truncated {
				parts = append(parts, Ellipsis)
			}
			tokens = append(tokens, "locals={"+strings.Join(parts, ", ")+"}")
		}
	}
	return "<frame " + strings.Join(tokens, " ") + ">"
}

func init() { register(frameDecoder{}) }
