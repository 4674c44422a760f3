// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"fmt"

	"github.com/nielstron/python-memtools/region"
)

// Future state values, per spec.md §4.6's three async type identities.
const (
	FuturePending   int64 = 0
	FutureCancelled int64 = 1
	FutureFinished  int64 = 2
)

func futureStateString(v int64) string {
	switch v {
	case FuturePending:
		return "PENDING"
	case FutureCancelled:
		return "CANCELLED"
	case FutureFinished:
		return "FINISHED"
	default:
		return "unknown"
	}
}

// Future layout: header(8) + state:int64(8) + result:ptr(8, optional,
// only meaningful once state==FINISHED). A Future awaits nothing of
// its own; it is purely a leaf in the awaiter graph.
const (
	futureStateOffset  = 8
	futureResultOffset = 16
	futureHeaderSize   = 24
)

type futureDecoder struct{}

func (futureDecoder) Name() string { return "Future" }

func (futureDecoder) Size(_ *region.Store, _ Addr) (int64, error) { return futureHeaderSize, nil }

func (d futureDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	typeOf, err := TypeOf(s, addr)
	if err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	if !s.ExistsRange(addr, futureHeaderSize) {
		return ReasonBadSize
	}
	state, err := readI64(s, addr, futureStateOffset)
	if err != nil || state < FuturePending || state > FutureFinished {
		return ReasonBadState
	}
	result, err := readPtr(s, addr, futureResultOffset)
	if err != nil || !pointerValidOrNull(s, result, MinObjectSize) {
		return ReasonBadPointer
	}
	return Valid
}

func (futureDecoder) DirectReferents(_ *Environment, s *region.Store, addr Addr) ([]Addr, error) {
	result, err := readPtr(s, addr, futureResultOffset)
	if err != nil || result.IsNull() {
		return nil, nil
	}
	return []Addr{result}, nil
}

func (futureDecoder) Repr(env *Environment, s *region.Store, t *Traversal, addr Addr) string {
	return reprFuture(env, s, t, addr, "Future")
}

func init() { register(futureDecoder{}) }

func reprFuture(env *Environment, s *region.Store, t *Traversal, addr Addr, label string) string {
	state, err := readI64(s, addr, futureStateOffset)
	if err != nil {
		return fmt.Sprintf("<%s !out_of_range>", label)
	}
	return fmt.Sprintf("<%s state=%s>", label, futureStateString(state))
}

// Task layout: header(8) + state:int64(8) + result:ptr(8) +
// coro:ptr(8, the suspended coroutine frame, optional) +
// futWaiter:ptr(8, the Future or Task this task is blocked on). A Task
// awaits fut_waiter, per spec.md §4.6.
const (
	taskCoroOffset      = 24
	taskFutWaiterOffset = 32
	taskHeaderSize      = 40
)

type taskDecoder struct{}

func (taskDecoder) Name() string { return "Task" }

func (taskDecoder) Size(_ *region.Store, _ Addr) (int64, error) { return taskHeaderSize, nil }

func (d taskDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	typeOf, err := TypeOf(s, addr)
	if err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	if !s.ExistsRange(addr, taskHeaderSize) {
		return ReasonBadSize
	}
	state, err := readI64(s, addr, futureStateOffset)
	if err != nil || state < FuturePending || state > FutureFinished {
		return ReasonBadState
	}
	for _, off := range []int64{futureResultOffset, taskCoroOffset, taskFutWaiterOffset} {
		p, err := readPtr(s, addr, off)
		if err != nil || !pointerValidOrNull(s, p, MinObjectSize) {
			return ReasonBadPointer
		}
	}
	return Valid
}

func (taskDecoder) DirectReferents(_ *Environment, s *region.Store, addr Addr) ([]Addr, error) {
	var out []Addr
	for _, off := range []int64{futureResultOffset, taskCoroOffset, taskFutWaiterOffset} {
		p, err := readPtr(s, addr, off)
		if err == nil && !p.IsNull() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (taskDecoder) Repr(env *Environment, s *region.Store, t *Traversal, addr Addr) string {
	return reprFuture(env, s, t, addr, "Task")
}

func init() { register(taskDecoder{}) }

// TaskWaiter returns the address a Task's fut_waiter field points at.
func TaskWaiter(s *region.Store, addr Addr) (Addr, error) {
	return readPtr(s, addr, taskFutWaiterOffset)
}

// GatheringFuture layout: header(8) + state:int64(8) + result:ptr(8) +
// children:ptr(8, a tuple of the Futures/Tasks being gathered). A
// GatheringFuture awaits the set returned by its children accessor,
// per spec.md §4.6.
const (
	gatheringChildrenOffset = 24
	gatheringHeaderSize     = 32
)

type gatheringFutureDecoder struct{}

func (gatheringFutureDecoder) Name() string { return "GatheringFuture" }

func (gatheringFutureDecoder) Size(_ *region.Store, _ Addr) (int64, error) {
	return gatheringHeaderSize, nil
}

func (d gatheringFutureDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	typeOf, err := TypeOf(s, addr)
	if err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	if !s.ExistsRange(addr, gatheringHeaderSize) {
		return ReasonBadSize
	}
	state, err := readI64(s, addr, futureStateOffset)
	if err != nil || state < FuturePending || state > FutureFinished {
		return ReasonBadState
	}
	result, err := readPtr(s, addr, futureResultOffset)
	if err != nil || !pointerValidOrNull(s, result, MinObjectSize) {
		return ReasonBadPointer
	}
	children, err := readPtr(s, addr, gatheringChildrenOffset)
	if err != nil || !pointerValid(s, children, tupleItemsOffset) {
		return ReasonBadPointer
	}
	return Valid
}

func (gatheringFutureDecoder) DirectReferents(_ *Environment, s *region.Store, addr Addr) ([]Addr, error) {
	var out []Addr
	if result, err := readPtr(s, addr, futureResultOffset); err == nil && !result.IsNull() {
		out = append(out, result)
	}
	children, err := GatheringChildren(s, addr)
	if err != nil {
		return out, nil
	}
	return append(out, children...), nil
}

func (gatheringFutureDecoder) Repr(env *Environment, s *region.Store, t *Traversal, addr Addr) string {
	return reprFuture(env, s, t, addr, "GatheringFuture")
}

func init() { register(gatheringFutureDecoder{}) }

// GatheringChildren returns the set of Futures/Tasks a GatheringFuture
// is waiting on.
func GatheringChildren(s *region.Store, addr Addr) ([]Addr, error) {
	children, err := readPtr(s, addr, gatheringChildrenOffset)
	if err != nil {
		return nil, err
	}
	return tupleItems(s, children)
}

// IsAsyncType reports whether name (with any collision suffix already
// stripped) is one of the three async-graph type identities.
func IsAsyncType(name string) bool {
	switch name {
	case "Task", "Future", "GatheringFuture":
		return true
	default:
		return false
	}
}

// Awaits returns the set of addresses that the async object (Task,
// Future, or GatheringFuture) named typeName directly awaits, per the
// per-type rule in spec.md §4.6.
func Awaits(s *region.Store, typeName string, addr Addr) ([]Addr, error) {
	switch typeName {
	case "Task":
		w, err := TaskWaiter(s, addr)
		if err != nil || w.IsNull() {
			return nil, err
		}
		return []Addr{w}, nil
	case "GatheringFuture":
		return GatheringChildren(s, addr)
	default: // Future
		return nil, nil
	}
}
