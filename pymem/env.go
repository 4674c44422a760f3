// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/segmentio/encoding/json"

	"github.com/nielstron/python-memtools/region"
)

// metaTypeName is the decoded name every meta-type's own name field
// must carry, per the environment invariant in spec.md §3.
const metaTypeName = "type"

// Environment is the persistent analysis state for one snapshot: the
// address of the base meta-type and a name-to-address map of every
// type object discovered so far. It is read-mostly during scans;
// mutations only ever happen between scans (FindBaseMetaType,
// FindAllTypes, AddType).
type Environment struct {
	SnapshotPath string          `json:"snapshot_path"`
	BaseMetaType Addr             `json:"base_meta_type"`
	Types        map[string]Addr `json:"types"`
	// InterpHead, if set, is the head of the target runtime's
	// thread-state linked list, the starting point for find-all-threads
	// and find-all-stacks. Thread states aren't PyObjects in the target
	// runtime (no "type-of" field), so they can't be discovered by the
	// type-dispatch sweep the rest of the catalog uses. It is set only
	// by SetInterpHead or by loading a sidecar that records it; no
	// shell command sets it and no sweep locates it.
	InterpHead Addr `json:"interp_head"`

	mu     sync.RWMutex
	byAddr map[Addr]string // reverse index, kept in sync with Types
}

// SetInterpHead records the head of the thread-state list and saves
// the sidecar.
func (env *Environment) SetInterpHead(addr Addr) error {
	env.mu.Lock()
	env.InterpHead = addr
	env.mu.Unlock()
	return env.Save()
}

// NewEnvironment returns an empty Environment for the snapshot at path.
func NewEnvironment(snapshotPath string) *Environment {
	return &Environment{
		SnapshotPath: snapshotPath,
		Types:        map[string]Addr{},
		byAddr:       map[Addr]string{},
	}
}

// sidecarPath is the analysis sidecar's path, adjacent to the snapshot.
func sidecarPath(snapshotPath string) string {
	return filepath.Clean(snapshotPath) + ".pymemtools.json"
}

// Load reads the sidecar adjacent to snapshotPath, if it exists. It
// returns a fresh empty Environment (not an error) if no sidecar is
// present yet: bootstrapping happens on first use.
func Load(snapshotPath string) (*Environment, error) {
	data, err := os.ReadFile(sidecarPath(snapshotPath))
	if os.IsNotExist(err) {
		return NewEnvironment(snapshotPath), nil
	}
	if err != nil {
		return nil, fmt.Errorf("pymem: read analysis sidecar: %w", err)
	}
	var env Environment
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("pymem: decode analysis sidecar: %w", err)
	}
	if env.Types == nil {
		env.Types = map[string]Addr{}
	}
	env.byAddr = make(map[Addr]string, len(env.Types))
	for name, addr := range env.Types {
		env.byAddr[addr] = name
	}
	return &env, nil
}

// Save persists the Environment to its sidecar file. FindBaseMetaType,
// FindAllTypes and SetInterpHead call it after they change the
// Environment; AddType does not save on its own.
func (env *Environment) Save() error {
	env.mu.RLock()
	defer env.mu.RUnlock()
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("pymem: encode analysis sidecar: %w", err)
	}
	tmp := sidecarPath(env.SnapshotPath) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("pymem: write analysis sidecar: %w", err)
	}
	return os.Rename(tmp, sidecarPath(env.SnapshotPath))
}

// TypeAddr returns the address of the named type and whether it was found.
func (env *Environment) TypeAddr(name string) (Addr, bool) {
	env.mu.RLock()
	defer env.mu.RUnlock()
	a, ok := env.Types[name]
	return a, ok
}

// MustTypeAddr is TypeAddr but returns a MissingTypeError for queries
// that can't proceed without the type.
func (env *Environment) MustTypeAddr(name string) (Addr, error) {
	a, ok := env.TypeAddr(name)
	if !ok {
		return 0, &MissingTypeError{Name: name}
	}
	return a, nil
}

// NameForAddr reverse-looks-up the type name registered at addr.
func (env *Environment) NameForAddr(addr Addr) (string, bool) {
	env.mu.RLock()
	defer env.mu.RUnlock()
	name, ok := env.byAddr[addr]
	return name, ok
}

// AddType registers name -> addr, applying the documented collision
// policy: first insertion wins the bare name; later, differently
// addressed types with the same name are suffixed with "+" + hex(addr).
// Returns the name actually used and whether a collision occurred.
func (env *Environment) AddType(name string, addr Addr) (string, bool) {
	env.mu.Lock()
	defer env.mu.Unlock()
	if existing, ok := env.Types[name]; !ok {
		env.Types[name] = addr
		env.byAddr[addr] = name
		return name, false
	} else if existing == addr {
		return name, false
	}
	suffixed := fmt.Sprintf("%s+%s", name, addr)
	env.Types[suffixed] = addr
	env.byAddr[addr] = suffixed
	return suffixed, true
}

// isKnownTypeOf reports whether typeOf is registered under the given
// base type name (ignoring any "+hex(addr)" collision suffix).
func (env *Environment) isKnownTypeOf(typeOf Addr, wantName string) bool {
	name, ok := env.NameForAddr(typeOf)
	if !ok {
		return false
	}
	return baseName(name) == wantName
}

// AllTypes returns a stable, name-sorted snapshot of the type map.
func (env *Environment) AllTypes() []struct {
	Name string
	Addr Addr
} {
	env.mu.RLock()
	defer env.mu.RUnlock()
	out := make([]struct {
		Name string
		Addr Addr
	}, 0, len(env.Types))
	for name, addr := range env.Types {
		out = append(out, struct {
			Name string
			Addr Addr
		}{name, addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindBaseMetaType sweeps the store for the unique object that is its
// own type-of pointer and whose name decodes to "type". It records
// BaseMetaType and saves the sidecar on success. Zero or multiple
// candidates is reported as an error and leaves the Environment
// unchanged, per spec.md §4.3.
func (env *Environment) FindBaseMetaType(s *region.Store, threads int, progress io.Writer) error {
	var mu sync.Mutex
	var candidates []Addr

	err := region.Scan[Header](s, func(obj Header, addr region.MappedAddress[Header], _ int) {
		a := region.Cast[region.Raw](addr)
		selfType := Addr(obj.TypeOf)
		if selfType != a {
			return
		}
		if !s.ExistsRange(a, typeObjectMinSize) {
			return
		}
		name, err := decodeTypeName(s, a)
		if err != nil || name != metaTypeName {
			return
		}
		// The rest of spec.md §4.3's "otherwise validates as a type
		// object" check: dict and base must be null or plausible
		// pointers, same as typeDecoder.Validate demands once
		// BaseMetaType is known.
		dict, err := readPtr(s, a, typeDictOffset)
		if err != nil || !pointerValidOrNull(s, dict, MinObjectSize) {
			return
		}
		base, err := readPtr(s, a, typeBaseOffset)
		if err != nil || !pointerValidOrNull(s, base, typeObjectMinSize) {
			return
		}
		mu.Lock()
		candidates = append(candidates, a)
		mu.Unlock()
	}, region.ScanOptions{Stride: 8, Threads: threads, Progress: progress})
	if err != nil {
		return err
	}

	switch len(candidates) {
	case 0:
		return fmt.Errorf("pymem: no base meta-type candidate found")
	case 1:
		env.mu.Lock()
		env.BaseMetaType = candidates[0]
		env.mu.Unlock()
		return env.Save()
	default:
		return fmt.Errorf("pymem: %d ambiguous base meta-type candidates found: %v", len(candidates), candidates)
	}
}

// FindAllTypes sweeps the store for every object whose type-of pointer
// equals BaseMetaType, decodes its name, and registers it, applying
// AddType's collision policy. Requires BaseMetaType to already be set.
func (env *Environment) FindAllTypes(s *region.Store, threads int, progress io.Writer, warn func(string)) error {
	env.mu.RLock()
	base := env.BaseMetaType
	env.mu.RUnlock()
	if base.IsNull() {
		return fmt.Errorf("pymem: base meta-type not set; run FindBaseMetaType first")
	}

	type found struct {
		addr Addr
		name string
	}
	var mu sync.Mutex
	var results []found

	err := region.Scan[Header](s, func(obj Header, addr region.MappedAddress[Header], _ int) {
		a := region.Cast[region.Raw](addr)
		if Addr(obj.TypeOf) != base {
			return
		}
		name, err := decodeTypeName(s, a)
		if err != nil {
			return
		}
		mu.Lock()
		results = append(results, found{a, name})
		mu.Unlock()
	}, region.ScanOptions{Stride: 8, Threads: threads, Progress: progress})
	if err != nil {
		return err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].addr < results[j].addr })
	any := false
	for _, f := range results {
		used, collided := env.AddType(f.name, f.addr)
		if collided && warn != nil {
			warn(fmt.Sprintf("type name collision: %q also names %s; recorded as %s", f.name, f.addr, used))
		}
		any = true
	}
	if any {
		return env.Save()
	}
	return nil
}

// Header is the fixed layout every target heap object starts with: a
// single pointer to its type object.
type Header struct {
	TypeOf uint64
}
