// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Raw is the phantom element type for addresses that name untyped bytes,
// the target-address analogue of a local void*.
type Raw struct{}

// Addr is shorthand for an address of untyped bytes.
type Addr = MappedAddress[Raw]

// ErrOutOfRange is returned whenever a read would cross a region
// boundary, or an address falls in no captured region at all. Per the
// error taxonomy (OutOfRange), this is never fatal: callers treat it
// as "the bytes in question aren't here" and fold it into a validation
// failure.
var ErrOutOfRange = errors.New("region: address range not wholly contained in a single captured region")

// Region is one contiguous captured range of the target process's
// address space, backed by memory-mapped bytes from the snapshot.
type Region struct {
	Start Addr
	End   Addr
	Data  []byte // len(Data) == End.Sub(Start)
}

// Size returns the region's length in bytes.
func (r *Region) Size() int64 {
	return r.End.Sub(r.Start)
}

type mappedFile struct {
	data []byte // the full mmap'd contents of the backing file
}

// Store owns the memory-mapped files backing a snapshot and answers
// address-to-bytes queries against them. A Store never mutates the
// snapshot and never attaches to a live process; its only input is
// what's already on disk.
type Store struct {
	regions     []*Region // sorted by Start, disjoint, half-open
	mappedFiles []*mappedFile
	totalBytes  int64
}

// Open loads a snapshot from path, which is either a directory of
// mem.<start-hex>.<end-hex>.bin files or a single file containing a
// sequence of {u64 start; u64 end; bytes[end-start]} records.
func Open(path string) (*Store, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("region: stat snapshot: %w", err)
	}
	s := &Store{}
	if fi.IsDir() {
		if err := s.openDir(path); err != nil {
			return nil, err
		}
	} else {
		if err := s.openConcat(path); err != nil {
			return nil, err
		}
	}
	sort.Slice(s.regions, func(i, j int) bool {
		return s.regions[i].Start < s.regions[j].Start
	})
	return s, nil
}

// openDir loads every mem.<hex>.<hex>.bin file in dir. Filenames that
// aren't exactly four dot-separated tokens "mem", start-hex, any end
// token, "bin" are silently skipped, to tolerate foreign files left in
// the directory by other tools. A region's end comes from the file's
// size; the end token is not parsed.
func (s *Store) openDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("region: read snapshot dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		start, ok := parseRegionFilename(e.Name())
		if !ok {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("region: open %s: %w", e.Name(), err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("region: stat %s: %w", e.Name(), err)
		}
		size := info.Size()
		data, err := mmapFile(f, size)
		f.Close()
		if err != nil {
			return fmt.Errorf("region: mmap %s: %w", e.Name(), err)
		}
		if size == 0 {
			continue
		}
		s.mappedFiles = append(s.mappedFiles, &mappedFile{data: data})
		s.regions = append(s.regions, &Region{
			Start: Addr(start),
			End:   Addr(start).OffsetBytes(size),
			Data:  data,
		})
		s.totalBytes += size
	}
	return nil
}

// parseRegionFilename reports whether name has the shape
// "mem.START.END.bin" with START valid hex, and returns START parsed as
// hex. END is not checked.
func parseRegionFilename(name string) (uint64, bool) {
	tokens := strings.Split(name, ".")
	if len(tokens) != 4 || tokens[0] != "mem" || tokens[3] != "bin" {
		return 0, false
	}
	start, err := strconv.ParseUint(tokens[1], 16, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

// openConcat loads a single file holding a sequence of
// {u64le start; u64le end; bytes[end-start]} records until EOF.
func (s *Store) openConcat(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("region: open snapshot: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("region: stat snapshot: %w", err)
	}
	size := info.Size()
	data, err := mmapFile(f, size)
	f.Close()
	if err != nil {
		return fmt.Errorf("region: mmap snapshot: %w", err)
	}
	if size > 0 {
		s.mappedFiles = append(s.mappedFiles, &mappedFile{data: data})
	}

	off := int64(0)
	for off < size {
		if off+16 > size {
			return fmt.Errorf("region: truncated record header at offset %d", off)
		}
		start := binary.LittleEndian.Uint64(data[off : off+8])
		end := binary.LittleEndian.Uint64(data[off+8 : off+16])
		off += 16
		regionSize := int64(end - start)
		if regionSize < 0 || off+regionSize > size {
			return fmt.Errorf("region: record [%x,%x) extends past end of file", start, end)
		}
		s.regions = append(s.regions, &Region{
			Start: Addr(start),
			End:   Addr(end),
			Data:  data[off : off+regionSize],
		})
		s.totalBytes += regionSize
		off += regionSize
	}
	return nil
}

func mmapFile(f *os.File, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
}

// Close unmaps every memory-mapped file owned by the Store. The Store
// must not be used afterward.
func (s *Store) Close() error {
	var firstErr error
	for _, m := range s.mappedFiles {
		if m.data == nil {
			continue
		}
		if err := unix.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewForTesting builds a Store directly from in-memory regions,
// bypassing the mmap/on-disk snapshot format entirely. Test packages
// use this to build the handcrafted synthetic snapshots of spec.md §8
// without touching disk; Close on the result is a no-op since there is
// nothing mapped to unmap.
func NewForTesting(regions []Region) *Store {
	s := &Store{}
	for i := range regions {
		r := regions[i]
		s.regions = append(s.regions, &r)
		s.totalBytes += r.Size()
	}
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].Start < s.regions[j].Start })
	return s
}

// findRegion returns the region containing addr, or nil.
func (s *Store) findRegion(addr Addr) *Region {
	// upper-bound on Start, then step back one and check containment.
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].Start > addr
	})
	if i == 0 {
		return nil
	}
	r := s.regions[i-1]
	if addr < r.End {
		return r
	}
	return nil
}

// Exists reports whether addr falls within some captured region.
func (s *Store) Exists(addr Addr) bool {
	return s.findRegion(addr) != nil
}

// ExistsRange reports whether [addr, addr+n) lies wholly within a
// single captured region.
func (s *Store) ExistsRange(addr Addr, n int64) bool {
	if n < 0 {
		return false
	}
	r := s.findRegion(addr)
	if r == nil {
		return false
	}
	return addr.OffsetBytes(n) <= r.End
}

// Read returns the n bytes of the snapshot starting at addr. It fails
// with ErrOutOfRange if [addr, addr+n) isn't wholly contained in one
// region.
func (s *Store) Read(addr Addr, n int64) ([]byte, error) {
	r := s.findRegion(addr)
	if r == nil {
		return nil, fmt.Errorf("%w: %s not in any region", ErrOutOfRange, addr)
	}
	off := addr.Sub(r.Start)
	if off+n > r.Size() || n < 0 {
		return nil, fmt.Errorf("%w: [%s,+%d) beyond end of region %s-%s", ErrOutOfRange, addr, n, r.Start, r.End)
	}
	return r.Data[off : off+n], nil
}

// ReadToEnd returns the bytes of the snapshot from addr to the end of
// its containing region.
func (s *Store) ReadToEnd(addr Addr) ([]byte, error) {
	r := s.findRegion(addr)
	if r == nil {
		return nil, fmt.Errorf("%w: %s not in any region", ErrOutOfRange, addr)
	}
	off := addr.Sub(r.Start)
	return r.Data[off:], nil
}

// RegionForAddress returns the start address and size of the region
// containing addr.
func (s *Store) RegionForAddress(addr Addr) (Addr, int64, error) {
	r := s.findRegion(addr)
	if r == nil {
		return 0, 0, fmt.Errorf("%w: %s not in any region", ErrOutOfRange, addr)
	}
	return r.Start, r.Size(), nil
}

// AllRegions returns a stable, address-sorted snapshot of every
// captured region.
func (s *Store) AllRegions() []Region {
	out := make([]Region, len(s.regions))
	for i, r := range s.regions {
		out[i] = *r
	}
	return out
}

// TotalBytes returns the sum of the sizes of all captured regions.
func (s *Store) TotalBytes() int64 {
	return s.totalBytes
}

// Get reads a structural view of a T at addr. Target types are fixed,
// pinned, little-endian C layouts (see spec §6), so decoding is a
// straight little-endian binary.Read, the same pattern used to decode
// the ELF prstatus/prpsinfo structures this package's teacher reads
// from core files.
func Get[T any](s *Store, addr MappedAddress[T]) (T, error) {
	var zero T
	size := int64(binary.Size(zero))
	if size < 0 {
		panic(fmt.Sprintf("region: %T has no fixed binary size", zero))
	}
	data, err := s.Read(Cast[Raw](addr), size)
	if err != nil {
		return zero, err
	}
	var v T
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &v); err != nil {
		return zero, fmt.Errorf("region: decode %T at %s: %w", zero, addr, err)
	}
	return v, nil
}

// ExistsArray reports whether count contiguous Ts starting at addr all
// lie within a single region.
func ExistsArray[T any](s *Store, addr MappedAddress[T], count int64) bool {
	var zero T
	elemSize := int64(binary.Size(zero))
	if elemSize < 0 {
		panic(fmt.Sprintf("region: %T has no fixed binary size", zero))
	}
	return s.ExistsRange(Cast[Raw](addr), elemSize*count)
}

// ObjectValid reports whether addr is non-null, aligned to alignment
// bytes, and names a readable region of at least minSize bytes. This
// is the baseline "is this pointer field plausible" check every
// validator performs on every embedded pointer (spec §4.4(ii)).
func ObjectValid[T any](s *Store, addr MappedAddress[T], alignment uint64, minSize int64) bool {
	if addr.IsNull() {
		return false
	}
	if uint64(addr)&(alignment-1) != 0 {
		return false
	}
	return s.ExistsRange(Cast[Raw](addr), minSize)
}

// ObjectValidOrNull is ObjectValid, except null is also accepted. Most
// embedded pointer fields in the target's object layouts are optional.
func ObjectValidOrNull[T any](s *Store, addr MappedAddress[T], alignment uint64, minSize int64) bool {
	return addr.IsNull() || ObjectValid(s, addr, alignment, minSize)
}

// ReadCString reads a NUL-terminated byte string starting at addr.
func ReadCString(s *Store, addr MappedAddress[byte]) (string, error) {
	data, err := s.ReadToEnd(Cast[Raw](addr))
	if err != nil {
		return "", err
	}
	n := bytes.IndexByte(data, 0)
	if n < 0 {
		return "", fmt.Errorf("%w: unterminated string at %s", ErrOutOfRange, addr)
	}
	return string(data[:n]), nil
}
