// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Simulated address space.
//
// This package is an embeddable collector for a host process, not the
// host's own native allocator, so it cannot hand out raw unsafe.Pointer
// values the way cloudfly-readgo/runtime's mspans do — a host application
// would never accept a library that lets GC addresses alias arbitrary Go
// objects. Instead every region of memory this package owns (the minor
// heap's double semispace, each major-heap chunk) is backed by a plain
// []uintptr slice, and addresses are word-granular offsets into a single
// logical address space shared by every region. Page-table and header
// arithmetic work exactly as spec.md describes; only the byte-vs-word
// granularity differs (wordSize bytes per unit), which is immaterial to
// every invariant in spec.md §3.

package gc

import (
	"sort"
	"unsafe"
)

// Addr is a word-granular address into the simulated heap. Word 0 is
// never assigned (mirrors spec.md §4.2's "page 0 is reserved").
type Addr uintptr

const nilAddr Addr = 0

// HeaderAddr is the address of a header word.
type HeaderAddr Addr

// FieldAddr is the address of a value-sized field slot (what the write
// barrier and remembered set call "p").
type FieldAddr Addr

// HpOfVal returns the address of v's header, one word before its first
// field. v must be a block (IsBlock()).
func HpOfVal(v Value) HeaderAddr { return HeaderAddr(Addr(v) - 1) }

// ValOfHp returns the Value addressing the first field of the block
// whose header is at hp.
func ValOfHp(hp HeaderAddr) Value { return Value(Addr(hp) + 1) }

// wordSize is nominal: this package counts in words, not bytes, but
// keeps a byte-sized constant around for page-size/size-in-bytes
// tunables (§6) that are naturally expressed in bytes.
const wordSize = 8

// memRegion is one contiguously-addressed allocation: the whole minor
// heap, or a single major-heap chunk.
type memRegion struct {
	base  Addr
	words []uintptr

	// mapped is set when words views OS-mmap'd memory (huge-page chunks)
	// rather than a Go-managed slice; munmap must be used to release it.
	mapped []byte

	// poolBuf is set when words views a slab borrowed from a statPool
	// (ordinary-sized major chunks, see growMajorHeap); it must be
	// returned with statPool.Put rather than freed or munmap'd.
	poolBuf []byte
}

func (r *memRegion) end() Addr { return r.base + Addr(len(r.words)) }

func (r *memRegion) contains(a Addr) bool { return a >= r.base && a < r.end() }

// addrSpace hands out disjoint regions in one logical address space and
// resolves an Addr back to its owning region.
type addrSpace struct {
	regions []*memRegion // kept sorted by base
	next    Addr
}

func newAddrSpace() *addrSpace {
	// Start past address 0 so nilAddr is never a valid in-heap address,
	// and leave headroom below every region so HpOfVal never underflows.
	return &addrSpace{next: 1 << 20}
}

// alloc creates a new Go-backed region of the given word count.
func (s *addrSpace) alloc(words int) *memRegion {
	r := &memRegion{base: s.next, words: make([]uintptr, words)}
	s.insert(r)
	return r
}

// allocMapped creates a new region backed by raw mmap'd bytes, reusing
// the teacher's reach for unsafe.Slice (malloc.go, iface.go both use
// unsafe extensively for pointer-width reinterpretation) to view the
// byte buffer as a word array.
func (s *addrSpace) allocMapped(buf []byte) *memRegion {
	n := len(buf) / wordSize
	words := unsafe.Slice((*uintptr)(unsafe.Pointer(&buf[0])), n)
	r := &memRegion{base: s.next, words: words, mapped: buf}
	s.insert(r)
	return r
}

// allocPooled creates a region backed by a slab borrowed from a
// statPool, reusing the same unsafe.Slice reinterpretation allocMapped
// uses for mmap'd memory.
func (s *addrSpace) allocPooled(buf []byte) *memRegion {
	n := len(buf) / wordSize
	words := unsafe.Slice((*uintptr)(unsafe.Pointer(&buf[0])), n)
	r := &memRegion{base: s.next, words: words, poolBuf: buf}
	s.insert(r)
	return r
}

func (s *addrSpace) insert(r *memRegion) {
	// Start the next region on a fresh page at least one word past this
	// one, so every region is page-aligned and no header/field address
	// arithmetic can spill from one region into the next.
	s.next = Addr(roundUpPages(uintptr(r.end() + 1)))
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].base >= r.base })
	s.regions = append(s.regions, nil)
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
}

// release removes r from the space. It does not reclaim r.base for
// reuse (addresses are never recycled within a process lifetime, same
// as a real heap).
func (s *addrSpace) release(r *memRegion) {
	for i, cand := range s.regions {
		if cand == r {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return
		}
	}
}

func (s *addrSpace) regionOf(a Addr) (*memRegion, bool) {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].end() > a })
	if i < len(s.regions) && s.regions[i].contains(a) {
		return s.regions[i], true
	}
	return nil, false
}

// Word reads the raw word at a. It panics if a is not backed by any
// live region — the simulated-address-space analogue of a segfault, and
// always a programmer error in this package (never a user-facing
// condition).
func (s *addrSpace) Word(a Addr) uintptr {
	r, ok := s.regionOf(a)
	if !ok {
		panic("gc: read of unmapped address")
	}
	return r.words[a-r.base]
}

// SetWord writes the raw word at a.
func (s *addrSpace) SetWord(a Addr, w uintptr) {
	r, ok := s.regionOf(a)
	if !ok {
		panic("gc: write of unmapped address")
	}
	r.words[a-r.base] = w
}

// Header reads the header word at hp.
func (s *addrSpace) Header(hp HeaderAddr) Header { return Header(s.Word(Addr(hp))) }

// SetHeader writes the header word at hp.
func (s *addrSpace) SetHeader(hp HeaderAddr, h Header) { s.SetWord(Addr(hp), uintptr(h)) }

// Field reads field i (0-based) of the block whose first field is at
// base.
func (s *addrSpace) Field(base Addr, i uintptr) Value { return Value(s.Word(base + Addr(i))) }

// SetField writes field i of the block whose first field is at base.
func (s *addrSpace) SetField(base Addr, i uintptr, v Value) { s.SetWord(base+Addr(i), uintptr(v)) }
