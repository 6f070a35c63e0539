// Copyright 2026 The vmcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagetables

import (
	"fmt"
	"sync/atomic"

	"vmcore.dev/vmcore/pkg/hostarch"
)

// Bits in page table entries.
const (
	present        = 0x001
	writable       = 0x002
	user           = 0x004
	writeThrough   = 0x008
	cacheDisable   = 0x010
	accessed       = 0x020
	dirty          = 0x040
	executeDisable = 1 << 63
	addressMask    = 0x000f_ffff_ffff_f000
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// User indicates the page is a user page.
	User bool

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	u := 'k'
	if o.User {
		u = 'u'
	}
	return fmt.Sprintf("%v%c:%s", o.AccessType, u, o.MemoryType.ShortString())
}

// PTE is a page table entry. All accesses are atomic: the MMU walks tables
// concurrently with updates.
type PTE uint64

func (p *PTE) load() uint64 {
	return atomic.LoadUint64((*uint64)(p))
}

func (p *PTE) store(v uint64) {
	atomic.StoreUint64((*uint64)(p), v)
}

// Clear clears this PTE.
func (p *PTE) Clear() {
	p.store(0)
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return p.load()&present != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid.
func (p *PTE) Opts() MapOpts {
	v := p.load()
	opts := MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0,
		},
		User: v&user != 0,
	}
	switch {
	case v&cacheDisable != 0:
		opts.MemoryType = hostarch.MemoryTypeUncached
	case v&writeThrough != 0:
		opts.MemoryType = hostarch.MemoryTypeWriteCombine
	}
	return opts
}

// Dirty returns true if the page was written through this entry.
func (p *PTE) Dirty() bool {
	return p.load()&dirty != 0
}

// Accessed returns true if the page was accessed through this entry.
func (p *PTE) Accessed() bool {
	return p.load()&accessed != 0
}

// markUsed sets the accessed bit, and the dirty bit for writes, the way a
// hardware walker does on a successful translation.
func (p *PTE) markUsed(write bool) {
	bits := uint64(accessed)
	if write {
		bits |= dirty
	}
	for {
		v := p.load()
		if v&present == 0 || v&bits == bits {
			return
		}
		if atomic.CompareAndSwapUint64((*uint64)(p), v, v|bits) {
			return
		}
	}
}

// Set sets this PTE value. An entry with no access is cleared.
func (p *PTE) Set(addr hostarch.PhysAddr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := (uint64(addr) & addressMask) | present | accessed
	if opts.User {
		v |= user
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.AccessType.Write {
		v |= writable
	}
	switch opts.MemoryType {
	case hostarch.MemoryTypeUncached:
		v |= cacheDisable
	case hostarch.MemoryTypeWriteCombine:
		v |= writeThrough
	}
	p.store(v)
}

// setPageTable sets this PTE value and forces the write bit and user bit.
//
// This is used explicitly for breaking table entries; permissions are
// enforced by the leaf entries only.
func (p *PTE) setPageTable(addr hostarch.PhysAddr) {
	p.store((uint64(addr) & addressMask) | present | user | writable | accessed | dirty)
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (p *PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(p.load() & addressMask)
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	if !p.Valid() {
		return "none"
	}
	return fmt.Sprintf("%#x %v", uint64(p.Address()), p.Opts())
}

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// empty returns true if no entry of t is valid.
func (t *PTEs) empty() bool {
	for i := range t {
		if t[i].Valid() {
			return false
		}
	}
	return true
}
