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

// Package pagetables provides four-level hardware page tables.
//
// Table pages are frames from the physical frame allocator, charged as page
// table memory. Entries are read and written atomically so that the MMU may
// walk the tables while they are modified; callers serialize modifications
// and must complete a TLB shootdown before releasing retired table frames.
package pagetables

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/usage"
)

// PageTables is a set of page tables.
type PageTables struct {
	alloc *pgalloc.Allocator

	// rootPhysical is the address of the top-level table.
	rootPhysical hostarch.PhysAddr

	// root is the top-level table.
	root *PTEs

	// kernel is set if these tables map only the kernel half.
	kernel bool

	// retired holds table frames unlinked by Unmap. They are released by
	// ReleaseRetired once no CPU can be walking them.
	retired []hostarch.PhysAddr
}

// Unmapped describes a leaf entry removed by Unmap.
type Unmapped struct {
	Addr     hostarch.Addr
	Physical hostarch.PhysAddr
	Opts     MapOpts
}

// NewKernel returns page tables for the kernel half. Every top-level entry
// of the kernel half is populated here, so page tables sharing it with
// NewWithKernel never go stale.
func NewKernel(h *sync.LockHolder, alloc *pgalloc.Allocator) (*PageTables, error) {
	p := &PageTables{alloc: alloc, kernel: true}
	if err := p.init(h); err != nil {
		return nil, err
	}
	for i := kernelIndex; i < kernelEndIndex; i++ {
		pa, err := p.newTable(h)
		if err != nil {
			p.Release(h)
			return nil, err
		}
		p.root[i].setPageTable(pa)
	}
	return p, nil
}

// NewWithKernel returns page tables for a user address space whose kernel
// half is shared with kernel.
func NewWithKernel(h *sync.LockHolder, alloc *pgalloc.Allocator, kernel *PageTables) (*PageTables, error) {
	if !kernel.kernel {
		panic("NewWithKernel called with user page tables")
	}
	p := &PageTables{alloc: alloc}
	if err := p.init(h); err != nil {
		return nil, err
	}
	for i := kernelIndex; i < kernelEndIndex; i++ {
		p.root[i].store(kernel.root[i].load())
	}
	return p, nil
}

func (p *PageTables) init(h *sync.LockHolder) error {
	pa, err := p.newTable(h)
	if err != nil {
		return err
	}
	p.rootPhysical = pa
	p.root = p.tableAt(pa)
	return nil
}

// newTable allocates a zeroed table frame.
func (p *PageTables) newTable(h *sync.LockHolder) (hostarch.PhysAddr, error) {
	f, err := p.alloc.AllocateOne(h, pgalloc.AllocOpts{Kind: usage.PageTables, Zero: true})
	if err != nil {
		return 0, err
	}
	return f.Addr(), nil
}

func (p *PageTables) retire(pa hostarch.PhysAddr) {
	p.retired = append(p.retired, pa)
}

// ReleaseRetired frees the table frames unlinked since the last call and
// returns how many were freed.
//
// Preconditions: every CPU that may have been walking these tables has
// acknowledged a TLB shootdown.
func (p *PageTables) ReleaseRetired(h *sync.LockHolder) int {
	n := len(p.retired)
	for _, pa := range p.retired {
		p.alloc.Release(h, p.alloc.FrameOf(pa))
	}
	p.retired = p.retired[:0]
	return n
}

// Root returns the physical address of the top-level table, the value
// loaded into a CPU's translation root register.
func (p *PageTables) Root() hostarch.PhysAddr {
	return p.rootPhysical
}

// IsKernel returns true if p maps the kernel half.
func (p *PageTables) IsKernel() bool {
	return p.kernel
}

// checkRange panics if [addr, addr+length) is not a page-aligned range that
// p may modify.
func (p *PageTables) checkRange(addr hostarch.Addr, length uintptr) {
	end := addr + hostarch.Addr(length)
	if length == 0 || !addr.IsPageAligned() || length%hostarch.PageSize != 0 || end < addr {
		panic(fmt.Sprintf("invalid page table range [%#x, +%#x)", addr, length))
	}
	if p.kernel {
		if addr < hostarch.KernelBase || end > hostarch.KernelTop {
			panic(fmt.Sprintf("range [%#x, %#x) outside the kernel half", addr, end))
		}
	} else if end > hostarch.MaxUserAddress {
		panic(fmt.Sprintf("range [%#x, %#x) outside the user half", addr, end))
	}
}

// mapVisitor is used for map.
type mapVisitor struct {
	target   uintptr           // Input.
	physical hostarch.PhysAddr // Input.
	opts     MapOpts           // Input.
	prev     []hostarch.PhysAddr
}

// visit implements visitor.visit.
func (v *mapVisitor) visit(start uintptr, pte *PTE) bool {
	if pte.Valid() {
		v.prev = append(v.prev, pte.Address())
	}
	pte.Set(v.physical+hostarch.PhysAddr(start-v.target), v.opts)
	return true
}

func (*mapVisitor) requiresAlloc() bool { return true }
func (*mapVisitor) reclaims() bool      { return false }

// Map installs a mapping of [addr, addr+length) to physical memory starting
// at physical. It returns the physical addresses previously mapped in the
// range, whose references now belong to the caller.
//
// If an intermediate table cannot be allocated, Map returns errors.ENOMEM;
// entries before the failure point have been installed.
//
// Preconditions: addr, length and physical must be page aligned.
func (p *PageTables) Map(h *sync.LockHolder, addr hostarch.Addr, length uintptr, opts MapOpts, physical hostarch.PhysAddr) ([]hostarch.PhysAddr, error) {
	p.checkRange(addr, length)
	if !physical.IsPageAligned() {
		panic(fmt.Sprintf("unaligned physical address %#x", physical))
	}
	if !opts.AccessType.Any() {
		return p.unmapped(h, addr, length), nil
	}
	v := mapVisitor{
		target:   uintptr(addr),
		physical: physical,
		opts:     opts,
	}
	w := Walker{pageTables: p, h: h, visitor: &v}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return v.prev, w.err
}

func (p *PageTables) unmapped(h *sync.LockHolder, addr hostarch.Addr, length uintptr) []hostarch.PhysAddr {
	var prev []hostarch.PhysAddr
	for _, u := range p.Unmap(h, addr, length) {
		prev = append(prev, u.Physical)
	}
	return prev
}

// unmapVisitor is used for unmap.
type unmapVisitor struct {
	unmapped []Unmapped
}

// visit implements visitor.visit.
func (v *unmapVisitor) visit(start uintptr, pte *PTE) bool {
	if !pte.Valid() {
		return true
	}
	v.unmapped = append(v.unmapped, Unmapped{
		Addr:     hostarch.Addr(start),
		Physical: pte.Address(),
		Opts:     pte.Opts(),
	})
	pte.Clear()
	return true
}

func (*unmapVisitor) requiresAlloc() bool { return false }
func (*unmapVisitor) reclaims() bool      { return true }

// Unmap clears every entry in [addr, addr+length) and returns the removed
// entries, whose references now belong to the caller. Tables left empty are
// retired; see ReleaseRetired.
func (p *PageTables) Unmap(h *sync.LockHolder, addr hostarch.Addr, length uintptr) []Unmapped {
	p.checkRange(addr, length)
	var v unmapVisitor
	w := Walker{pageTables: p, h: h, visitor: &v}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return v.unmapped
}

// protectVisitor is used for protect.
type protectVisitor struct {
	at      hostarch.AccessType
	changed int
}

// visit implements visitor.visit.
func (v *protectVisitor) visit(start uintptr, pte *PTE) bool {
	opts := pte.Opts()
	if opts.AccessType == v.at {
		return true
	}
	opts.AccessType = v.at
	pte.Set(pte.Address(), opts)
	v.changed++
	return true
}

func (*protectVisitor) requiresAlloc() bool { return false }
func (*protectVisitor) reclaims() bool      { return false }

// Protect changes the permissions of every valid entry in [addr,
// addr+length) to at, and returns the number of entries changed.
//
// Preconditions: at.Any().
func (p *PageTables) Protect(h *sync.LockHolder, addr hostarch.Addr, length uintptr, at hostarch.AccessType) int {
	p.checkRange(addr, length)
	if !at.Any() {
		panic("Protect with no access; use Unmap")
	}
	v := protectVisitor{at: at}
	w := Walker{pageTables: p, h: h, visitor: &v}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return v.changed
}

// walkVisitor adapts a function to the visitor interface.
type walkVisitor struct {
	fn func(addr hostarch.Addr, pte *PTE) bool
}

// visit implements visitor.visit.
func (v *walkVisitor) visit(start uintptr, pte *PTE) bool {
	return v.fn(hostarch.Addr(start), pte)
}

func (*walkVisitor) requiresAlloc() bool { return false }
func (*walkVisitor) reclaims() bool      { return false }

// Walk calls fn for every valid leaf entry in [addr, addr+length), in address
// order, until fn returns false. fn may modify the entry.
func (p *PageTables) Walk(addr hostarch.Addr, length uintptr, fn func(addr hostarch.Addr, pte *PTE) bool) {
	v := walkVisitor{fn: fn}
	w := Walker{pageTables: p, visitor: &v}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
}

// lookup returns the leaf entry for addr, or nil. It takes no locks.
func (p *PageTables) lookup(addr hostarch.Addr) *PTE {
	entries := p.root
	for _, shift := range [...]uint{pgdShift, pudShift, pmdShift} {
		entry := &entries[(uintptr(addr)>>shift)&(entriesPerPage-1)]
		if !entry.Valid() {
			return nil
		}
		entries = p.tableAt(entry.Address())
	}
	entry := &entries[(uintptr(addr)>>pteShift)&(entriesPerPage-1)]
	if !entry.Valid() {
		return nil
	}
	return entry
}

// Lookup returns the physical address and options of the translation for
// addr. It may run concurrently with modifications.
func (p *PageTables) Lookup(addr hostarch.Addr) (hostarch.PhysAddr, MapOpts, bool) {
	entry := p.lookup(addr)
	if entry == nil {
		return 0, MapOpts{}, false
	}
	return entry.Address() + hostarch.PhysAddr(addr.PageOffset()), entry.Opts(), true
}

// Translate is Lookup performed by a hardware walker on behalf of an access
// of type at: if the entry permits the access, its accessed bit (and its
// dirty bit for writes) is set.
func (p *PageTables) Translate(addr hostarch.Addr, at hostarch.AccessType) (hostarch.PhysAddr, MapOpts, bool) {
	entry := p.lookup(addr)
	if entry == nil {
		return 0, MapOpts{}, false
	}
	opts := entry.Opts()
	if opts.AccessType.SupersetOf(at) {
		entry.markUsed(at.Write)
	}
	return entry.Address() + hostarch.PhysAddr(addr.PageOffset()), opts, true
}

// Release frees every table frame owned by p. Leaf mappings are not
// released; the caller must have unmapped them.
func (p *PageTables) Release(h *sync.LockHolder) {
	last := uint16(kernelIndex)
	if p.kernel {
		last = entriesPerPage
	}
	for i := uint16(0); i < last; i++ {
		if p.root[i].Valid() {
			p.releaseTable(h, p.root[i].Address(), pudShift)
			p.root[i].Clear()
		}
	}
	p.ReleaseRetired(h)
	p.alloc.Release(h, p.alloc.FrameOf(p.rootPhysical))
	p.root = nil
}

// releaseTable frees the table at pa, whose entries map shift-sized ranges,
// and every table below it.
func (p *PageTables) releaseTable(h *sync.LockHolder, pa hostarch.PhysAddr, shift uint) {
	if shift > pteShift {
		entries := p.tableAt(pa)
		for i := range entries {
			if entries[i].Valid() {
				p.releaseTable(h, entries[i].Address(), shift-9)
			}
		}
	}
	p.alloc.Release(h, p.alloc.FrameOf(pa))
}
