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
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sync"
)

// Address constants.
const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteMask = 0x1ff << pteShift
	pmdMask = 0x1ff << pmdShift
	pudMask = 0x1ff << pudShift
	pgdMask = 0x1ff << pgdShift

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	entriesPerPage = hostarch.PTEsPerPage

	// kernelIndex is the top-level index of the kernel half.
	kernelIndex = uint16((uint64(hostarch.KernelBase) & pgdMask) >> pgdShift)

	// kernelEndIndex is one past the top-level index of KernelTop - 1.
	kernelEndIndex = kernelIndex + uint16((hostarch.KernelTop-hostarch.KernelBase)>>pgdShift)
)

// visitor is the interface implemented by the per-operation walk logic.
type visitor interface {
	// visit is called on each leaf entry in the walked range. It returns
	// false to stop the walk.
	visit(addr uintptr, pte *PTE) bool

	// requiresAlloc indicates that missing tables are allocated.
	requiresAlloc() bool

	// reclaims indicates that tables left empty by the walk are freed.
	reclaims() bool
}

// Walker walks page tables on behalf of a visitor.
type Walker struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// h allocates table frames.
	h *sync.LockHolder

	// visitor is the set of arguments.
	visitor visitor

	// err is the allocation failure that stopped the walk, if any.
	err error
}

// When walking page tables, get the address of the next boundary,
// or the end address of the range if that comes earlier.
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// iterateRange iterates over all appropriate levels of page tables for the
// given range. It returns false if the visitor stopped the walk or a table
// could not be allocated, in which case w.err is set.
func (w *Walker) iterateRange(start, end uintptr) bool {
	// Start at very top level of page tables and walk down.
	for start < end {
		nextBoundary := addrEnd(start, end, pgdSize)
		pgdIndex := uint16((start & pgdMask) >> pgdShift)
		pgdEntry := &w.pageTables.root[pgdIndex]
		pudEntries, ok := w.next(pgdEntry)
		if !ok {
			if w.err != nil {
				return false
			}
			// Skip over this entry.
			start = nextBoundary
			continue
		}

		// Map the next level.
		ok, clearPUDEntries := w.walkPUDs(pudEntries, start, nextBoundary)
		if !ok {
			return false
		}

		// The kernel half is shared by every address space and is never
		// reclaimed.
		if pgdIndex < kernelIndex {
			w.reclaim(pgdEntry, pudEntries, clearPUDEntries)
		}

		// Advance to the next PGD entry's range for the next loop.
		start = nextBoundary
	}
	return true
}

// walkPUDs iterates over the PUD entries in the given range.
//
// Returns:
//   - ok: whether the walk was successful.
//   - clearEntries: number of clear entries.
func (w *Walker) walkPUDs(pudEntries *PTEs, start, end uintptr) (bool, uint16) {
	var clearEntries uint16
	for start < end {
		nextBoundary := addrEnd(start, end, pudSize)
		pudIndex := uint16((start & pudMask) >> pudShift)
		pudEntry := &pudEntries[pudIndex]
		pmdEntries, ok := w.next(pudEntry)
		if !ok {
			if w.err != nil {
				return false, clearEntries
			}
			// Skip over this entry.
			clearEntries++
			start = nextBoundary
			continue
		}

		// Map the next level, since this is valid.
		ok, clearPMDEntries := w.walkPMDs(pmdEntries, start, nextBoundary)
		if !ok {
			return false, clearEntries
		}

		// Check if we no longer need this page.
		if w.reclaim(pudEntry, pmdEntries, clearPMDEntries) {
			clearEntries++
		}

		start = nextBoundary
	}
	return true, clearEntries
}

// walkPMDs iterates over the PMD entries in the given range.
//
// Returns:
//   - ok: whether the walk was successful.
//   - clearEntries: number of clear entries.
func (w *Walker) walkPMDs(pmdEntries *PTEs, start, end uintptr) (bool, uint16) {
	var clearEntries uint16
	for start < end {
		nextBoundary := addrEnd(start, end, pmdSize)
		pmdIndex := uint16((start & pmdMask) >> pmdShift)
		pmdEntry := &pmdEntries[pmdIndex]
		pteEntries, ok := w.next(pmdEntry)
		if !ok {
			if w.err != nil {
				return false, clearEntries
			}
			// Skip over this entry.
			clearEntries++
			start = nextBoundary
			continue
		}

		// Map the next level, since this is valid.
		ok, clearPTEntries := w.walkPTEs(pteEntries, start, nextBoundary)
		if !ok {
			return false, clearEntries
		}

		// Check if we no longer need this page.
		if w.reclaim(pmdEntry, pteEntries, clearPTEntries) {
			clearEntries++
		}

		start = nextBoundary
	}
	return true, clearEntries
}

// walkPTEs iterates over the PTEs in the given range and calls the visitor
// for each one. Clear entries are counted if the visitor does not require
// allocation.
//
// Returns:
//   - ok: whether the walk was successful.
//   - clearEntries: number of clear entries.
func (w *Walker) walkPTEs(entries *PTEs, start, end uintptr) (bool, uint16) {
	var clearEntries uint16
	for start < end {
		pteIndex := uint16((start & pteMask) >> pteShift)
		entry := &entries[pteIndex]
		if !entry.Valid() && !w.visitor.requiresAlloc() {
			clearEntries++
			start += pteSize
			continue
		}

		// At this point, we are guaranteed that start%pteSize == 0.
		if !w.visitor.visit(start&^(pteSize-1), entry) {
			return false, clearEntries
		}
		if !entry.Valid() && !w.visitor.requiresAlloc() {
			clearEntries++
		}

		// Note that the pte was changed.
		start += pteSize
	}
	return true, clearEntries
}

// next returns the table referenced by entry, allocating it if the visitor
// requires allocation. ok is false if there is no table; w.err is set if
// allocation failed.
func (w *Walker) next(entry *PTE) (*PTEs, bool) {
	if entry.Valid() {
		return w.pageTables.tableAt(entry.Address()), true
	}
	if !w.visitor.requiresAlloc() {
		return nil, false
	}
	pa, err := w.pageTables.newTable(w.h)
	if err != nil {
		w.err = err
		return nil, false
	}
	entry.setPageTable(pa)
	return w.pageTables.tableAt(pa), true
}

// reclaim frees the table referenced by entry if the walk left it empty. It
// returns true if the entry is now clear.
func (w *Walker) reclaim(entry *PTE, entries *PTEs, clearEntries uint16) bool {
	if !w.visitor.reclaims() {
		return false
	}
	if clearEntries != entriesPerPage && !entries.empty() {
		return false
	}
	pa := entry.Address()
	entry.Clear()
	w.pageTables.retire(pa)
	return true
}
