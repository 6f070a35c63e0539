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

package mm

import (
	"context"
	"fmt"

	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/pagetables"
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/vmobject"
)

// MapOpts are options for mapping operations.
type MapOpts struct {
	// Addr is the start of the mapping. If zero, the lowest free range is
	// used. Otherwise Addr must be page aligned and the range free.
	Addr hostarch.Addr

	// Length is the length of the mapping, rounded up to a page.
	Length uint64

	// Perms are the permissions of the region.
	Perms hostarch.AccessType

	// Offset is the byte offset of the mapping in the file or shared
	// memory object. It must be page aligned.
	Offset uint64

	// Shared selects a shared file mapping, whose frames are shared with
	// every other shared mapping of the inode and written back by Sync.
	Shared bool

	// Precommit populates every page at map time instead of on first
	// access. Pages that must be read from an inode are not populated.
	Precommit bool
}

// flush accumulates page table changes awaiting a TLB shootdown.
type flush struct {
	// ar spans every modified entry. It is empty if no valid entry was
	// modified.
	ar hostarch.AddrRange

	// frames are the frames whose page table references are dropped after
	// the shootdown.
	frames []hostarch.PhysAddr

	// dropped are object references to drop once the address space is
	// unlocked.
	dropped []droppedRef
}

// droppedRef is a reference on an object whose slots [first, last) were
// unmapped.
type droppedRef struct {
	object      vmobject.Object
	first, last uint64
}

func (fl *flush) add(ar hostarch.AddrRange) {
	if fl.ar.Length() == 0 {
		fl.ar = ar
		return
	}
	fl.ar.Start = min(fl.ar.Start, ar.Start)
	fl.ar.End = max(fl.ar.End, ar.End)
}

// flushLocked shoots down the translations recorded in fl, then releases
// the frames and page tables they referenced. It returns the object
// references to be dropped with drop.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) flushLocked(h *sync.LockHolder, c *cpu.CPU, fl *flush) []droppedRef {
	if fl.ar.Length() != 0 {
		as.mm.machine.Shootdown(c, as.targetsLocked(), fl.ar)
		as.mm.stats.shootdowns.Add(1)
	}
	for _, pa := range fl.frames {
		if f := as.mm.alloc.FrameOf(pa); f != nil {
			as.mm.alloc.Release(h, f)
		}
	}
	as.pt.ReleaseRetired(h)
	dropped := fl.dropped
	*fl = flush{}
	return dropped
}

// drop writes back the unmapped pages of shared file objects, then drops
// the references.
//
// Preconditions: h holds no spinlocks.
func (as *AddressSpace) drop(ctx context.Context, h *sync.LockHolder, dropped []droppedRef) {
	for _, d := range dropped {
		if sf, ok := d.object.(*vmobject.SharedFile); ok {
			if err := sf.Sync(ctx, h, d.first, d.last); err != nil {
				log.Warningf("Writing back unmapped pages of %v: %v", sf, err)
			}
		}
		d.object.DecRef(h)
	}
}

// installLocked maps the page at addr to f with opts. The page table takes
// a reference on f.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) installLocked(h *sync.LockHolder, addr hostarch.Addr, f *pgalloc.Frame, opts pagetables.MapOpts, fl *flush) error {
	as.mm.alloc.Retain(f)
	prev, err := as.pt.Map(h, addr, hostarch.PageSize, opts, f.Addr())
	if err != nil {
		as.mm.alloc.Release(h, f)
		return err
	}
	if len(prev) != 0 {
		fl.frames = append(fl.frames, prev...)
		fl.add(hostarch.AddrRange{Start: addr, End: addr + hostarch.PageSize})
	}
	return nil
}

// mapOpts returns the page table options for page i of r.
func (as *AddressSpace) mapOpts(r *Region, i uint64) pagetables.MapOpts {
	at := r.pteOpts(i)
	if r.object.Kind() == vmobject.KindSharedFile {
		// Writes must fault so the page is marked dirty.
		at.Write = false
	}
	return pagetables.MapOpts{
		AccessType: at,
		User:       !as.kernel,
		MemoryType: r.object.MemoryType(),
	}
}

// installRegionLocked maps every populated page of r.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) installRegionLocked(h *sync.LockHolder, r *Region, fl *flush) error {
	if !r.perms.Any() {
		return nil
	}
	r.object.Lock(h)
	defer r.object.Unlock(h)
	for addr := r.ar.Start; addr < r.ar.End; addr += hostarch.PageSize {
		f := r.object.PhysicalPageEntry(r.slot(addr))
		if f == nil {
			continue
		}
		if err := as.installLocked(h, addr, f, as.mapOpts(r, r.pageIndex(addr)), fl); err != nil {
			return err
		}
	}
	return nil
}

// precommitLocked populates every page of r that can be filled without
// I/O, then maps r.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) precommitLocked(h *sync.LockHolder, r *Region, fl *flush) error {
	r.object.Lock(h)
	for addr := r.ar.Start; addr < r.ar.End; addr += hostarch.PageSize {
		if err := r.object.Populate(h, r.slot(addr)); err != nil && err != vmobject.ErrPageIn {
			r.object.Unlock(h)
			return err
		}
	}
	r.object.Unlock(h)
	return as.installRegionLocked(h, r, fl)
}

// unmapRegionLocked removes the page table entries of r.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) unmapRegionLocked(h *sync.LockHolder, r *Region, fl *flush) {
	for _, u := range as.pt.Unmap(h, r.ar.Start, uintptr(r.ar.Length())) {
		fl.frames = append(fl.frames, u.Physical)
	}
	fl.add(r.ar)
}

// isolateLocked splits the regions overlapping ar so that none extends
// beyond ar, and returns the regions inside ar in address order.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) isolateLocked(h *sync.LockHolder, ar hostarch.AddrRange) []*Region {
	rs := as.regionsInLocked(ar)
	for i, r := range rs {
		if r.ar.Start < ar.Start {
			r = r.split(ar.Start)
			as.regions.ReplaceOrInsert(r)
			as.trackLocked(h, r, true)
			rs[i] = r
		}
		if r.ar.End > ar.End {
			upper := r.split(ar.End)
			as.regions.ReplaceOrInsert(upper)
			as.trackLocked(h, upper, true)
		}
	}
	if checkInvariants {
		as.checkRegionsLocked()
	}
	return rs
}

// removeRegionsLocked removes every region, or part of a region, in ar.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) removeRegionsLocked(h *sync.LockHolder, ar hostarch.AddrRange, fl *flush) {
	for _, r := range as.isolateLocked(h, ar) {
		as.detachLocked(h, r, fl)
		first := r.slot(r.ar.Start)
		if !r.object.Shared() {
			// No other region maps these slots of a private object.
			r.object.Lock(h)
			for i := first; i < first+r.ar.Pages(); i++ {
				r.object.SetPhysicalPageEntry(h, i, nil)
			}
			r.object.Unlock(h)
		}
		fl.dropped = append(fl.dropped, droppedRef{
			object: r.object,
			first:  first,
			last:   first + r.ar.Pages(),
		})
	}
}

// userRange validates a range passed to a mapping operation, rounding
// length up to a page.
func userRange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	rounded, ok := hostarch.PageRoundUp(length)
	if !ok || length == 0 || !addr.IsPageAligned() {
		return hostarch.AddrRange{}, fmt.Errorf("range [%#x, +%#x): %w", addr, length, errors.EINVAL)
	}
	ar, ok := addr.ToRange(rounded)
	if !ok {
		return hostarch.AddrRange{}, fmt.Errorf("range [%#x, +%#x) overflows: %w", addr, length, errors.EINVAL)
	}
	return ar, nil
}

// mapObject inserts a region mapping length bytes of object at offset,
// taking over the caller's reference on object.
func (as *AddressSpace) mapObject(ctx context.Context, h *sync.LockHolder, c *cpu.CPU, object vmobject.Object, offset, length uint64, opts MapOpts) (*Region, error) {
	as.mu.Lock(h)
	var (
		ar  hostarch.AddrRange
		err error
	)
	if opts.Addr != 0 {
		ar, err = userRange(opts.Addr, length)
	} else {
		ar, err = as.findAvailableLocked(length)
	}
	var r *Region
	if err == nil {
		r, err = NewRegion(ar, opts.Perms, object, offset)
	}
	if err == nil {
		err = as.addRegionLocked(h, r)
	}
	if err != nil {
		as.mu.Unlock(h)
		object.DecRef(h)
		return nil, err
	}

	var fl flush
	if opts.Precommit {
		err = as.precommitLocked(h, r, &fl)
	}
	if err != nil {
		as.removeRegionsLocked(h, r.ar, &fl)
	}
	dropped := as.flushLocked(h, c, &fl)
	as.mu.Unlock(h)
	as.drop(ctx, h, dropped)
	if err != nil {
		return nil, err
	}
	log.Debugf("%v: mapped %v", as, r)
	return r, nil
}

// pagesFor rounds length up to pages.
func pagesFor(length uint64) (uint64, error) {
	rounded, ok := hostarch.PageRoundUp(length)
	if !ok || length == 0 {
		return 0, fmt.Errorf("length %#x: %w", length, errors.EINVAL)
	}
	return rounded / hostarch.PageSize, nil
}

// AllocateRegion maps private anonymous memory.
func (as *AddressSpace) AllocateRegion(ctx context.Context, opts MapOpts) (*Region, error) {
	h, c := callerFrom(ctx)
	return as.allocateRegion(ctx, h, c, opts)
}

func (as *AddressSpace) allocateRegion(ctx context.Context, h *sync.LockHolder, c *cpu.CPU, opts MapOpts) (*Region, error) {
	pages, err := pagesFor(opts.Length)
	if err != nil {
		return nil, err
	}
	object, err := vmobject.NewAnonymous(h, as.mm.alloc, pages)
	if err != nil {
		return nil, err
	}
	return as.mapObject(ctx, h, c, object, 0, pages*hostarch.PageSize, opts)
}

// MapFile maps inode. Private mappings see a copy of the file taken page by
// page on first access and never write back; shared mappings share frames
// with every other shared mapping of the inode.
func (as *AddressSpace) MapFile(ctx context.Context, inode vmobject.Inode, opts MapOpts) (*Region, error) {
	h, c := callerFrom(ctx)
	pages, err := pagesFor(opts.Length)
	if err != nil {
		return nil, err
	}
	if opts.Offset%hostarch.PageSize != 0 || opts.Offset+pages*hostarch.PageSize < opts.Offset {
		return nil, fmt.Errorf("file offset %#x: %w", opts.Offset, errors.EINVAL)
	}
	if opts.Shared {
		object, err := as.mm.cache.Get(h, inode, opts.Offset/hostarch.PageSize+pages)
		if err != nil {
			return nil, err
		}
		return as.mapObject(ctx, h, c, object, opts.Offset, pages*hostarch.PageSize, opts)
	}
	object, err := vmobject.NewPrivateFile(h, as.mm.alloc, inode, opts.Offset, pages)
	if err != nil {
		return nil, err
	}
	return as.mapObject(ctx, h, c, object, 0, pages*hostarch.PageSize, opts)
}

// MapSharedMemory maps part of shm, starting at opts.Offset.
func (as *AddressSpace) MapSharedMemory(ctx context.Context, shm *vmobject.SharedMemory, opts MapOpts) (*Region, error) {
	h, c := callerFrom(ctx)
	pages, err := pagesFor(opts.Length)
	if err != nil {
		return nil, err
	}
	shm.IncRef()
	return as.mapObject(ctx, h, c, shm, opts.Offset, pages*hostarch.PageSize, opts)
}

// MapDevice maps opts.Length bytes of device memory at physical address pa
// with caching mode mt. The range must lie within one aperture registered on
// the machine's bus. Device mappings are installed immediately and never
// copied on write.
func (as *AddressSpace) MapDevice(ctx context.Context, pa hostarch.PhysAddr, mt hostarch.MemoryType, opts MapOpts) (*Region, error) {
	h, c := callerFrom(ctx)
	pages, err := pagesFor(opts.Length)
	if err != nil {
		return nil, err
	}
	ap := as.mm.machine.Bus().Aperture(pa)
	if ap == nil || uint64(ap.End()-pa) < pages*hostarch.PageSize {
		return nil, fmt.Errorf("no aperture covers [%#x, +%#x): %w", pa, pages*hostarch.PageSize, errors.EINVAL)
	}
	object, err := vmobject.NewDevice(h, as.mm.alloc, pa, pages, mt)
	if err != nil {
		return nil, err
	}
	opts.Precommit = true
	return as.mapObject(ctx, h, c, object, 0, pages*hostarch.PageSize, opts)
}

// Unmap removes the mappings in [addr, addr+length), splitting regions that
// extend beyond the range. Their translations are shot down on every CPU in
// the address space before their frames are released. Unmapping a range
// without regions is not an error.
func (as *AddressSpace) Unmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	h, c := callerFrom(ctx)
	ar, err := userRange(addr, length)
	if err != nil {
		return err
	}
	as.mu.Lock(h)
	if !as.bounds().IsSupersetOf(ar) {
		as.mu.Unlock(h)
		return fmt.Errorf("unmapping %v from %v: %w", ar, as, errors.EINVAL)
	}
	var fl flush
	as.removeRegionsLocked(h, ar, &fl)
	dropped := as.flushLocked(h, c, &fl)
	as.mu.Unlock(h)
	as.drop(ctx, h, dropped)
	return nil
}

// Protect changes the permissions of the mappings in [addr, addr+length),
// splitting regions that extend beyond the range. The range must be fully
// mapped; otherwise Protect fails with errors.ENOMEM and changes nothing.
//
// Existing translations are made read-only or removed; accesses permitted by
// perms that they no longer allow are re-established by faults.
func (as *AddressSpace) Protect(ctx context.Context, addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	h, c := callerFrom(ctx)
	ar, err := userRange(addr, length)
	if err != nil {
		return err
	}
	as.mu.Lock(h)
	next := ar.Start
	for _, r := range as.regionsInLocked(ar) {
		if r.ar.Start > next {
			break
		}
		next = r.ar.End
	}
	if next < ar.End {
		as.mu.Unlock(h)
		return fmt.Errorf("protecting %v: range not fully mapped: %w", ar, errors.ENOMEM)
	}
	var fl flush
	for _, r := range as.isolateLocked(h, ar) {
		if r.perms == perms {
			continue
		}
		r.perms = perms
		at := perms.Effective()
		at.Write = false
		if at.Any() {
			if as.pt.Protect(h, r.ar.Start, uintptr(r.ar.Length()), at) != 0 {
				fl.add(r.ar)
			}
		} else {
			as.unmapRegionLocked(h, r, &fl)
		}
	}
	dropped := as.flushLocked(h, c, &fl)
	as.mu.Unlock(h)
	as.drop(ctx, h, dropped)
	return nil
}

// Sync writes back the dirty pages of shared file mappings in [addr,
// addr+length). Every translation of those pages, in as or in any other
// address space, is write-protected first, so that later writes mark them
// dirty again.
func (as *AddressSpace) Sync(ctx context.Context, addr hostarch.Addr, length uint64) error {
	h, _ := callerFrom(ctx)
	ar, err := userRange(addr, length)
	if err != nil {
		return err
	}
	type syncJob struct {
		object      *vmobject.SharedFile
		first, last uint64
	}
	var jobs []syncJob
	as.mu.Lock(h)
	for _, r := range as.regionsInLocked(ar) {
		sf, ok := r.object.(*vmobject.SharedFile)
		if !ok {
			continue
		}
		sub := r.ar.Intersect(ar)
		sf.IncRef()
		first := r.slot(sub.Start)
		jobs = append(jobs, syncJob{object: sf, first: first, last: first + sub.Pages()})
	}
	as.mu.Unlock(h)

	var firstErr error
	for _, j := range jobs {
		if err := j.object.Sync(ctx, h, j.first, j.last); err != nil && firstErr == nil {
			firstErr = err
		}
		j.object.DecRef(h)
	}
	return firstErr
}

// WriteProtect implements vmobject.MappingSpace.WriteProtect.
func (as *AddressSpace) WriteProtect(ctx context.Context, o vmobject.Object, first, last uint64) {
	h, c := callerFrom(ctx)
	var fl flush
	as.mu.Lock(h)
	if as.dead {
		as.mu.Unlock(h)
		return
	}
	for _, r := range as.regionsLocked() {
		if r.object != o || !r.perms.Write {
			continue
		}
		start := r.slot(r.ar.Start)
		lo, hi := max(first, start), min(last, start+r.ar.Pages())
		if lo >= hi {
			continue
		}
		sub := hostarch.AddrRange{
			Start: r.ar.Start + hostarch.Addr((lo-start)*hostarch.PageSize),
			End:   r.ar.Start + hostarch.Addr((hi-start)*hostarch.PageSize),
		}
		at := r.perms.Effective()
		at.Write = false
		if as.pt.Protect(h, sub.Start, uintptr(sub.Length()), at) != 0 {
			fl.add(sub)
		}
	}
	as.flushLocked(h, c, &fl)
	as.mu.Unlock(h)
}
