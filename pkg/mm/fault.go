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
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/usage"
	"vmcore.dev/vmcore/pkg/vmobject"
)

// HandlePageFault implements cpu.FaultHandler.HandlePageFault. It resolves a
// fault of access type at on addr taken by c, returning nil once the
// translation is established, or the error to deliver to the faulting thread.
// Faults that cannot be resolved are IllegalAccess or OutOfMemory errors.
//
// Preconditions: c holds no spinlocks.
func (m *Manager) HandlePageFault(ctx context.Context, c *cpu.CPU, addr hostarch.Addr, at hostarch.AccessType) error {
	m.stats.faults.Add(1)
	if err := m.handleFault(ctx, c, addr, at); err != nil {
		m.stats.fatal.Add(1)
		err = errors.Fatal(err)
		m.faultLog.Warningf("Fatal page fault on %v: %v access to %#x: %v", c, at, addr, err)
		return err
	}
	m.stats.resolved.Add(1)
	return nil
}

// handleFault runs the fault state machine. Each iteration starts over from
// the region lookup; only a page-in leaves the loop without an outcome, since
// it drops every lock.
func (m *Manager) handleFault(ctx context.Context, c *cpu.CPU, addr hostarch.Addr, at hostarch.AccessType) error {
	h := c.Holder()
	as := m.addressSpaceFor(c, addr)
	if as == nil {
		return fmt.Errorf("no address space translates %#x: %w", addr, errors.EFAULT)
	}
	for {
		as.mu.Lock(h)
		pageIn, slot, err := as.resolveLocked(h, c, addr, at)
		as.mu.Unlock(h)
		if pageIn == nil {
			return err
		}
		err = pageIn.PageIn(ctx, h, slot)
		pageIn.DecRef(h)
		if err != nil {
			return err
		}
		m.stats.pageIns.Add(1)
	}
}

// resolveLocked resolves a fault on addr. If the backing slot must be read
// from an inode, it returns the object with an extra reference and the slot
// to page in instead.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) resolveLocked(h *sync.LockHolder, c *cpu.CPU, addr hostarch.Addr, at hostarch.AccessType) (vmobject.Object, uint64, error) {
	m := as.mm

	// Lookup.
	r := as.findRegionLocked(addr)
	if r == nil {
		return nil, 0, fmt.Errorf("no region contains %#x in %v: %w", addr, as, errors.EFAULT)
	}

	// Permission check. A write to a read-only region is rejected here
	// even if its pages are copy-on-write.
	if !r.perms.Effective().SupersetOf(at) {
		return nil, 0, fmt.Errorf("%v access to %#x in %v region: %w", at, addr, r.perms, errors.EACCES)
	}

	page := addr.RoundDown()
	mappedPA, mapped, ok := as.pt.Lookup(page)
	if ok && mapped.AccessType.SupersetOf(at) {
		// Another CPU resolved the fault first.
		m.stats.spurious.Add(1)
		return nil, 0, nil
	}

	object := r.object
	slot := r.slot(page)
	i := r.pageIndex(page)
	object.Lock(h)
	f := object.PhysicalPageEntry(slot)
	if f == nil {
		// Demand fill or page-in.
		switch err := object.Populate(h, slot); {
		case err == vmobject.ErrPageIn:
			object.IncRef()
			object.Unlock(h)
			return object, slot, nil
		case err != nil:
			object.Unlock(h)
			return nil, 0, err
		}
		f = object.PhysicalPageEntry(slot)
		if object.Kind() != vmobject.KindDevice {
			m.stats.demandFills.Add(1)
		}
	}

	opts := as.mapOpts(r, i)
	switch {
	case at.Write && r.cow.Test(uint(i)):
		// Copy-on-write. The frame is referenced by the slot, and by the
		// entry being replaced if it maps the frame; any other reference
		// means another object still shares it.
		owners := int64(1)
		if ok && mappedPA == f.Addr() {
			owners++
		}
		if f.ReadRefs() == owners {
			m.stats.cowReuses.Add(1)
		} else {
			copied, err := m.alloc.AllocateOne(h, pgalloc.AllocOpts{Kind: usage.Anonymous})
			if err != nil {
				object.Unlock(h)
				return nil, 0, err
			}
			m.alloc.Copy(copied, f)
			object.SetPhysicalPageEntry(h, slot, copied)
			f = copied
			m.stats.cowCopies.Add(1)
		}
		r.clearCoW(i)
		opts.AccessType.Write = true
	case at.Write && object.Kind() == vmobject.KindSharedFile:
		object.MarkDirty(slot)
		opts.AccessType.Write = true
	}

	var fl flush
	err := as.installLocked(h, page, f, opts, &fl)
	object.Unlock(h)
	if err != nil {
		return nil, 0, err
	}
	as.flushLocked(h, c, &fl)
	return nil, 0, nil
}
