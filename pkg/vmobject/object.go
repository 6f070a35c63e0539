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

// Package vmobject implements VM objects: the content shown by memory
// regions, as a fixed-size table of optional physical frame references.
//
// Every frame reference held in a slot is counted. Objects are reference
// counted by the regions mapping them and are destroyed, releasing their
// frames, when the last region drops its reference.
//
// Lock order: an object's lock is taken after its address space lock and
// after the inode cache lock, and before the frame allocator lock.
package vmobject

import (
	"context"
	"fmt"
	"sync/atomic"

	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/usage"
)

// Kind is the variant of a VM object.
type Kind int

const (
	// KindAnonymous objects are zero-filled on first access and cloned
	// copy-on-write.
	KindAnonymous Kind = iota

	// KindPrivateFile objects are filled from an inode on first access,
	// cloned copy-on-write, and never written back.
	KindPrivateFile

	// KindSharedFile objects are filled from an inode and shared verbatim
	// by every mapping of the inode. Dirty pages are written back.
	KindSharedFile

	// KindSharedMemory objects are zero-filled and shared verbatim.
	KindSharedMemory

	// KindDevice objects map fixed physical addresses outside RAM.
	KindDevice
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindPrivateFile:
		return "private-file"
	case KindSharedFile:
		return "shared-file"
	case KindSharedMemory:
		return "shared-memory"
	case KindDevice:
		return "device"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrPageIn is returned by Object.Populate when filling the slot requires
// I/O. The caller must drop its locks and call Object.PageIn.
var ErrPageIn = errors.New(errors.IOFailure, "page-in required")

// Object is a VM object.
type Object interface {
	refs.RefCounter

	// DecRef drops a reference, destroying the object when it was the
	// last. The object must not be locked.
	DecRef(h *sync.LockHolder)

	// Kind returns the variant of the object.
	Kind() Kind

	// ID returns a unique identifier for the object.
	ID() uint64

	// Name describes the object's backing for maps dumps. It is empty for
	// anonymous memory.
	Name() string

	// PageCount returns the number of slots.
	PageCount() uint64

	// Shared returns true if every mapping sees the same frames. Shared
	// objects are never copy-on-write.
	Shared() bool

	// MemoryType returns the caching mode for mappings of the object.
	MemoryType() hostarch.MemoryType

	// Lock locks the slot table.
	Lock(h *sync.LockHolder)

	// Unlock unlocks the slot table.
	Unlock(h *sync.LockHolder)

	// PhysicalPageEntry returns the frame in slot i, or nil.
	//
	// Preconditions: the object is locked.
	PhysicalPageEntry(i uint64) *pgalloc.Frame

	// SetPhysicalPageEntry stores f in slot i, taking over one reference
	// on f held by the caller, and releases the slot's previous frame.
	//
	// Preconditions: the object is locked.
	SetPhysicalPageEntry(h *sync.LockHolder, i uint64, f *pgalloc.Frame)

	// Populate fills the empty slot i without blocking. It returns
	// ErrPageIn if the slot can only be filled by PageIn.
	//
	// Preconditions: the object is locked.
	Populate(h *sync.LockHolder, i uint64) error

	// PageIn fills slot i from backing storage, unless it is filled
	// concurrently. Failures to read are IOFailure errors.
	//
	// Preconditions: h holds no spinlocks.
	PageIn(ctx context.Context, h *sync.LockHolder, i uint64) error

	// MarkDirty records that slot i was made writable.
	//
	// Preconditions: the object is locked.
	MarkDirty(i uint64)

	// Clone returns a copy-on-write copy of the object, whose slots share
	// the object's frames. Shared objects return themselves with an extra
	// reference. Clone fails with errors.ENOMEM if the copy's slot table
	// cannot be charged, leaving the object untouched.
	//
	// Preconditions: the object is not locked.
	Clone(h *sync.LockHolder) (Object, error)
}

// lastID allocates object IDs.
var lastID atomic.Uint64

// base implements the slot table common to all variants.
type base struct {
	refs.AtomicRefCount

	id    uint64
	kind  Kind
	alloc *pgalloc.Allocator

	// mu protects the fields below.
	mu sync.SpinLock

	// slots holds one counted reference per non-nil entry.
	slots []*pgalloc.Frame

	// slotTables are the frames charged for slots.
	slotTables []*pgalloc.Frame

	// pages is len(slots), readable without mu.
	pages atomic.Uint64
}

// slotsPerTable is the number of slots charged to one frame.
const slotsPerTable = hostarch.PageSize / 8

func slotTablesFor(pages uint64) uint64 {
	return (pages + slotsPerTable - 1) / slotsPerTable
}

// init sets up an object of the given size with one reference, charging its
// slot table. On failure nothing is charged.
func (b *base) init(h *sync.LockHolder, alloc *pgalloc.Allocator, kind Kind, pages uint64) error {
	if pages == 0 {
		return errors.EINVAL
	}
	b.id = lastID.Add(1)
	b.kind = kind
	b.alloc = alloc
	b.mu.Init(sync.RankObject)
	tables, err := chargeSlotTables(h, alloc, slotTablesFor(pages))
	if err != nil {
		return err
	}
	b.slotTables = tables
	b.slots = make([]*pgalloc.Frame, pages)
	b.pages.Store(pages)
	b.InitRefs()
	return nil
}

// chargeSlotTables allocates n frames charged as slot table memory.
func chargeSlotTables(h *sync.LockHolder, alloc *pgalloc.Allocator, n uint64) ([]*pgalloc.Frame, error) {
	tables := make([]*pgalloc.Frame, 0, n)
	for uint64(len(tables)) < n {
		f, err := alloc.AllocateOne(h, pgalloc.AllocOpts{Kind: usage.SlotTables})
		if err != nil {
			for _, t := range tables {
				alloc.Release(h, t)
			}
			return nil, err
		}
		tables = append(tables, f)
	}
	return tables, nil
}

// growLocked extends the slot table to pages slots.
//
// Preconditions: b.mu is locked.
func (b *base) growLocked(h *sync.LockHolder, pages uint64) error {
	if pages <= uint64(len(b.slots)) {
		return nil
	}
	extra := slotTablesFor(pages) - uint64(len(b.slotTables))
	tables, err := chargeSlotTables(h, b.alloc, extra)
	if err != nil {
		return err
	}
	b.slotTables = append(b.slotTables, tables...)
	b.slots = append(b.slots, make([]*pgalloc.Frame, pages-uint64(len(b.slots)))...)
	b.pages.Store(pages)
	return nil
}

// cloneInto initializes c as a copy of b's slot table, retaining every
// frame.
func (b *base) cloneInto(h *sync.LockHolder, c *base) error {
	b.mu.Lock(h)
	defer b.mu.Unlock(h)
	if err := c.init(h, b.alloc, b.kind, uint64(len(b.slots))); err != nil {
		return err
	}
	for i, f := range b.slots {
		if f != nil {
			b.alloc.Retain(f)
			c.slots[i] = f
		}
	}
	return nil
}

// release drops every slot reference and the slot table charge.
func (b *base) release(h *sync.LockHolder) {
	b.mu.Lock(h)
	defer b.mu.Unlock(h)
	for i, f := range b.slots {
		if f != nil {
			b.alloc.Release(h, f)
			b.slots[i] = nil
		}
	}
	for _, t := range b.slotTables {
		b.alloc.Release(h, t)
	}
	b.slotTables = nil
}

// ID implements Object.ID.
func (b *base) ID() uint64 {
	return b.id
}

// Kind implements Object.Kind.
func (b *base) Kind() Kind {
	return b.kind
}

// Lock implements Object.Lock.
func (b *base) Lock(h *sync.LockHolder) {
	b.mu.Lock(h)
}

// Unlock implements Object.Unlock.
func (b *base) Unlock(h *sync.LockHolder) {
	b.mu.Unlock(h)
}

// PageCount implements Object.PageCount.
func (b *base) PageCount() uint64 {
	return b.pages.Load()
}

// MemoryType implements Object.MemoryType.
func (b *base) MemoryType() hostarch.MemoryType {
	return hostarch.MemoryTypeWriteBack
}

// PhysicalPageEntry implements Object.PhysicalPageEntry.
func (b *base) PhysicalPageEntry(i uint64) *pgalloc.Frame {
	return b.slots[i]
}

// SetPhysicalPageEntry implements Object.SetPhysicalPageEntry.
func (b *base) SetPhysicalPageEntry(h *sync.LockHolder, i uint64, f *pgalloc.Frame) {
	old := b.slots[i]
	b.slots[i] = f
	if old != nil {
		b.alloc.Release(h, old)
	}
}

// MarkDirty implements Object.MarkDirty.
func (b *base) MarkDirty(i uint64) {}

// populateZero fills slot i with a zeroed frame charged to kind.
//
// Preconditions: b.mu is locked.
func (b *base) populateZero(h *sync.LockHolder, i uint64, kind usage.MemoryKind) error {
	if b.slots[i] != nil {
		return nil
	}
	f, err := b.alloc.AllocateOne(h, pgalloc.AllocOpts{Kind: kind, Zero: true})
	if err != nil {
		return err
	}
	b.slots[i] = f
	return nil
}

// RefType implements refs.CheckedObject.RefType.
func (b *base) RefType() string {
	return "vmobject." + b.kind.String()
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (b *base) LeakMessage() string {
	return fmt.Sprintf("[vmobject.%v %d] reference count of %d instead of 0", b.kind, b.id, b.ReadRefs())
}

// String implements fmt.Stringer.String.
func (b *base) String() string {
	return fmt.Sprintf("%v#%d(%d pages)", b.kind, b.id, b.PageCount())
}
