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
	"sync/atomic"
	"weak"

	"github.com/bits-and-blooms/bitset"
	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/vmobject"
)

// Region maps a page-aligned range of an address space to consecutive slots
// of a VM object.
//
// A region's fields are protected by the mutex of the address space it
// belongs to.
type Region struct {
	// as is the owning address space. A region does not keep it alive.
	as weak.Pointer[AddressSpace]

	ar     hostarch.AddrRange
	perms  hostarch.AccessType
	object vmobject.Object

	// offset is the byte offset in object of ar.Start.
	offset uint64

	// cow has a bit set for every page that must be copied before it is
	// written. Bit i describes the page at ar.Start + i*PageSize.
	cow *bitset.BitSet

	// cowAny mirrors cow.Any() for lockless readers.
	cowAny atomic.Bool
}

// NewRegion returns a region mapping ar to object starting at byte offset
// offset, with permissions perms. The region takes over a reference on
// object held by the caller.
func NewRegion(ar hostarch.AddrRange, perms hostarch.AccessType, object vmobject.Object, offset uint64) (*Region, error) {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() || offset%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("region %v at offset %#x: %w", ar, offset, errors.EINVAL)
	}
	if end := offset/hostarch.PageSize + ar.Pages(); end > object.PageCount() || end < ar.Pages() {
		return nil, fmt.Errorf("region %v at offset %#x exceeds %v: %w", ar, offset, object, errors.EINVAL)
	}
	return &Region{
		ar:     ar,
		perms:  perms,
		object: object,
		offset: offset,
		cow:    bitset.New(uint(ar.Pages())),
	}, nil
}

// Range returns the virtual range of r.
func (r *Region) Range() hostarch.AddrRange {
	return r.ar
}

// Perms returns the permissions of r.
func (r *Region) Perms() hostarch.AccessType {
	return r.perms
}

// Offset returns the byte offset in r's object of r's first page.
func (r *Region) Offset() uint64 {
	return r.offset
}

// Object returns the VM object mapped by r.
func (r *Region) Object() vmobject.Object {
	return r.object
}

// AddressSpace returns the address space r belongs to, or nil if r was
// never inserted or its address space is gone.
func (r *Region) AddressSpace() *AddressSpace {
	return r.as.Value()
}

// IsCoW returns true if any page of r is copy-on-write.
func (r *Region) IsCoW() bool {
	return r.cowAny.Load()
}

// PageIsCoW returns true if page i of r is copy-on-write.
//
// Preconditions: no fault or mapping operation is in progress on r.
func (r *Region) PageIsCoW(i uint64) bool {
	return r.cow.Test(uint(i))
}

// pageIndex returns the index in r of the page containing addr.
func (r *Region) pageIndex(addr hostarch.Addr) uint64 {
	return uint64(addr-r.ar.Start) / hostarch.PageSize
}

// slot returns the object slot mapped at addr.
func (r *Region) slot(addr hostarch.Addr) uint64 {
	return r.offset/hostarch.PageSize + r.pageIndex(addr)
}

// markCoW makes every page of r copy-on-write.
func (r *Region) markCoW() {
	r.cow = bitset.New(uint(r.ar.Pages())).Complement()
	r.cowAny.Store(true)
}

// clearCoW makes page i of r directly writable.
func (r *Region) clearCoW(i uint64) {
	r.cow.Clear(uint(i))
	r.cowAny.Store(r.cow.Any())
}

// split divides r at addr, which must lie strictly inside r. r keeps
// [start, addr) and the returned region, which holds a new reference on
// the object, covers [addr, end).
//
// Preconditions: the address space is locked if r belongs to one.
func (r *Region) split(addr hostarch.Addr) *Region {
	if !addr.IsPageAligned() || addr <= r.ar.Start || addr >= r.ar.End {
		panic(fmt.Sprintf("split of %v at %#x", r, addr))
	}
	n := r.pageIndex(addr)
	upper := &Region{
		as:     r.as,
		ar:     hostarch.AddrRange{Start: addr, End: r.ar.End},
		perms:  r.perms,
		object: r.object,
		offset: r.offset + n*hostarch.PageSize,
		cow:    bitset.New(uint(r.ar.Pages() - n)),
	}
	r.object.IncRef()
	for i, ok := r.cow.NextSet(uint(n)); ok; i, ok = r.cow.NextSet(i + 1) {
		upper.cow.Set(i - uint(n))
		r.cow.Clear(i)
	}
	r.ar.End = addr
	r.cow.Shrink(uint(n - 1))
	r.cowAny.Store(r.cow.Any())
	upper.cowAny.Store(upper.cow.Any())
	return upper
}

// pteOpts returns the page table permissions of page i of r for an access
// of type at, before any dirty tracking.
func (r *Region) pteOpts(i uint64) hostarch.AccessType {
	at := r.perms.Effective()
	if r.cow.Test(uint(i)) {
		at.Write = false
	}
	return at
}

// MapInto inserts r into as and installs page table entries for every
// populated page of r's object. Pages that are copy-on-write are mapped
// read-only. Installation fails with errors.ENOMEM if a page table cannot
// be allocated, in which case r is not inserted.
func (r *Region) MapInto(ctx context.Context, as *AddressSpace) error {
	h, c := callerFrom(ctx)
	as.mu.Lock(h)
	if err := as.addRegionLocked(h, r); err != nil {
		as.mu.Unlock(h)
		return err
	}
	var fl flush
	err := as.installRegionLocked(h, r, &fl)
	if err != nil {
		// The caller keeps the object, its populated slots and its
		// reference.
		as.detachLocked(h, r, &fl)
	}
	dropped := as.flushLocked(h, c, &fl)
	as.mu.Unlock(h)
	as.drop(ctx, h, dropped)
	return err
}

// Unmap removes r from its address space.
func (r *Region) Unmap(ctx context.Context) error {
	as := r.AddressSpace()
	if as == nil {
		return fmt.Errorf("%v is not mapped: %w", r, errors.EINVAL)
	}
	return as.RemoveRegion(ctx, r)
}

// RemapWithPermissions changes the permissions of r to perms.
func (r *Region) RemapWithPermissions(ctx context.Context, perms hostarch.AccessType) error {
	as := r.AddressSpace()
	if as == nil {
		return fmt.Errorf("%v is not mapped: %w", r, errors.EINVAL)
	}
	ar := r.Range()
	return as.Protect(ctx, ar.Start, ar.Length(), perms)
}

// String implements fmt.Stringer.String.
func (r *Region) String() string {
	return fmt.Sprintf("region %v %v of %v+%#x", r.ar, r.perms, r.object, r.offset)
}
