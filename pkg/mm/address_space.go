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
	"bytes"
	"context"
	"fmt"
	"strings"
	"weak"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/btree"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/pagetables"
	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/vmobject"
)

// regionTreeDegree is the degree of region B-trees.
const regionTreeDegree = 8

// AddressSpace is the translation state of one process, or of the kernel.
type AddressSpace struct {
	refs.AtomicRefCount

	mm     *Manager
	id     uint64
	kernel bool

	// self is the weak handle regions keep to the address space.
	self weak.Pointer[AddressSpace]

	// mu protects the fields below, and serializes modifications of pt
	// and of the slots of mapped objects made on behalf of this address
	// space.
	mu sync.SpinLock

	// regions is ordered by start address. Regions never overlap.
	regions *btree.BTreeG[*Region]

	// pt holds one frame reference per valid leaf entry.
	pt *pagetables.PageTables

	// active has a bit set for every CPU currently in this address space.
	active *bitset.BitSet

	// dead is set once the address space has been released.
	dead bool
}

func regionLess(a, b *Region) bool {
	return a.ar.Start < b.ar.Start
}

// key returns a region usable as a B-tree pivot at addr.
func key(addr hostarch.Addr) *Region {
	return &Region{ar: hostarch.AddrRange{Start: addr, End: addr}}
}

func (m *Manager) newAddressSpace(pt *pagetables.PageTables, kernel bool) *AddressSpace {
	as := &AddressSpace{
		mm:      m,
		id:      m.lastID.Add(1),
		kernel:  kernel,
		regions: btree.NewG(regionTreeDegree, regionLess),
		pt:      pt,
		active:  bitset.New(uint(m.machine.NumCPUs())),
	}
	as.self = weak.Make(as)
	as.mu.Init(sync.RankAddressSpace)
	as.InitRefs()
	refs.Register(as)
	return as
}

// NewAddressSpace returns an empty user address space sharing the kernel
// mappings, with one reference held by the caller.
func (m *Manager) NewAddressSpace(ctx context.Context) (*AddressSpace, error) {
	h, _ := callerFrom(ctx)
	return m.newUserAddressSpace(h)
}

func (m *Manager) newUserAddressSpace(h *sync.LockHolder) (*AddressSpace, error) {
	pt, err := pagetables.NewWithKernel(h, m.alloc, m.kernel.pt)
	if err != nil {
		return nil, err
	}
	as := m.newAddressSpace(pt, false)
	m.mu.Lock(h)
	m.spaces[as.id] = as
	m.mu.Unlock(h)
	log.Debugf("Created %v", as)
	return as, nil
}

// ID returns a unique identifier for the address space.
func (as *AddressSpace) ID() uint64 {
	return as.id
}

// IsKernel returns true for the kernel address space.
func (as *AddressSpace) IsKernel() bool {
	return as.kernel
}

// Manager returns the manager that created as.
func (as *AddressSpace) Manager() *Manager {
	return as.mm
}

// PageTables returns the address space's root table.
func (as *AddressSpace) PageTables() *pagetables.PageTables {
	return as.pt
}

// bounds returns the range regions of as may occupy.
func (as *AddressSpace) bounds() hostarch.AddrRange {
	if as.kernel {
		return hostarch.AddrRange{Start: hostarch.KernelBase, End: hostarch.KernelTop}
	}
	return hostarch.AddrRange{Start: hostarch.MinUserAddress, End: hostarch.MaxUserAddress}
}

// FindRegionContaining returns the region containing addr, or nil.
func (as *AddressSpace) FindRegionContaining(ctx context.Context, addr hostarch.Addr) *Region {
	h, _ := callerFrom(ctx)
	as.mu.Lock(h)
	defer as.mu.Unlock(h)
	return as.findRegionLocked(addr)
}

// findRegionLocked returns the region containing addr, or nil.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) findRegionLocked(addr hostarch.Addr) *Region {
	var found *Region
	as.regions.DescendLessOrEqual(key(addr), func(r *Region) bool {
		if r.ar.Contains(addr) {
			found = r
		}
		return false
	})
	return found
}

// regionsInLocked returns the regions overlapping ar in address order.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) regionsInLocked(ar hostarch.AddrRange) []*Region {
	var rs []*Region
	first := as.findRegionLocked(ar.Start)
	if first != nil {
		rs = append(rs, first)
	}
	as.regions.AscendGreaterOrEqual(key(ar.Start), func(r *Region) bool {
		if r.ar.Start >= ar.End {
			return false
		}
		if r != first {
			rs = append(rs, r)
		}
		return true
	})
	return rs
}

// Regions returns the regions of as in address order.
func (as *AddressSpace) Regions(ctx context.Context) []*Region {
	h, _ := callerFrom(ctx)
	as.mu.Lock(h)
	defer as.mu.Unlock(h)
	return as.regionsLocked()
}

func (as *AddressSpace) regionsLocked() []*Region {
	rs := make([]*Region, 0, as.regions.Len())
	as.regions.Ascend(func(r *Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// checkRangeLocked returns an error if ar cannot hold a new region.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) checkRangeLocked(ar hostarch.AddrRange) error {
	if as.dead {
		return fmt.Errorf("%v has been torn down: %w", as, errors.EINVAL)
	}
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() || !as.bounds().IsSupersetOf(ar) {
		return fmt.Errorf("range %v is not a valid range for %v: %w", ar, as, errors.EINVAL)
	}
	if !as.kernel {
		for _, res := range as.mm.cfg.Reserved {
			if res.Overlaps(ar) {
				return fmt.Errorf("range %v overlaps reserved range %v: %w", ar, res, errors.EINVAL)
			}
		}
	}
	if rs := as.regionsInLocked(ar); len(rs) != 0 {
		return fmt.Errorf("range %v overlaps %v: %w", ar, rs[0], errors.EEXIST)
	}
	return nil
}

// findAvailableLocked returns the lowest free page-aligned range of the
// given length.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) findAvailableLocked(length uint64) (hostarch.AddrRange, error) {
	b := as.bounds()
	var occupied []hostarch.AddrRange
	if !as.kernel {
		occupied = append(occupied, as.mm.cfg.Reserved...)
	}
	for _, r := range as.regionsLocked() {
		occupied = append(occupied, r.ar)
	}
	start := b.Start
	for {
		ar, ok := start.ToRange(length)
		if !ok || ar.End > b.End {
			return hostarch.AddrRange{}, fmt.Errorf("no free range of %#x bytes in %v: %w", length, as, errors.ENOMEM)
		}
		moved := false
		for _, o := range occupied {
			if o.Overlaps(ar) {
				start = o.End.MustRoundUp()
				moved = true
			}
		}
		if !moved {
			return ar, nil
		}
	}
}

// AddRegion inserts r, which must not belong to an address space, into as.
// It fails with errors.EEXIST if r overlaps an existing region. No page
// table entries are installed; see Region.MapInto.
func (as *AddressSpace) AddRegion(ctx context.Context, r *Region) error {
	h, _ := callerFrom(ctx)
	as.mu.Lock(h)
	defer as.mu.Unlock(h)
	return as.addRegionLocked(h, r)
}

// addRegionLocked inserts r.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) addRegionLocked(h *sync.LockHolder, r *Region) error {
	if r.as.Value() != nil {
		return fmt.Errorf("%v already belongs to an address space: %w", r, errors.EINVAL)
	}
	if err := as.checkRangeLocked(r.ar); err != nil {
		return err
	}
	as.insertLocked(h, r)
	return nil
}

// insertLocked inserts r without checking its range.
//
// Preconditions: as.mu is locked; r does not overlap any region of as.
func (as *AddressSpace) insertLocked(h *sync.LockHolder, r *Region) {
	r.as = as.self
	if _, replaced := as.regions.ReplaceOrInsert(r); replaced {
		errors.Invariant("region %v inserted over an existing region of %v", r, as)
	}
	as.trackLocked(h, r, true)
	if checkInvariants {
		as.checkRegionsLocked()
	}
}

// trackLocked adds or removes r in the mappings of its object, if the
// object needs to find its mappings for write-back.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) trackLocked(h *sync.LockHolder, r *Region, add bool) {
	sf, ok := r.object.(*vmobject.SharedFile)
	if !ok {
		return
	}
	if add {
		sf.AddMapping(h, as)
	} else {
		sf.RemoveMapping(h, as)
	}
}

// detachLocked removes r from as and tears down its page table entries. The
// object slots and r's reference on the object are left to the caller.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) detachLocked(h *sync.LockHolder, r *Region, fl *flush) {
	as.regions.Delete(r)
	as.unmapRegionLocked(h, r, fl)
	as.trackLocked(h, r, false)
	r.as = weak.Pointer[AddressSpace]{}
}

// checkRegionsLocked panics if the region set is not ordered and disjoint.
func (as *AddressSpace) checkRegionsLocked() {
	var prev *Region
	as.regions.Ascend(func(r *Region) bool {
		if prev != nil && prev.ar.End > r.ar.Start {
			errors.Invariant("overlapping regions %v and %v in %v", prev, r, as)
		}
		prev = r
		return true
	})
}

// RemoveRegion removes r from as, tearing down its page table entries and
// dropping its reference on its object.
func (as *AddressSpace) RemoveRegion(ctx context.Context, r *Region) error {
	if r.AddressSpace() != as {
		return fmt.Errorf("%v does not belong to %v: %w", r, as, errors.EINVAL)
	}
	return as.Unmap(ctx, r.Range().Start, r.Range().Length())
}

// Activate makes c enter as: c's translation-control register is loaded
// with as's root table, and c becomes a target of as's TLB shootdowns.
func (as *AddressSpace) Activate(c *cpu.CPU) error {
	h := c.Holder()
	prev := as.mm.current[c.ID()].Load()
	if prev == as {
		return nil
	}
	as.mu.Lock(h)
	if as.dead {
		as.mu.Unlock(h)
		return fmt.Errorf("activating %v: %w", as, errors.EINVAL)
	}
	as.active.Set(uint(c.ID()))
	as.mm.current[c.ID()].Store(as)
	as.mu.Unlock(h)

	c.LoadRoot(as.pt)

	// c no longer caches translations of prev.
	prev.mu.Lock(h)
	prev.active.Clear(uint(c.ID()))
	prev.mu.Unlock(h)
	return nil
}

// targetsLocked returns the CPUs that may cache translations of as.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) targetsLocked() []*cpu.CPU {
	cpus := as.mm.machine.CPUs()
	if as.kernel {
		return cpus
	}
	targets := make([]*cpu.CPU, 0, as.active.Count())
	for i, ok := as.active.NextSet(0); ok; i, ok = as.active.NextSet(i + 1) {
		targets = append(targets, cpus[i])
	}
	return targets
}

// DecRef drops a reference on as. When the last reference is dropped, as is
// released if Teardown has not done so.
func (as *AddressSpace) DecRef(ctx context.Context) {
	as.AtomicRefCount.DecRef(func() {
		if err := as.release(ctx); err != nil {
			errors.Invariant("releasing %v on last reference: %v", as, err)
		}
		refs.Unregister(as)
	})
}

// RefType implements refs.CheckedObject.RefType.
func (as *AddressSpace) RefType() string {
	return "mm.AddressSpace"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (as *AddressSpace) LeakMessage() string {
	return fmt.Sprintf("[mm.AddressSpace %d] reference count of %d instead of 0", as.id, as.ReadRefs())
}

// String implements fmt.Stringer.String.
func (as *AddressSpace) String() string {
	if as.kernel {
		return "kernel address space"
	}
	return fmt.Sprintf("address space %d", as.id)
}

// Maps returns a description of the regions of as in the format of
// /proc/[pid]/maps.
func (as *AddressSpace) Maps(ctx context.Context) string {
	h, _ := callerFrom(ctx)
	as.mu.Lock(h)
	defer as.mu.Unlock(h)
	var b strings.Builder
	for _, r := range as.regionsLocked() {
		b.Write(r.mapsEntry())
	}
	return b.String()
}

// mapsEntry returns the /proc/[pid]/maps line for r, including the trailing
// newline.
func (r *Region) mapsEntry() []byte {
	private := "p"
	if r.object.Shared() {
		private = "s"
	}
	var ino uint64
	offset := r.offset
	switch o := r.object.(type) {
	case *vmobject.PrivateFile:
		ino = o.Inode().InodeID()
		offset += o.Offset()
	case *vmobject.SharedFile:
		ino = o.Inode().InodeID()
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%08x-%08x %s%s %08x 00:00 %d ", r.ar.Start, r.ar.End, r.perms, private, offset, ino)
	if s := r.object.Name(); s != "" {
		// Per linux, we pad until the 74th character.
		if pad := 73 - b.Len(); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(s)
	}
	b.WriteString("\n")
	return b.Bytes()
}
