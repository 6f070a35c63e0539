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

// Package pgalloc contains the physical frame allocator.
//
// Physical memory is simulated by a host memory arena. Every page of the
// arena has a Frame in the frame database, created at boot; a frame's
// identity is its physical address. Free frames are tracked in a bitset
// guarded by the allocator spinlock, and allocated frames are reference
// counted: a frame returns to the free set when its last reference is
// released.
package pgalloc

import (
	"fmt"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/usage"
)

// Frame is the frame database entry for one page of physical memory.
type Frame struct {
	addr hostarch.PhysAddr

	// refs is the number of references on the frame. It is zero iff the
	// frame is free (or, for reserved frames, never allocatable).
	refs atomic.Int64

	// kind is the usage kind the frame is charged to. It is written when the
	// frame is allocated, before it is published to any other holder.
	kind usage.MemoryKind

	// device is set for frames that are not RAM. Device frames are never
	// allocated or freed.
	device bool

	// reserved is set for RAM pages outside Available regions.
	reserved bool
}

// Addr returns the physical address of f.
func (f *Frame) Addr() hostarch.PhysAddr {
	return f.addr
}

// ReadRefs returns the current reference count of f. The result is only
// stable while the caller holds a lock preventing concurrent retains and
// releases of f.
func (f *Frame) ReadRefs() int64 {
	return f.refs.Load()
}

// IsDevice returns true if f is a device frame.
func (f *Frame) IsDevice() bool {
	return f.device
}

// Kind returns the usage kind f is charged to.
func (f *Frame) Kind() usage.MemoryKind {
	return f.kind
}

// String implements fmt.Stringer.String.
func (f *Frame) String() string {
	if f.device {
		return fmt.Sprintf("frame %#x (device)", uint64(f.addr))
	}
	return fmt.Sprintf("frame %#x (refs=%d)", uint64(f.addr), f.refs.Load())
}

// AllocOpts are options used in allocations.
type AllocOpts struct {
	// Kind is the usage kind the frames are charged to.
	Kind usage.MemoryKind

	// Zero requests that frame contents be zeroed before the frames are
	// returned.
	Zero bool
}

// Stats is a snapshot of allocator state.
type Stats struct {
	// Total is the number of allocatable frames.
	Total uint64

	// Free is the number of frames in the free set.
	Free uint64

	// Used is Total - Free.
	Used uint64

	// Usage breaks down allocated memory by kind, in bytes.
	Usage usage.MemoryStats
}

// Allocator allocates physical frames.
type Allocator struct {
	// regions is the boot memory map. It is immutable.
	regions []MemoryRegion

	// frames is the frame database, indexed by page frame number. It is
	// immutable after New, though each Frame's refs are not.
	frames []Frame

	// ram holds frame contents.
	ram *arena

	// total is the number of allocatable frames. It is immutable.
	total uint64

	// usage accounts allocated frames by kind.
	usage usage.MemoryStats

	// mu protects the fields below.
	mu sync.SpinLock

	// free has a bit set for every free frame.
	free *bitset.BitSet

	// zeroed has a bit set for every free frame whose contents are known
	// to be zero.
	zeroed *bitset.BitSet

	// nfree is the number of bits set in free.
	nfree uint64

	// hint is where the next single-frame search starts.
	hint uint
}

// New creates an allocator for the given boot memory map. The frames of
// Available regions are initially free; everything else is never handed out.
func New(regions []MemoryRegion) (*Allocator, error) {
	top, err := validateMemoryMap(regions)
	if err != nil {
		return nil, err
	}
	ram, err := newArena(top)
	if err != nil {
		return nil, err
	}
	npages := top / hostarch.PageSize
	a := &Allocator{
		regions: append([]MemoryRegion(nil), regions...),
		frames:  make([]Frame, npages),
		ram:     ram,
		free:    bitset.New(uint(npages)),
	}
	a.mu.Init(sync.RankAllocator)
	for i := range a.frames {
		a.frames[i].addr = hostarch.PhysAddr(uint64(i) * hostarch.PageSize)
		a.frames[i].reserved = true
	}
	for _, r := range regions {
		if r.Type != Available {
			continue
		}
		first, last := r.usablePages()
		for pfn := first; pfn < last && pfn < npages; pfn++ {
			a.free.Set(uint(pfn))
		}
	}
	// Anything else in the map wins over Available on overlap.
	for _, r := range regions {
		if r.Type == Available {
			continue
		}
		start := hostarch.PageRoundDown(uint64(r.Base)) / hostarch.PageSize
		end, ok := hostarch.PageRoundUp(uint64(r.End()))
		if !ok {
			end = top
		}
		for pfn := start; pfn < end/hostarch.PageSize && pfn < npages; pfn++ {
			a.free.Clear(uint(pfn))
		}
	}
	for i, e := a.free.NextSet(0); e; i, e = a.free.NextSet(i + 1) {
		a.frames[i].reserved = false
	}
	a.total = uint64(a.free.Count())
	a.nfree = a.total
	a.zeroed = a.free.Clone()
	log.Infof("Physical memory: %d frames allocatable out of %d (%d MiB arena)", a.total, npages, top>>20)
	return a, nil
}

// Destroy releases the host memory backing the allocator. No frame may be
// accessed afterwards.
func (a *Allocator) Destroy() {
	a.ram.release()
}

// Regions returns the boot memory map.
func (a *Allocator) Regions() []MemoryRegion {
	return a.regions
}

// Top returns the first physical address past RAM.
func (a *Allocator) Top() hostarch.PhysAddr {
	return hostarch.PhysAddr(len(a.frames)) * hostarch.PageSize
}

// FrameOf returns the frame database entry for the RAM page containing pa,
// or nil if pa is not RAM.
func (a *Allocator) FrameOf(pa hostarch.PhysAddr) *Frame {
	pfn := pa.PageNumber()
	if pfn >= uint64(len(a.frames)) {
		return nil
	}
	return &a.frames[pfn]
}

// NewDeviceFrame returns a frame describing the device page at pa. Device
// frames are not part of the frame database: they are never allocated or
// freed, and Retain and Release ignore them.
func NewDeviceFrame(pa hostarch.PhysAddr) *Frame {
	return &Frame{addr: pa.RoundDown(), device: true}
}

func (a *Allocator) pfn(f *Frame) uint {
	pfn := f.addr.PageNumber()
	if pfn >= uint64(len(a.frames)) || &a.frames[pfn] != f {
		panic(fmt.Sprintf("%v does not belong to this allocator", f))
	}
	return uint(pfn)
}

// AllocateOne returns a free frame with a single reference held by the
// caller. If no frame is free, it returns errors.ENOMEM.
func (a *Allocator) AllocateOne(h *sync.LockHolder, opts AllocOpts) (*Frame, error) {
	a.mu.Lock(h)
	i, ok := a.free.NextSet(a.hint)
	if !ok {
		i, ok = a.free.NextSet(0)
	}
	if !ok {
		a.mu.Unlock(h)
		return nil, errors.ENOMEM
	}
	a.free.Clear(i)
	a.nfree--
	a.hint = i + 1
	zeroed := a.zeroed.Test(i)
	a.zeroed.Clear(i)
	a.mu.Unlock(h)

	f := &a.frames[i]
	a.claim(f, opts, zeroed)
	return f, nil
}

// AllocateContiguous returns n physically contiguous free frames, each with a
// single reference held by the caller. If no run of n free frames exists, it
// returns errors.ENOMEM and the free set is unchanged.
func (a *Allocator) AllocateContiguous(h *sync.LockHolder, n uint64, opts AllocOpts) ([]*Frame, error) {
	if n == 0 {
		return nil, errors.EINVAL
	}
	a.mu.Lock(h)
	if n > a.nfree {
		a.mu.Unlock(h)
		return nil, errors.ENOMEM
	}
	start, found := uint(0), false
	for i, ok := a.free.NextSet(0); ok; i, ok = a.free.NextSet(i) {
		end, ok := a.free.NextClear(i)
		if !ok {
			end = a.free.Len()
		}
		if uint64(end-i) >= n {
			start, found = i, true
			break
		}
		i = end
	}
	if !found {
		a.mu.Unlock(h)
		return nil, errors.ENOMEM
	}
	zeroed := make([]bool, n)
	for j := uint(0); j < uint(n); j++ {
		a.free.Clear(start + j)
		zeroed[j] = a.zeroed.Test(start + j)
		a.zeroed.Clear(start + j)
	}
	a.nfree -= n
	a.mu.Unlock(h)

	frames := make([]*Frame, n)
	for j := range frames {
		f := &a.frames[start+uint(j)]
		a.claim(f, opts, zeroed[j])
		frames[j] = f
	}
	return frames, nil
}

// claim initializes a frame just removed from the free set. No other holder
// can observe f until claim returns.
func (a *Allocator) claim(f *Frame, opts AllocOpts, zeroed bool) {
	if refs := f.refs.Load(); refs != 0 {
		errors.Invariant("free %v has %d references", f, refs)
	}
	f.kind = opts.Kind
	if opts.Zero && !zeroed {
		clear(a.Bytes(f))
	}
	a.usage.Inc(hostarch.PageSize, opts.Kind)
	f.refs.Store(1)
}

// Retain takes an additional reference on f. f must already be referenced by
// the caller.
func (a *Allocator) Retain(f *Frame) {
	if f.device {
		return
	}
	if v := f.refs.Add(1); v <= 1 {
		errors.Invariant("retain of free %v", f)
	}
}

// Release drops a reference on f, returning it to the free set when the last
// reference is dropped.
func (a *Allocator) Release(h *sync.LockHolder, f *Frame) {
	if f.device {
		return
	}
	switch v := f.refs.Add(-1); {
	case v < 0:
		errors.Invariant("double free of %v", f)
	case v > 0:
		return
	}
	if f.reserved {
		errors.Invariant("release of reserved %v", f)
	}
	i := a.pfn(f)
	a.usage.Dec(hostarch.PageSize, f.kind)
	a.mu.Lock(h)
	if a.free.Test(i) {
		a.mu.Unlock(h)
		errors.Invariant("%v freed twice", f)
	}
	a.free.Set(i)
	a.nfree++
	a.mu.Unlock(h)
}

// Reclaim returns the host memory behind free frames to the host. Reclaimed
// frames read as zero and need no zeroing when next allocated. It returns
// the number of frames reclaimed.
func (a *Allocator) Reclaim(h *sync.LockHolder) (uint64, error) {
	a.mu.Lock(h)
	defer a.mu.Unlock(h)
	var n uint64
	for i, ok := a.free.NextSet(0); ok; i, ok = a.free.NextSet(i) {
		end, ok := a.free.NextClear(i)
		if !ok {
			end = a.free.Len()
		}
		var dirty uint
		for j := i; j < end; j++ {
			if !a.zeroed.Test(j) {
				dirty++
			}
		}
		if dirty != 0 {
			off := uint64(i) * hostarch.PageSize
			if err := a.ram.decommit(off, uint64(end-i)*hostarch.PageSize); err != nil {
				return n, fmt.Errorf("failed to reclaim frames [%#x, %#x): %w", off, uint64(end)*hostarch.PageSize, err)
			}
			for j := i; j < end; j++ {
				a.zeroed.Set(j)
			}
			n += uint64(dirty)
		}
		i = end
	}
	return n, nil
}

// Stats returns a snapshot of allocator state.
func (a *Allocator) Stats(h *sync.LockHolder) Stats {
	a.mu.Lock(h)
	free := a.nfree
	a.mu.Unlock(h)
	u, _ := a.usage.Copy()
	return Stats{
		Total: a.total,
		Free:  free,
		Used:  a.total - free,
		Usage: u,
	}
}

// Usage returns the allocator's memory accounting. Memory that is not
// allocated from RAM, such as device apertures, is charged here directly.
func (a *Allocator) Usage() *usage.MemoryStats {
	return &a.usage
}

// Bytes returns the contents of f. f must be a RAM frame.
func (a *Allocator) Bytes(f *Frame) []byte {
	off := uint64(f.addr)
	return a.ram.mapping[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Copy copies the contents of src into dst.
func (a *Allocator) Copy(dst, src *Frame) {
	copy(a.Bytes(dst), a.Bytes(src))
}

// Zero zero-fills f.
func (a *Allocator) Zero(f *Frame) {
	clear(a.Bytes(f))
}

// Slice returns the n bytes of RAM at pa. ok is false if the range is not
// entirely RAM.
func (a *Allocator) Slice(pa hostarch.PhysAddr, n uint64) (bs []byte, ok bool) {
	end := uint64(pa) + n
	if end < uint64(pa) || end > uint64(len(a.ram.mapping)) {
		return nil, false
	}
	return a.ram.mapping[pa:end:end], true
}

// String implements fmt.Stringer.String.
func (a *Allocator) String() string {
	return fmt.Sprintf("pgalloc.Allocator{%d frames}", a.total)
}
