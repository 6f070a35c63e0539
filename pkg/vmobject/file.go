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

package vmobject

import (
	"context"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/usage"
)

// Inode is the filesystem's view of a file, consulted for page-in and
// write-back.
type Inode interface {
	// InodeID returns a unique identifier for the inode.
	InodeID() uint64

	// Size returns the file size in bytes.
	Size() uint64

	// ReadPage fills dst, a zeroed page, with the file content at off,
	// which is page aligned and less than Size. Bytes past the end of the
	// file are left zero. ReadPage may block.
	ReadPage(ctx context.Context, off uint64, dst []byte) error

	// WritePage writes src, one page, to the file at off. The file is not
	// extended. WritePage may block.
	WritePage(ctx context.Context, off uint64, src []byte) error
}

// MappingSpace is an address space that maps a SharedFile.
type MappingSpace interface {
	// WriteProtect removes write access from every translation of slots
	// [first, last) of o in the address space, and shoots the old
	// translations down before returning.
	//
	// Preconditions: the context's CPU holds no spinlocks.
	WriteProtect(ctx context.Context, o Object, first, last uint64)
}

// Named is implemented by inodes with a path.
type Named interface {
	Name() string
}

func inodeName(inode Inode) string {
	if n, ok := inode.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("inode:%d", inode.InodeID())
}

// pageIn reads the file page at off into a new frame and installs it in
// slot i of b unless the slot was filled meanwhile.
func pageIn(ctx context.Context, h *sync.LockHolder, b *base, inode Inode, i, off uint64) error {
	if off >= inode.Size() {
		return fmt.Errorf("page at %#x beyond end of %s: %w", off, inodeName(inode), errors.EFAULT)
	}
	f, err := b.alloc.AllocateOne(h, pgalloc.AllocOpts{Kind: usage.PageCache, Zero: true})
	if err != nil {
		return err
	}
	if err := inode.ReadPage(ctx, off, b.alloc.Bytes(f)); err != nil {
		b.alloc.Release(h, f)
		return errors.WrapIO(err, "reading %s at %#x", inodeName(inode), off)
	}
	b.mu.Lock(h)
	defer b.mu.Unlock(h)
	if i >= uint64(len(b.slots)) || b.slots[i] != nil {
		b.alloc.Release(h, f)
		return nil
	}
	b.slots[i] = f
	return nil
}

// PrivateFile is a private mapping of a file: pages are read on first access
// and modifications are never written back.
type PrivateFile struct {
	base

	inode Inode

	// offset is the file offset of slot 0.
	offset uint64
}

// NewPrivateFile returns a private file object of the given size whose first
// page is the file page at offset.
func NewPrivateFile(h *sync.LockHolder, alloc *pgalloc.Allocator, inode Inode, offset, pages uint64) (*PrivateFile, error) {
	if offset%hostarch.PageSize != 0 {
		return nil, errors.EINVAL
	}
	o := &PrivateFile{inode: inode, offset: offset}
	if err := o.init(h, alloc, KindPrivateFile, pages); err != nil {
		return nil, err
	}
	refs.Register(o)
	return o, nil
}

// Inode returns the backing inode.
func (o *PrivateFile) Inode() Inode {
	return o.inode
}

// Offset returns the file offset of the object's first page.
func (o *PrivateFile) Offset() uint64 {
	return o.offset
}

// Name implements Object.Name.
func (o *PrivateFile) Name() string {
	return inodeName(o.inode)
}

// Shared implements Object.Shared.
func (o *PrivateFile) Shared() bool {
	return false
}

// Populate implements Object.Populate.
func (o *PrivateFile) Populate(h *sync.LockHolder, i uint64) error {
	if o.slots[i] != nil {
		return nil
	}
	return ErrPageIn
}

// PageIn implements Object.PageIn.
func (o *PrivateFile) PageIn(ctx context.Context, h *sync.LockHolder, i uint64) error {
	return pageIn(ctx, h, &o.base, o.inode, i, o.offset+i*hostarch.PageSize)
}

// Clone implements Object.Clone.
func (o *PrivateFile) Clone(h *sync.LockHolder) (Object, error) {
	c := &PrivateFile{inode: o.inode, offset: o.offset}
	if err := o.cloneInto(h, &c.base); err != nil {
		return nil, err
	}
	refs.Register(c)
	return c, nil
}

// DecRef implements Object.DecRef.
func (o *PrivateFile) DecRef(h *sync.LockHolder) {
	o.AtomicRefCount.DecRef(func() {
		o.release(h)
		refs.Unregister(o)
	})
}

// SharedFile is the single object shared by every shared mapping of an
// inode. Slot i holds the file page at offset i*PageSize.
type SharedFile struct {
	base

	inode Inode
	cache *InodeCache

	// dirty has a bit set for every slot that may differ from the file. It
	// is protected by mu.
	dirty *bitset.BitSet

	// mappings counts the regions of each address space mapping o. It is
	// protected by mu.
	mappings map[MappingSpace]int
}

func newSharedFile(h *sync.LockHolder, alloc *pgalloc.Allocator, cache *InodeCache, inode Inode, pages uint64) (*SharedFile, error) {
	o := &SharedFile{
		inode:    inode,
		cache:    cache,
		dirty:    bitset.New(uint(pages)),
		mappings: make(map[MappingSpace]int),
	}
	if err := o.init(h, alloc, KindSharedFile, pages); err != nil {
		return nil, err
	}
	refs.Register(o)
	return o, nil
}

// Inode returns the backing inode.
func (o *SharedFile) Inode() Inode {
	return o.inode
}

// Name implements Object.Name.
func (o *SharedFile) Name() string {
	return inodeName(o.inode)
}

// Shared implements Object.Shared.
func (o *SharedFile) Shared() bool {
	return true
}

// Populate implements Object.Populate.
func (o *SharedFile) Populate(h *sync.LockHolder, i uint64) error {
	if o.slots[i] != nil {
		return nil
	}
	return ErrPageIn
}

// PageIn implements Object.PageIn.
func (o *SharedFile) PageIn(ctx context.Context, h *sync.LockHolder, i uint64) error {
	return pageIn(ctx, h, &o.base, o.inode, i, i*hostarch.PageSize)
}

// MarkDirty implements Object.MarkDirty.
func (o *SharedFile) MarkDirty(i uint64) {
	o.dirty.Set(uint(i))
}

// AddMapping records that a region of ms maps o.
func (o *SharedFile) AddMapping(h *sync.LockHolder, ms MappingSpace) {
	o.mu.Lock(h)
	o.mappings[ms]++
	o.mu.Unlock(h)
}

// RemoveMapping records that a region of ms no longer maps o.
func (o *SharedFile) RemoveMapping(h *sync.LockHolder, ms MappingSpace) {
	o.mu.Lock(h)
	defer o.mu.Unlock(h)
	switch n := o.mappings[ms]; n {
	case 0:
		errors.Invariant("%v removed from %v, which does not map it", ms, o)
	case 1:
		delete(o.mappings, ms)
	default:
		o.mappings[ms] = n - 1
	}
}

// MappingSpaces returns the number of address spaces mapping o.
func (o *SharedFile) MappingSpaces(h *sync.LockHolder) int {
	o.mu.Lock(h)
	defer o.mu.Unlock(h)
	return len(o.mappings)
}

// IsDirty returns true if slot i has unwritten modifications.
func (o *SharedFile) IsDirty(h *sync.LockHolder, i uint64) bool {
	o.mu.Lock(h)
	defer o.mu.Unlock(h)
	return o.dirty.Test(uint(i))
}

// Clone implements Object.Clone.
func (o *SharedFile) Clone(h *sync.LockHolder) (Object, error) {
	o.IncRef()
	return o, nil
}

// grow extends the object to cover pages slots.
func (o *SharedFile) grow(h *sync.LockHolder, pages uint64) error {
	o.mu.Lock(h)
	defer o.mu.Unlock(h)
	return o.growLocked(h, pages)
}

// Sync writes dirty pages in slots [first, last) back to the inode. Pages
// that fail to write stay dirty.
//
// The dirty bits are cleared before every mapping of the pages is
// write-protected, and the pages are copied after that. A write through a
// translation that was still writable reaches the frame before the copy;
// any later write faults and dirties the page again.
//
// Preconditions: h holds no spinlocks. If o has mappings, h belongs to the
// CPU carried by ctx.
func (o *SharedFile) Sync(ctx context.Context, h *sync.LockHolder, first, last uint64) error {
	type dirtyPage struct {
		index uint64
		frame *pgalloc.Frame
	}
	var pages []dirtyPage
	o.mu.Lock(h)
	last = min(last, uint64(len(o.slots)))
	for i, ok := o.dirty.NextSet(uint(first)); ok && uint64(i) < last; i, ok = o.dirty.NextSet(i + 1) {
		if f := o.slots[i]; f != nil {
			o.alloc.Retain(f)
			pages = append(pages, dirtyPage{uint64(i), f})
		}
		o.dirty.Clear(i)
	}
	var spaces []MappingSpace
	if len(pages) != 0 {
		spaces = make([]MappingSpace, 0, len(o.mappings))
		for ms := range o.mappings {
			spaces = append(spaces, ms)
		}
	}
	o.mu.Unlock(h)

	for _, ms := range spaces {
		ms.WriteProtect(ctx, o, first, last)
	}

	var firstErr error
	size := o.inode.Size()
	for _, p := range pages {
		off := p.index * hostarch.PageSize
		var err error
		if off < size {
			n := min(hostarch.PageSize, size-off)
			err = o.inode.WritePage(ctx, off, o.alloc.Bytes(p.frame)[:n])
		}
		if err != nil {
			o.mu.Lock(h)
			o.dirty.Set(uint(p.index))
			o.mu.Unlock(h)
			if firstErr == nil {
				firstErr = errors.WrapIO(err, "writing back %s at %#x", inodeName(o.inode), off)
			}
		}
		o.alloc.Release(h, p.frame)
	}
	return firstErr
}

// DecRef implements Object.DecRef.
func (o *SharedFile) DecRef(h *sync.LockHolder) {
	o.AtomicRefCount.DecRef(func() {
		o.cache.remove(h, o)
		if len(o.mappings) != 0 {
			errors.Invariant("%v destroyed while mapped by %d address spaces", o, len(o.mappings))
		}
		if n := o.dirty.Count(); n > 0 {
			log.Warningf("%v destroyed with %d dirty pages not written back", o, n)
		}
		o.release(h)
		refs.Unregister(o)
	})
}
