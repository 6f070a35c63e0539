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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/usage"
)

const page = hostarch.PageSize

func TestMain(m *testing.M) {
	refs.SetLeakMode(refs.LeaksLogWarning)
	code := m.Run()
	if refs.DoLeakCheck() != 0 {
		code = 1
	}
	os.Exit(code)
}

func newAllocator(t *testing.T, frames uint64) *pgalloc.Allocator {
	t.Helper()
	a, err := pgalloc.New([]pgalloc.MemoryRegion{{Base: 0, Length: frames * page, Type: pgalloc.Available}})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	t.Cleanup(a.Destroy)
	return a
}

// checkAllFree verifies that every frame has been returned.
func checkAllFree(t *testing.T, h *sync.LockHolder, a *pgalloc.Allocator) {
	t.Helper()
	st := a.Stats(h)
	if st.Free != st.Total {
		t.Errorf("got %d free frames want %d (usage %+v)", st.Free, st.Total, st.Usage)
	}
}

func populate(t *testing.T, h *sync.LockHolder, o Object, i uint64) {
	t.Helper()
	o.Lock(h)
	err := o.Populate(h, i)
	o.Unlock(h)
	if err == ErrPageIn {
		err = o.PageIn(context.Background(), h, i)
	}
	if err != nil {
		t.Fatalf("populating slot %d of %v: %v", i, o, err)
	}
}

func entry(h *sync.LockHolder, o Object, i uint64) *pgalloc.Frame {
	o.Lock(h)
	defer o.Unlock(h)
	return o.PhysicalPageEntry(i)
}

func TestAnonymousPopulate(t *testing.T) {
	h := sync.NewLockHolder(0)
	a := newAllocator(t, 16)
	o, err := NewAnonymous(h, a, 4)
	if err != nil {
		t.Fatalf("NewAnonymous failed: %v", err)
	}
	if got := entry(h, o, 2); got != nil {
		t.Errorf("slot 2 before populate: got %v want nil", got)
	}
	populate(t, h, o, 2)
	f := entry(h, o, 2)
	if f == nil {
		t.Fatalf("slot 2 is empty after populate")
	}
	if !bytes.Equal(a.Bytes(f), make([]byte, page)) {
		t.Errorf("populated frame is not zeroed")
	}
	if got, want := f.Kind(), usage.Anonymous; got != want {
		t.Errorf("frame kind: got %v want %v", got, want)
	}
	// Populating a filled slot is a no-op.
	populate(t, h, o, 2)
	if got := entry(h, o, 2); got != f {
		t.Errorf("repopulated slot: got %v want %v", got, f)
	}
	if got, want := a.Stats(h).Usage, (usage.MemoryStats{Anonymous: page, SlotTables: page}); !cmp.Equal(got, want) {
		t.Errorf("usage mismatch (-want +got):\n%s", cmp.Diff(want, got))
	}
	o.DecRef(h)
	checkAllFree(t, h, a)
}

func TestZeroPages(t *testing.T) {
	h := sync.NewLockHolder(0)
	a := newAllocator(t, 4)
	if _, err := NewAnonymous(h, a, 0); !errors.Is(err, errors.EINVAL) {
		t.Errorf("NewAnonymous(0): got %v want %v", err, errors.EINVAL)
	}
	if _, err := NewSharedMemory(h, a, "", 1); !errors.Is(err, errors.EINVAL) {
		t.Errorf("NewSharedMemory(\"\"): got %v want %v", err, errors.EINVAL)
	}
	checkAllFree(t, h, a)
}

func TestSlotTableCharge(t *testing.T) {
	for _, test := range []struct {
		pages uint64
		want  uint64
	}{
		{pages: 1, want: 1},
		{pages: 512, want: 1},
		{pages: 513, want: 2},
		{pages: 1024, want: 2},
		{pages: 1500, want: 3},
	} {
		t.Run(fmt.Sprintf("%d pages", test.pages), func(t *testing.T) {
			h := sync.NewLockHolder(0)
			a := newAllocator(t, 8)
			o, err := NewAnonymous(h, a, test.pages)
			if err != nil {
				t.Fatalf("NewAnonymous failed: %v", err)
			}
			if got, want := a.Stats(h).Usage.SlotTables, test.want*page; got != want {
				t.Errorf("slot table charge: got %d want %d", got, want)
			}
			o.DecRef(h)
			checkAllFree(t, h, a)
		})
	}
}

func TestCloneSharesFrames(t *testing.T) {
	h := sync.NewLockHolder(0)
	a := newAllocator(t, 16)
	o, err := NewAnonymous(h, a, 4)
	if err != nil {
		t.Fatalf("NewAnonymous failed: %v", err)
	}
	populate(t, h, o, 0)
	populate(t, h, o, 3)
	c, err := o.Clone(h)
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if c == Object(o) {
		t.Fatalf("Clone of a private object returned itself")
	}
	for i := uint64(0); i < 4; i++ {
		if got, want := entry(h, c, i), entry(h, o, i); got != want {
			t.Errorf("slot %d: got %v want %v", i, got, want)
		}
	}
	if got, want := entry(h, o, 0).ReadRefs(), int64(2); got != want {
		t.Errorf("frame refs after clone: got %d want %d", got, want)
	}

	// Replacing the clone's frame leaves the original untouched.
	orig := entry(h, o, 0)
	f, err := a.AllocateOne(h, pgalloc.AllocOpts{Kind: usage.Anonymous})
	if err != nil {
		t.Fatalf("AllocateOne failed: %v", err)
	}
	a.Copy(f, orig)
	c.Lock(h)
	c.SetPhysicalPageEntry(h, 0, f)
	c.Unlock(h)
	if got := entry(h, o, 0); got != orig {
		t.Errorf("original slot 0: got %v want %v", got, orig)
	}
	if got, want := orig.ReadRefs(), int64(1); got != want {
		t.Errorf("original frame refs: got %d want %d", got, want)
	}

	o.DecRef(h)
	if got, want := entry(h, c, 3).ReadRefs(), int64(1); got != want {
		t.Errorf("clone frame refs after source destroyed: got %d want %d", got, want)
	}
	c.DecRef(h)
	checkAllFree(t, h, a)
}

func TestCloneOutOfMemory(t *testing.T) {
	h := sync.NewLockHolder(0)
	a := newAllocator(t, 4)
	o, err := NewAnonymous(h, a, 2)
	if err != nil {
		t.Fatalf("NewAnonymous failed: %v", err)
	}
	populate(t, h, o, 0)
	populate(t, h, o, 1)
	// One slot table and two pages are in use. Take the last frame.
	last, err := a.AllocateOne(h, pgalloc.AllocOpts{})
	if err != nil {
		t.Fatalf("AllocateOne failed: %v", err)
	}
	before := a.Stats(h)
	if _, err := o.Clone(h); !errors.Is(err, errors.ENOMEM) {
		t.Fatalf("Clone: got %v want %v", err, errors.ENOMEM)
	}
	if diff := cmp.Diff(before, a.Stats(h)); diff != "" {
		t.Errorf("allocator state changed by failed clone (-before +after):\n%s", diff)
	}
	for i := uint64(0); i < 2; i++ {
		if got, want := entry(h, o, i).ReadRefs(), int64(1); got != want {
			t.Errorf("slot %d refs: got %d want %d", i, got, want)
		}
	}
	a.Release(h, last)
	o.DecRef(h)
	checkAllFree(t, h, a)
}

func TestSharedMemory(t *testing.T) {
	h := sync.NewLockHolder(0)
	a := newAllocator(t, 8)
	o, err := NewSharedMemory(h, a, "seg", 2)
	if err != nil {
		t.Fatalf("NewSharedMemory failed: %v", err)
	}
	if got, want := o.Name(), "/dev/shm/seg"; got != want {
		t.Errorf("Name: got %q want %q", got, want)
	}
	populate(t, h, o, 1)
	c, err := o.Clone(h)
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if c != Object(o) {
		t.Errorf("Clone of shared memory: got %v want %v", c, o)
	}
	if got, want := o.ReadRefs(), int64(2); got != want {
		t.Errorf("refs: got %d want %d", got, want)
	}
	c.DecRef(h)
	o.DecRef(h)
	checkAllFree(t, h, a)
}

func TestPrivateFilePageIn(t *testing.T) {
	h := sync.NewLockHolder(0)
	a := newAllocator(t, 16)
	data := make([]byte, 2*page+100)
	for i := range data {
		data[i] = byte(i/page + 1)
	}
	inode := NewMemInode("/data", data)
	o, err := NewPrivateFile(h, a, inode, page, 4)
	if err != nil {
		t.Fatalf("NewPrivateFile failed: %v", err)
	}
	o.Lock(h)
	err = o.Populate(h, 0)
	o.Unlock(h)
	if err != ErrPageIn {
		t.Fatalf("Populate: got %v want %v", err, ErrPageIn)
	}
	ctx := context.Background()
	if err := o.PageIn(ctx, h, 0); err != nil {
		t.Fatalf("PageIn(0) failed: %v", err)
	}
	if got, want := a.Bytes(entry(h, o, 0)), data[page:2*page]; !bytes.Equal(got, want) {
		t.Errorf("slot 0 does not hold file page 1")
	}

	// The last file page is partial; the rest of the frame is zero.
	if err := o.PageIn(ctx, h, 1); err != nil {
		t.Fatalf("PageIn(1) failed: %v", err)
	}
	want := make([]byte, page)
	copy(want, data[2*page:])
	if got := a.Bytes(entry(h, o, 1)); !bytes.Equal(got, want) {
		t.Errorf("slot 1 does not hold the zero-padded tail of the file")
	}

	// Slot 2 is past the end of the file.
	if err := o.PageIn(ctx, h, 2); !errors.Is(err, errors.EFAULT) {
		t.Errorf("PageIn past EOF: got %v want %v", err, errors.EFAULT)
	}
	if got := entry(h, o, 2); got != nil {
		t.Errorf("slot 2 after failed page-in: got %v want nil", got)
	}

	if got, want := o.Name(), "/data"; got != want {
		t.Errorf("Name: got %q want %q", got, want)
	}
	o.DecRef(h)
	checkAllFree(t, h, a)
}

func TestPageInReadError(t *testing.T) {
	h := sync.NewLockHolder(0)
	a := newAllocator(t, 8)
	inode := NewMemInode("/bad", make([]byte, page))
	injected := fmt.Errorf("disk on fire")
	inode.SetReadError(injected)
	o, err := NewPrivateFile(h, a, inode, 0, 1)
	if err != nil {
		t.Fatalf("NewPrivateFile failed: %v", err)
	}
	err = o.PageIn(context.Background(), h, 0)
	if got, want := errors.KindOf(err), errors.IOFailure; got != want {
		t.Errorf("KindOf(%v): got %v want %v", err, got, want)
	}
	if !errors.Is(err, injected) {
		t.Errorf("PageIn error %v does not wrap %v", err, injected)
	}
	if got, want := errors.KindOf(errors.Fatal(err)), errors.IllegalAccess; got != want {
		t.Errorf("KindOf(Fatal(%v)): got %v want %v", err, got, want)
	}
	o.DecRef(h)
	checkAllFree(t, h, a)
}

func TestPageInRace(t *testing.T) {
	h := sync.NewLockHolder(0)
	a := newAllocator(t, 8)
	inode := NewMemInode("/f", bytes.Repeat([]byte{1}, page))
	o, err := NewPrivateFile(h, a, inode, 0, 1)
	if err != nil {
		t.Fatalf("NewPrivateFile failed: %v", err)
	}
	ctx := context.Background()
	if err := o.PageIn(ctx, h, 0); err != nil {
		t.Fatalf("PageIn failed: %v", err)
	}
	first := entry(h, o, 0)
	before := a.Stats(h)
	// A second page-in of the same slot finds it filled and discards its
	// frame.
	if err := o.PageIn(ctx, h, 0); err != nil {
		t.Fatalf("second PageIn failed: %v", err)
	}
	if got := entry(h, o, 0); got != first {
		t.Errorf("slot 0 replaced: got %v want %v", got, first)
	}
	if diff := cmp.Diff(before, a.Stats(h)); diff != "" {
		t.Errorf("allocator state changed (-before +after):\n%s", diff)
	}
	o.DecRef(h)
	checkAllFree(t, h, a)
}

func TestInodeCache(t *testing.T) {
	h := sync.NewLockHolder(0)
	a := newAllocator(t, 16)
	cache := NewInodeCache(a)
	inode := NewMemInode("/shared", make([]byte, 3*page))

	o1, err := cache.Get(h, inode, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	o2, err := cache.Get(h, inode, 3)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if o1 != o2 {
		t.Fatalf("Get returned different objects for one inode: %v, %v", o1, o2)
	}
	if got, want := o1.PageCount(), uint64(3); got != want {
		t.Errorf("PageCount after growing: got %d want %d", got, want)
	}
	c, err := o1.Clone(h)
	if err != nil || c != Object(o1) {
		t.Errorf("Clone: got (%v, %v) want (%v, nil)", c, err, o1)
	}
	if got, want := o1.ReadRefs(), int64(3); got != want {
		t.Errorf("refs: got %d want %d", got, want)
	}
	c.DecRef(h)
	o2.DecRef(h)
	if got := cache.Lookup(h, inode.InodeID()); got != o1 {
		t.Errorf("Lookup with a live reference: got %v want %v", got, o1)
	}
	o1.DecRef(h)
	if got, want := cache.Len(h), 0; got != want {
		t.Errorf("cache entries after last DecRef: got %d want %d", got, want)
	}

	o3, err := cache.Get(h, inode, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if o3.ID() == o1.ID() {
		t.Errorf("Get after destruction returned the destroyed object")
	}
	o3.DecRef(h)
	checkAllFree(t, h, a)
}

func TestSharedFileSync(t *testing.T) {
	h := sync.NewLockHolder(0)
	a := newAllocator(t, 16)
	cache := NewInodeCache(a)
	inode := NewMemInode("/log", make([]byte, 2*page))
	o, err := cache.Get(h, inode, 2)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	ctx := context.Background()
	for i := uint64(0); i < 2; i++ {
		populate(t, h, o, i)
	}

	write := func(i uint64, b byte) {
		o.Lock(h)
		copy(a.Bytes(o.PhysicalPageEntry(i)), bytes.Repeat([]byte{b}, 10))
		o.MarkDirty(i)
		o.Unlock(h)
	}
	write(1, 'x')
	if !o.IsDirty(h, 1) || o.IsDirty(h, 0) {
		t.Errorf("dirty bits: got (%t, %t) want (false, true)", o.IsDirty(h, 0), o.IsDirty(h, 1))
	}
	if err := o.Sync(ctx, h, 0, 2); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	want := make([]byte, 2*page)
	copy(want[page:], "xxxxxxxxxx")
	if got := inode.Contents(); !bytes.Equal(got, want) {
		t.Errorf("file contents after Sync do not hold the written page")
	}
	if o.IsDirty(h, 1) {
		t.Errorf("page 1 still dirty after Sync")
	}

	// Failed write-back leaves the page dirty.
	injected := fmt.Errorf("read-only filesystem")
	inode.SetWriteError(injected)
	write(0, 'y')
	err = o.Sync(ctx, h, 0, 2)
	if got, want := errors.KindOf(err), errors.IOFailure; got != want {
		t.Errorf("KindOf(%v): got %v want %v", err, got, want)
	}
	if !o.IsDirty(h, 0) {
		t.Errorf("page 0 clean after failed Sync")
	}
	inode.SetWriteError(nil)
	if err := o.Sync(ctx, h, 0, 1); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if got := inode.Contents()[:10]; !bytes.Equal(got, []byte("yyyyyyyyyy")) {
		t.Errorf("page 0 after retry: got %q want %q", got, "yyyyyyyyyy")
	}
	o.DecRef(h)
	checkAllFree(t, h, a)
}

func TestDevice(t *testing.T) {
	h := sync.NewLockHolder(0)
	a := newAllocator(t, 8)
	if _, err := NewDevice(h, a, hostarch.PhysAddr(4*page), 1, hostarch.MemoryTypeUncached); !errors.Is(err, errors.EINVAL) {
		t.Errorf("NewDevice over RAM: got %v want %v", err, errors.EINVAL)
	}
	if _, err := NewDevice(h, a, a.Top()+1, 1, hostarch.MemoryTypeUncached); !errors.Is(err, errors.EINVAL) {
		t.Errorf("NewDevice unaligned: got %v want %v", err, errors.EINVAL)
	}
	base := a.Top() + 16*page
	o, err := NewDevice(h, a, base, 2, hostarch.MemoryTypeUncached)
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	for i := uint64(0); i < 2; i++ {
		f := entry(h, o, i)
		if f == nil || !f.IsDevice() {
			t.Fatalf("slot %d: got %v want a device frame", i, f)
		}
		if got, want := f.Addr(), base+hostarch.PhysAddr(i*page); got != want {
			t.Errorf("slot %d address: got %#x want %#x", i, got, want)
		}
	}
	if got, want := o.MemoryType(), hostarch.MemoryTypeUncached; got != want {
		t.Errorf("MemoryType: got %v want %v", got, want)
	}
	if got, want := a.Stats(h).Usage.Device, uint64(2*page); got != want {
		t.Errorf("device usage: got %d want %d", got, want)
	}
	c, err := o.Clone(h)
	if err != nil || c != Object(o) {
		t.Errorf("Clone: got (%v, %v) want (%v, nil)", c, err, o)
	}
	c.DecRef(h)
	o.DecRef(h)
	if got := a.Stats(h).Usage.Device; got != 0 {
		t.Errorf("device usage after destroy: got %d want 0", got)
	}
	checkAllFree(t, h, a)
}

func TestHostInode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host")
	data := append(bytes.Repeat([]byte{'a'}, page), 'b', 'c')
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	inode, err := OpenHostInode(path, true)
	if err != nil {
		t.Fatalf("OpenHostInode failed: %v", err)
	}
	defer inode.Close()
	if got, want := inode.Size(), uint64(len(data)); got != want {
		t.Errorf("Size: got %d want %d", got, want)
	}

	h := sync.NewLockHolder(0)
	a := newAllocator(t, 8)
	cache := NewInodeCache(a)
	o, err := cache.Get(h, inode, 2)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	populate(t, h, o, 1)
	o.Lock(h)
	b := a.Bytes(o.PhysicalPageEntry(1))
	if got, want := string(b[:3]), "bc\x00"; got != want {
		t.Errorf("page 1: got %q want %q", got, want)
	}
	b[0] = 'z'
	o.MarkDirty(1)
	o.Unlock(h)
	if err := o.Sync(context.Background(), h, 0, 2); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	// Write-back never extends the file.
	if want := append(bytes.Repeat([]byte{'a'}, page), 'z', 'c'); !bytes.Equal(got, want) {
		t.Errorf("file after Sync: got %d bytes ending %q, want %d bytes ending %q", len(got), got[len(got)-2:], len(want), want[len(want)-2:])
	}
	o.DecRef(h)
	checkAllFree(t, h, a)
}

// recordingSpace is a MappingSpace that stores through its translation
// while it is being write-protected.
type recordingSpace struct {
	t       *testing.T
	h       *sync.LockHolder
	o       *SharedFile
	alloc   *pgalloc.Allocator
	calls   [][2]uint64
	payload string
}

func (s *recordingSpace) WriteProtect(ctx context.Context, o Object, first, last uint64) {
	if o != s.o {
		s.t.Errorf("WriteProtect of %v want %v", o, s.o)
	}
	if s.o.IsDirty(s.h, first) {
		s.t.Errorf("slot %d still dirty while being write-protected", first)
	}
	s.calls = append(s.calls, [2]uint64{first, last})
	copy(s.alloc.Bytes(entry(s.h, o, first)), s.payload)
}

func TestSharedFileSyncProtectsMappings(t *testing.T) {
	h := sync.NewLockHolder(0)
	a := newAllocator(t, 16)
	cache := NewInodeCache(a)
	inode := NewMemInode("/db", make([]byte, 2*page))
	o, err := cache.Get(h, inode, 2)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	populate(t, h, o, 0)
	ms := &recordingSpace{t: t, h: h, o: o, alloc: a, payload: "late"}
	o.AddMapping(h, ms)
	o.AddMapping(h, ms)
	if got := o.MappingSpaces(h); got != 1 {
		t.Errorf("mapping address spaces: got %d want 1", got)
	}

	// Nothing dirty: no mapping is touched.
	if err := o.Sync(context.Background(), h, 0, 2); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(ms.calls) != 0 {
		t.Errorf("clean Sync write-protected %v", ms.calls)
	}

	o.Lock(h)
	o.MarkDirty(0)
	o.Unlock(h)
	if err := o.Sync(context.Background(), h, 0, 2); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if diff := cmp.Diff([][2]uint64{{0, 2}}, ms.calls); diff != "" {
		t.Errorf("WriteProtect calls mismatch (-want +got):\n%s", diff)
	}
	// A store made before the translation was revoked is written back.
	if got := string(inode.Contents()[:4]); got != "late" {
		t.Errorf("file contents: got %q want %q", got, "late")
	}

	o.RemoveMapping(h, ms)
	o.RemoveMapping(h, ms)
	if got := o.MappingSpaces(h); got != 0 {
		t.Errorf("mapping address spaces: got %d want 0", got)
	}
	o.DecRef(h)
	checkAllFree(t, h, a)
}
