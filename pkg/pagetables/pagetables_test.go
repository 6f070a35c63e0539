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
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/sync"
)

type mapping struct {
	start  uintptr
	length uintptr
	addr   hostarch.PhysAddr
	opts   MapOpts
}

var (
	rw   = MapOpts{AccessType: hostarch.ReadWrite, User: true}
	ro   = MapOpts{AccessType: hostarch.Read, User: true}
	kern = MapOpts{AccessType: hostarch.ReadWrite}
)

func newTestAllocator(t *testing.T, pages uint64) *pgalloc.Allocator {
	t.Helper()
	a, err := pgalloc.New([]pgalloc.MemoryRegion{{Base: 0, Length: pages * pteSize, Type: pgalloc.Available}})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	t.Cleanup(a.Destroy)
	return a
}

func newTestTables(t *testing.T) (*pgalloc.Allocator, *sync.LockHolder, *PageTables) {
	t.Helper()
	a := newTestAllocator(t, 64)
	h := sync.NewLockHolder(0)
	k, err := NewKernel(h, a)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	pt, err := NewWithKernel(h, a, k)
	if err != nil {
		t.Fatalf("NewWithKernel failed: %v", err)
	}
	return a, h, pt
}

func checkMappings(t *testing.T, pt *PageTables, m []mapping) {
	t.Helper()
	var got []mapping
	pt.Walk(0, uintptr(hostarch.MaxUserAddress), func(addr hostarch.Addr, pte *PTE) bool {
		// Coalesce physically and virtually contiguous entries.
		if n := len(got); n > 0 {
			last := &got[n-1]
			if last.start+last.length == uintptr(addr) &&
				last.addr+hostarch.PhysAddr(last.length) == pte.Address() &&
				last.opts == pte.Opts() {
				last.length += pteSize
				return true
			}
		}
		got = append(got, mapping{uintptr(addr), pteSize, pte.Address(), pte.Opts()})
		return true
	})
	if diff := cmp.Diff(m, got, cmp.AllowUnexported(mapping{})); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocFree(t *testing.T) {
	a, h, pt := newTestTables(t)
	before := a.Stats(h).Free
	pt.Release(h)
	if got := a.Stats(h).Free; got != before+1 {
		t.Errorf("free frames after Release got %d want %d", got, before+1)
	}
}

func TestUnmap(t *testing.T) {
	_, h, pt := newTestTables(t)

	// Map and unmap one entry.
	if _, err := pt.Map(h, 0x400000, pteSize, rw, pteSize*42); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	got := pt.Unmap(h, 0x400000, pteSize)
	want := []Unmapped{{Addr: 0x400000, Physical: pteSize * 42, Opts: rw}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Unmap mismatch (-want +got):\n%s", diff)
	}
	checkMappings(t, pt, nil)
}

func TestReadOnly(t *testing.T) {
	_, h, pt := newTestTables(t)

	// Map one entry.
	if _, err := pt.Map(h, 0x400000, pteSize, ro, pteSize*42); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, ro},
	})
}

func TestReadWrite(t *testing.T) {
	_, h, pt := newTestTables(t)

	// Map one entry.
	if _, err := pt.Map(h, 0x400000, pteSize, rw, pteSize*42); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, rw},
	})
}

func TestSerialEntries(t *testing.T) {
	_, h, pt := newTestTables(t)

	// Map two sequential entries.
	if _, err := pt.Map(h, 0x400000, pteSize, rw, pteSize*42); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, err := pt.Map(h, 0x401000, pteSize, rw, pteSize*47); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, rw},
		{0x401000, pteSize, pteSize * 47, rw},
	})
}

func TestSpanningEntries(t *testing.T) {
	_, h, pt := newTestTables(t)

	// Span a pgd with two pages.
	if _, err := pt.Map(h, 0x00007efffffff000, 2*pteSize, ro, pteSize*42); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	checkMappings(t, pt, []mapping{
		{0x00007efffffff000, 2 * pteSize, pteSize * 42, ro},
	})
}

func TestSparseEntries(t *testing.T) {
	_, h, pt := newTestTables(t)

	// Map two entries in different pgds.
	if _, err := pt.Map(h, 0x400000, pteSize, rw, pteSize*42); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if _, err := pt.Map(h, 0x00007f0000000000, pteSize, ro, pteSize*47); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, rw},
		{0x00007f0000000000, pteSize, pteSize * 47, ro},
	})
}

func TestRemapReturnsPrevious(t *testing.T) {
	_, h, pt := newTestTables(t)

	if _, err := pt.Map(h, 0x400000, 2*pteSize, ro, pteSize*10); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	prev, err := pt.Map(h, 0x401000, 2*pteSize, rw, pteSize*20)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if diff := cmp.Diff([]hostarch.PhysAddr{pteSize * 11}, prev); diff != "" {
		t.Errorf("previous mappings mismatch (-want +got):\n%s", diff)
	}
	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 10, ro},
		{0x401000, 2 * pteSize, pteSize * 20, rw},
	})
}

func TestProtect(t *testing.T) {
	_, h, pt := newTestTables(t)

	if _, err := pt.Map(h, 0x400000, 4*pteSize, rw, pteSize*8); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if got := pt.Protect(h, 0x401000, 2*pteSize, hostarch.Read); got != 2 {
		t.Errorf("Protect changed %d entries want 2", got)
	}
	if got := pt.Protect(h, 0x401000, 2*pteSize, hostarch.Read); got != 0 {
		t.Errorf("repeated Protect changed %d entries want 0", got)
	}
	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 8, rw},
		{0x401000, 2 * pteSize, pteSize * 9, ro},
		{0x403000, pteSize, pteSize * 11, rw},
	})
}

func TestLookupAndTranslate(t *testing.T) {
	_, h, pt := newTestTables(t)

	if _, err := pt.Map(h, 0x400000, pteSize, ro, pteSize*42); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	pa, opts, ok := pt.Lookup(0x400123)
	if !ok || pa != pteSize*42+0x123 || opts != ro {
		t.Errorf("Lookup got (%#x, %v, %t) want (%#x, %v, true)", pa, opts, ok, pteSize*42+0x123, ro)
	}
	if _, _, ok := pt.Lookup(0x401000); ok {
		t.Errorf("Lookup of unmapped address succeeded")
	}

	// A denied write must not dirty the entry.
	pt.Translate(0x400000, hostarch.Write)
	pte := pt.lookup(0x400000)
	if pte.Dirty() {
		t.Errorf("denied write set the dirty bit")
	}
	pt.Protect(h, 0x400000, pteSize, hostarch.ReadWrite)
	pt.Translate(0x400000, hostarch.Write)
	if !pte.Dirty() {
		t.Errorf("permitted write did not set the dirty bit")
	}
}

func TestReclaimEmptyTables(t *testing.T) {
	a, h, pt := newTestTables(t)
	before := a.Stats(h)

	if _, err := pt.Map(h, 0x00007f0000000000, pteSize, rw, pteSize*42); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	// A pud, a pmd and a pte table.
	if got, want := a.Stats(h).Free, before.Free-3; got != want {
		t.Errorf("free after Map got %d want %d", got, want)
	}
	pt.Unmap(h, 0x00007f0000000000, pteSize)
	if got := pt.ReleaseRetired(h); got != 3 {
		t.Errorf("ReleaseRetired freed %d tables want 3", got)
	}
	if diff := cmp.Diff(before, a.Stats(h)); diff != "" {
		t.Errorf("allocator state mismatch (-want +got):\n%s", diff)
	}
}

func TestMapOutOfMemory(t *testing.T) {
	// Room for the kernel tables, a user root and one more table.
	a := newTestAllocator(t, 4)
	h := sync.NewLockHolder(0)
	k, err := NewKernel(h, a)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	pt, err := NewWithKernel(h, a, k)
	if err != nil {
		t.Fatalf("NewWithKernel failed: %v", err)
	}
	_, err = pt.Map(h, 0x400000, pteSize, rw, pteSize*42)
	if errors.KindOf(err) != errors.OutOfMemory {
		t.Errorf("Map with exhausted memory got %v want %v", err, errors.ENOMEM)
	}
	if _, _, ok := pt.Lookup(0x400000); ok {
		t.Errorf("failed Map installed a translation")
	}
}

func TestKernelHalfShared(t *testing.T) {
	a := newTestAllocator(t, 64)
	h := sync.NewLockHolder(0)
	k, err := NewKernel(h, a)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	pt1, err := NewWithKernel(h, a, k)
	if err != nil {
		t.Fatalf("NewWithKernel failed: %v", err)
	}
	pt2, err := NewWithKernel(h, a, k)
	if err != nil {
		t.Fatalf("NewWithKernel failed: %v", err)
	}

	// Mapped after the user tables were created.
	va := hostarch.KernelBase + 0x200000
	if _, err := k.Map(h, va, pteSize, kern, pteSize*7); err != nil {
		t.Fatalf("kernel Map failed: %v", err)
	}
	for i, pt := range []*PageTables{k, pt1, pt2} {
		pa, opts, ok := pt.Lookup(va)
		if !ok || pa != pteSize*7 || opts != kern {
			t.Errorf("tables %d: Lookup(%#x) got (%#x, %v, %t) want (%#x, %v, true)", i, va, pa, opts, ok, pteSize*7, kern)
		}
	}

	// Unmapping in the kernel tables must keep the shared top-level entry.
	k.Unmap(h, va, pteSize)
	k.ReleaseRetired(h)
	if _, err := k.Map(h, va, pteSize, kern, pteSize*8); err != nil {
		t.Fatalf("kernel Map failed: %v", err)
	}
	if pa, _, ok := pt1.Lookup(va); !ok || pa != pteSize*8 {
		t.Errorf("Lookup after remap got (%#x, %t) want (%#x, true)", pa, ok, pteSize*8)
	}

	before := a.Stats(h).Free
	pt1.Release(h)
	if got := a.Stats(h).Free; got != before+1 {
		t.Errorf("releasing user tables freed %d frames want 1", got-before)
	}
}

func TestNoAccessMapUnmaps(t *testing.T) {
	_, h, pt := newTestTables(t)
	if _, err := pt.Map(h, 0x400000, pteSize, rw, pteSize*42); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	prev, err := pt.Map(h, 0x400000, pteSize, MapOpts{User: true}, pteSize*43)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if diff := cmp.Diff([]hostarch.PhysAddr{pteSize * 42}, prev); diff != "" {
		t.Errorf("previous mappings mismatch (-want +got):\n%s", diff)
	}
	checkMappings(t, pt, nil)
}

func TestTableUsage(t *testing.T) {
	a, h, pt := newTestTables(t)
	if _, err := pt.Map(h, 0x400000, pteSize, rw, pteSize*42); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	// Kernel root and table, user root, then a pud, a pmd and a pte table.
	if got, want := a.Stats(h).Usage.PageTables, uint64(6*pteSize); got != want {
		t.Errorf("page table usage got %d want %d", got, want)
	}
}
