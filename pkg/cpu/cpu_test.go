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

package cpu

import (
	"bytes"
	"context"
	"testing"

	"vmcore.dev/vmcore/pkg/devmem"
	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/pagetables"
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/usage"
)

const page = hostarch.PageSize

// demandHandler maps a fresh zeroed frame read-write for any fault inside
// [0, limit).
type demandHandler struct {
	pt    *pagetables.PageTables
	ram   *pgalloc.Allocator
	limit hostarch.Addr
	calls int
}

func (d *demandHandler) HandlePageFault(ctx context.Context, c *CPU, addr hostarch.Addr, at hostarch.AccessType) error {
	d.calls++
	if FromContext(ctx) != c {
		return errors.EINVAL
	}
	if addr >= d.limit {
		return errors.EFAULT
	}
	f, err := d.ram.AllocateOne(c.Holder(), pgalloc.AllocOpts{Kind: usage.Anonymous, Zero: true})
	if err != nil {
		return err
	}
	opts := pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}
	if _, err := d.pt.Map(c.Holder(), addr.RoundDown(), page, opts, f.Addr()); err != nil {
		return err
	}
	return nil
}

type testMachine struct {
	*Machine
	ram     *pgalloc.Allocator
	pt      *pagetables.PageTables
	handler *demandHandler
}

func newTestMachine(t *testing.T, n int) *testMachine {
	t.Helper()
	ram, err := pgalloc.New([]pgalloc.MemoryRegion{{Base: 0, Length: 64 * page, Type: pgalloc.Available}})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	t.Cleanup(ram.Destroy)
	m := New(n, devmem.NewBus(ram))
	h := m.NewHolder()
	k, err := pagetables.NewKernel(h, ram)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	pt, err := pagetables.NewWithKernel(h, ram, k)
	if err != nil {
		t.Fatalf("NewWithKernel failed: %v", err)
	}
	d := &demandHandler{pt: pt, ram: ram, limit: 0x10000}
	m.SetFaultHandler(d)
	for _, c := range m.CPUs() {
		c.LoadRoot(pt)
	}
	m.Start()
	t.Cleanup(func() {
		if err := m.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return &testMachine{Machine: m, ram: ram, pt: pt, handler: d}
}

func TestReadWrite(t *testing.T) {
	m := newTestMachine(t, 1)
	c := m.CPU(0)
	ctx := context.Background()

	// Straddle a page boundary.
	want := []byte("hello, world")
	addr := hostarch.Addr(2*page - 5)
	if n, err := c.Write(ctx, addr, want); err != nil || n != len(want) {
		t.Fatalf("Write got (%d, %v) want (%d, nil)", n, err, len(want))
	}
	got := make([]byte, len(want))
	if n, err := c.Read(ctx, addr, got); err != nil || n != len(want) {
		t.Fatalf("Read got (%d, %v) want (%d, nil)", n, err, len(want))
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Read got %q want %q", got, want)
	}
	if got, want := m.handler.calls, 2; got != want {
		t.Errorf("faults got %d want %d", got, want)
	}
	if s := c.Stats(); s.Faults != 2 || s.TLBHits == 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestUnresolvableFault(t *testing.T) {
	m := newTestMachine(t, 1)
	c := m.CPU(0)

	buf := make([]byte, 8)
	n, err := c.Read(context.Background(), 0x10000-4, buf)
	if !errors.Is(err, errors.EFAULT) {
		t.Errorf("Read past limit got %v want %v", err, errors.EFAULT)
	}
	if n != 4 {
		t.Errorf("Read past limit copied %d bytes want 4", n)
	}
}

func TestTranslate(t *testing.T) {
	m := newTestMachine(t, 1)
	c := m.CPU(0)

	pa, err := c.Translate(context.Background(), 0x3123, hostarch.Read)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	want, _, ok := m.pt.Lookup(0x3123)
	if !ok || pa != want {
		t.Errorf("Translate got %#x want %#x", pa, want)
	}
	if !c.Cached(0x3000) {
		t.Errorf("translation not cached")
	}
}

func TestShootdown(t *testing.T) {
	for _, running := range []bool{true, false} {
		m := newTestMachine(t, 3)
		if !running {
			if err := m.Stop(); err != nil {
				t.Fatalf("Stop failed: %v", err)
			}
		}
		ctx := context.Background()
		for _, c := range m.CPUs() {
			if _, err := c.Translate(ctx, 0x5000, hostarch.Read); err != nil {
				t.Fatalf("%v: Translate failed: %v", c, err)
			}
		}

		ar := hostarch.AddrRange{Start: 0x5000, End: 0x6000}
		m.Shootdown(m.CPU(0), m.CPUs()[:2], ar)
		for i, want := range []bool{false, false, true} {
			if got := m.CPU(i).Cached(0x5000); got != want {
				t.Errorf("running=%t: cpu%d cached got %t want %t", running, i, got, want)
			}
		}
		if running {
			if got := m.CPU(1).Stats().IPIsHandled; got != 1 {
				t.Errorf("cpu1 IPIs handled got %d want 1", got)
			}
		}
	}
}

func TestPermissionUpgrade(t *testing.T) {
	m := newTestMachine(t, 1)
	c := m.CPU(0)
	h := m.NewHolder()
	ctx := context.Background()

	if _, err := c.Translate(ctx, 0x1000, hostarch.Read); err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	m.pt.Protect(h, 0x1000, page, hostarch.Read)
	m.Shootdown(nil, m.CPUs(), hostarch.AddrRange{Start: 0x1000, End: 0x2000})

	// The write faults; the handler remaps the page writable.
	calls := m.handler.calls
	if _, err := c.Write(ctx, 0x1000, []byte{1}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := m.handler.calls - calls; got != 1 {
		t.Errorf("write faults got %d want 1", got)
	}
}

func TestContext(t *testing.T) {
	m := newTestMachine(t, 2)
	ctx := WithCPU(context.Background(), m.CPU(1))
	if got := FromContext(ctx); got != m.CPU(1) {
		t.Errorf("FromContext got %v want %v", got, m.CPU(1))
	}
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext(background) got %v want nil", got)
	}
}
