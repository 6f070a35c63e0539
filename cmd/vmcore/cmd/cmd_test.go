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

package cmd

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"
	"vmcore.dev/vmcore/cmd/vmcore/config"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/vmobject"
)

func TestMain(m *testing.M) {
	refs.SetLeakMode(refs.LeaksLogWarning)
	os.Exit(m.Run())
}

func newSystem(t *testing.T, mc *config.Machine) *System {
	t.Helper()
	s, err := NewSystem(mc)
	if err != nil {
		t.Fatalf("NewSystem failed: %v", err)
	}
	return s
}

func TestLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, []byte(strings.Repeat("f", hostarch.PageSize)), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	mc := config.DefaultMachine(2, 8)
	mc.Apertures = []config.Aperture{{Name: "fb", Base: 0x1000_0000, Length: 2 * hostarch.PageSize, MemoryType: "WC"}}
	mc.Mappings = []config.Mapping{
		{Kind: config.MappingAnonymous, Length: 3 * hostarch.PageSize, Perms: "rw-", Precommit: true},
		{Kind: config.MappingSharedMemory, Name: "seg", Length: hostarch.PageSize, Perms: "rw-"},
		{Kind: config.MappingSharedMemory, Name: "seg", Length: hostarch.PageSize, Perms: "r--"},
		{Kind: config.MappingDevice, Physical: 0x1000_0000, Length: 2 * hostarch.PageSize, Perms: "rw-", MemoryType: "WC"},
		{Kind: config.MappingFile, Path: path, Length: hostarch.PageSize, Perms: "rw-", Shared: true},
	}
	if err := mc.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	s := newSystem(t, mc)
	ctx := s.Context(0)
	as, err := s.MM.NewAddressSpace(ctx)
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	if err := as.Activate(s.Machine.CPU(0)); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	rs, err := s.Layout(ctx, as, mc.Mappings)
	if err != nil {
		t.Fatalf("Layout failed: %v", err)
	}
	if got := len(rs); got != len(mc.Mappings) {
		t.Fatalf("got %d regions want %d", got, len(mc.Mappings))
	}
	for _, r := range rs {
		if err := touch(s, 0, r); err != nil {
			t.Errorf("touch(%v) failed: %v", r, err)
		}
	}
	if rs[1].Object() != rs[2].Object() {
		t.Errorf("mappings of one segment use different objects")
	}
	if _, ok := rs[4].Object().(*vmobject.SharedFile); !ok {
		t.Errorf("shared file mapping is backed by %v", rs[4].Object())
	}

	c := s.Machine.CPU(0)
	if _, err := c.Write(context.Background(), rs[1].Range().Start, []byte("shm")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 3)
	if _, err := c.Read(context.Background(), rs[2].Range().Start, buf); err != nil || string(buf) != "shm" {
		t.Errorf("read through the second mapping: got (%q, %v) want %q", buf, err, "shm")
	}
	if _, err := c.Write(context.Background(), rs[4].Range().Start, []byte("written")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.HasPrefix(string(data), "written") {
		t.Errorf("file starts with %q after shutdown, want %q", data[:7], "written")
	}
}

func TestLayoutError(t *testing.T) {
	mc := config.DefaultMachine(1, 4)
	s := newSystem(t, mc)
	ctx := s.Context(0)
	as, err := s.MM.NewAddressSpace(ctx)
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	_, err = s.Layout(ctx, as, []config.Mapping{
		{Kind: config.MappingAnonymous, Addr: 0x10000, Length: hostarch.PageSize, Perms: "r"},
		{Kind: config.MappingAnonymous, Addr: 0x10000, Length: hostarch.PageSize, Perms: "r"},
	})
	if err == nil || !strings.Contains(err.Error(), "mapping 1") {
		t.Errorf("Layout of overlapping mappings: got %v want an error for mapping 1", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestFork(t *testing.T) {
	for _, cpus := range []int{1, 3} {
		s := newSystem(t, config.DefaultMachine(cpus, 8))
		fk := &Fork{pages: 8, children: 4}
		if err := fk.run(s); err != nil {
			t.Errorf("%d CPUs: fork failed: %v", cpus, err)
		}
		st := s.MM.Stats(s.Context(0))
		if st.CoWCopies == 0 && st.CoWReuses == 0 {
			t.Errorf("%d CPUs: no copy-on-write faults", cpus)
		}
		if err := s.Shutdown(); err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
	}
}

func TestStressWorkers(t *testing.T) {
	s := newSystem(t, config.DefaultMachine(4, 16))
	shm, err := vmobject.NewSharedMemory(s.Machine.NewHolder(), s.Alloc, "stress", 1)
	if err != nil {
		t.Fatalf("NewSharedMemory failed: %v", err)
	}
	s.shm["stress"] = shm
	var g errgroup.Group
	for _, c := range s.Machine.CPUs() {
		w := &worker{
			s:     s,
			c:     c,
			ctx:   s.Context(c.ID()),
			rng:   rand.New(rand.NewPCG(1, uint64(c.ID()))),
			pages: 8,
		}
		g.Go(func() error {
			return w.run(context.Background(), 500)
		})
	}
	if err := g.Wait(); err != nil {
		t.Errorf("stress failed: %v", err)
	}
	if st := s.MM.Stats(s.Context(0)); st.Fatal != 0 {
		t.Errorf("got %d fatal faults want 0", st.Fatal)
	}
	free := s.Alloc.Stats(s.Machine.NewHolder()).Free
	if _, err := s.Reclaim(); err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if n, err := s.Reclaim(); err != nil || n != 0 {
		t.Errorf("second Reclaim: got (%d, %v) want (0, nil)", n, err)
	}
	if got := s.Alloc.Stats(s.Machine.NewHolder()).Free; got != free {
		t.Errorf("free frames after Reclaim: got %d want %d", got, free)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}
