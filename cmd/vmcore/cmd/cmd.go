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

// Package cmd holds implementations of the vmcore commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"vmcore.dev/vmcore/cmd/vmcore/config"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/devmem"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/mm"
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/vmobject"
)

// Fatalf logs to stderr and to the log, then exits with status 128.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf("FATAL: "+format, args...)
	os.Exit(128)
}

// System is a booted machine.
type System struct {
	Alloc   *pgalloc.Allocator
	Bus     *devmem.Bus
	Machine *cpu.Machine
	MM      *mm.Manager

	// shm holds shared memory segments by name.
	shm map[string]*vmobject.SharedMemory

	// inodes are host files opened for mappings.
	inodes []*vmobject.HostInode
}

// NewSystem builds the machine described by conf, boots the memory manager
// on it and starts its CPUs.
func NewSystem(conf *config.Machine) (*System, error) {
	regions, err := conf.MemoryMap()
	if err != nil {
		return nil, err
	}
	alloc, err := pgalloc.New(regions)
	if err != nil {
		return nil, fmt.Errorf("error creating allocator: %w", err)
	}
	bus := devmem.NewBus(alloc)
	for _, a := range conf.Apertures {
		mt, err := config.ParseMemoryType(a.MemoryType)
		if err == nil {
			err = registerAperture(bus, a, mt)
		}
		if err != nil {
			bus.Close()
			alloc.Destroy()
			return nil, err
		}
	}
	machine := cpu.New(conf.CPUs, bus)
	m, err := mm.Boot(machine, alloc, conf.MMConfig())
	if err != nil {
		bus.Close()
		alloc.Destroy()
		return nil, err
	}
	machine.Start()
	return &System{
		Alloc:   alloc,
		Bus:     bus,
		Machine: machine,
		MM:      m,
		shm:     make(map[string]*vmobject.SharedMemory),
	}, nil
}

func registerAperture(bus *devmem.Bus, a config.Aperture, mt hostarch.MemoryType) error {
	ap, err := devmem.NewAperture(a.Name, hostarch.PhysAddr(a.Base), a.Length, mt, a.Path)
	if err != nil {
		return err
	}
	if err := bus.Register(ap); err != nil {
		ap.Close()
		return err
	}
	return nil
}

// Context returns a context executing on CPU i.
func (s *System) Context(i int) context.Context {
	return cpu.WithCPU(context.Background(), s.Machine.CPU(i))
}

// Layout maps every mapping into as, in order.
func (s *System) Layout(ctx context.Context, as *mm.AddressSpace, mappings []config.Mapping) ([]*mm.Region, error) {
	var rs []*mm.Region
	for i, mp := range mappings {
		r, err := s.mapOne(ctx, as, mp)
		if err != nil {
			return rs, fmt.Errorf("mapping %d (%s): %w", i, mp.Kind, err)
		}
		rs = append(rs, r)
	}
	return rs, nil
}

func (s *System) mapOne(ctx context.Context, as *mm.AddressSpace, mp config.Mapping) (*mm.Region, error) {
	perms, err := config.ParsePerms(mp.Perms)
	if err != nil {
		return nil, err
	}
	opts := mm.MapOpts{
		Addr:      hostarch.Addr(mp.Addr),
		Length:    mp.Length,
		Perms:     perms,
		Offset:    mp.Offset,
		Shared:    mp.Shared,
		Precommit: mp.Precommit,
	}
	switch mp.Kind {
	case config.MappingAnonymous:
		return as.AllocateRegion(ctx, opts)
	case config.MappingFile:
		inode, err := vmobject.OpenHostInode(mp.Path, mp.Shared && perms.Write)
		if err != nil {
			return nil, err
		}
		s.inodes = append(s.inodes, inode)
		return as.MapFile(ctx, inode, opts)
	case config.MappingSharedMemory:
		shm, ok := s.shm[mp.Name]
		if !ok {
			pages := hostarch.PagesIn(mp.Offset + mp.Length)
			shm, err = vmobject.NewSharedMemory(cpu.FromContext(ctx).Holder(), s.Alloc, mp.Name, pages)
			if err != nil {
				return nil, err
			}
			s.shm[mp.Name] = shm
		}
		return as.MapSharedMemory(ctx, shm, opts)
	case config.MappingDevice:
		mt, err := config.ParseMemoryType(mp.MemoryType)
		if err != nil {
			return nil, err
		}
		return as.MapDevice(ctx, hostarch.PhysAddr(mp.Physical), mt, opts)
	default:
		return nil, fmt.Errorf("unknown mapping kind %q", mp.Kind)
	}
}

// Reclaim returns the host memory behind free frames, as after a burst of
// unmapping.
func (s *System) Reclaim() (uint64, error) {
	n, err := s.Alloc.Reclaim(s.Machine.NewHolder())
	if err != nil {
		return n, err
	}
	log.Infof("Reclaimed %d frames", n)
	return n, nil
}

// Shutdown tears down every address space, shuts the memory manager down
// and releases the machine. It reports leaked references.
func (s *System) Shutdown() error {
	if err := s.Machine.Stop(); err != nil {
		return err
	}
	ctx := s.Context(0)
	for _, c := range s.Machine.CPUs() {
		if err := s.MM.Kernel().Activate(c); err != nil {
			return err
		}
	}
	for _, as := range s.MM.AddressSpaces(ctx) {
		if err := s.MM.Teardown(ctx, as); err != nil {
			return fmt.Errorf("error tearing down %v: %w", as, err)
		}
	}
	h := s.Machine.NewHolder()
	for _, shm := range s.shm {
		shm.DecRef(h)
	}
	if err := mm.Shutdown(ctx); err != nil {
		return err
	}
	for _, inode := range s.inodes {
		inode.Close()
	}
	if err := s.Bus.Close(); err != nil {
		log.Warningf("Error closing apertures: %v", err)
	}
	st := s.Alloc.Stats(h)
	s.Alloc.Destroy()
	if st.Free != st.Total {
		return fmt.Errorf("%d frames still allocated at shutdown (usage %+v)", st.Total-st.Free, st.Usage)
	}
	if n := refs.DoLeakCheck(); n != 0 {
		return fmt.Errorf("%d objects leaked", n)
	}
	return nil
}

// printStats writes a summary of s.
func printStats(s *System) {
	st := s.MM.Stats(s.Context(0))
	fmt.Printf("address spaces %d, regions %d\n", st.AddressSpaces, st.Regions)
	fmt.Printf("faults %d: resolved %d, fatal %d, spurious %d\n", st.Faults, st.Resolved, st.Fatal, st.Spurious)
	fmt.Printf("demand fills %d, page-ins %d, cow copies %d, cow reuses %d, shootdowns %d\n",
		st.DemandFills, st.PageIns, st.CoWCopies, st.CoWReuses, st.Shootdowns)
	fmt.Printf("frames %d total, %d free\n", st.Memory.Total, st.Memory.Free)
	u := st.Memory.Usage
	fmt.Printf("usage: anonymous %d, page cache %d, page tables %d, slot tables %d, device %d, system %d bytes\n",
		u.Anonymous, u.PageCache, u.PageTables, u.SlotTables, u.Device, u.System)
	for _, c := range s.Machine.CPUs() {
		cs := c.Stats()
		fmt.Printf("%v: tlb hits %d, misses %d, faults %d, shootdowns %d, ipis %d\n",
			c, cs.TLBHits, cs.TLBMisses, cs.Faults, cs.Shootdowns, cs.IPIsHandled)
	}
}
