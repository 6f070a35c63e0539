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

// Package mm implements the memory manager: address spaces built from
// regions that map VM objects, and the page fault handler that resolves
// accesses to them.
//
// Lock order:
//
//	Manager.mu
//	  AddressSpace.mu
//	    vmobject.InodeCache.mu
//	      vmobject.Object locks
//	        pgalloc.Allocator.mu
//	          cpu TLB locks
//
// No lock is held across a page-in from an inode. Frames whose last page
// table reference is removed are released only after every CPU that may
// cache a translation to them has acknowledged a TLB shootdown.
package mm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mohae/deepcopy"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/pagetables"
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/vmobject"
)

// checkInvariants enables verification of region set invariants after every
// modification.
const checkInvariants = false

// Config configures a Manager.
type Config struct {
	// FaultLogInterval is the minimum interval between log messages for
	// fatal page faults.
	FaultLogInterval time.Duration `toml:"fault_log_interval"`

	// KernelHeapPages is the size of the precommitted anonymous region
	// mapped at hostarch.KernelBase at boot. Zero maps nothing.
	KernelHeapPages uint64 `toml:"kernel_heap_pages"`

	// Reserved are user address ranges that are never mapped.
	Reserved []hostarch.AddrRange `toml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		FaultLogInterval: time.Second,
	}
}

// Manager is the memory manager.
type Manager struct {
	// cfg is a private copy of the boot configuration. It is immutable.
	cfg Config

	machine *cpu.Machine
	alloc   *pgalloc.Allocator
	cache   *vmobject.InodeCache

	// kernel is the kernel address space. It is immutable.
	kernel *AddressSpace

	faultLog log.Logger

	// current[i] is the address space CPU i is in.
	current []atomic.Pointer[AddressSpace]

	stats counters

	// lastID allocates address space IDs.
	lastID atomic.Uint64

	// mu protects spaces.
	mu sync.SpinLock

	// spaces are the live user address spaces by ID.
	spaces map[uint64]*AddressSpace
}

// counters are the manager's event counts.
type counters struct {
	faults      atomic.Uint64
	resolved    atomic.Uint64
	fatal       atomic.Uint64
	spurious    atomic.Uint64
	demandFills atomic.Uint64
	pageIns     atomic.Uint64
	cowCopies   atomic.Uint64
	cowReuses   atomic.Uint64
	shootdowns  atomic.Uint64
}

// Stats is a snapshot of memory manager state.
type Stats struct {
	// AddressSpaces is the number of live user address spaces.
	AddressSpaces int

	// Regions is the number of regions in all address spaces, including
	// the kernel's.
	Regions int

	// Faults is the number of page faults handled, of which Resolved were
	// resolved and Fatal were not.
	Faults   uint64
	Resolved uint64
	Fatal    uint64

	// Spurious is the number of faults that found the translation already
	// established by another CPU.
	Spurious uint64

	// DemandFills is the number of zero-filled frames installed by faults.
	DemandFills uint64

	// PageIns is the number of pages read from inodes by faults.
	PageIns uint64

	// CoWCopies is the number of copy-on-write faults that copied a
	// frame, and CoWReuses the number that reused a frame no longer
	// shared.
	CoWCopies uint64
	CoWReuses uint64

	// Shootdowns is the number of TLB shootdowns issued.
	Shootdowns uint64

	// Memory is the frame allocator state.
	Memory pgalloc.Stats
}

// New creates a memory manager for machine, allocating from alloc, and
// installs it as machine's fault handler. Every CPU starts in the kernel
// address space.
func New(machine *cpu.Machine, alloc *pgalloc.Allocator, cfg Config) (*Manager, error) {
	m := &Manager{
		cfg:     deepcopy.Copy(cfg).(Config),
		machine: machine,
		alloc:   alloc,
		cache:   vmobject.NewInodeCache(alloc),
		current: make([]atomic.Pointer[AddressSpace], machine.NumCPUs()),
		spaces:  make(map[uint64]*AddressSpace),
	}
	if m.cfg.FaultLogInterval <= 0 {
		m.cfg.FaultLogInterval = DefaultConfig().FaultLogInterval
	}
	m.mu.Init(sync.RankManager)
	m.faultLog = log.BasicRateLimitedLogger(m.cfg.FaultLogInterval)

	h := machine.NewHolder()
	pt, err := pagetables.NewKernel(h, alloc)
	if err != nil {
		return nil, fmt.Errorf("allocating kernel page tables: %w", err)
	}
	m.kernel = m.newAddressSpace(pt, true)
	for _, c := range machine.CPUs() {
		m.current[c.ID()].Store(m.kernel)
		c.LoadRoot(pt)
	}
	if n := m.cfg.KernelHeapPages; n > 0 {
		opts := MapOpts{
			Addr:      hostarch.KernelBase,
			Length:    n * hostarch.PageSize,
			Perms:     hostarch.ReadWrite,
			Precommit: true,
		}
		if _, err := m.kernel.allocateRegion(context.Background(), h, nil, opts); err != nil {
			return nil, fmt.Errorf("mapping kernel heap: %w", err)
		}
	}
	machine.SetFaultHandler(m)
	log.Infof("Memory manager up: %d CPUs, %v, kernel heap %d pages", machine.NumCPUs(), alloc, m.cfg.KernelHeapPages)
	return m, nil
}

// Destroy releases the kernel address space of a manager created by New and
// detaches it from its machine. Every user address space must have been
// released and no other CPU may be running. The manager installed by Boot is
// never destroyed.
func (m *Manager) Destroy(ctx context.Context) error {
	h, c := callerFrom(ctx)
	if global.Load() == m {
		return fmt.Errorf("destroying the booted memory manager: %w", errors.EINVAL)
	}
	m.mu.Lock(h)
	n := len(m.spaces)
	m.mu.Unlock(h)
	if n != 0 {
		return fmt.Errorf("%d address spaces still live: %w", n, errors.EINVAL)
	}
	k := m.kernel
	k.mu.Lock(h)
	var fl flush
	k.removeRegionsLocked(h, k.bounds(), &fl)
	dropped := k.flushLocked(h, c, &fl)
	k.dead = true
	k.mu.Unlock(h)
	k.drop(ctx, h, dropped)
	for _, other := range m.machine.CPUs() {
		other.LoadRoot(nil)
		m.current[other.ID()].Store(nil)
	}
	k.pt.Release(h)
	m.machine.SetFaultHandler(nil)
	refs.Unregister(k)
	return nil
}

// global is the memory manager installed by Boot.
var global atomic.Pointer[Manager]

// Boot creates the process-wide memory manager. It may succeed only once.
func Boot(machine *cpu.Machine, alloc *pgalloc.Allocator, cfg Config) (*Manager, error) {
	if global.Load() != nil {
		return nil, fmt.Errorf("memory manager already booted: %w", errors.EEXIST)
	}
	m, err := New(machine, alloc, cfg)
	if err != nil {
		return nil, err
	}
	if !global.CompareAndSwap(nil, m) {
		return nil, fmt.Errorf("memory manager already booted: %w", errors.EEXIST)
	}
	return m, nil
}

// Shutdown uninstalls the memory manager installed by Boot and destroys it.
// On failure the manager stays installed.
func Shutdown(ctx context.Context) error {
	m := global.Load()
	if m == nil || !global.CompareAndSwap(m, nil) {
		return fmt.Errorf("no memory manager booted: %w", errors.EINVAL)
	}
	if err := m.Destroy(ctx); err != nil {
		global.CompareAndSwap(nil, m)
		return err
	}
	log.Infof("Memory manager shut down")
	return nil
}

// Get returns the memory manager installed by Boot, or nil before boot.
func Get() *Manager {
	return global.Load()
}

// Config returns a copy of the manager's configuration.
func (m *Manager) Config() Config {
	return deepcopy.Copy(m.cfg).(Config)
}

// Machine returns the machine m manages memory for.
func (m *Manager) Machine() *cpu.Machine {
	return m.machine
}

// Allocator returns the frame allocator.
func (m *Manager) Allocator() *pgalloc.Allocator {
	return m.alloc
}

// InodeCache returns the cache of shared file objects.
func (m *Manager) InodeCache() *vmobject.InodeCache {
	return m.cache
}

// Kernel returns the kernel address space.
func (m *Manager) Kernel() *AddressSpace {
	return m.kernel
}

// Current returns the address space c is in.
func (m *Manager) Current(c *cpu.CPU) *AddressSpace {
	return m.current[c.ID()].Load()
}

// addressSpaceFor returns the address space that translates addr on c.
func (m *Manager) addressSpaceFor(c *cpu.CPU, addr hostarch.Addr) *AddressSpace {
	if addr.IsKernel() {
		return m.kernel
	}
	if as := m.current[c.ID()].Load(); as != m.kernel {
		return as
	}
	return nil
}

// AddressSpaces returns the live user address spaces.
func (m *Manager) AddressSpaces(ctx context.Context) []*AddressSpace {
	h, _ := callerFrom(ctx)
	m.mu.Lock(h)
	defer m.mu.Unlock(h)
	spaces := make([]*AddressSpace, 0, len(m.spaces))
	for _, as := range m.spaces {
		spaces = append(spaces, as)
	}
	return spaces
}

// Stats returns a snapshot of manager state.
func (m *Manager) Stats(ctx context.Context) Stats {
	h, _ := callerFrom(ctx)
	s := Stats{
		Faults:      m.stats.faults.Load(),
		Resolved:    m.stats.resolved.Load(),
		Fatal:       m.stats.fatal.Load(),
		Spurious:    m.stats.spurious.Load(),
		DemandFills: m.stats.demandFills.Load(),
		PageIns:     m.stats.pageIns.Load(),
		CoWCopies:   m.stats.cowCopies.Load(),
		CoWReuses:   m.stats.cowReuses.Load(),
		Shootdowns:  m.stats.shootdowns.Load(),
	}
	m.mu.Lock(h)
	s.AddressSpaces = len(m.spaces)
	for _, as := range m.spaces {
		as.mu.Lock(h)
		s.Regions += as.regions.Len()
		as.mu.Unlock(h)
	}
	m.mu.Unlock(h)
	m.kernel.mu.Lock(h)
	s.Regions += m.kernel.regions.Len()
	m.kernel.mu.Unlock(h)
	s.Memory = m.alloc.Stats(h)
	return s
}

// callerFrom returns the lock holder and CPU executing ctx. Memory
// operations always run on a CPU.
func callerFrom(ctx context.Context) (*sync.LockHolder, *cpu.CPU) {
	c := cpu.FromContext(ctx)
	if c == nil {
		panic("memory operation outside CPU context")
	}
	return c.Holder(), c
}
