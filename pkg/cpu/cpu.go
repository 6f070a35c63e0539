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
	"fmt"
	"sync/atomic"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/pagetables"
	"vmcore.dev/vmcore/pkg/sync"
)

// tlbCapacity is the number of translations a TLB holds.
const tlbCapacity = 64

// tlbEntry is a cached translation of one page.
type tlbEntry struct {
	physical hostarch.PhysAddr
	opts     pagetables.MapOpts
}

// TLB caches page translations for one CPU.
type TLB struct {
	// mu is held across a translation and the access it enables, so that a
	// shootdown acknowledged by this CPU cannot overlap an in-flight access.
	mu sync.SpinLock

	// entries is protected by mu.
	entries map[hostarch.Addr]tlbEntry
}

func (t *TLB) init() {
	t.mu.Init(sync.RankTLB)
	t.entries = make(map[hostarch.Addr]tlbEntry, tlbCapacity)
}

// lookupLocked returns the cached translation of page.
//
// Preconditions: t.mu is held.
func (t *TLB) lookupLocked(page hostarch.Addr) (tlbEntry, bool) {
	e, ok := t.entries[page]
	return e, ok
}

// insertLocked caches a translation, evicting an arbitrary entry if the TLB
// is full.
//
// Preconditions: t.mu is held.
func (t *TLB) insertLocked(page hostarch.Addr, e tlbEntry) {
	if _, ok := t.entries[page]; !ok && len(t.entries) >= tlbCapacity {
		for victim := range t.entries {
			delete(t.entries, victim)
			break
		}
	}
	t.entries[page] = e
}

// flushLocked drops cached translations of pages in ar.
//
// Preconditions: t.mu is held.
func (t *TLB) flushLocked(ar hostarch.AddrRange) {
	if ar.Pages() >= uint64(len(t.entries)) {
		for page := range t.entries {
			if ar.Contains(page) {
				delete(t.entries, page)
			}
		}
		return
	}
	for page := ar.Start.RoundDown(); page < ar.End; page += hostarch.PageSize {
		delete(t.entries, page)
	}
}

// flushAllLocked drops every cached translation.
//
// Preconditions: t.mu is held.
func (t *TLB) flushAllLocked() {
	clear(t.entries)
}

// Stats are per-CPU event counters.
type Stats struct {
	TLBHits     uint64
	TLBMisses   uint64
	Faults      uint64
	Shootdowns  uint64
	IPIsHandled uint64
}

// CPU is a simulated processor. A CPU executes one instruction stream: all
// methods except the interrupt path must be called from the goroutine
// driving the CPU.
type CPU struct {
	// LockHolder identifies the CPU for spinlock ownership.
	sync.LockHolder

	id      int
	machine *Machine

	// irq is the holder used by the CPU's interrupt context.
	irq sync.LockHolder

	// root is the translation root register.
	root atomic.Pointer[pagetables.PageTables]

	tlb TLB

	// ipis delivers shootdown requests to the interrupt goroutine.
	ipis chan *shootdown

	tlbHits     atomic.Uint64
	tlbMisses   atomic.Uint64
	faults      atomic.Uint64
	shootdowns  atomic.Uint64
	ipisHandled atomic.Uint64
}

func newCPU(m *Machine, id, n int) *CPU {
	c := &CPU{
		id:      id,
		machine: m,
		ipis:    make(chan *shootdown, ipiQueueLen),
	}
	c.LockHolder.Init(int32(id))
	c.irq.Init(int32(n + id))
	c.tlb.init()
	return c
}

// ID returns the CPU number.
func (c *CPU) ID() int {
	return c.id
}

// Holder returns the lock holder of the CPU's instruction stream.
func (c *CPU) Holder() *sync.LockHolder {
	return &c.LockHolder
}

// Machine returns the machine c belongs to.
func (c *CPU) Machine() *Machine {
	return c.machine
}

// Root returns the page tables loaded in the translation root register.
func (c *CPU) Root() *pagetables.PageTables {
	return c.root.Load()
}

// LoadRoot switches the CPU to pt. Like a write to CR3, it flushes the TLB.
func (c *CPU) LoadRoot(pt *pagetables.PageTables) {
	c.tlb.mu.Lock(&c.LockHolder)
	c.root.Store(pt)
	c.tlb.flushAllLocked()
	c.tlb.mu.Unlock(&c.LockHolder)
}

// FlushLocal drops this CPU's cached translations for ar.
func (c *CPU) FlushLocal(ar hostarch.AddrRange) {
	c.tlb.mu.Lock(&c.LockHolder)
	c.tlb.flushLocked(ar)
	c.tlb.mu.Unlock(&c.LockHolder)
}

// FlushAll drops all of this CPU's cached translations.
func (c *CPU) FlushAll() {
	c.tlb.mu.Lock(&c.LockHolder)
	c.tlb.flushAllLocked()
	c.tlb.mu.Unlock(&c.LockHolder)
}

// Cached returns true if the TLB holds a translation for the page containing
// addr.
func (c *CPU) Cached(addr hostarch.Addr) bool {
	c.tlb.mu.Lock(&c.LockHolder)
	defer c.tlb.mu.Unlock(&c.LockHolder)
	_, ok := c.tlb.lookupLocked(addr.RoundDown())
	return ok
}

// Stats returns a snapshot of c's counters.
func (c *CPU) Stats() Stats {
	return Stats{
		TLBHits:     c.tlbHits.Load(),
		TLBMisses:   c.tlbMisses.Load(),
		Faults:      c.faults.Load(),
		Shootdowns:  c.shootdowns.Load(),
		IPIsHandled: c.ipisHandled.Load(),
	}
}

// String implements fmt.Stringer.String.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.id)
}
