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

// Package cpu simulates the processors of the machine: their translation
// root registers, TLBs and MMUs, and the inter-processor interrupts used for
// TLB shootdown.
//
// Each CPU is driven by exactly one goroutine, its instruction stream, and
// owns a second goroutine, its interrupt context, which services shootdown
// IPIs. A CPU holds its TLB lock across every translation and the memory
// access it enables; the interrupt context takes the same lock before
// flushing. Once a CPU has acknowledged a shootdown it can therefore no
// longer reach memory through a stale translation.
package cpu

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"vmcore.dev/vmcore/pkg/devmem"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sync"
)

// ipiQueueLen is the depth of each CPU's IPI queue.
const ipiQueueLen = 64

// FaultHandler resolves page faults raised by the MMU.
type FaultHandler interface {
	// HandlePageFault is called from c's instruction stream, with no
	// spinlocks held, when an access of type at to addr has no sufficient
	// translation. A nil return means the fault was resolved and the access
	// is retried; otherwise the error is delivered to the faulting thread.
	HandlePageFault(ctx context.Context, c *CPU, addr hostarch.Addr, at hostarch.AccessType) error
}

// shootdown is an in-flight TLB shootdown.
type shootdown struct {
	ar hostarch.AddrRange

	// pending counts targets that have not acknowledged.
	pending atomic.Int32
}

// Machine is a set of CPUs sharing a physical address bus.
type Machine struct {
	bus  *devmem.Bus
	cpus []*CPU

	handler FaultHandler

	// nextHolder allocates ids for holders that are not CPUs.
	nextHolder atomic.Int32

	// running is set while interrupt goroutines service IPIs.
	running atomic.Bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a machine with n CPUs.
func New(n int, bus *devmem.Bus) *Machine {
	if n <= 0 {
		panic(fmt.Sprintf("invalid CPU count %d", n))
	}
	m := &Machine{bus: bus}
	for i := 0; i < n; i++ {
		m.cpus = append(m.cpus, newCPU(m, i, n))
	}
	m.nextHolder.Store(int32(2 * n))
	return m
}

// Bus returns the physical address bus.
func (m *Machine) Bus() *devmem.Bus {
	return m.bus
}

// CPUs returns all CPUs.
func (m *Machine) CPUs() []*CPU {
	return m.cpus
}

// CPU returns CPU i.
func (m *Machine) CPU(i int) *CPU {
	return m.cpus[i]
}

// NumCPUs returns the number of CPUs.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// NewHolder returns a lock holder for an execution context that is not a
// CPU, such as boot code.
func (m *Machine) NewHolder() *sync.LockHolder {
	return sync.NewLockHolder(m.nextHolder.Add(1) - 1)
}

// SetFaultHandler installs the handler that resolves page faults. It must be
// called before any CPU accesses memory.
func (m *Machine) SetFaultHandler(h FaultHandler) {
	m.handler = h
}

// Start starts the interrupt goroutine of every CPU.
func (m *Machine) Start() {
	if m.running.Load() {
		panic("machine already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.cpus {
		g.Go(func() error {
			c.interruptLoop(ctx)
			return nil
		})
	}
	m.cancel = cancel
	m.group = g
	m.running.Store(true)
	log.Debugf("Started %d CPUs", len(m.cpus))
}

// Stop stops the interrupt goroutines. Shootdowns issued afterwards are
// serviced synchronously by the initiator; none may be in flight during
// Stop.
func (m *Machine) Stop() error {
	if !m.running.Load() {
		return nil
	}
	m.cancel()
	err := m.group.Wait()
	m.running.Store(false)
	// Service anything queued after the goroutines exited.
	for _, c := range m.cpus {
		c.drainIPIs()
	}
	log.Debugf("Stopped %d CPUs", len(m.cpus))
	return err
}

// interruptLoop runs c's interrupt context until ctx is done.
func (c *CPU) interruptLoop(ctx context.Context) {
	for {
		select {
		case s := <-c.ipis:
			c.handleIPI(s)
		case <-ctx.Done():
			return
		}
	}
}

func (c *CPU) drainIPIs() {
	for {
		select {
		case s := <-c.ipis:
			c.handleIPI(s)
		default:
			return
		}
	}
}

// handleIPI flushes the requested range and acknowledges.
func (c *CPU) handleIPI(s *shootdown) {
	c.tlb.mu.Lock(&c.irq)
	c.tlb.flushLocked(s.ar)
	c.tlb.mu.Unlock(&c.irq)
	c.ipisHandled.Add(1)
	s.pending.Add(-1)
}

// Shootdown invalidates ar in the TLB of initiator and of every CPU in
// targets, and returns once all of them have acknowledged. The initiator's
// flush is performed directly; other targets are interrupted.
//
// The caller may hold spinlocks of any rank below sync.RankTLB.
func (m *Machine) Shootdown(initiator *CPU, targets []*CPU, ar hostarch.AddrRange) {
	if initiator != nil {
		initiator.FlushLocal(ar)
		initiator.shootdowns.Add(1)
	}
	s := &shootdown{ar: ar}
	running := m.running.Load()
	for _, t := range targets {
		if t == initiator {
			continue
		}
		s.pending.Add(1)
		if !running {
			// No interrupt context: nothing else can touch t's TLB.
			t.handleIPI(s)
			continue
		}
		sync.Spin(func() bool {
			select {
			case t.ipis <- s:
				return true
			default:
				return false
			}
		})
	}
	sync.Spin(func() bool {
		return s.pending.Load() == 0
	})
}
