// Copyright 2018 The gVisor Authors.
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

// Package usage tracks physical memory consumption by kind.
package usage

import (
	"fmt"
	"sync/atomic"
)

// MemoryKind represents a type of physical memory use.
type MemoryKind int

const (
	// System represents miscellaneous kernel memory that is not accounted
	// to one of the kinds below.
	System MemoryKind = iota

	// Anonymous represents frames backing anonymous and shared-memory VM
	// objects, including copy-on-write copies.
	Anonymous

	// PageCache represents frames holding pages read from inodes.
	PageCache

	// PageTables represents frames used as hardware page table pages.
	PageTables

	// SlotTables represents frames charged for VM object slot tables.
	SlotTables

	// Device represents device apertures mapped into address spaces. These
	// are not RAM and never come from the frame allocator.
	Device

	// numKinds is the number of memory kinds.
	numKinds
)

// String implements fmt.Stringer.String.
func (k MemoryKind) String() string {
	switch k {
	case System:
		return "System"
	case Anonymous:
		return "Anonymous"
	case PageCache:
		return "PageCache"
	case PageTables:
		return "PageTables"
	case SlotTables:
		return "SlotTables"
	case Device:
		return "Device"
	default:
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
}

// MemoryStats tracks memory usage in bytes. All fields correspond to the
// memory kind with the same name. Its methods are safe to call from any
// context, including with spinlocks held: they never block.
type MemoryStats struct {
	// +checkatomic
	System uint64
	// +checkatomic
	Anonymous uint64
	// +checkatomic
	PageCache uint64
	// +checkatomic
	PageTables uint64
	// +checkatomic
	SlotTables uint64
	// +checkatomic
	Device uint64
}

func (m *MemoryStats) field(kind MemoryKind) *uint64 {
	switch kind {
	case System:
		return &m.System
	case Anonymous:
		return &m.Anonymous
	case PageCache:
		return &m.PageCache
	case PageTables:
		return &m.PageTables
	case SlotTables:
		return &m.SlotTables
	case Device:
		return &m.Device
	default:
		panic(fmt.Sprintf("invalid memory kind: %v", kind))
	}
}

// Inc adds an additional usage of 'val' bytes to memory category 'kind'.
func (m *MemoryStats) Inc(val uint64, kind MemoryKind) {
	atomic.AddUint64(m.field(kind), val)
}

// Dec remove a usage of 'val' bytes from memory category 'kind'.
func (m *MemoryStats) Dec(val uint64, kind MemoryKind) {
	f := m.field(kind)
	if old := atomic.AddUint64(f, ^(val - 1)) + val; old < val {
		panic(fmt.Sprintf("%v usage underflow: had %d, removing %d", kind, old, val))
	}
}

// Move moves a usage of 'val' bytes from 'from' to 'to'.
func (m *MemoryStats) Move(val uint64, to MemoryKind, from MemoryKind) {
	m.Dec(val, from)
	m.Inc(val, to)
}

// Copy returns a snapshot of m and its total. Fields are read individually,
// so the snapshot is only consistent at quiescent points.
func (m *MemoryStats) Copy() (MemoryStats, uint64) {
	var ms MemoryStats
	var total uint64
	for k := MemoryKind(0); k < numKinds; k++ {
		v := atomic.LoadUint64(m.field(k))
		*ms.field(k) = v
		total += v
	}
	return ms, total
}

// Total returns the total memory usage.
func (m *MemoryStats) Total() uint64 {
	_, total := m.Copy()
	return total
}
