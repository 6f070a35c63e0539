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

package pgalloc

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/hostarch"
)

// RegionType is the type of a physical memory range reported by the boot
// memory map.
type RegionType int

const (
	// Available memory may be handed out by the allocator.
	Available RegionType = iota

	// Reserved memory is unusable firmware or hardware memory.
	Reserved

	// ACPI memory holds firmware tables.
	ACPI

	// Kernel memory holds the kernel image and boot data.
	Kernel
)

// String implements fmt.Stringer.String.
func (t RegionType) String() string {
	switch t {
	case Available:
		return "available"
	case Reserved:
		return "reserved"
	case ACPI:
		return "acpi"
	case Kernel:
		return "kernel"
	default:
		return fmt.Sprintf("RegionType(%d)", int(t))
	}
}

// ParseRegionType parses the names returned by RegionType.String.
func ParseRegionType(s string) (RegionType, error) {
	for t := Available; t <= Kernel; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown memory region type %q", s)
}

// MemoryRegion is one entry of the boot memory map.
type MemoryRegion struct {
	Base   hostarch.PhysAddr
	Length uint64
	Type   RegionType
}

// End returns the first physical address past r.
func (r MemoryRegion) End() hostarch.PhysAddr {
	return r.Base + hostarch.PhysAddr(r.Length)
}

// String implements fmt.Stringer.String.
func (r MemoryRegion) String() string {
	return fmt.Sprintf("[%#x-%#x) %v", uint64(r.Base), uint64(r.End()), r.Type)
}

// usablePages returns the page frame numbers [first, last) wholly contained
// in r. Partial pages at either end are never usable.
func (r MemoryRegion) usablePages() (first, last uint64) {
	start, ok := hostarch.PageRoundUp(uint64(r.Base))
	if !ok {
		return 0, 0
	}
	end := hostarch.PageRoundDown(uint64(r.End()))
	if end <= start {
		return 0, 0
	}
	return start / hostarch.PageSize, end / hostarch.PageSize
}

// validateMemoryMap checks that regions are well formed and returns the top
// of the highest Available region, which bounds the RAM arena.
func validateMemoryMap(regions []MemoryRegion) (uint64, error) {
	var top uint64
	for i, r := range regions {
		if r.Length == 0 {
			return 0, fmt.Errorf("memory region %d is empty", i)
		}
		if r.End() < r.Base {
			return 0, fmt.Errorf("memory region %v overflows", r)
		}
		if r.Type < Available || r.Type > Kernel {
			return 0, fmt.Errorf("memory region %d has invalid type %v", i, r.Type)
		}
		if r.Type == Available {
			top = max(top, hostarch.PageRoundDown(uint64(r.End())))
		}
	}
	if top == 0 {
		return 0, fmt.Errorf("memory map has no usable memory")
	}
	return top, nil
}
