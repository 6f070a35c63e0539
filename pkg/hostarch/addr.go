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

// Package hostarch describes the simulated machine's architecture: page
// geometry, the canonical address-space layout, and the types used to name
// virtual and physical addresses.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PTEsPerPage is the number of page table entries held by one page table
	// page at any level.
	PTEsPerPage = PageSize / 8

	// MinUserAddress is the lowest address that may be mapped into a user
	// address space. The zero page is never mapped.
	MinUserAddress Addr = PageSize

	// MaxUserAddress is one past the highest user address.
	MaxUserAddress Addr = 0x0000_8000_0000_0000

	// KernelBase is the first address of the kernel half, which is mapped
	// identically into every address space.
	KernelBase Addr = 0xffff_8000_0000_0000

	// KernelTop is one past the highest kernel address. The kernel half is
	// a single 512 GiB top-level slot.
	KernelTop Addr = 0xffff_8080_0000_0000
)

// Addr represents a virtual address.
type Addr uintptr

// PhysAddr represents a physical address.
type PhysAddr uint64

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uintptr is
	// smaller than 64 bits.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%d).RoundUp() wraps", v))
	}
	return addr
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// IsKernel returns true if v lies in the kernel half.
func (v Addr) IsKernel() bool {
	return v >= KernelBase
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// PageNumber returns the physical frame number containing pa.
func (pa PhysAddr) PageNumber() uint64 {
	return uint64(pa) >> PageShift
}

// RoundDown returns pa rounded down to the nearest page boundary.
func (pa PhysAddr) RoundDown() PhysAddr {
	return pa &^ PhysAddr(PageSize-1)
}

// IsPageAligned returns true if pa is page-aligned.
func (pa PhysAddr) IsPageAligned() bool {
	return pa&PhysAddr(PageSize-1) == 0
}

// PageRoundUp rounds x up to the nearest page boundary. ok is true iff
// rounding up did not wrap around.
func PageRoundUp(x uint64) (uint64, bool) {
	r := (x + PageSize - 1) &^ (PageSize - 1)
	return r, r >= x
}

// PageRoundDown rounds x down to the nearest page boundary.
func PageRoundDown(x uint64) uint64 {
	return x &^ (PageSize - 1)
}

// PagesIn returns the number of pages needed to hold length bytes.
func PagesIn(length uint64) uint64 {
	return (length + PageSize - 1) >> PageShift
}
