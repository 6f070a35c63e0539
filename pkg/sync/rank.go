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

package sync

import "fmt"

// Rank orders spinlocks. A holder may only acquire a lock whose rank is
// strictly greater than the rank of every lock it already holds, unless the
// acquisition is explicitly nested (NestedLock) on a lock of equal rank.
type Rank uint8

const (
	// RankNone disables order checking for a lock.
	RankNone Rank = iota

	// RankManager protects the memory manager's registry of address spaces.
	RankManager

	// RankAddressSpace protects an address space's region set and page
	// tables.
	RankAddressSpace

	// RankObjectCache protects the inode to shared VM object cache.
	RankObjectCache

	// RankObject protects a VM object's frame slot table.
	RankObject

	// RankAllocator protects the physical frame allocator's free set.
	RankAllocator

	// RankTLB protects a single CPU's translation cache.
	RankTLB
)

// String implements fmt.Stringer.String.
func (r Rank) String() string {
	switch r {
	case RankNone:
		return "none"
	case RankManager:
		return "manager"
	case RankAddressSpace:
		return "address-space"
	case RankObjectCache:
		return "object-cache"
	case RankObject:
		return "object"
	case RankAllocator:
		return "allocator"
	case RankTLB:
		return "tlb"
	default:
		return fmt.Sprintf("rank(%d)", uint8(r))
	}
}
