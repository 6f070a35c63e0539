// Copyright 2020 The gVisor Authors.
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

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield is the number of failed acquisition attempts after which a
// spinning holder yields its goroutine.
const spinsBeforeYield = 64

// maxHeld bounds the number of spinlocks a single holder may hold at once.
const maxHeld = 8

// LockHolder identifies an execution context (a CPU, or a CPU's interrupt
// context) that can own spinlocks. A LockHolder must only be driven by one
// goroutine at a time, exactly as a CPU runs one instruction stream.
type LockHolder struct {
	id int32

	// held records the ranks of the locks currently held, in acquisition
	// order. It is only accessed by the goroutine driving the holder.
	held  [maxHeld]Rank
	nheld int
}

// NewLockHolder returns a holder identified by id. id must be non-negative
// and unique among holders sharing locks.
func NewLockHolder(id int32) *LockHolder {
	h := &LockHolder{}
	h.Init(id)
	return h
}

// Init initializes h with the given id.
func (h *LockHolder) Init(id int32) {
	if id < 0 {
		panic(fmt.Sprintf("invalid lock holder id %d", id))
	}
	h.id = id
	h.nheld = 0
}

// HolderID returns the id of h.
func (h *LockHolder) HolderID() int32 {
	return h.id
}

// Holding returns the number of spinlocks currently held by h.
func (h *LockHolder) Holding() int {
	return h.nheld
}

// AssertNoLocks panics if h holds any spinlock. It is called at points where
// the execution context is about to return to user code.
func (h *LockHolder) AssertNoLocks() {
	if h.nheld != 0 {
		panic(fmt.Sprintf("holder %d returning with %d spinlocks held (innermost %v)", h.id, h.nheld, h.held[h.nheld-1]))
	}
}

func (h *LockHolder) checkOrder(r Rank, nested bool) {
	if r == RankNone {
		return
	}
	for i := 0; i < h.nheld; i++ {
		held := h.held[i]
		if held == RankNone {
			continue
		}
		if held > r || (held == r && !nested) {
			panic(fmt.Sprintf("lock order violation: holder %d acquiring %v while holding %v", h.id, r, held))
		}
	}
}

func (h *LockHolder) push(r Rank) {
	if h.nheld == maxHeld {
		panic(fmt.Sprintf("holder %d holds too many spinlocks", h.id))
	}
	h.held[h.nheld] = r
	h.nheld++
}

func (h *LockHolder) pop(r Rank) {
	for i := h.nheld - 1; i >= 0; i-- {
		if h.held[i] == r {
			copy(h.held[i:h.nheld-1], h.held[i+1:h.nheld])
			h.nheld--
			return
		}
	}
	panic(fmt.Sprintf("holder %d releasing %v lock it does not hold", h.id, r))
}

// SpinLock is a non-reentrant busy-waiting lock owned by a LockHolder.
//
// The zero value is an unlocked SpinLock with RankNone; call Init to give it
// a rank. Acquiring a SpinLock already held by the same holder panics rather
// than deadlocking, since the only way that can happen is a programming error
// (typically reentry from interrupt context).
type SpinLock struct {
	rank Rank

	// owner is 0 when the lock is free, and the owning holder's id + 1
	// otherwise.
	owner atomic.Int32
}

// Init sets the rank of l. It must be called before l is shared.
func (l *SpinLock) Init(r Rank) {
	l.rank = r
}

// Rank returns the rank of l.
func (l *SpinLock) Rank() Rank {
	return l.rank
}

// Lock acquires l on behalf of h, spinning until it is available.
func (l *SpinLock) Lock(h *LockHolder) {
	l.lock(h, false)
}

// NestedLock acquires l on behalf of h while h already holds another lock of
// the same rank. The caller is responsible for a consistent nesting order.
func (l *SpinLock) NestedLock(h *LockHolder) {
	l.lock(h, true)
}

func (l *SpinLock) lock(h *LockHolder, nested bool) {
	self := h.id + 1
	if l.owner.Load() == self {
		panic(fmt.Sprintf("recursive spinlock acquisition: holder %d already holds %v lock", h.id, l.rank))
	}
	h.checkOrder(l.rank, nested)
	for i := 1; !l.owner.CompareAndSwap(0, self); i++ {
		if i%spinsBeforeYield == 0 {
			runtime.Gosched()
		}
	}
	h.push(l.rank)
}

// TryLock attempts to acquire l without spinning and returns true if it
// succeeded.
func (l *SpinLock) TryLock(h *LockHolder) bool {
	self := h.id + 1
	if l.owner.Load() == self {
		panic(fmt.Sprintf("recursive spinlock acquisition: holder %d already holds %v lock", h.id, l.rank))
	}
	h.checkOrder(l.rank, false)
	if !l.owner.CompareAndSwap(0, self) {
		return false
	}
	h.push(l.rank)
	return true
}

// Unlock releases l, which must be held by h.
func (l *SpinLock) Unlock(h *LockHolder) {
	if got := l.owner.Load(); got != h.id+1 {
		panic(fmt.Sprintf("holder %d unlocking %v lock owned by %d", h.id, l.rank, got-1))
	}
	h.pop(l.rank)
	l.owner.Store(0)
}

// AssertHeld panics if l is not held by h.
func (l *SpinLock) AssertHeld(h *LockHolder) {
	if l.owner.Load() != h.id+1 {
		panic(fmt.Sprintf("%v lock not held by holder %d", l.rank, h.id))
	}
}

// Spin busy-waits until cond returns true, yielding periodically. It is the
// acknowledgement wait used by code that must not sleep.
func Spin(cond func() bool) {
	for i := 1; !cond(); i++ {
		if i%spinsBeforeYield == 0 {
			runtime.Gosched()
		}
	}
}
