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
	"strings"
	"testing"
	"time"
)

func expectPanic(t *testing.T, substr string, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q", substr)
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, substr) {
			t.Fatalf("got panic %v, want one containing %q", r, substr)
		}
	}()
	f()
}

func TestSpinLock(t *testing.T) {
	var (
		sl         SpinLock
		wg         WaitGroup
		numWorkers = 10
		counter    int
	)
	sl.Init(RankObject)

	main := NewLockHolder(0)
	sl.Lock(main)

	other := NewLockHolder(1)
	if sl.TryLock(other) {
		t.Error("expected TryLock to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			defer wg.Done()
			h := NewLockHolder(int32(worker + 2))
			sl.Lock(h)
			counter++
			sl.Unlock(h)
		}(i)
	}

	<-time.After(50 * time.Millisecond)
	sl.Unlock(main)
	wg.Wait()

	if counter != numWorkers {
		t.Errorf("counter got %d want %d", counter, numWorkers)
	}
	if n := main.Holding(); n != 0 {
		t.Errorf("Holding() got %d want 0", n)
	}
}

func TestSpinLockRecursive(t *testing.T) {
	var sl SpinLock
	sl.Init(RankAddressSpace)
	h := NewLockHolder(3)
	sl.Lock(h)
	expectPanic(t, "recursive spinlock acquisition", func() { sl.Lock(h) })
}

func TestSpinLockOrder(t *testing.T) {
	var as, alloc SpinLock
	as.Init(RankAddressSpace)
	alloc.Init(RankAllocator)

	h := NewLockHolder(0)
	as.Lock(h)
	alloc.Lock(h)
	alloc.Unlock(h)
	as.Unlock(h)

	alloc.Lock(h)
	expectPanic(t, "lock order violation", func() { as.Lock(h) })
}

func TestSpinLockNested(t *testing.T) {
	var parent, child SpinLock
	parent.Init(RankAddressSpace)
	child.Init(RankAddressSpace)

	h := NewLockHolder(0)
	parent.Lock(h)
	expectPanic(t, "lock order violation", func() { child.Lock(h) })

	child.NestedLock(h)
	if n := h.Holding(); n != 2 {
		t.Errorf("Holding() got %d want 2", n)
	}
	// Out-of-order release is permitted.
	parent.Unlock(h)
	child.Unlock(h)
	h.AssertNoLocks()
}

func TestSpinLockUnlockByOther(t *testing.T) {
	var sl SpinLock
	owner, thief := NewLockHolder(0), NewLockHolder(1)
	sl.Lock(owner)
	expectPanic(t, "unlocking", func() { sl.Unlock(thief) })
}
