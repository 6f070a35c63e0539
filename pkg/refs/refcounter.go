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

// Package refs provides reference counting for memory subsystem objects and
// optional leak checking of them.
package refs

import (
	"fmt"
	"sync/atomic"

	"vmcore.dev/vmcore/pkg/errors"
)

// RefCounter is the interface to be implemented by objects that are reference
// counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// ReadRefs returns the current number of references.
	ReadRefs() int64

	// TryIncRef attempts to increase the reference counter on the object,
	// but may fail if all references have already been dropped.
	TryIncRef() bool
}

// speculativeRef is one reference in the upper half of refCount.
const speculativeRef = 1 << 32

// AtomicRefCount keeps a reference count using atomic operations and calls a
// destructor when the count reaches zero. It must be initialized with
// InitRefs, which sets the count to one.
type AtomicRefCount struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a
	// CompareAndSwap loop.
	refCount atomic.Int64
}

// InitRefs sets the count to one reference, held by the creator.
func (r *AtomicRefCount) InitRefs() {
	r.refCount.Store(1)
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *AtomicRefCount) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef increments this object's reference count. The caller must already
// hold a reference.
func (r *AtomicRefCount) IncRef() {
	if v := r.refCount.Add(1); int32(v) <= 1 {
		errors.Invariant("incrementing non-positive ref count %d", int32(v)-1)
	}
}

// TryIncRef attempts to increment the reference count, *unless the count has
// already reached zero*. If false is returned, then the object has already
// been destroyed.
//
// To do this safely without a loop, a speculative reference is first acquired
// on the object. This allows multiple concurrent TryIncRef calls to
// distinguish other TryIncRef calls from genuine references held.
func (r *AtomicRefCount) TryIncRef() bool {
	v := r.refCount.Add(speculativeRef)
	if int32(v) <= 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef decrements the object's reference count, calling destroy if it was
// the last reference. destroy may be nil.
//
// Note that speculative references are counted here. Since they were added
// prior to real references reaching zero, they will successfully convert to
// real references. In other words, we see speculative references only in the
// following case:
//
//	A: TryIncRef [speculative increase => sees non-zero references]
//	B: DecRef [real decrease]
//	A: TryIncRef [transform speculative to real]
func (r *AtomicRefCount) DecRef(destroy func()) {
	switch v := r.refCount.Add(-1); {
	case int32(v) < 0:
		errors.Invariant("decrementing non-positive ref count")
	case int32(v) == 0:
		if destroy != nil {
			destroy()
		}
	}
}

// String implements fmt.Stringer.String.
func (r *AtomicRefCount) String() string {
	return fmt.Sprintf("refs=%d", r.ReadRefs())
}
