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

package vmobject

import (
	"context"

	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/usage"
)

// Anonymous is private, zero-filled memory.
type Anonymous struct {
	base
}

// NewAnonymous returns an anonymous object of the given size.
func NewAnonymous(h *sync.LockHolder, alloc *pgalloc.Allocator, pages uint64) (*Anonymous, error) {
	o := &Anonymous{}
	if err := o.init(h, alloc, KindAnonymous, pages); err != nil {
		return nil, err
	}
	refs.Register(o)
	return o, nil
}

// Name implements Object.Name.
func (o *Anonymous) Name() string {
	return ""
}

// Shared implements Object.Shared.
func (o *Anonymous) Shared() bool {
	return false
}

// Populate implements Object.Populate.
func (o *Anonymous) Populate(h *sync.LockHolder, i uint64) error {
	return o.populateZero(h, i, usage.Anonymous)
}

// PageIn implements Object.PageIn.
func (o *Anonymous) PageIn(ctx context.Context, h *sync.LockHolder, i uint64) error {
	o.Lock(h)
	defer o.Unlock(h)
	return o.Populate(h, i)
}

// Clone implements Object.Clone.
func (o *Anonymous) Clone(h *sync.LockHolder) (Object, error) {
	c := &Anonymous{}
	if err := o.cloneInto(h, &c.base); err != nil {
		return nil, err
	}
	refs.Register(c)
	return c, nil
}

// DecRef implements Object.DecRef.
func (o *Anonymous) DecRef(h *sync.LockHolder) {
	o.AtomicRefCount.DecRef(func() {
		o.release(h)
		refs.Unregister(o)
	})
}

// SharedMemory is named, zero-filled memory shared by every mapping.
type SharedMemory struct {
	base
	name string
}

// NewSharedMemory returns a shared memory object of the given size.
func NewSharedMemory(h *sync.LockHolder, alloc *pgalloc.Allocator, name string, pages uint64) (*SharedMemory, error) {
	if name == "" {
		return nil, errors.EINVAL
	}
	o := &SharedMemory{name: name}
	if err := o.init(h, alloc, KindSharedMemory, pages); err != nil {
		return nil, err
	}
	refs.Register(o)
	return o, nil
}

// Name implements Object.Name.
func (o *SharedMemory) Name() string {
	return "/dev/shm/" + o.name
}

// Shared implements Object.Shared.
func (o *SharedMemory) Shared() bool {
	return true
}

// Populate implements Object.Populate.
func (o *SharedMemory) Populate(h *sync.LockHolder, i uint64) error {
	return o.populateZero(h, i, usage.Anonymous)
}

// PageIn implements Object.PageIn.
func (o *SharedMemory) PageIn(ctx context.Context, h *sync.LockHolder, i uint64) error {
	o.Lock(h)
	defer o.Unlock(h)
	return o.Populate(h, i)
}

// Clone implements Object.Clone.
func (o *SharedMemory) Clone(h *sync.LockHolder) (Object, error) {
	o.IncRef()
	return o, nil
}

// DecRef implements Object.DecRef.
func (o *SharedMemory) DecRef(h *sync.LockHolder) {
	o.AtomicRefCount.DecRef(func() {
		o.release(h)
		refs.Unregister(o)
	})
}
