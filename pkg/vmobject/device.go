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
	"fmt"

	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/usage"
)

// Device is memory-mapped I/O: a fixed, contiguous range of physical
// addresses outside RAM. Its frames are never allocated, copied or freed.
type Device struct {
	base

	physical hostarch.PhysAddr
	mt       hostarch.MemoryType
}

// NewDevice returns a device object covering pages frames starting at
// physical, which must be page aligned and lie above RAM.
func NewDevice(h *sync.LockHolder, alloc *pgalloc.Allocator, physical hostarch.PhysAddr, pages uint64, mt hostarch.MemoryType) (*Device, error) {
	if !physical.IsPageAligned() || mt >= hostarch.NumMemoryTypes {
		return nil, errors.EINVAL
	}
	end := uint64(physical) + pages*hostarch.PageSize
	if end < uint64(physical) || physical < alloc.Top() {
		return nil, fmt.Errorf("device range [%#x, %#x) overlaps RAM: %w", physical, end, errors.EINVAL)
	}
	o := &Device{physical: physical, mt: mt}
	if err := o.init(h, alloc, KindDevice, pages); err != nil {
		return nil, err
	}
	for i := range o.slots {
		o.slots[i] = pgalloc.NewDeviceFrame(physical + hostarch.PhysAddr(uint64(i)*hostarch.PageSize))
	}
	alloc.Usage().Inc(pages*hostarch.PageSize, usage.Device)
	refs.Register(o)
	return o, nil
}

// Physical returns the first physical address of the device.
func (o *Device) Physical() hostarch.PhysAddr {
	return o.physical
}

// Name implements Object.Name.
func (o *Device) Name() string {
	return fmt.Sprintf("[device %#x]", o.physical)
}

// Shared implements Object.Shared.
func (o *Device) Shared() bool {
	return true
}

// MemoryType implements Object.MemoryType.
func (o *Device) MemoryType() hostarch.MemoryType {
	return o.mt
}

// Populate implements Object.Populate. Device slots are never empty.
func (o *Device) Populate(h *sync.LockHolder, i uint64) error {
	return nil
}

// PageIn implements Object.PageIn.
func (o *Device) PageIn(ctx context.Context, h *sync.LockHolder, i uint64) error {
	return nil
}

// Clone implements Object.Clone.
func (o *Device) Clone(h *sync.LockHolder) (Object, error) {
	o.IncRef()
	return o, nil
}

// DecRef implements Object.DecRef.
func (o *Device) DecRef(h *sync.LockHolder) {
	o.AtomicRefCount.DecRef(func() {
		o.alloc.Usage().Dec(o.PageCount()*hostarch.PageSize, usage.Device)
		o.release(h)
		refs.Unregister(o)
	})
}
