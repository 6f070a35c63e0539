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

package mm

import (
	"context"
	"fmt"

	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sync"
	"vmcore.dev/vmcore/pkg/vmobject"
)

// CloneAddressSpace returns a copy of parent, as for fork. Shared objects are
// mapped by both address spaces; private objects are cloned, and every page
// of their regions becomes copy-on-write in both. The child starts with no
// page table entries.
func (m *Manager) CloneAddressSpace(ctx context.Context, parent *AddressSpace) (*AddressSpace, error) {
	h, c := callerFrom(ctx)
	if parent.kernel {
		return nil, fmt.Errorf("cloning the kernel address space: %w", errors.EINVAL)
	}
	child, err := m.newUserAddressSpace(h)
	if err != nil {
		return nil, err
	}

	parent.mu.Lock(h)
	if parent.dead {
		parent.mu.Unlock(h)
		child.DecRef(ctx)
		return nil, fmt.Errorf("cloning %v: %w", parent, errors.EINVAL)
	}
	child.mu.NestedLock(h)
	err = parent.cloneRegionsLocked(h, child)
	child.mu.Unlock(h)
	var fl flush
	if err == nil {
		// Parent writes to private pages must now fault.
		for _, r := range parent.regionsLocked() {
			if r.IsCoW() && r.perms.Write {
				at := r.perms.Effective()
				at.Write = false
				if parent.pt.Protect(h, r.ar.Start, uintptr(r.ar.Length()), at) != 0 {
					fl.add(r.ar)
				}
			}
		}
	}
	parent.flushLocked(h, c, &fl)
	parent.mu.Unlock(h)
	if err != nil {
		child.DecRef(ctx)
		return nil, err
	}
	log.Debugf("Cloned %v into %v", parent, child)
	return child, nil
}

// cloneRegionsLocked inserts a copy of every region of as into child.
//
// Preconditions: as.mu and child.mu are locked.
func (as *AddressSpace) cloneRegionsLocked(h *sync.LockHolder, child *AddressSpace) error {
	// Regions split from one region share an object; clone it once.
	clones := make(map[vmobject.Object]vmobject.Object)
	for _, r := range as.regionsLocked() {
		object, ok := clones[r.object]
		if ok {
			object.IncRef()
		} else {
			var err error
			object, err = r.object.Clone(h)
			if err != nil {
				return err
			}
			clones[r.object] = object
		}
		cr := &Region{
			ar:     r.ar,
			perms:  r.perms,
			object: object,
			offset: r.offset,
		}
		if r.object.Shared() {
			cr.cow = r.cow.Clone()
		} else {
			r.markCoW()
			cr.markCoW()
		}
		child.insertLocked(h, cr)
	}
	return nil
}

// Teardown releases every region of as, as on process exit, and drops the
// caller's reference. If c, the executing CPU, is in as, it returns to the
// kernel address space. Teardown fails if another CPU is in as.
func (m *Manager) Teardown(ctx context.Context, as *AddressSpace) error {
	if err := as.release(ctx); err != nil {
		return err
	}
	as.DecRef(ctx)
	return nil
}

// release unmaps every region of as and frees its page tables. It is
// idempotent.
func (as *AddressSpace) release(ctx context.Context) error {
	h, c := callerFrom(ctx)
	if as.kernel {
		return fmt.Errorf("releasing the kernel address space: %w", errors.EINVAL)
	}
	if as.mm.current[c.ID()].Load() == as {
		if err := as.mm.kernel.Activate(c); err != nil {
			return err
		}
	}

	as.mu.Lock(h)
	if as.dead {
		as.mu.Unlock(h)
		return nil
	}
	if n := as.active.Count(); n != 0 {
		as.mu.Unlock(h)
		return fmt.Errorf("%v is in use by %d CPUs: %w", as, n, errors.EINVAL)
	}
	var fl flush
	as.removeRegionsLocked(h, as.bounds(), &fl)
	dropped := as.flushLocked(h, c, &fl)
	as.pt.Release(h)
	as.dead = true
	as.mu.Unlock(h)

	as.mm.mu.Lock(h)
	delete(as.mm.spaces, as.id)
	as.mm.mu.Unlock(h)

	as.drop(ctx, h, dropped)
	log.Debugf("Released %v", as)
	return nil
}
