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
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/sync"
)

// InodeCache maps inodes to their SharedFile objects, so that every shared
// mapping of an inode uses the same frames.
type InodeCache struct {
	alloc *pgalloc.Allocator

	mu sync.SpinLock

	// objects holds live objects by inode ID. Entries are removed when the
	// object's last reference is dropped. Protected by mu.
	objects map[uint64]*SharedFile
}

// NewInodeCache returns an empty cache allocating from alloc.
func NewInodeCache(alloc *pgalloc.Allocator) *InodeCache {
	c := &InodeCache{
		alloc:   alloc,
		objects: make(map[uint64]*SharedFile),
	}
	c.mu.Init(sync.RankObjectCache)
	return c
}

// Get returns the SharedFile for inode with a new reference, creating it if
// necessary. The object is grown to at least pages slots.
func (c *InodeCache) Get(h *sync.LockHolder, inode Inode, pages uint64) (*SharedFile, error) {
	c.mu.Lock(h)
	if o, ok := c.objects[inode.InodeID()]; ok && o.TryIncRef() {
		err := o.grow(h, pages)
		c.mu.Unlock(h)
		if err != nil {
			o.DecRef(h)
			return nil, err
		}
		return o, nil
	}
	defer c.mu.Unlock(h)
	o, err := newSharedFile(h, c.alloc, c, inode, pages)
	if err != nil {
		return nil, err
	}
	c.objects[inode.InodeID()] = o
	log.Debugf("Cached %v for %s", o, inodeName(inode))
	return o, nil
}

// Lookup returns the live object for the inode ID without taking a
// reference, or nil.
func (c *InodeCache) Lookup(h *sync.LockHolder, id uint64) *SharedFile {
	c.mu.Lock(h)
	defer c.mu.Unlock(h)
	return c.objects[id]
}

// Len returns the number of cached objects.
func (c *InodeCache) Len(h *sync.LockHolder) int {
	c.mu.Lock(h)
	defer c.mu.Unlock(h)
	return len(c.objects)
}

// remove drops o from the cache if it is still the cached object for its
// inode.
func (c *InodeCache) remove(h *sync.LockHolder, o *SharedFile) {
	c.mu.Lock(h)
	defer c.mu.Unlock(h)
	if id := o.inode.InodeID(); c.objects[id] == o {
		delete(c.objects, id)
	}
}
