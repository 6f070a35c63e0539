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

// Package devmem implements the physical address bus: RAM from the frame
// allocator plus device apertures (MMIO windows) at fixed physical
// addresses above RAM.
package devmem

import (
	stderrors "errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/pgalloc"
	"vmcore.dev/vmcore/pkg/sync"
)

// Aperture is a window of device memory.
type Aperture struct {
	// Name identifies the device in logs and maps dumps.
	Name string

	// Base is the first physical address of the aperture. It is page
	// aligned.
	Base hostarch.PhysAddr

	// Length is the size of the aperture in bytes. It is page aligned.
	Length uint64

	// MemoryType is the caching mode of the aperture.
	MemoryType hostarch.MemoryType

	// file persists device state across runs. It is nil for volatile
	// apertures.
	file *os.File

	backing mmap.MMap
}

// NewAperture creates an aperture. If path is not empty, device contents are
// kept in the file at path; otherwise they are volatile.
func NewAperture(name string, base hostarch.PhysAddr, length uint64, mt hostarch.MemoryType, path string) (*Aperture, error) {
	if length == 0 || !base.IsPageAligned() || length%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("aperture %q [%#x, +%#x) is not page aligned: %w", name, uint64(base), length, errors.EINVAL)
	}
	if uint64(base)+length < uint64(base) {
		return nil, fmt.Errorf("aperture %q overflows: %w", name, errors.EINVAL)
	}
	if mt >= hostarch.NumMemoryTypes {
		return nil, fmt.Errorf("aperture %q has invalid memory type %d: %w", name, mt, errors.EINVAL)
	}
	a := &Aperture{
		Name:       name,
		Base:       base,
		Length:     length,
		MemoryType: mt,
	}
	var err error
	if path == "" {
		a.backing, err = mmap.MapRegion(nil, int(length), mmap.RDWR, mmap.ANON, 0)
		if err != nil {
			return nil, fmt.Errorf("error mapping aperture %q: %w", name, err)
		}
		return a, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening aperture file: %w", err)
	}
	// This should create a sparse file on Linux.
	if err := f.Truncate(int64(length)); err != nil {
		f.Close()
		return nil, fmt.Errorf("error sizing aperture file: %w", err)
	}
	a.backing, err = mmap.MapRegion(f, int(length), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error mapping aperture file: %w", err)
	}
	a.file = f
	return a, nil
}

// End returns the first physical address past a.
func (a *Aperture) End() hostarch.PhysAddr {
	return a.Base + hostarch.PhysAddr(a.Length)
}

// Contains returns true if pa is inside a.
func (a *Aperture) Contains(pa hostarch.PhysAddr) bool {
	return a.Base <= pa && pa < a.End()
}

// Bytes returns the contents of a.
func (a *Aperture) Bytes() []byte {
	return a.backing
}

// Sync flushes device state to its file, if any.
func (a *Aperture) Sync() error {
	if a.file == nil {
		return nil
	}
	if err := a.backing.Flush(); err != nil {
		return fmt.Errorf("error flushing aperture %q: %w", a.Name, err)
	}
	return nil
}

// Close unmaps a.
func (a *Aperture) Close() error {
	flushErr := a.Sync()
	mmapErr := a.backing.Unmap()
	var closeErr error
	if a.file != nil {
		closeErr = a.file.Close()
	}
	return stderrors.Join(flushErr, mmapErr, closeErr)
}

// String implements fmt.Stringer.String.
func (a *Aperture) String() string {
	return fmt.Sprintf("%s [%#x-%#x) %v", a.Name, uint64(a.Base), uint64(a.End()), a.MemoryType)
}

// Bus resolves physical addresses to the memory behind them.
type Bus struct {
	ram *pgalloc.Allocator

	// mu serializes registration.
	mu sync.Mutex

	// apertures is a sorted, immutable slice of registered apertures,
	// replaced wholesale on registration so that lookups never lock.
	apertures atomic.Pointer[[]*Aperture]
}

// NewBus returns a bus with RAM provided by ram.
func NewBus(ram *pgalloc.Allocator) *Bus {
	b := &Bus{ram: ram}
	b.apertures.Store(&[]*Aperture{})
	return b
}

// RAM returns the frame allocator providing RAM.
func (b *Bus) RAM() *pgalloc.Allocator {
	return b.ram
}

// Register adds ap to the bus. ap must not overlap RAM or another aperture.
func (b *Bus) Register(ap *Aperture) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ap.Base < b.ram.Top() {
		return fmt.Errorf("aperture %v overlaps RAM: %w", ap, errors.EEXIST)
	}
	old := *b.apertures.Load()
	for _, o := range old {
		if ap.Base < o.End() && o.Base < ap.End() {
			return fmt.Errorf("aperture %v overlaps %v: %w", ap, o, errors.EEXIST)
		}
	}
	aps := append(append(make([]*Aperture, 0, len(old)+1), old...), ap)
	sort.Slice(aps, func(i, j int) bool { return aps[i].Base < aps[j].Base })
	b.apertures.Store(&aps)
	log.Infof("Registered device aperture %v", ap)
	return nil
}

// Aperture returns the aperture containing pa, or nil.
func (b *Bus) Aperture(pa hostarch.PhysAddr) *Aperture {
	aps := *b.apertures.Load()
	i := sort.Search(len(aps), func(i int) bool { return aps[i].End() > pa })
	if i < len(aps) && aps[i].Contains(pa) {
		return aps[i]
	}
	return nil
}

// Apertures returns the registered apertures in address order.
func (b *Bus) Apertures() []*Aperture {
	return *b.apertures.Load()
}

// Slice returns the n bytes of physical memory at pa. The range must lie
// entirely within RAM or within one aperture; otherwise Slice returns
// errors.EFAULT.
func (b *Bus) Slice(pa hostarch.PhysAddr, n uint64) ([]byte, error) {
	if bs, ok := b.ram.Slice(pa, n); ok {
		return bs, nil
	}
	if ap := b.Aperture(pa); ap != nil {
		off := uint64(pa - ap.Base)
		if off+n <= ap.Length {
			return ap.backing[off : off+n : off+n], nil
		}
	}
	return nil, errors.EFAULT
}

// Close closes every registered aperture.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, ap := range *b.apertures.Load() {
		errs = append(errs, ap.Close())
	}
	b.apertures.Store(&[]*Aperture{})
	return stderrors.Join(errs...)
}
