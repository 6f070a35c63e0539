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

package pgalloc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/log"
)

// arena is the host memory standing in for physical RAM. Physical address pa
// is at offset pa of the mapping.
type arena struct {
	// file backs the mapping. It is nil if memfd_create is unavailable and
	// the arena is anonymous memory.
	file *os.File

	mapping []byte
}

// newArena maps size bytes of zeroed host memory.
func newArena(size uint64) (*arena, error) {
	if uint64(int(size)) != size {
		return nil, fmt.Errorf("arena size %#x does not fit in the host address space", size)
	}
	a := &arena{}
	fd, err := unix.MemfdCreate("vmcore-ram", unix.MFD_CLOEXEC)
	if err == nil {
		a.file = os.NewFile(uintptr(fd), "vmcore-ram")
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			a.file.Close()
			return nil, fmt.Errorf("failed to size RAM file to %#x bytes: %w", size, err)
		}
		m, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			a.file.Close()
			return nil, fmt.Errorf("failed to map RAM file: %w", err)
		}
		a.mapping = m
		return a, nil
	}

	log.Infof("memfd_create unavailable (%v), using anonymous RAM", err)
	m, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("failed to map anonymous RAM: %w", err)
	}
	a.mapping = m
	return a, nil
}

// release returns the arena's memory to the host.
func (a *arena) release() {
	if a.mapping != nil {
		if err := unix.Munmap(a.mapping); err != nil {
			log.Warningf("Failed to unmap RAM arena: %v", err)
		}
		a.mapping = nil
	}
	if a.file != nil {
		a.file.Close()
		a.file = nil
	}
}

// decommit returns the host pages backing [off, off+length) to the host. The
// range reads as zeroes afterwards.
func (a *arena) decommit(off, length uint64) error {
	if a.file != nil {
		return unix.Fallocate(int(a.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(off), int64(length))
	}
	return unix.Madvise(a.mapping[off:off+length], unix.MADV_DONTNEED)
}
