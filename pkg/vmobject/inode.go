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
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/sync"
)

// lastInodeID allocates MemInode IDs. Host inodes use their host inode
// numbers with the top bit set.
var lastInodeID atomic.Uint64

const hostInodeBit = 1 << 63

// MemInode is an inode whose contents are held in memory.
type MemInode struct {
	id   uint64
	name string

	mu       sync.Mutex
	data     []byte
	readErr  error
	writeErr error
}

// NewMemInode returns an inode holding a copy of data.
func NewMemInode(name string, data []byte) *MemInode {
	return &MemInode{
		id:   lastInodeID.Add(1),
		name: name,
		data: append([]byte(nil), data...),
	}
}

// InodeID implements Inode.InodeID.
func (i *MemInode) InodeID() uint64 {
	return i.id
}

// Name implements Named.Name.
func (i *MemInode) Name() string {
	return i.name
}

// Size implements Inode.Size.
func (i *MemInode) Size() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return uint64(len(i.data))
}

// ReadPage implements Inode.ReadPage.
func (i *MemInode) ReadPage(ctx context.Context, off uint64, dst []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.readErr != nil {
		return i.readErr
	}
	if off < uint64(len(i.data)) {
		copy(dst, i.data[off:])
	}
	return nil
}

// WritePage implements Inode.WritePage.
func (i *MemInode) WritePage(ctx context.Context, off uint64, src []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.writeErr != nil {
		return i.writeErr
	}
	if off < uint64(len(i.data)) {
		copy(i.data[off:], src)
	}
	return nil
}

// Contents returns a copy of the inode's data.
func (i *MemInode) Contents() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]byte(nil), i.data...)
}

// SetReadError makes subsequent reads fail with err, or succeed if err is
// nil.
func (i *MemInode) SetReadError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.readErr = err
}

// SetWriteError makes subsequent writes fail with err, or succeed if err is
// nil.
func (i *MemInode) SetWriteError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.writeErr = err
}

// HostInode is an inode backed by a host file.
type HostInode struct {
	id   uint64
	file *os.File
}

// OpenHostInode opens the host file at path. If writable is false,
// write-back fails.
func OpenHostInode(path string, writable bool) (*HostInode, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, fmt.Errorf("fstat %s: %w", path, err)
	}
	return &HostInode{id: st.Ino | hostInodeBit, file: f}, nil
}

// InodeID implements Inode.InodeID.
func (i *HostInode) InodeID() uint64 {
	return i.id
}

// Name implements Named.Name.
func (i *HostInode) Name() string {
	return i.file.Name()
}

// Size implements Inode.Size.
func (i *HostInode) Size() uint64 {
	fi, err := i.file.Stat()
	if err != nil {
		return 0
	}
	return uint64(fi.Size())
}

// ReadPage implements Inode.ReadPage.
func (i *HostInode) ReadPage(ctx context.Context, off uint64, dst []byte) error {
	if _, err := i.file.ReadAt(dst, int64(off)); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// WritePage implements Inode.WritePage.
func (i *HostInode) WritePage(ctx context.Context, off uint64, src []byte) error {
	_, err := i.file.WriteAt(src, int64(off))
	return err
}

// Close closes the host file.
func (i *HostInode) Close() error {
	return i.file.Close()
}
