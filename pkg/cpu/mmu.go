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

package cpu

import (
	"context"
	"fmt"

	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/hostarch"
)

// maxFaultRetries bounds how many times one access may fault and be resolved
// before it is treated as a fault loop.
const maxFaultRetries = 32

// access translates the page containing addr for an access of type at and,
// on success, calls fn with the bytes [addr, addr+n) while the translation
// is pinned by the TLB lock. n must not cross a page boundary.
//
// The returned bool is false if the translation is missing or insufficient,
// in which case fn is not called.
func (c *CPU) access(addr hostarch.Addr, n uint64, at hostarch.AccessType, fn func(bs []byte)) (bool, error) {
	page := addr.RoundDown()
	off := addr.PageOffset()

	c.tlb.mu.Lock(&c.LockHolder)
	defer c.tlb.mu.Unlock(&c.LockHolder)

	e, ok := c.tlb.lookupLocked(page)
	if ok && e.opts.AccessType.SupersetOf(at) {
		c.tlbHits.Add(1)
	} else {
		c.tlbMisses.Add(1)
		pt := c.root.Load()
		if pt == nil {
			return false, nil
		}
		pa, opts, ok := pt.Translate(page, at)
		if !ok || !opts.AccessType.SupersetOf(at) {
			// Drop a cached entry that proved insufficient.
			delete(c.tlb.entries, page)
			return false, nil
		}
		e = tlbEntry{physical: pa, opts: opts}
		c.tlb.insertLocked(page, e)
	}
	if fn == nil {
		return true, nil
	}
	bs, err := c.machine.bus.Slice(e.physical+hostarch.PhysAddr(off), n)
	if err != nil {
		return false, fmt.Errorf("translation of %#x to %#x is not backed: %w", addr, uint64(e.physical), err)
	}
	fn(bs)
	return true, nil
}

// do performs an access, faulting as needed.
func (c *CPU) do(ctx context.Context, addr hostarch.Addr, n uint64, at hostarch.AccessType, fn func(bs []byte)) error {
	for attempt := 0; ; attempt++ {
		ok, err := c.access(addr, n, at, fn)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt == maxFaultRetries {
			return fmt.Errorf("access %v to %#x still faulting after %d resolved faults: %w", at, addr, attempt, errors.EFAULT)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		h := c.machine.handler
		if h == nil {
			return errors.EFAULT
		}
		c.faults.Add(1)
		c.AssertNoLocks()
		if err := h.HandlePageFault(WithCPU(ctx, c), c, addr, at); err != nil {
			return err
		}
	}
}

// Translate returns the physical address addr translates to for an access of
// type at, raising page faults until the translation exists.
func (c *CPU) Translate(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) (hostarch.PhysAddr, error) {
	if err := c.do(ctx, addr, 0, at, nil); err != nil {
		return 0, err
	}
	c.tlb.mu.Lock(&c.LockHolder)
	defer c.tlb.mu.Unlock(&c.LockHolder)
	if e, ok := c.tlb.lookupLocked(addr.RoundDown()); ok {
		return e.physical + hostarch.PhysAddr(addr.PageOffset()), nil
	}
	// Shot down between the fault and the lookup; the caller may retry.
	return 0, errors.EFAULT
}

// rw performs a read or a write of buf at addr, page by page.
func (c *CPU) rw(ctx context.Context, addr hostarch.Addr, buf []byte, at hostarch.AccessType) (int, error) {
	done := 0
	for done < len(buf) {
		cur := addr + hostarch.Addr(done)
		if cur < addr {
			return done, errors.EFAULT
		}
		n := min(uint64(len(buf)-done), hostarch.PageSize-cur.PageOffset())
		chunk := buf[done : done+int(n)]
		err := c.do(ctx, cur, n, at, func(bs []byte) {
			if at.Write {
				copy(bs, chunk)
			} else {
				copy(chunk, bs)
			}
		})
		if err != nil {
			return done, err
		}
		done += int(n)
	}
	return done, nil
}

// Read copies len(buf) bytes at addr into buf. It returns the number of
// bytes copied before an unresolvable fault.
func (c *CPU) Read(ctx context.Context, addr hostarch.Addr, buf []byte) (int, error) {
	return c.rw(ctx, addr, buf, hostarch.Read)
}

// Write copies buf to addr. It returns the number of bytes copied before an
// unresolvable fault.
func (c *CPU) Write(ctx context.Context, addr hostarch.Addr, buf []byte) (int, error) {
	return c.rw(ctx, addr, buf, hostarch.Write)
}

// Execute checks that addr may be executed, as an instruction fetch would.
func (c *CPU) Execute(ctx context.Context, addr hostarch.Addr) error {
	return c.do(ctx, addr, 0, hostarch.Execute, nil)
}
