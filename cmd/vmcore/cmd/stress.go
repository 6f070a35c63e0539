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

package cmd

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"vmcore.dev/vmcore/cmd/vmcore/config"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/mm"
	"vmcore.dev/vmcore/pkg/vmobject"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	iterations int
	pages      uint64
	seed       uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run random memory operations on every CPU concurrently"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - give every CPU its own address space and run a random mix
of writes, reads, protection changes, unmaps, forks and shared memory updates
on all CPUs at once, checking every value read.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (st *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&st.iterations, "iterations", 10000, "operations per CPU.")
	f.Uint64Var(&st.pages, "pages", 64, "pages of anonymous memory per CPU.")
	f.Uint64Var(&st.seed, "seed", 0, "random seed. Zero uses the current time.")
}

// Execute implements subcommands.Command.Execute.
func (st *Stress) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || st.pages == 0 || st.iterations <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	mc, err := conf.Machine()
	if err != nil {
		Fatalf("error loading machine: %v", err)
	}
	s, err := NewSystem(mc)
	if err != nil {
		Fatalf("error booting: %v", err)
	}
	if st.seed == 0 {
		st.seed = uint64(time.Now().UnixNano())
	}
	log.Infof("Stress: %d CPUs, %d iterations, %d pages, seed %d", s.Machine.NumCPUs(), st.iterations, st.pages, st.seed)

	shm, err := vmobject.NewSharedMemory(s.Machine.NewHolder(), s.Alloc, "stress", 1)
	if err != nil {
		Fatalf("error creating shared memory: %v", err)
	}
	s.shm["stress"] = shm

	start := time.Now()
	g, gctx := errgroup.WithContext(context.Background())
	for _, c := range s.Machine.CPUs() {
		w := &worker{
			s:     s,
			c:     c,
			ctx:   s.Context(c.ID()),
			rng:   rand.New(rand.NewPCG(st.seed, uint64(c.ID()))),
			pages: st.pages,
		}
		g.Go(func() error {
			return w.run(gctx, st.iterations)
		})
	}
	if err := g.Wait(); err != nil {
		Fatalf("stress failed: %v", err)
	}
	fmt.Printf("%d operations in %v\n", st.iterations*s.Machine.NumCPUs(), time.Since(start))
	n, err := s.Reclaim()
	if err != nil {
		Fatalf("error reclaiming memory: %v", err)
	}
	fmt.Printf("reclaimed %d frames\n", n)
	printStats(s)
	if err := s.Shutdown(); err != nil {
		Fatalf("error shutting down: %v", err)
	}
	return subcommands.ExitSuccess
}

// worker drives one CPU.
type worker struct {
	s   *System
	c   *cpu.CPU
	ctx context.Context
	rng *rand.Rand

	as    *mm.AddressSpace
	base  hostarch.Addr
	pages uint64

	// want holds the value expected at the start of each page.
	want []uint64

	// shm is the start of the shared memory mapping, and counter the value
	// of this CPU's slot in it.
	shm     hostarch.Addr
	counter uint64
}

func (w *worker) page(i uint64) hostarch.Addr {
	return w.base + hostarch.Addr(i*hostarch.PageSize)
}

func (w *worker) store(addr hostarch.Addr, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.c.Write(context.Background(), addr, buf[:])
	return err
}

func (w *worker) load(addr hostarch.Addr) (uint64, error) {
	var buf [8]byte
	if _, err := w.c.Read(context.Background(), addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (w *worker) check(addr hostarch.Addr, want uint64) error {
	got, err := w.load(addr)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%v: at %#x got %#x want %#x", w.c, addr, got, want)
	}
	return nil
}

func (w *worker) setup() error {
	as, err := w.s.MM.NewAddressSpace(w.ctx)
	if err != nil {
		return err
	}
	w.as = as
	if err := as.Activate(w.c); err != nil {
		return err
	}
	r, err := as.AllocateRegion(w.ctx, mm.MapOpts{Length: w.pages * hostarch.PageSize, Perms: hostarch.ReadWrite})
	if err != nil {
		return err
	}
	w.base = r.Range().Start
	w.want = make([]uint64, w.pages)
	sr, err := as.MapSharedMemory(w.ctx, w.s.shm["stress"], mm.MapOpts{Length: hostarch.PageSize, Perms: hostarch.ReadWrite})
	if err != nil {
		return err
	}
	w.shm = sr.Range().Start + hostarch.Addr(8*w.c.ID())
	return nil
}

func (w *worker) run(ctx context.Context, iterations int) error {
	if err := w.setup(); err != nil {
		return err
	}
	for n := 0; n < iterations; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.step(uint64(n)); err != nil {
			return fmt.Errorf("%v, iteration %d: %w", w.c, n, err)
		}
	}
	return w.check(w.shm, w.counter)
}

// step performs one random operation.
func (w *worker) step(n uint64) error {
	i := w.rng.Uint64N(w.pages)
	addr := w.page(i)
	switch op := w.rng.IntN(100); {
	case op < 60:
		v := uint64(w.c.ID())<<48 | n
		if err := w.store(addr, v); err != nil {
			return err
		}
		w.want[i] = v
		return nil
	case op < 75:
		return w.check(addr, w.want[i])
	case op < 82:
		// Write-protect the page and restore it; the value survives.
		if err := w.as.Protect(w.ctx, addr, hostarch.PageSize, hostarch.Read); err != nil {
			return err
		}
		if err := w.check(addr, w.want[i]); err != nil {
			return err
		}
		return w.as.Protect(w.ctx, addr, hostarch.PageSize, hostarch.ReadWrite)
	case op < 88:
		// Replace the page with fresh zeroed memory.
		if err := w.as.Unmap(w.ctx, addr, hostarch.PageSize); err != nil {
			return err
		}
		if _, err := w.as.AllocateRegion(w.ctx, mm.MapOpts{Addr: addr, Length: hostarch.PageSize, Perms: hostarch.ReadWrite}); err != nil {
			return err
		}
		w.want[i] = 0
		return w.check(addr, 0)
	case op < 93:
		return w.fork(i, n)
	default:
		w.counter++
		return w.store(w.shm, w.counter)
	}
}

// fork clones the address space, runs the child briefly on this CPU and
// checks that neither side sees the other's writes.
func (w *worker) fork(i, n uint64) error {
	child, err := w.s.MM.CloneAddressSpace(w.ctx, w.as)
	if err != nil {
		return err
	}
	if err := child.Activate(w.c); err != nil {
		return err
	}
	addr := w.page(i)
	if err := w.check(addr, w.want[i]); err != nil {
		return fmt.Errorf("child: %w", err)
	}
	if err := w.store(addr, ^n); err != nil {
		return err
	}
	if err := w.s.MM.Teardown(w.ctx, child); err != nil {
		return err
	}
	if err := w.as.Activate(w.c); err != nil {
		return err
	}
	return w.check(addr, w.want[i])
}
