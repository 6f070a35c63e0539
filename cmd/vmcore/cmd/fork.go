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
	"bytes"
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"vmcore.dev/vmcore/cmd/vmcore/config"
	"vmcore.dev/vmcore/pkg/cpu"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/mm"
)

// Fork implements subcommands.Command for the "fork" command.
type Fork struct {
	pages    uint64
	children int
}

// Name implements subcommands.Command.Name.
func (*Fork) Name() string {
	return "fork"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Fork) Synopsis() string {
	return "fork an address space and check copy-on-write isolation"
}

// Usage implements subcommands.Command.Usage.
func (*Fork) Usage() string {
	return `fork [flags] - fill anonymous memory from CPU 0, clone the address space
several times and have every child overwrite part of it from another CPU.
Each address space must keep seeing its own data.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (fk *Fork) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&fk.pages, "pages", 16, "number of pages in the parent's region.")
	f.IntVar(&fk.children, "children", 3, "number of children to fork.")
}

// Execute implements subcommands.Command.Execute.
func (fk *Fork) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || fk.pages == 0 || fk.children <= 0 {
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
	if err := fk.run(s); err != nil {
		Fatalf("%v", err)
	}
	printStats(s)
	if err := s.Shutdown(); err != nil {
		Fatalf("error shutting down: %v", err)
	}
	return subcommands.ExitSuccess
}

// pattern returns the marker written by owner to page i.
func pattern(owner string, i uint64) []byte {
	return []byte(fmt.Sprintf("%s:%d", owner, i))
}

func (fk *Fork) run(s *System) error {
	ctx := s.Context(0)
	parent, err := s.MM.NewAddressSpace(ctx)
	if err != nil {
		return err
	}
	c0 := s.Machine.CPU(0)
	if err := parent.Activate(c0); err != nil {
		return err
	}
	r, err := parent.AllocateRegion(ctx, mm.MapOpts{Length: fk.pages * hostarch.PageSize, Perms: hostarch.ReadWrite})
	if err != nil {
		return err
	}
	page := func(i uint64) hostarch.Addr {
		return r.Range().Start + hostarch.Addr(i*hostarch.PageSize)
	}
	for i := uint64(0); i < fk.pages; i++ {
		if _, err := c0.Write(context.Background(), page(i), pattern("parent", i)); err != nil {
			return err
		}
	}

	// Children run on the other CPUs in turn.
	n := s.Machine.NumCPUs()
	for k := 0; k < fk.children; k++ {
		child, err := s.MM.CloneAddressSpace(ctx, parent)
		if err != nil {
			return err
		}
		cc := s.Machine.CPU((k + 1) % n)
		if err := child.Activate(cc); err != nil {
			return err
		}
		owner := fmt.Sprintf("child%d", k)
		// The child overwrites the even pages.
		for i := uint64(0); i < fk.pages; i += 2 {
			if _, err := cc.Write(context.Background(), page(i), pattern(owner, i)); err != nil {
				return err
			}
		}
		for i := uint64(0); i < fk.pages; i++ {
			want := pattern("parent", i)
			if i%2 == 0 {
				want = pattern(owner, i)
			}
			if err := expect(cc, page(i), want); err != nil {
				return fmt.Errorf("%v: %w", child, err)
			}
		}
		if err := s.MM.Teardown(s.Context(cc.ID()), child); err != nil {
			return err
		}
		if cc != c0 {
			continue
		}
		if err := parent.Activate(c0); err != nil {
			return err
		}
	}

	for i := uint64(0); i < fk.pages; i++ {
		if err := expect(c0, page(i), pattern("parent", i)); err != nil {
			return fmt.Errorf("%v: %w", parent, err)
		}
	}
	fmt.Printf("%d children forked from %v, all isolated\n", fk.children, parent)
	return nil
}

// expect checks that the bytes at addr as seen by c are want.
func expect(c *cpu.CPU, addr hostarch.Addr, want []byte) error {
	got := make([]byte, len(want))
	if _, err := c.Read(context.Background(), addr, got); err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("at %#x: got %q want %q", addr, got, want)
	}
	return nil
}
