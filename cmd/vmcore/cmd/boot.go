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
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"vmcore.dev/vmcore/cmd/vmcore/config"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/mm"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	touch bool
	maps  bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the machine, lay out the first address space and report statistics"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot the machine described by --machine (or the default
machine), map the layout it describes into a new address space, touch every
accessible page from CPU 0 and print memory statistics.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.touch, "touch", true, "fault in every accessible page after mapping.")
	f.BoolVar(&b.maps, "maps", false, "print the address space layout.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
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

	ctx := s.Context(0)
	as, err := s.MM.NewAddressSpace(ctx)
	if err != nil {
		Fatalf("error creating address space: %v", err)
	}
	if err := as.Activate(s.Machine.CPU(0)); err != nil {
		Fatalf("error activating %v: %v", as, err)
	}
	rs, err := s.Layout(ctx, as, mc.Mappings)
	if err != nil {
		Fatalf("error laying out %v: %v", as, err)
	}
	if b.touch {
		for _, r := range rs {
			if err := touch(s, 0, r); err != nil {
				log.Warningf("Touching %v: %v", r, err)
			}
		}
	}
	if b.maps {
		fmt.Print(as.Maps(ctx))
	}
	printStats(s)
	if err := s.Shutdown(); err != nil {
		Fatalf("error shutting down: %v", err)
	}
	return subcommands.ExitSuccess
}

// touch reads every page of r from CPU i, writing it back if r is writable.
func touch(s *System, i int, r *mm.Region) error {
	c := s.Machine.CPU(i)
	perms := r.Perms()
	if !perms.Read {
		return nil
	}
	buf := make([]byte, 1)
	for addr := r.Range().Start; addr < r.Range().End; addr += hostarch.PageSize {
		if _, err := c.Read(context.Background(), addr, buf); err != nil {
			return err
		}
		if perms.Write {
			if _, err := c.Write(context.Background(), addr, buf); err != nil {
				return err
			}
		}
	}
	return nil
}
