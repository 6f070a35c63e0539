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
)

// Maps implements subcommands.Command for the "maps" command.
type Maps struct {
	fork bool
}

// Name implements subcommands.Command.Name.
func (*Maps) Name() string {
	return "maps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Maps) Synopsis() string {
	return "print the address space layout described by the machine file"
}

// Usage implements subcommands.Command.Usage.
func (*Maps) Usage() string {
	return `maps [flags] - map the layout described by --machine into a new address
space and print it in /proc/[pid]/maps format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Maps) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.fork, "fork", false, "also print the layout of a clone of the address space.")
}

// Execute implements subcommands.Command.Execute.
func (m *Maps) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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
	if _, err := s.Layout(ctx, as, mc.Mappings); err != nil {
		Fatalf("error laying out %v: %v", as, err)
	}
	fmt.Printf("%v:\n%s", as, as.Maps(ctx))
	if m.fork {
		child, err := s.MM.CloneAddressSpace(ctx, as)
		if err != nil {
			Fatalf("error cloning %v: %v", as, err)
		}
		fmt.Printf("%v:\n%s", child, child.Maps(ctx))
	}
	if err := s.Shutdown(); err != nil {
		Fatalf("error shutting down: %v", err)
	}
	return subcommands.ExitSuccess
}
