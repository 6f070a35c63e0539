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

package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/mm"
	"vmcore.dev/vmcore/pkg/pgalloc"
)

// Machine describes the simulated machine: its CPUs, physical memory map,
// device apertures, memory manager configuration and an optional initial
// address space layout.
type Machine struct {
	// CPUs is the number of simulated CPUs.
	CPUs int `toml:"cpus"`

	// Memory is the boot memory map.
	Memory []MemoryRegion `toml:"memory"`

	// Apertures are device memory ranges placed above RAM.
	Apertures []Aperture `toml:"aperture"`

	// Reserved are user address ranges never handed out to mappings.
	Reserved []Range `toml:"reserved"`

	// Mappings describe the layout of the first user address space.
	Mappings []Mapping `toml:"mapping"`

	// MM configures the memory manager. Reserved is taken from the field
	// above.
	MM mm.Config `toml:"mm"`
}

// MemoryRegion is one entry of the memory map.
type MemoryRegion struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
	// Type is one of the pgalloc region type names, e.g. "available".
	Type string `toml:"type"`
}

// Aperture is a device memory range.
type Aperture struct {
	Name       string `toml:"name"`
	Base       uint64 `toml:"base"`
	Length     uint64 `toml:"length"`
	MemoryType string `toml:"memory_type"`
	// Path, if set, is a file holding the device contents.
	Path string `toml:"path"`
}

// Range is a virtual address range [Start, End).
type Range struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

// Mapping kinds.
const (
	MappingAnonymous    = "anonymous"
	MappingFile         = "file"
	MappingSharedMemory = "shm"
	MappingDevice       = "device"
)

// Mapping describes one region of an address space.
type Mapping struct {
	Kind string `toml:"kind"`

	// Addr is the fixed start address. Zero lets the address space choose.
	Addr   uint64 `toml:"addr"`
	Length uint64 `toml:"length"`

	// Perms is an "rwx" string, with '-' for absent permissions.
	Perms string `toml:"perms"`

	// Offset is the byte offset into the backing file or shared memory.
	Offset uint64 `toml:"offset"`

	Shared    bool `toml:"shared"`
	Precommit bool `toml:"precommit"`

	// Path is the host file backing a file mapping.
	Path string `toml:"path"`

	// Name names a shared memory segment.
	Name string `toml:"name"`

	// Physical and MemoryType describe a device mapping.
	Physical   uint64 `toml:"physical"`
	MemoryType string `toml:"memory_type"`
}

// DefaultMachine returns a machine with the given number of CPUs and MiB of
// RAM. The first MiB is reserved firmware memory, as on a PC.
func DefaultMachine(cpus int, memoryMB uint64) *Machine {
	const mib = 1 << 20
	return &Machine{
		CPUs: cpus,
		Memory: []MemoryRegion{
			{Base: 0, Length: mib, Type: pgalloc.Reserved.String()},
			{Base: mib, Length: (memoryMB - 1) * mib, Type: pgalloc.Available.String()},
		},
		MM: mm.DefaultConfig(),
	}
}

// LoadMachine decodes the machine description at path. Unknown keys are an
// error.
func LoadMachine(path string) (*Machine, error) {
	m := &Machine{MM: mm.DefaultConfig()}
	md, err := toml.DecodeFile(path, m)
	if err != nil {
		return nil, fmt.Errorf("error decoding machine file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("machine file %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("machine file %q: %w", path, err)
	}
	return m, nil
}

// Validate checks that m describes a machine that can be built.
func (m *Machine) Validate() error {
	if m.CPUs <= 0 {
		return fmt.Errorf("cpus must be positive, got %d", m.CPUs)
	}
	if _, err := m.MemoryMap(); err != nil {
		return err
	}
	for _, ap := range m.Apertures {
		if ap.Name == "" {
			return fmt.Errorf("aperture at %#x has no name", ap.Base)
		}
		if _, err := ParseMemoryType(ap.MemoryType); err != nil {
			return fmt.Errorf("aperture %q: %w", ap.Name, err)
		}
	}
	for _, r := range m.Reserved {
		if r.Start >= r.End {
			return fmt.Errorf("reserved range [%#x, %#x) is empty", r.Start, r.End)
		}
	}
	for i, mp := range m.Mappings {
		if err := mp.validate(); err != nil {
			return fmt.Errorf("mapping %d: %w", i, err)
		}
	}
	return nil
}

// MemoryMap returns the memory map in allocator form.
func (m *Machine) MemoryMap() ([]pgalloc.MemoryRegion, error) {
	if len(m.Memory) == 0 {
		return nil, fmt.Errorf("memory map is empty")
	}
	regions := make([]pgalloc.MemoryRegion, 0, len(m.Memory))
	for _, r := range m.Memory {
		t, err := pgalloc.ParseRegionType(r.Type)
		if err != nil {
			return nil, err
		}
		regions = append(regions, pgalloc.MemoryRegion{
			Base:   hostarch.PhysAddr(r.Base),
			Length: r.Length,
			Type:   t,
		})
	}
	return regions, nil
}

// MMConfig returns the memory manager configuration, including the reserved
// ranges.
func (m *Machine) MMConfig() mm.Config {
	cfg := m.MM
	cfg.Reserved = nil
	for _, r := range m.Reserved {
		cfg.Reserved = append(cfg.Reserved, hostarch.AddrRange{
			Start: hostarch.Addr(r.Start),
			End:   hostarch.Addr(r.End),
		})
	}
	return cfg
}

func (mp *Mapping) validate() error {
	if mp.Length == 0 {
		return fmt.Errorf("length must be positive")
	}
	if _, err := ParsePerms(mp.Perms); err != nil {
		return err
	}
	switch mp.Kind {
	case MappingAnonymous:
	case MappingFile:
		if mp.Path == "" {
			return fmt.Errorf("file mapping needs a path")
		}
	case MappingSharedMemory:
		if mp.Name == "" {
			return fmt.Errorf("shared memory mapping needs a name")
		}
	case MappingDevice:
		if _, err := ParseMemoryType(mp.MemoryType); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown mapping kind %q", mp.Kind)
	}
	return nil
}

// ParsePerms parses an "rwx" style permission string such as "r-x" or "rw".
func ParsePerms(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	for _, c := range s {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		case '-':
		default:
			return hostarch.NoAccess, fmt.Errorf("invalid permissions %q", s)
		}
	}
	return at, nil
}

// ParseMemoryType parses a memory type name. The empty string is WriteBack.
func ParseMemoryType(s string) (hostarch.MemoryType, error) {
	if s == "" {
		return hostarch.MemoryTypeWriteBack, nil
	}
	for mt := hostarch.MemoryTypeWriteBack; mt < hostarch.NumMemoryTypes; mt++ {
		if strings.EqualFold(mt.String(), s) || strings.EqualFold(mt.ShortString(), s) {
			return mt, nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", s)
}
