// Copyright 2020 The gVisor Authors.
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

// Package config holds the configuration of the vmcore binary: global flags
// and the TOML machine description.
package config

import (
	"flag"
	"fmt"
	"reflect"

	"vmcore.dev/vmcore/pkg/refs"
)

// Config holds global flags. Fields are populated from the flags of the same
// name by NewFromFlags.
type Config struct {
	// LogFile is the path logs are written to. Empty means stderr.
	LogFile string `flag:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr duplicates log output to stderr when LogFile is set.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// RefLeakMode sets the reference leak check mode.
	RefLeakMode refs.LeakMode `flag:"ref-leak-mode"`

	// MachineFile is the path of a TOML machine description. When set, CPUs
	// and MemoryMB are ignored.
	MachineFile string `flag:"machine"`

	// CPUs is the number of simulated CPUs of the default machine.
	CPUs int `flag:"cpus"`

	// MemoryMB is the amount of RAM of the default machine.
	MemoryMB uint64 `flag:"memory-mb"`

	// KernelHeapPages is the size of the kernel heap of the default machine.
	KernelHeapPages uint64 `flag:"kernel-heap-pages"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Debugging flags.
	flagSet.String("log", "", "file path where log output is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr in addition to --log.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")

	// Machine flags.
	flagSet.String("machine", "", "path to a TOML machine description. Overrides --cpus, --memory-mb and --kernel-heap-pages.")
	flagSet.Int("cpus", 4, "number of simulated CPUs.")
	flagSet.Uint64("memory-mb", 64, "amount of simulated RAM in MiB.")
	flagSet.Uint64("kernel-heap-pages", 16, "number of pages precommitted for the kernel heap at boot.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set. This function never returns nil.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.MachineFile != "" {
		return nil
	}
	if c.CPUs <= 0 {
		return fmt.Errorf("--cpus must be positive, got %d", c.CPUs)
	}
	if c.MemoryMB < 2 {
		return fmt.Errorf("--memory-mb must be at least 2, got %d", c.MemoryMB)
	}
	return nil
}

// Machine returns the machine description named by the configuration: the
// file at MachineFile if set, the default machine otherwise.
func (c *Config) Machine() (*Machine, error) {
	if c.MachineFile != "" {
		return LoadMachine(c.MachineFile)
	}
	m := DefaultMachine(c.CPUs, c.MemoryMB)
	m.MM.KernelHeapPages = c.KernelHeapPages
	return m, m.Validate()
}

// leakMode adapts refs.LeakMode to flag.Getter.
type leakMode refs.LeakMode

func leakModePtr(v refs.LeakMode) *leakMode {
	l := leakMode(v)
	return &l
}

// String implements flag.Value.
func (l *leakMode) String() string {
	return refs.LeakMode(*l).String()
}

// Set implements flag.Value.
func (l *leakMode) Set(v string) error {
	return (*refs.LeakMode)(l).Set(v)
}

// Get implements flag.Getter.
func (l *leakMode) Get() any {
	return refs.LeakMode(*l)
}
