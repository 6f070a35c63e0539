// Copyright 2018 The gVisor Authors.
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

// Binary vmcore boots a simulated multiprocessor and exercises its virtual
// memory subsystem.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"vmcore.dev/vmcore/cmd/vmcore/cmd"
	"vmcore.dev/vmcore/cmd/vmcore/config"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/refs"
)

func main() {
	// Help and flags commands are generated automatically.
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	// Register user-facing commands.
	subcommands.Register(new(cmd.Boot), "")
	subcommands.Register(new(cmd.Fork), "")
	subcommands.Register(new(cmd.Maps), "")
	subcommands.Register(new(cmd.Stress), "")

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	// Sets the reference leak check mode.
	refs.SetLeakMode(conf.RefLeakMode)

	var e log.Emitter
	if conf.LogFile != "" {
		f, err := log.OpenFile(conf.LogFile)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFile, err)
		}
		e = newEmitter(conf.LogFormat, f)
		if conf.AlsoLogToStderr {
			e = &log.MultiEmitter{e, newEmitter("text", os.Stderr)}
		}
	} else {
		e = newEmitter(conf.LogFormat, os.Stderr)
	}
	log.SetTarget(e)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	if err := log.CopyStandardLogTo(log.Info); err != nil {
		cmd.Fatalf("error redirecting standard log: %v", err)
	}

	log.Infof("***************************")
	log.Infof("Args: %s", os.Args)
	log.Infof("Go: %s, %s/%s, %d host CPUs", runtime.Version(), runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	log.Infof("Config: %+v", *conf)
	log.Infof("***************************")

	// Call the subcommand and pass in the configuration.
	status := subcommands.Execute(context.Background(), conf)
	log.Infof("Exiting with status: %v", status)
	os.Exit(int(status))
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
