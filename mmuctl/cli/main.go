// Copyright 2026 The gVisor Authors.
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

// Package cli is the main entrypoint for mmuctl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/accelmmu/mmuctl/cmd"
	"gvisor.dev/accelmmu/mmuctl/cmd/util"
	"gvisor.dev/accelmmu/pkg/devprofile"
	"gvisor.dev/accelmmu/pkg/log"
	"gvisor.dev/accelmmu/pkg/mmu"
)

var (
	profile     = flag.String("profile", "default", "built in device profile to use.")
	profileFile = flag.String("profile-file", "", "TOML device profile to use instead of a built in one.")
	shadow      = flag.String("shadow", "heap", "shadow table allocator: 'heap' or 'mmap'.")

	// Debugging flags.
	debug     = flag.Bool("debug", false, "enable debug logging.")
	logFormat = flag.String("log-format", "text", "log format: 'text' or 'json'.")
	logFile   = flag.String("log-file", "", "additional location for logs. It may contain %TIMESTAMP% and %COMMAND% patterns.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	subcommand := flag.CommandLine.Arg(0)
	if *debug {
		log.SetLevel(log.Debug)
	}
	emitters := log.MultiEmitter{newEmitter(*logFormat, subcommand, os.Stderr)}
	if *logFile != "" {
		f, err := log.OpenFile(*logFile, subcommand)
		if err != nil {
			util.Fatalf("error opening log file %q: %v", *logFile, err)
		}
		util.ErrorLogger = f
		emitters = append(emitters, newEmitter(*logFormat, subcommand, f))
	}
	if len(emitters) == 1 {
		log.SetTarget(emitters[0])
	} else {
		log.SetTarget(&emitters)
	}

	props, err := loadProfile()
	if err != nil {
		util.Fatalf("%v", err)
	}
	conf := &cmd.Config{
		Props:  props,
		Shadow: *shadow,
	}

	log.Debugf("mmuctl %s, %s, %d CPUs, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Debugf("Args: %v", os.Args)
	log.Debugf("Profile %q: %d ASIDs, hop tables of %#x bytes", props.Name, props.MaxASID, props.HopTableSize)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

func loadProfile() (mmu.Properties, error) {
	if *profileFile != "" {
		return devprofile.Load(*profileFile)
	}
	return devprofile.Builtin(*profile)
}

// forEachCmd invokes the passed callback for each command supported by
// mmuctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Profile), "")
	cb(new(cmd.Chain), "")

	const simGroup = "simulation"
	cb(new(cmd.Replay), simGroup)
	cb(new(cmd.Stress), simGroup)
}

func newEmitter(format, command string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}, Command: command}
	}
	util.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
