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

package cmd

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/accelmmu/mmuctl/cmd/util"
	"gvisor.dev/accelmmu/pkg/mmu"
)

// Chain implements subcommands.Command for the "chain" command.
type Chain struct {
	asid uint
}

// Name implements subcommands.Command.Name.
func (*Chain) Name() string {
	return "chain"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Chain) Synopsis() string {
	return "print the translation chain of a virtual address in a fresh context"
}

// Usage implements subcommands.Command.Usage.
func (*Chain) Usage() string {
	return `chain [-asid N] <va> - walk the page tables of a new context for va.

Only the default DRAM mapping exists in a fresh context, so this shows how
the default range resolves and where other addresses stop.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Chain) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.asid, "asid", 0, "address space to create")
}

// Execute implements subcommands.Command.Execute.
func (c *Chain) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	va, err := util.ParseAddr(f.Arg(0))
	if err != nil {
		return util.Errorf("%v", err)
	}
	conf := args[0].(*Config)

	sim, err := NewSim(conf, 0)
	if err != nil {
		return util.Errorf("%v", err)
	}
	ctx, err := sim.Dev.NewContext(uint32(c.asid))
	if err != nil {
		return util.Errorf("creating context: %v", err)
	}
	ch, walkErr := ctx.TranslationChain(mmu.VirtAddr(va))
	if len(ch.Entries) != 0 {
		if err := printChain(os.Stdout, ch); err != nil {
			return util.Errorf("%v", err)
		}
	}
	if err := ctx.Close(); err != nil {
		return util.Errorf("closing context: %v", err)
	}
	if err := sim.Close(); err != nil {
		return util.Errorf("%v", err)
	}
	if walkErr != nil {
		return util.Errorf("%v", walkErr)
	}
	return subcommands.ExitSuccess
}
