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
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/accelmmu/mmuctl/cmd/util"
	"gvisor.dev/accelmmu/pkg/devprofile"
)

// Profile implements subcommands.Command for the "profile" command.
type Profile struct {
	list bool
}

// Name implements subcommands.Command.Name.
func (*Profile) Name() string {
	return "profile"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Profile) Synopsis() string {
	return "print the effective device profile as TOML"
}

// Usage implements subcommands.Command.Usage.
func (*Profile) Usage() string {
	return `profile [-list] - print the device profile selected by -profile or -profile-file.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Profile) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.list, "list", false, "list the built in profiles instead")
}

// Execute implements subcommands.Command.Execute.
func (p *Profile) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if p.list {
		fmt.Println(strings.Join(devprofile.Names(), "\n"))
		return subcommands.ExitSuccess
	}
	conf := args[0].(*Config)
	if err := devprofile.Encode(os.Stdout, conf.Props); err != nil {
		return util.Errorf("encoding profile: %v", err)
	}
	return subcommands.ExitSuccess
}
