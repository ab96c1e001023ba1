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
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"gvisor.dev/accelmmu/mmuctl/cmd/util"
	"gvisor.dev/accelmmu/pkg/log"
	"gvisor.dev/accelmmu/pkg/mmu"
)

// Script is a replay script: operations run in order against one device.
type Script struct {
	Ops []Op `toml:"op"`
}

// Op is one operation of a script. Contexts are created by the first
// operation naming their ASID.
type Op struct {
	// Op is one of map, unmap, translate, chain, flush, verify or close.
	Op   string `toml:"op"`
	ASID uint32 `toml:"asid"`

	VA       uint64 `toml:"va"`
	PA       uint64 `toml:"pa"`
	PageSize uint64 `toml:"page_size"`
	DRAM     bool   `toml:"dram"`

	// Size, if set, turns map and unmap into range operations.
	Size uint64 `toml:"size"`

	// Expect is the outcome the operation must have, "ok" if empty. See
	// errorKind.
	Expect string `toml:"expect"`
}

func (op *Op) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s asid=%d", op.Op, op.ASID)
	switch op.Op {
	case "map":
		fmt.Fprintf(&b, " va=%#x pa=%#x page=%#x", op.VA, op.PA, op.PageSize)
	case "unmap", "translate", "chain":
		fmt.Fprintf(&b, " va=%#x", op.VA)
	}
	if op.Size != 0 {
		fmt.Fprintf(&b, " size=%#x", op.Size)
	}
	if op.DRAM {
		b.WriteString(" dram")
	}
	return b.String()
}

var errorKinds = []struct {
	kind string
	err  error
}{
	{"out-of-memory", mmu.ErrOutOfMemory},
	{"already-mapped", mmu.ErrAlreadyMapped},
	{"not-mapped", mmu.ErrNotMapped},
	{"protocol-violation", mmu.ErrProtocolViolation},
	{"inconsistent-teardown", mmu.ErrInconsistentTeardown},
	{"invalid-argument", mmu.ErrInvalidArgument},
}

// errorKind names the outcome of an operation.
func errorKind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "error"
}

// DecodeScript reads a TOML script from r.
func DecodeScript(r io.Reader) (*Script, error) {
	var s Script
	md, err := toml.NewDecoder(r).Decode(&s)
	if err != nil {
		return nil, fmt.Errorf("decoding script: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("unknown keys in script: %v", undecoded)
	}
	return &s, nil
}

// replayer runs a script and keeps the contexts it opened.
type replayer struct {
	sim  *Sim
	out  io.Writer
	ctxs map[uint32]*mmu.Context
}

func (r *replayer) context(asid uint32) (*mmu.Context, error) {
	if ctx, ok := r.ctxs[asid]; ok {
		return ctx, nil
	}
	ctx, err := r.sim.Dev.NewContext(asid)
	if err != nil {
		return nil, err
	}
	r.ctxs[asid] = ctx
	return ctx, nil
}

func (r *replayer) run(op *Op) error {
	ctx, err := r.context(op.ASID)
	if err != nil {
		return err
	}
	va, pa := mmu.VirtAddr(op.VA), mmu.PhysAddr(op.PA)
	switch op.Op {
	case "map":
		if op.Size != 0 {
			return ctx.MapRange(va, pa, op.Size, op.PageSize, op.DRAM)
		}
		return ctx.Map(va, pa, op.PageSize, op.DRAM)
	case "unmap":
		if op.Size != 0 {
			return ctx.UnmapRange(va, op.Size, op.PageSize, op.DRAM)
		}
		return ctx.Unmap(va, op.DRAM)
	case "translate":
		got, err := ctx.Translate(va)
		if err == nil {
			fmt.Fprintf(r.out, "  %v -> %v\n", va, got)
		}
		return err
	case "chain":
		ch, err := ctx.TranslationChain(va)
		if len(ch.Entries) != 0 {
			if err := printChain(r.out, ch); err != nil {
				return err
			}
		}
		return err
	case "flush":
		ctx.Flush()
		return nil
	case "verify":
		return ctx.Verify()
	case "close":
		delete(r.ctxs, op.ASID)
		return ctx.Close()
	default:
		return fmt.Errorf("unknown operation %q", op.Op)
	}
}

// finish closes every context still open, in ASID order, then the
// device. Leaked hops are reported but do not fail the replay.
func (r *replayer) finish() error {
	for _, asid := range slices.Sorted(maps.Keys(r.ctxs)) {
		if err := r.ctxs[asid].Close(); err != nil {
			if !errors.Is(err, mmu.ErrInconsistentTeardown) {
				return err
			}
			fmt.Fprintf(r.out, "ASID %d: %v\n", asid, err)
		}
		delete(r.ctxs, asid)
	}
	return r.sim.Close()
}

// RunScript runs s against sim, writing one line per operation to out. It
// stops at the first operation whose outcome differs from its expectation,
// leaving the device as it was.
func RunScript(sim *Sim, s *Script, out io.Writer) error {
	r := &replayer{sim: sim, out: out, ctxs: make(map[uint32]*mmu.Context)}
	for i := range s.Ops {
		op := &s.Ops[i]
		want := op.Expect
		if want == "" {
			want = "ok"
		}
		err := r.run(op)
		got := errorKind(err)
		fmt.Fprintf(out, "#%d %v: %s\n", i, op, got)
		if got != want {
			return fmt.Errorf("operation #%d (%v): got %s (%v), want %s", i, op, got, err, want)
		}
		if err != nil {
			log.Debugf("operation #%d failed as expected: %v", i, err)
		}
	}
	stats := sim.Dev.Stats()
	fmt.Fprintf(out, "%d maps, %d unmaps, %d hops allocated, %d freed\n", stats.Maps, stats.Unmaps, stats.HopsAllocated, stats.HopsFreed)
	return r.finish()
}

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	poolLimit uint64
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "run a TOML script of map and unmap operations on a simulated device"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [-pool-limit bytes] <script.toml> - run a script of operations.

Each [[op]] table names an operation (map, unmap, translate, chain, flush,
verify, close), an ASID, its arguments and optionally the expected outcome:
ok, out-of-memory, already-mapped, not-mapped, protocol-violation,
inconsistent-teardown or invalid-argument.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&r.poolLimit, "pool-limit", 0, "cap the frame pool to this many bytes")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*Config)

	file, err := os.Open(f.Arg(0))
	if err != nil {
		return util.Errorf("opening script: %v", err)
	}
	defer file.Close()
	s, err := DecodeScript(file)
	if err != nil {
		return util.Errorf("%s: %v", f.Arg(0), err)
	}
	sim, err := NewSim(conf, r.poolLimit)
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := RunScript(sim, s, os.Stdout); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
