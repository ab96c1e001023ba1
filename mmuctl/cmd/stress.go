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
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/accelmmu/mmuctl/cmd/util"
	"gvisor.dev/accelmmu/pkg/log"
	"gvisor.dev/accelmmu/pkg/mmu"
)

// StressParams configures a stress run.
type StressParams struct {
	// Contexts is the number of address spaces worked on concurrently.
	Contexts int

	// Rounds is the number of rounds per context. Each round maps Pages
	// random host pages, checks the tables and unmaps them again.
	Rounds int
	Pages  int

	// Span is the size of the host range pages are picked from.
	Span uint64

	// Retries bounds the retries of one allocation failing with
	// ErrOutOfMemory before the round gives up and releases its pages.
	Retries uint64

	Seed uint64
}

// StressResult counts what a stress run did.
type StressResult struct {
	Maps    uint64
	Unmaps  uint64
	Retries uint64
	Starved uint64
}

type stressCounters struct {
	maps, unmaps, retries, starved atomic.Uint64
}

// stressWorker churns one context.
type stressWorker struct {
	ctx      context.Context
	mctx     *mmu.Context
	props    *mmu.Properties
	p        *StressParams
	rng      *rand.Rand
	counters *stressCounters
}

// retry runs op, retrying while it fails with ErrOutOfMemory.
func (w *stressWorker) retry(op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, mmu.ErrOutOfMemory) {
			w.counters.retries.Add(1)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, w.p.Retries), w.ctx))
}

func (w *stressWorker) round() error {
	host := &w.props.Host
	pages := w.p.Span / host.PageSize
	var mapped []mmu.VirtAddr
	defer func() {
		for _, va := range mapped {
			if err := w.mctx.Unmap(va, false); err != nil {
				log.Warningf("ASID %d: releasing %v: %v", w.mctx.ASID(), va, err)
				continue
			}
			w.counters.unmaps.Add(1)
		}
	}()

	for i := 0; i < w.p.Pages; i++ {
		va := host.StartAddr + mmu.VirtAddr(w.rng.Uint64N(pages)*host.PageSize)
		pa := mmu.PhysAddr(w.rng.Uint64N(1<<20) * host.PageSize)
		err := w.retry(func() error {
			return w.mctx.Map(va, pa, host.PageSize, false)
		})
		switch {
		case err == nil:
			mapped = append(mapped, va)
			w.counters.maps.Add(1)
		case errors.Is(err, mmu.ErrAlreadyMapped):
		case errors.Is(err, mmu.ErrOutOfMemory):
			w.counters.starved.Add(1)
			return nil
		default:
			return err
		}
	}
	for _, va := range mapped {
		if _, err := w.mctx.Translate(va); err != nil {
			return err
		}
	}
	return w.mctx.Verify()
}

// RunStress runs p against sim and checks that every context tears down
// clean and that the frame pool ends empty.
func RunStress(ctx context.Context, sim *Sim, p StressParams) (StressResult, error) {
	props := sim.Dev.Properties()
	if p.Contexts <= 0 || uint64(p.Contexts) > uint64(props.MaxASID) {
		return StressResult{}, fmt.Errorf("%d contexts, must be in [1, %d]", p.Contexts, props.MaxASID)
	}
	if p.Span == 0 || p.Span > uint64(props.Host.EndAddr-props.Host.StartAddr) {
		p.Span = uint64(props.Host.EndAddr - props.Host.StartAddr)
	}

	var counters stressCounters
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Contexts; i++ {
		asid := uint32(i)
		g.Go(func() error {
			w := &stressWorker{
				ctx:      gctx,
				props:    &props,
				p:        &p,
				rng:      rand.New(rand.NewPCG(p.Seed, uint64(asid))),
				counters: &counters,
			}
			err := w.retry(func() error {
				var err error
				w.mctx, err = sim.Dev.NewContext(asid)
				return err
			})
			if err != nil {
				return fmt.Errorf("ASID %d: %w", asid, err)
			}
			for r := 0; r < p.Rounds; r++ {
				if err := w.round(); err != nil {
					_ = w.mctx.Close()
					return fmt.Errorf("ASID %d round %d: %w", asid, r, err)
				}
			}
			if err := w.mctx.Close(); err != nil {
				return fmt.Errorf("ASID %d: %w", asid, err)
			}
			return nil
		})
	}
	err := g.Wait()
	res := StressResult{
		Maps:    counters.maps.Load(),
		Unmaps:  counters.unmaps.Load(),
		Retries: counters.retries.Load(),
		Starved: counters.starved.Load(),
	}
	if err != nil {
		return res, err
	}
	if n := sim.Pool.InUse(); n != 0 {
		return res, fmt.Errorf("frame pool holds %#x bytes after every context closed", n)
	}
	return res, nil
}

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	params    StressParams
	poolLimit uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "churn many contexts concurrently against a small frame pool"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - map and unmap random pages from many contexts at once.

Allocations failing for lack of frames are retried with backoff. The run
fails if a context does not tear down clean or frames are left behind.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.params.Contexts, "contexts", 8, "number of concurrent contexts")
	f.IntVar(&s.params.Rounds, "rounds", 16, "rounds per context")
	f.IntVar(&s.params.Pages, "pages", 32, "pages mapped per round")
	f.Uint64Var(&s.params.Span, "span", 1<<30, "size of the host range pages are picked from")
	f.Uint64Var(&s.params.Retries, "retries", 64, "retries of one allocation before a round gives up")
	f.Uint64Var(&s.params.Seed, "seed", 1, "random seed")
	f.Uint64Var(&s.poolLimit, "pool-limit", 1<<20, "cap the frame pool to this many bytes")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*Config)
	sim, err := NewSim(conf, s.poolLimit)
	if err != nil {
		return util.Errorf("%v", err)
	}
	start := time.Now()
	res, err := RunStress(ctx, sim, s.params)
	util.Infof("%d maps, %d unmaps, %d retries, %d starved rounds in %v", res.Maps, res.Unmaps, res.Retries, res.Starved, time.Since(start))
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := sim.Close(); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
