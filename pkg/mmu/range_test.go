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

package mmu_test

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/accelmmu/pkg/mmu"
)

func TestMapRange(t *testing.T) {
	td := newTestDevice(t, deviceOpts{})
	ctx := td.newContext(t, 1)

	// Eight pages across a hop4 boundary.
	const va, pa, size = mmu.VirtAddr(0x1fc000), mmu.PhysAddr(0x400000), 8 * pageSize
	if err := ctx.MapRange(va, pa, size, pageSize, false); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	for off := uint64(0); off < size; off += pageSize {
		want := pa + mmu.PhysAddr(off)
		if got, err := ctx.Translate(va + mmu.VirtAddr(off)); err != nil || got != want {
			t.Errorf("Translate(%v) = %v, %v, want %v", va+mmu.VirtAddr(off), got, err, want)
		}
	}
	verify(t, ctx)
	if err := ctx.UnmapRange(va, size, pageSize, false); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}
	if err := ctx.UnmapRange(va, size, pageSize, false); !errors.Is(err, mmu.ErrNotMapped) {
		t.Errorf("second UnmapRange = %v, want %v", err, mmu.ErrNotMapped)
	}
	td.closeClean(t, ctx)
}

func TestMapRangeRollback(t *testing.T) {
	td := newTestDevice(t, deviceOpts{})
	ctx := td.newContext(t, 1)
	hops := len(ctx.Hops())

	const va, size = mmu.VirtAddr(0x10000), 8 * pageSize
	taken := va + 5*pageSize
	mustMap(t, ctx, taken, 0x9000, pageSize, false)

	if err := ctx.MapRange(va, 0x400000, size, pageSize, false); !errors.Is(err, mmu.ErrAlreadyMapped) {
		t.Fatalf("MapRange over a mapped page = %v, want %v", err, mmu.ErrAlreadyMapped)
	}
	for off := uint64(0); off < size; off += pageSize {
		page := va + mmu.VirtAddr(off)
		_, err := ctx.Translate(page)
		if page == taken {
			if err != nil {
				t.Errorf("Translate of the page mapped before = %v", err)
			}
		} else if !errors.Is(err, mmu.ErrNotMapped) {
			t.Errorf("Translate(%v) after the rollback = %v, want %v", page, err, mmu.ErrNotMapped)
		}
	}
	mustUnmap(t, ctx, taken, false)
	if got := len(ctx.Hops()); got != hops {
		t.Errorf("%d hops after the rollback, want %d", got, hops)
	}
	verify(t, ctx)
	td.closeClean(t, ctx)
}

func TestMapRangeRejects(t *testing.T) {
	td := newTestDevice(t, deviceOpts{noDefault: true})
	ctx := td.newContext(t, 1)
	for _, tc := range []struct {
		name string
		va   mmu.VirtAddr
		pa   mmu.PhysAddr
		size uint64
	}{
		{name: "empty", va: 0x1000, pa: 0x1000, size: 0},
		{name: "partial page", va: 0x1000, pa: 0x1000, size: 0x1800},
		{name: "unaligned pa", va: 0x1000, pa: 0x1800, size: 0x2000},
		{name: "past the range", va: 0xffffff000, pa: 0x1000, size: 0x2000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := ctx.MapRange(tc.va, tc.pa, tc.size, pageSize, false); !errors.Is(err, mmu.ErrInvalidArgument) {
				t.Errorf("MapRange = %v, want %v", err, mmu.ErrInvalidArgument)
			}
		})
	}
	if err := ctx.UnmapRange(0x1000, 0, pageSize, false); !errors.Is(err, mmu.ErrInvalidArgument) {
		t.Errorf("UnmapRange of nothing = %v, want %v", err, mmu.ErrInvalidArgument)
	}
	td.closeClean(t, ctx)
}

func TestConcurrentContexts(t *testing.T) {
	td := newTestDevice(t, deviceOpts{})
	var g errgroup.Group
	for asid := uint32(0); asid < 8; asid++ {
		g.Go(func() error {
			ctx, err := td.NewContext(asid)
			if err != nil {
				return err
			}
			pa := mmu.PhysAddr(asid) << 32
			for round := 0; round < 4; round++ {
				if err := ctx.MapRange(0x100000, pa, 64*pageSize, pageSize, false); err != nil {
					return fmt.Errorf("ASID %d round %d: %w", asid, round, err)
				}
				va := dramStart + mmu.VirtAddr(asid)*hugePageSize
				if err := ctx.Map(va, pa, hugePageSize, true); err != nil {
					return fmt.Errorf("ASID %d round %d: %w", asid, round, err)
				}
				if got, err := ctx.Translate(0x100000 + 3*pageSize); err != nil || got != pa+3*pageSize {
					return fmt.Errorf("ASID %d: Translate = %v, %v", asid, got, err)
				}
				if err := ctx.Verify(); err != nil {
					return err
				}
				if err := ctx.Unmap(va, true); err != nil {
					return fmt.Errorf("ASID %d round %d: %w", asid, round, err)
				}
				if err := ctx.UnmapRange(0x100000, 64*pageSize, pageSize, false); err != nil {
					return fmt.Errorf("ASID %d round %d: %w", asid, round, err)
				}
			}
			return ctx.Close()
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := td.pool.InUse(); got != 0 {
		t.Errorf("frame pool holds %#x bytes after every context closed", got)
	}
	if got := td.heap.InUse(); got != uint64(td.props.MaxASID)*hopSize {
		t.Errorf("shadow heap holds %#x bytes, want only the hop0 tables", got)
	}
}
