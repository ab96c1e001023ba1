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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/accelmmu/pkg/devmem"
	"gvisor.dev/accelmmu/pkg/devprofile"
	"gvisor.dev/accelmmu/pkg/framepool"
	"gvisor.dev/accelmmu/pkg/mmu"
	"gvisor.dev/accelmmu/pkg/shadowmem"
)

const (
	pageSize     = 0x1000
	hugePageSize = 0x200000
	hopSize      = 0x1000
)

// testDevice is a device on simulated memory.
type testDevice struct {
	*mmu.Device
	props mmu.Properties
	mem   *devmem.Memory
	pool  *framepool.Pool
	heap  *shadowmem.Heap
}

type deviceOpts struct {
	profile    string
	noDefault  bool
	shadowCap  uint64
	poolBudget int
}

// flakyPool fails allocations once its budget is spent.
type flakyPool struct {
	mmu.FramePool
	budget int
}

func (p *flakyPool) Allocate(size uint64) (mmu.PhysAddr, error) {
	if p.budget == 0 {
		return 0, framepool.ErrExhausted
	}
	p.budget--
	return p.FramePool.Allocate(size)
}

func builtinProps(t *testing.T, name string) mmu.Properties {
	t.Helper()
	props, err := devprofile.Builtin(name)
	if err != nil {
		t.Fatalf("Builtin(%s): %v", name, err)
	}
	return props
}

func compactProps(t *testing.T) mmu.Properties {
	t.Helper()
	return builtinProps(t, "compact")
}

func newTestDevice(t *testing.T, opts deviceOpts) *testDevice {
	t.Helper()
	props := compactProps(t)
	if opts.profile != "" {
		props = builtinProps(t, opts.profile)
	}
	if opts.noDefault {
		props.DRAMDefaultPageMapping = false
	}
	base, size := props.PoolRange()
	pool, err := framepool.New(base, size, props.HopTableSize)
	if err != nil {
		t.Fatalf("framepool.New: %v", err)
	}
	td := &testDevice{
		props: props,
		mem:   devmem.New(),
		pool:  pool,
		heap:  shadowmem.NewHeap(opts.shadowCap),
	}
	var fp mmu.FramePool = pool
	if opts.poolBudget > 0 {
		fp = &flakyPool{FramePool: pool, budget: opts.poolBudget}
	}
	td.Device, err = mmu.NewDevice(props, td.mem, fp, td.heap)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(func() {
		if err := td.Close(); err != nil {
			t.Errorf("Device.Close: %v", err)
		}
	})
	return td
}

func (td *testDevice) newContext(t *testing.T, asid uint32) *mmu.Context {
	t.Helper()
	ctx, err := td.NewContext(asid)
	if err != nil {
		t.Fatalf("NewContext(%d): %v", asid, err)
	}
	return ctx
}

// closeClean closes ctx and checks that nothing leaked.
func (td *testDevice) closeClean(t *testing.T, ctx *mmu.Context) {
	t.Helper()
	if err := ctx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := td.pool.InUse(); got != 0 {
		t.Errorf("frame pool holds %#x bytes after Close", got)
	}
}

func verify(t *testing.T, ctx *mmu.Context) {
	t.Helper()
	if err := ctx.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func mustMap(t *testing.T, ctx *mmu.Context, va mmu.VirtAddr, pa mmu.PhysAddr, size uint64, isDRAM bool) {
	t.Helper()
	if err := ctx.Map(va, pa, size, isDRAM); err != nil {
		t.Fatalf("Map(%v, %v, %#x, %t): %v", va, pa, size, isDRAM, err)
	}
}

func mustUnmap(t *testing.T, ctx *mmu.Context, va mmu.VirtAddr, isDRAM bool) {
	t.Helper()
	if err := ctx.Unmap(va, isDRAM); err != nil {
		t.Fatalf("Unmap(%v, %t): %v", va, isDRAM, err)
	}
}

func TestMapUnmapSharesHops(t *testing.T) {
	td := newTestDevice(t, deviceOpts{noDefault: true})
	ctx := td.newContext(t, 3)
	hop0, hop0Phys := ctx.Hop0()
	if want := mmu.PhysAddr(0x103000); hop0Phys != want {
		t.Fatalf("hop0 of ASID 3 at %v, want %v", hop0Phys, want)
	}
	// The hop0 tables are the first shadow allocation; hops follow them.
	shadowBase := hop0 - 3*hopSize
	hop := func(n int, live int) mmu.HopInfo {
		return mmu.HopInfo{
			Shadow: shadowBase + mmu.ShadowAddr(0x10000+n*hopSize),
			Phys:   mmu.PhysAddr(0x110000 + n*hopSize),
			Live:   live,
		}
	}

	mustMap(t, ctx, 0x1000, 0xa000, pageSize, false)
	want := []mmu.HopInfo{hop(0, 1), hop(1, 1), hop(2, 1), hop(3, 1)}
	if diff := cmp.Diff(want, ctx.Hops()); diff != "" {
		t.Fatalf("hops after first map mismatch (-want +got):\n%s", diff)
	}

	// Same hop4, one more entry.
	mustMap(t, ctx, 0x2000, 0xb000, pageSize, false)
	want = []mmu.HopInfo{hop(0, 1), hop(1, 1), hop(2, 1), hop(3, 2)}
	if diff := cmp.Diff(want, ctx.Hops()); diff != "" {
		t.Fatalf("hops after second map mismatch (-want +got):\n%s", diff)
	}

	// Next hop3 entry, so a new hop4.
	mustMap(t, ctx, 0x201000, 0xc000, pageSize, false)
	want = []mmu.HopInfo{hop(0, 1), hop(1, 1), hop(2, 2), hop(3, 2), hop(4, 1)}
	if diff := cmp.Diff(want, ctx.Hops()); diff != "" {
		t.Fatalf("hops after third map mismatch (-want +got):\n%s", diff)
	}
	verify(t, ctx)

	for _, tc := range []struct {
		va   mmu.VirtAddr
		want mmu.PhysAddr
	}{
		{va: 0x1000, want: 0xa000},
		{va: 0x1abc, want: 0xaabc},
		{va: 0x2008, want: 0xb008},
		{va: 0x201ff8, want: 0xcff8},
	} {
		got, err := ctx.Translate(tc.va)
		if err != nil || got != tc.want {
			t.Errorf("Translate(%v) = %v, %v, want %v", tc.va, got, err, tc.want)
		}
	}

	mustUnmap(t, ctx, 0x1000, false)
	want = []mmu.HopInfo{hop(0, 1), hop(1, 1), hop(2, 2), hop(3, 1), hop(4, 1)}
	if diff := cmp.Diff(want, ctx.Hops()); diff != "" {
		t.Fatalf("hops after first unmap mismatch (-want +got):\n%s", diff)
	}
	mustUnmap(t, ctx, 0x2000, false)
	want = []mmu.HopInfo{hop(0, 1), hop(1, 1), hop(2, 1), hop(4, 1)}
	if diff := cmp.Diff(want, ctx.Hops()); diff != "" {
		t.Fatalf("hops after second unmap mismatch (-want +got):\n%s", diff)
	}
	mustUnmap(t, ctx, 0x201000, false)
	if got := ctx.Hops(); len(got) != 0 {
		t.Fatalf("hops left after unmapping everything: %v", got)
	}
	if got := td.mem.Range(hop0Phys, hopSize); len(got) != 0 {
		t.Errorf("device hop0 not clear: %v", got)
	}
	verify(t, ctx)

	stats := td.Stats()
	if stats.HopsAllocated != 5 || stats.HopsFreed != 5 || stats.Maps != 3 || stats.Unmaps != 3 {
		t.Errorf("Stats() = %+v, want 5 hops allocated and freed, 3 maps and unmaps", stats)
	}
	td.closeClean(t, ctx)
}

func TestTranslationChain(t *testing.T) {
	td := newTestDevice(t, deviceOpts{noDefault: true})
	ctx := td.newContext(t, 3)
	mustMap(t, ctx, 0x201000, 0xc000, pageSize, false)

	ch, err := ctx.TranslationChain(0x201234)
	if err != nil {
		t.Fatalf("TranslationChain: %v", err)
	}
	if ch.Class != mmu.ClassHost || ch.Huge() {
		t.Errorf("chain class %v, huge %t, want a regular host page", ch.Class, ch.Huge())
	}
	if len(ch.Entries) != 5 {
		t.Fatalf("chain has %d entries, want 5", len(ch.Entries))
	}
	for i, e := range ch.Entries {
		if e.Level != i {
			t.Errorf("entry %d has level %d", i, e.Level)
		}
		if got, ok := ctx.PhysicalFor(e.EntryShadow); !ok || got != e.EntryPhys {
			t.Errorf("level %d: PhysicalFor(%v) = %v, %t, want %v", i, e.EntryShadow, got, ok, e.EntryPhys)
		}
		if i+1 < len(ch.Entries) {
			next := ch.Entries[i+1]
			if want := mmu.PTE(next.HopShadow) | mmu.PresentFlag; e.Value != want {
				t.Errorf("level %d: shadow value %#x, want %#x", i, uint64(e.Value), uint64(want))
			}
			if want := uint64(next.HopPhys) | uint64(mmu.PresentFlag); e.DeviceValue != want {
				t.Errorf("level %d: device value %#x, want %#x", i, e.DeviceValue, want)
			}
		}
	}
	leaf := ch.Leaf()
	if want := uint64(0xc000) | uint64(mmu.LastFlag|mmu.PresentFlag); uint64(leaf.Value) != want || leaf.DeviceValue != want {
		t.Errorf("leaf = %#x / %#x, want %#x", uint64(leaf.Value), leaf.DeviceValue, want)
	}

	// A chain that stops early still reports the entries walked.
	ch, err = ctx.TranslationChain(0x401000)
	if !errors.Is(err, mmu.ErrNotMapped) {
		t.Fatalf("TranslationChain of an unmapped page = %v, want %v", err, mmu.ErrNotMapped)
	}
	if len(ch.Entries) != 4 || ch.Leaf().Value.Present() {
		t.Errorf("partial chain = %+v, want 4 entries ending in a clear one", ch.Entries)
	}
	if _, err := ctx.TranslationChain(0x1800000000); !errors.Is(err, mmu.ErrInvalidArgument) {
		t.Errorf("TranslationChain outside every range = %v, want %v", err, mmu.ErrInvalidArgument)
	}

	mustUnmap(t, ctx, 0x201000, false)
	td.closeClean(t, ctx)
}

func TestMapRejects(t *testing.T) {
	td := newTestDevice(t, deviceOpts{noDefault: true})
	ctx := td.newContext(t, 0)
	for _, tc := range []struct {
		name   string
		va     mmu.VirtAddr
		pa     mmu.PhysAddr
		size   uint64
		isDRAM bool
	}{
		{name: "odd page size", va: 0x1000, pa: 0x1000, size: 0x2000},
		{name: "zero page size", va: 0x1000, pa: 0x1000, size: 0},
		{name: "unaligned va", va: 0x1800, pa: 0x1000, size: pageSize},
		{name: "unaligned pa", va: 0x1000, pa: 0x1001, size: pageSize},
		{name: "outside host range", va: 0x1000000000, pa: 0x1000, size: pageSize},
		{name: "host va as DRAM", va: 0x200000, pa: 0x200000, size: hugePageSize, isDRAM: true},
		{name: "DRAM with small page", va: 0x2000000000, pa: 0x1000, size: pageSize, isDRAM: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := ctx.Map(tc.va, tc.pa, tc.size, tc.isDRAM); !errors.Is(err, mmu.ErrInvalidArgument) {
				t.Errorf("Map = %v, want %v", err, mmu.ErrInvalidArgument)
			}
		})
	}
	if got := ctx.Hops(); len(got) != 0 {
		t.Errorf("rejected maps left hops: %v", got)
	}
	if err := ctx.Unmap(0x1000000000, false); !errors.Is(err, mmu.ErrInvalidArgument) {
		t.Errorf("Unmap outside the range = %v, want %v", err, mmu.ErrInvalidArgument)
	}
	td.closeClean(t, ctx)
}

func TestMapTwice(t *testing.T) {
	td := newTestDevice(t, deviceOpts{noDefault: true})
	ctx := td.newContext(t, 1)
	mustMap(t, ctx, 0x5000, 0xa000, pageSize, false)
	before, snap := ctx.Hops(), td.mem.Snapshot()

	if err := ctx.Map(0x5000, 0xb000, pageSize, false); !errors.Is(err, mmu.ErrAlreadyMapped) {
		t.Fatalf("second Map = %v, want %v", err, mmu.ErrAlreadyMapped)
	}
	if diff := cmp.Diff(before, ctx.Hops()); diff != "" {
		t.Errorf("hops changed by a failed map (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(snap, td.mem.Snapshot()); diff != "" {
		t.Errorf("device changed by a failed map (-want +got):\n%s", diff)
	}
	if got, err := ctx.Translate(0x5000); err != nil || got != 0xa000 {
		t.Errorf("Translate = %v, %v, want the first mapping", got, err)
	}
	mustUnmap(t, ctx, 0x5000, false)
	td.closeClean(t, ctx)
}

func TestUnmapNotMapped(t *testing.T) {
	td := newTestDevice(t, deviceOpts{noDefault: true})
	ctx := td.newContext(t, 2)
	if err := ctx.Unmap(0x3000, false); !errors.Is(err, mmu.ErrNotMapped) {
		t.Errorf("Unmap on empty tables = %v, want %v", err, mmu.ErrNotMapped)
	}

	mustMap(t, ctx, 0x3000, 0xa000, pageSize, false)
	before := ctx.Hops()
	// The chain exists down to hop4 but this leaf is clear.
	if err := ctx.Unmap(0x4000, false); !errors.Is(err, mmu.ErrNotMapped) {
		t.Errorf("Unmap of a clear leaf = %v, want %v", err, mmu.ErrNotMapped)
	}
	if diff := cmp.Diff(before, ctx.Hops()); diff != "" {
		t.Errorf("hops changed by a failed unmap (-want +got):\n%s", diff)
	}
	mustUnmap(t, ctx, 0x3000, false)
	if err := ctx.Unmap(0x3000, false); !errors.Is(err, mmu.ErrNotMapped) {
		t.Errorf("second Unmap = %v, want %v", err, mmu.ErrNotMapped)
	}
	td.closeClean(t, ctx)
}

func TestRoundTripRestoresDevice(t *testing.T) {
	td := newTestDevice(t, deviceOpts{})
	ctx := td.newContext(t, 4)
	snap := td.mem.Snapshot()
	inUse := td.pool.InUse()

	vas := []mmu.VirtAddr{0x0, 0x1ff000, 0x200000, 0x40000000, 0x800000000}
	for i, va := range vas {
		mustMap(t, ctx, va, mmu.PhysAddr(0x100000*(i+1)), pageSize, false)
	}
	mustMap(t, ctx, 0x2000200000, 0x80000000, hugePageSize, true)
	verify(t, ctx)
	for _, va := range vas {
		mustUnmap(t, ctx, va, false)
	}
	mustUnmap(t, ctx, 0x2000200000, true)
	verify(t, ctx)

	if diff := cmp.Diff(snap, td.mem.Snapshot()); diff != "" {
		t.Errorf("device differs after unmapping everything (-want +got):\n%s", diff)
	}
	if got := td.pool.InUse(); got != inUse {
		t.Errorf("frame pool holds %#x bytes, want %#x", got, inUse)
	}
	td.closeClean(t, ctx)
}

func TestHugeHostPages(t *testing.T) {
	td := newTestDevice(t, deviceOpts{noDefault: true})
	ctx := td.newContext(t, 5)

	mustMap(t, ctx, 0x200000, 0x40000000, hugePageSize, false)
	if got := len(ctx.Hops()); got != 3 {
		t.Errorf("huge page uses %d hops, want 3", got)
	}
	ch, err := ctx.TranslationChain(0x212345)
	if err != nil {
		t.Fatalf("TranslationChain: %v", err)
	}
	if !ch.Huge() || ch.Class != mmu.ClassHostHuge || len(ch.Entries) != 4 {
		t.Errorf("chain huge %t, class %v, %d entries, want a 4 entry huge chain", ch.Huge(), ch.Class, len(ch.Entries))
	}
	if got, err := ctx.Translate(0x212345); err != nil || got != 0x40012345 {
		t.Errorf("Translate = %v, %v, want 0x40012345", got, err)
	}

	// Regular pages cannot go under a huge page, nor huge pages over a
	// hop4.
	if err := ctx.Map(0x201000, 0xa000, pageSize, false); !errors.Is(err, mmu.ErrAlreadyMapped) {
		t.Errorf("Map under a huge page = %v, want %v", err, mmu.ErrAlreadyMapped)
	}
	mustMap(t, ctx, 0x1000, 0xa000, pageSize, false)
	if err := ctx.Map(0x0, 0x80000000, hugePageSize, false); !errors.Is(err, mmu.ErrAlreadyMapped) {
		t.Errorf("huge Map over a hop4 = %v, want %v", err, mmu.ErrAlreadyMapped)
	}
	verify(t, ctx)

	mustUnmap(t, ctx, 0x200000, false)
	mustUnmap(t, ctx, 0x1000, false)
	if got := ctx.Hops(); len(got) != 0 {
		t.Errorf("hops left: %v", got)
	}
	td.closeClean(t, ctx)
}

func TestMapRollback(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts deviceOpts
	}{
		// hop1 and hop2 come from the pool, hop3 does not.
		{name: "frame pool", opts: deviceOpts{noDefault: true, poolBudget: 2}},
		// hop0 tables take 64 KiB; room for two hops after them.
		{name: "shadow", opts: deviceOpts{noDefault: true, shadowCap: 0x12000}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			td := newTestDevice(t, tc.opts)
			ctx := td.newContext(t, 6)
			_, hop0Phys := ctx.Hop0()
			allocated := td.Stats().HopsAllocated

			err := ctx.Map(0x1000, 0xa000, pageSize, false)
			if !errors.Is(err, mmu.ErrOutOfMemory) {
				t.Fatalf("Map = %v, want %v", err, mmu.ErrOutOfMemory)
			}
			if got := ctx.Hops(); len(got) != 0 {
				t.Errorf("hops left after a failed map: %v", got)
			}
			if got := td.pool.InUse(); got != 0 {
				t.Errorf("frame pool holds %#x bytes after a failed map", got)
			}
			if got := td.mem.Range(hop0Phys, hopSize); len(got) != 0 {
				t.Errorf("device hop0 written by a failed map: %v", got)
			}
			stats := td.Stats()
			if got := stats.HopsAllocated - allocated; got != 2 || stats.HopsFreed != 2 {
				t.Errorf("Stats() = %+v, want 2 more hops allocated and 2 freed", stats)
			}
			td.closeClean(t, ctx)
		})
	}
}

func TestHop0Stable(t *testing.T) {
	td := newTestDevice(t, deviceOpts{})
	for _, asid := range []uint32{0, 7, 15} {
		ctx := td.newContext(t, asid)
		shadow, phys := ctx.Hop0()
		if want := td.props.PageTableAddr + mmu.PhysAddr(uint64(asid)*hopSize); phys != want {
			t.Errorf("ASID %d: hop0 at %v, want %v", asid, phys, want)
		}
		mustMap(t, ctx, 0x7000, 0xa000, pageSize, false)
		mustUnmap(t, ctx, 0x7000, false)
		if s, p := ctx.Hop0(); s != shadow || p != phys {
			t.Errorf("ASID %d: hop0 moved from %v / %v to %v / %v", asid, shadow, phys, s, p)
		}
		if got := ctx.ASID(); got != asid {
			t.Errorf("ASID() = %d, want %d", got, asid)
		}
		td.closeClean(t, ctx)
	}
}

func TestCloseWithMappings(t *testing.T) {
	td := newTestDevice(t, deviceOpts{})
	ctx := td.newContext(t, 9)
	_, hop0Phys := ctx.Hop0()
	mustMap(t, ctx, 0x1000, 0xa000, pageSize, false)
	mustMap(t, ctx, 0x2000000000, 0x80000000, hugePageSize, true)

	if err := ctx.Close(); !errors.Is(err, mmu.ErrInconsistentTeardown) {
		t.Fatalf("Close = %v, want %v", err, mmu.ErrInconsistentTeardown)
	}
	if got := td.pool.InUse(); got != 0 {
		t.Errorf("frame pool holds %#x bytes after Close", got)
	}
	if got := td.mem.Range(hop0Phys, hopSize); len(got) != 0 {
		t.Errorf("device hop0 not clear after Close: %v", got)
	}
	poolBase, poolSize := td.props.PoolRange()
	if got := td.mem.Range(poolBase, poolSize); len(got) != 0 {
		t.Errorf("freed hop frames still hold device entries: %v", got)
	}
	if err := ctx.Close(); !errors.Is(err, mmu.ErrInvalidArgument) {
		t.Errorf("second Close = %v, want %v", err, mmu.ErrInvalidArgument)
	}

	// The ASID is free again and starts empty.
	ctx = td.newContext(t, 9)
	if _, err := ctx.Translate(0x1000); !errors.Is(err, mmu.ErrNotMapped) {
		t.Errorf("Translate on a reused ASID = %v, want %v", err, mmu.ErrNotMapped)
	}
	// New hops land on the recycled frames and must not inherit the old
	// leaf entries.
	mustMap(t, ctx, 0x40000000, 0xb000, pageSize, false)
	if _, err := ctx.Translate(0x40001000); !errors.Is(err, mmu.ErrNotMapped) {
		t.Errorf("Translate next to a fresh mapping = %v, want %v", err, mmu.ErrNotMapped)
	}
	verify(t, ctx)
	mustUnmap(t, ctx, 0x40000000, false)
	td.closeClean(t, ctx)
}

func TestNewContextRejects(t *testing.T) {
	td := newTestDevice(t, deviceOpts{})
	if _, err := td.NewContext(td.props.MaxASID); !errors.Is(err, mmu.ErrInvalidArgument) {
		t.Errorf("NewContext(MaxASID) = %v, want %v", err, mmu.ErrInvalidArgument)
	}
	ctx := td.newContext(t, 1)
	if _, err := td.NewContext(1); !errors.Is(err, mmu.ErrInvalidArgument) {
		t.Errorf("NewContext of a used ASID = %v, want %v", err, mmu.ErrInvalidArgument)
	}
	if err := td.Device.Close(); !errors.Is(err, mmu.ErrInvalidArgument) {
		t.Errorf("Device.Close with an open context = %v, want %v", err, mmu.ErrInvalidArgument)
	}
	td.closeClean(t, ctx)
}

func TestNewContextOutOfMemory(t *testing.T) {
	// The default DRAM mapping needs three hops.
	td := newTestDevice(t, deviceOpts{poolBudget: 2})
	if _, err := td.NewContext(0); !errors.Is(err, mmu.ErrOutOfMemory) {
		t.Fatalf("NewContext = %v, want %v", err, mmu.ErrOutOfMemory)
	}
	if got := td.pool.InUse(); got != 0 {
		t.Errorf("frame pool holds %#x bytes after a failed NewContext", got)
	}
	if got := td.mem.Range(td.props.PageTableAddr, hopSize); len(got) != 0 {
		t.Errorf("device hop0 written by a failed NewContext: %v", got)
	}
}

func TestFlush(t *testing.T) {
	td := newTestDevice(t, deviceOpts{noDefault: true})
	ctx := td.newContext(t, 0)
	before, flushes := td.mem.Counters(), td.Stats().Flushes
	ctx.Flush()
	after := td.mem.Counters()
	if after.Barriers != before.Barriers+1 || after.Reads != before.Reads+1 || after.Writes != before.Writes {
		t.Errorf("Flush traffic: before %+v, after %+v, want one barrier and one read", before, after)
	}
	if got := td.Stats().Flushes; got != flushes+1 {
		t.Errorf("Stats().Flushes = %d, want %d", got, flushes+1)
	}
	td.closeClean(t, ctx)
}
