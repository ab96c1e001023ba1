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

// Package framepool allocates page table frames from a fixed region of
// device memory.
//
// The region is split into chunks of equal size. Allocations take whole
// chunks, first fit, aligned to their own chunk count when that is a power
// of two.
package framepool

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/accelmmu/pkg/bitmap"
	"gvisor.dev/accelmmu/pkg/log"
	"gvisor.dev/accelmmu/pkg/mmu"
)

// ErrExhausted is returned when no free run of chunks is large enough.
var ErrExhausted = errors.New("frame pool exhausted")

// extent is a live allocation.
type extent struct {
	addr mmu.PhysAddr
	size uint64
}

func extentLess(a, b extent) bool {
	return a.addr < b.addr
}

// Extent describes a live allocation.
type Extent struct {
	Addr mmu.PhysAddr
	Size uint64
}

// Pool is a first fit allocator over [base, base+size). It is safe for
// concurrent use.
type Pool struct {
	base  mmu.PhysAddr
	size  uint64
	chunk uint64

	// mu protects the fields below.
	mu sync.Mutex

	// used has one bit per chunk.
	used bitmap.Bitmap

	// live holds every allocation, keyed by address.
	live *btree.BTreeG[extent]
}

// New creates a pool over size bytes at base. chunk must be a power of two
// and both base and size must be multiples of it.
func New(base mmu.PhysAddr, size, chunk uint64) (*Pool, error) {
	if chunk == 0 || chunk&(chunk-1) != 0 {
		return nil, fmt.Errorf("chunk size %#x is not a power of two", chunk)
	}
	if uint64(base)%chunk != 0 || size%chunk != 0 || size == 0 {
		return nil, fmt.Errorf("region %v+%#x is not a non-empty multiple of %#x", base, size, chunk)
	}
	n := size / chunk
	if n > uint64(^uint32(0)) {
		return nil, fmt.Errorf("region %v+%#x has too many chunks", base, size)
	}
	return &Pool{
		base:  base,
		size:  size,
		chunk: chunk,
		used:  bitmap.New(uint32(n)),
		live:  btree.NewG(8, extentLess),
	}, nil
}

// chunks returns the chunk count of size bytes.
func (p *Pool) chunks(size uint64) uint64 {
	return (size + p.chunk - 1) / p.chunk
}

// Allocate implements mmu.FramePool.Allocate.
func (p *Pool) Allocate(size uint64) (mmu.PhysAddr, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero sized allocation")
	}
	n := p.chunks(size)
	if n > uint64(p.used.Size()) {
		return 0, fmt.Errorf("%w: %#x bytes requested, pool holds %#x", ErrExhausted, size, p.size)
	}
	align := uint32(1)
	if bits.OnesCount64(n) == 1 {
		align = uint32(n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	first, ok := p.used.ZeroRun(uint32(n), align)
	if !ok {
		return 0, fmt.Errorf("%w: no run of %d chunks, %d of %d in use", ErrExhausted, n, p.used.GetNumOnes(), p.used.Size())
	}
	p.used.AddRange(first, first+uint32(n))
	addr := p.base + mmu.PhysAddr(uint64(first)*p.chunk)
	p.live.ReplaceOrInsert(extent{addr: addr, size: n * p.chunk})
	return addr, nil
}

// Free implements mmu.FramePool.Free. Freeing anything but a live
// allocation of the same size is logged and ignored.
func (p *Pool) Free(addr mmu.PhysAddr, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.live.Get(extent{addr: addr})
	if !ok {
		log.Warningf("Free of %v, which is not allocated", addr)
		return
	}
	if want := p.chunks(size) * p.chunk; e.size != want {
		log.Warningf("Free of %v with size %#x, allocated with %#x", addr, size, e.size)
		return
	}
	p.live.Delete(e)
	first := uint32(uint64(addr-p.base) / p.chunk)
	p.used.ClearRange(first, first+uint32(e.size/p.chunk))
}

// InUse returns the number of bytes allocated.
func (p *Pool) InUse() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint64(p.used.GetNumOnes()) * p.chunk
}

// Available returns the number of bytes free.
func (p *Pool) Available() uint64 {
	return p.size - p.InUse()
}

// Extents returns the live allocations in address order.
func (p *Pool) Extents() []Extent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Extent, 0, p.live.Len())
	p.live.Ascend(func(e extent) bool {
		out = append(out, Extent{Addr: e.addr, Size: e.size})
		return true
	})
	return out
}
