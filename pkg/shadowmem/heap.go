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

// Package shadowmem provides the host buffers holding the shadow copy of
// page tables.
package shadowmem

import (
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/accelmmu/pkg/mmu"
)

// ErrLimit is returned when an allocation would exceed the configured
// limit.
var ErrLimit = errors.New("shadow memory limit reached")

// heapBase is the first address handed out by a Heap. It keeps shadow
// addresses visibly apart from device addresses in logs.
const heapBase = mmu.ShadowAddr(0x7f00_0000_0000)

// Heap allocates shadow buffers from the Go heap and hands out synthetic
// addresses for them. Freed buffers are kept per size and reused, zeroed.
// It is safe for concurrent use.
type Heap struct {
	// limit caps the bytes live at once; zero means no cap.
	limit uint64

	mu   sync.Mutex
	next mmu.ShadowAddr
	used uint64
	live map[mmu.ShadowAddr]heapBuf
	free map[uint64][]heapBuf
}

type heapBuf struct {
	addr    mmu.ShadowAddr
	size    uint64
	entries []uint64
}

// NewHeap returns a Heap holding at most limit live bytes, or any amount if
// limit is zero.
func NewHeap(limit uint64) *Heap {
	return &Heap{
		limit: limit,
		next:  heapBase,
		live:  make(map[mmu.ShadowAddr]heapBuf),
		free:  make(map[uint64][]heapBuf),
	}
}

// Alloc implements mmu.ShadowAllocator.Alloc.
func (h *Heap) Alloc(size, align uint64) (mmu.ShadowAddr, []uint64, error) {
	if size == 0 || size%8 != 0 {
		return 0, nil, fmt.Errorf("shadow buffer size %#x is not a whole number of entries", size)
	}
	if align == 0 || align&(align-1) != 0 {
		return 0, nil, fmt.Errorf("shadow alignment %#x is not a power of two", align)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit != 0 && h.used+size > h.limit {
		return 0, nil, fmt.Errorf("%w: %#x live, %#x requested, limit %#x", ErrLimit, h.used, size, h.limit)
	}
	h.used += size

	if bufs := h.free[size]; len(bufs) != 0 {
		for i := len(bufs) - 1; i >= 0; i-- {
			b := bufs[i]
			if uint64(b.addr)%align != 0 {
				continue
			}
			h.free[size] = append(bufs[:i], bufs[i+1:]...)
			clear(b.entries)
			h.live[b.addr] = b
			return b.addr, b.entries, nil
		}
	}

	addr := (h.next + mmu.ShadowAddr(align-1)) &^ mmu.ShadowAddr(align-1)
	h.next = addr + mmu.ShadowAddr(size)
	b := heapBuf{addr: addr, size: size, entries: make([]uint64, size/8)}
	h.live[addr] = b
	return addr, b.entries, nil
}

// Free implements mmu.ShadowAllocator.Free.
func (h *Heap) Free(addr mmu.ShadowAddr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.live[addr]
	if !ok {
		panic(fmt.Sprintf("free of %v, which is not allocated", addr))
	}
	delete(h.live, addr)
	h.used -= b.size
	h.free[b.size] = append(h.free[b.size], b)
}

// InUse returns the number of live bytes.
func (h *Heap) InUse() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}
