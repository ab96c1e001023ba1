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

//go:build linux

package shadowmem

import (
	"fmt"
	"os"
	"sync"

	"gvisor.dev/accelmmu/pkg/log"
	"gvisor.dev/accelmmu/pkg/memutil"
	"gvisor.dev/accelmmu/pkg/mmu"
)

// Mmap allocates shadow buffers as anonymous host mappings. Shadow
// addresses are the host addresses of the buffers. It is safe for
// concurrent use.
type Mmap struct {
	mu   sync.Mutex
	live map[mmu.ShadowAddr]mapping
	used uint64
}

type mapping struct {
	// region is the whole mapping; it may start below the buffer to meet
	// the alignment.
	region []byte
	size   uint64
}

// NewMmap returns an empty Mmap.
func NewMmap() *Mmap {
	return &Mmap{live: make(map[mmu.ShadowAddr]mapping)}
}

// Alloc implements mmu.ShadowAllocator.Alloc.
func (m *Mmap) Alloc(size, align uint64) (mmu.ShadowAddr, []uint64, error) {
	if size == 0 || size%8 != 0 {
		return 0, nil, fmt.Errorf("shadow buffer size %#x is not a whole number of entries", size)
	}
	if align == 0 || align&(align-1) != 0 {
		return 0, nil, fmt.Errorf("shadow alignment %#x is not a power of two", align)
	}
	length := size
	if align > uint64(os.Getpagesize()) {
		length += align
	}
	region, err := memutil.MapAnonymous(int(length))
	if err != nil {
		return 0, nil, fmt.Errorf("mapping %#x bytes: %w", length, err)
	}
	start := uint64(memutil.Addr(region))
	off := (align - start%align) % align
	buf := region[off : off+size]
	addr := mmu.ShadowAddr(start + off)

	m.mu.Lock()
	m.live[addr] = mapping{region: region, size: size}
	m.used += size
	m.mu.Unlock()
	return addr, memutil.Words(buf), nil
}

// Free implements mmu.ShadowAllocator.Free.
func (m *Mmap) Free(addr mmu.ShadowAddr) {
	m.mu.Lock()
	mp, ok := m.live[addr]
	if !ok {
		m.mu.Unlock()
		panic(fmt.Sprintf("free of %v, which is not mapped", addr))
	}
	delete(m.live, addr)
	m.used -= mp.size
	m.mu.Unlock()

	if err := memutil.UnmapSlice(mp.region); err != nil {
		log.Warningf("unmapping shadow buffer %v: %v", addr, err)
	}
}

// InUse returns the number of live bytes, not counting alignment slack.
func (m *Mmap) InUse() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}
