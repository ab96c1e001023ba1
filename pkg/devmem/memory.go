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

// Package devmem simulates the device memory behind an MMU: a sparse
// array of 64 bit words addressed by physical address.
package devmem

import (
	"fmt"
	"maps"
	"sync"

	"gvisor.dev/accelmmu/pkg/mmu"
)

// Access is one recorded access.
type Access struct {
	Write bool
	Addr  mmu.PhysAddr
	Value uint64
}

// Counters reports the traffic a Memory has seen.
type Counters struct {
	Reads    uint64
	Writes   uint64
	Barriers uint64
}

// Memory is a sparse word addressed device memory. Words never written
// read as zero. It is safe for concurrent use.
type Memory struct {
	// Trace, if set, is called for every access, under the memory lock.
	Trace func(Access)

	mu       sync.Mutex
	words    map[mmu.PhysAddr]uint64
	counters Counters
}

// New returns an empty Memory.
func New() *Memory {
	return &Memory{words: make(map[mmu.PhysAddr]uint64)}
}

func checkAligned(addr mmu.PhysAddr) {
	if addr%8 != 0 {
		panic(fmt.Sprintf("unaligned device access at %v", addr))
	}
}

// ReadEntry implements mmu.Backend.ReadEntry.
func (m *Memory) ReadEntry(addr mmu.PhysAddr) uint64 {
	checkAligned(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.Reads++
	v := m.words[addr]
	if m.Trace != nil {
		m.Trace(Access{Addr: addr, Value: v})
	}
	return v
}

// WriteEntry implements mmu.Backend.WriteEntry.
func (m *Memory) WriteEntry(addr mmu.PhysAddr, val uint64) {
	checkAligned(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.Writes++
	if val == 0 {
		delete(m.words, addr)
	} else {
		m.words[addr] = val
	}
	if m.Trace != nil {
		m.Trace(Access{Write: true, Addr: addr, Value: val})
	}
}

// Barrier implements mmu.Barrierer.Barrier.
func (m *Memory) Barrier() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.Barriers++
}

// Counters returns the traffic seen so far.
func (m *Memory) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

// Snapshot returns a copy of every non-zero word.
func (m *Memory) Snapshot() map[mmu.PhysAddr]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.words)
}

// Range returns the non-zero words in [addr, addr+size).
func (m *Memory) Range(addr mmu.PhysAddr, size uint64) map[mmu.PhysAddr]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[mmu.PhysAddr]uint64)
	for a, v := range m.words {
		if a >= addr && uint64(a-addr) < size {
			out[a] = v
		}
	}
	return out
}
