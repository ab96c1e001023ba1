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

package mmu

import (
	"fmt"

	"gvisor.dev/accelmmu/pkg/log"
)

// hop is a dynamically allocated page table.
type hop struct {
	// shadow and phys are fixed for the life of the hop.
	shadow ShadowAddr
	phys   PhysAddr

	// entries is the shadow copy of the table.
	entries []uint64

	// live counts the present entries of the table. The hop is freed when
	// it drops to zero.
	live int
}

// allocHop allocates a hop and adds it to the registry. The new hop is
// empty and not linked anywhere.
func (c *Context) allocHop() (ShadowAddr, error) {
	size := c.dev.props.HopTableSize
	phys, err := c.dev.pool.Allocate(size)
	if err != nil {
		return 0, fmt.Errorf("%w: physical hop: %v", ErrOutOfMemory, err)
	}
	if !isAligned(uint64(phys), size) {
		c.dev.pool.Free(phys, size)
		return 0, fmt.Errorf("%w: frame pool returned %v, not aligned to %#x", ErrInvalidArgument, phys, size)
	}
	shadow, entries, err := c.dev.shadow.Alloc(size, size)
	if err != nil {
		c.dev.pool.Free(phys, size)
		return 0, fmt.Errorf("%w: shadow hop: %v", ErrOutOfMemory, err)
	}
	c.hops[shadow] = &hop{
		shadow:  shadow,
		phys:    phys,
		entries: entries,
	}
	c.dev.stats.hopsAllocated.Add(1)
	log.Debugf("ASID %d: allocated hop %v / %v", c.asid, shadow, phys)
	return shadow, nil
}

// freeHop releases a hop and removes it from the registry.
func (c *Context) freeHop(addr ShadowAddr) {
	h := c.mustLookup(addr)
	if h.live != 0 {
		log.Warningf("ASID %d: freeing hop %v with %d live entries", c.asid, addr, h.live)
	}
	delete(c.hops, addr)
	c.dev.pool.Free(h.phys, c.dev.props.HopTableSize)
	c.dev.shadow.Free(h.shadow)
	c.dev.stats.hopsFreed.Add(1)
	log.Debugf("ASID %d: freed hop %v / %v", c.asid, h.shadow, h.phys)
}

// mustLookup returns the registered hop at addr.
func (c *Context) mustLookup(addr ShadowAddr) *hop {
	h, ok := c.hops[addr]
	if !ok {
		panic(fmt.Sprintf("ASID %d: no hop at %v", c.asid, addr))
	}
	return h
}

// getPTE records one more present entry in the hop at addr.
func (c *Context) getPTE(addr ShadowAddr) {
	c.mustLookup(addr).live++
}

// putPTE records one less present entry in the hop at addr, freeing the hop
// when none remain. It returns the number of entries left.
func (c *Context) putPTE(addr ShadowAddr) int {
	h := c.mustLookup(addr)
	if h.live == 0 {
		panic(fmt.Sprintf("ASID %d: hop %v has no live entries to put", c.asid, addr))
	}
	h.live--
	if h.live == 0 {
		c.freeHop(addr)
	}
	return h.live
}

// table returns the shadow entries of the hop holding the entry at addr,
// and the index of the entry.
func (c *Context) table(addr ShadowAddr) ([]uint64, uint64) {
	mask := ShadowAddr(c.dev.props.HopTableSize - 1)
	base, idx := addr&^mask, uint64(addr&mask)/entrySize
	if base == c.hop0Shadow {
		return c.hop0Entries, idx
	}
	return c.mustLookup(base).entries, idx
}

// readPTE returns the shadow entry at addr.
func (c *Context) readPTE(addr ShadowAddr) PTE {
	entries, idx := c.table(addr)
	return PTE(entries[idx])
}
