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
	"maps"
	"slices"
)

// Context is one device address space.
//
// Context methods must not be called concurrently.
type Context struct {
	dev  *Device
	asid uint32

	// hop0Shadow, hop0Phys and hop0Entries locate this ASID's slot of the
	// static hop0 tables.
	hop0Shadow  ShadowAddr
	hop0Phys    PhysAddr
	hop0Entries []uint64

	// hops is the hop registry, keyed by shadow address. It owns every
	// dynamically allocated hop of the context.
	hops map[ShadowAddr]*hop

	// defaultHops are the hops of the default DRAM mapping: the leaf hops,
	// then hop2, then hop1.
	defaultHops []ShadowAddr

	closed bool
}

func newContext(d *Device, asid uint32) *Context {
	n := d.props.entriesPerHop()
	off := uint64(asid) * d.props.HopTableSize
	entries := d.hop0Entries[uint64(asid)*n : uint64(asid+1)*n]
	clear(entries)
	return &Context{
		dev:         d,
		asid:        asid,
		hop0Shadow:  d.hop0Shadow + ShadowAddr(off),
		hop0Phys:    d.hop0Phys + PhysAddr(off),
		hop0Entries: entries,
		hops:        make(map[ShadowAddr]*hop),
	}
}

// ASID returns the address space identifier of the context.
func (c *Context) ASID() uint32 {
	return c.asid
}

// Hop0 returns the shadow and physical addresses of the context's hop0.
// They never change.
func (c *Context) Hop0() (ShadowAddr, PhysAddr) {
	return c.hop0Shadow, c.hop0Phys
}

// HopInfo describes a live hop.
type HopInfo struct {
	Shadow ShadowAddr
	Phys   PhysAddr
	Live   int
}

// Hops returns the hop registry, sorted by shadow address. hop0 is not
// included.
func (c *Context) Hops() []HopInfo {
	infos := make([]HopInfo, 0, len(c.hops))
	for _, addr := range slices.Sorted(maps.Keys(c.hops)) {
		h := c.hops[addr]
		infos = append(infos, HopInfo{Shadow: h.shadow, Phys: h.phys, Live: h.live})
	}
	return infos
}

// Close tears the address space down.
//
// Hops still referenced after the default mapping is removed are a bug in
// the caller; they are logged, freed anyway, and reported with
// ErrInconsistentTeardown.
func (c *Context) Close() error {
	if c.closed {
		return fmt.Errorf("%w: ASID %d already closed", ErrInvalidArgument, c.asid)
	}
	c.defaultMappingFini()

	var err error
	if n := len(c.hops); n != 0 {
		c.dev.limitedLog.Warningf("ASID %d: context freed while it has %d page tables in use", c.asid, n)
		residual := slices.Sorted(maps.Keys(c.hops))
		// Clear every entry while all hops are still registered, so the
		// device frames go back to the pool zeroed.
		for _, addr := range residual {
			h := c.hops[addr]
			c.dev.limitedLog.Warningf("ASID %d: hop %v / %v was not destroyed, live entries: %d", c.asid, h.shadow, h.phys, h.live)
			for i, v := range h.entries {
				if v != 0 {
					c.clearPTE(addr.entry(uint64(i)))
				}
			}
		}
		for _, addr := range residual {
			c.hops[addr].live = 0
			c.freeHop(addr)
		}
		err = fmt.Errorf("%w: ASID %d: %d hops", ErrInconsistentTeardown, c.asid, n)
	}

	// Leave the hop0 slot empty on both sides for the next user of the
	// ASID.
	for i, v := range c.hop0Entries {
		if PTE(v).Present() {
			c.clearPTE(c.hop0Shadow.entry(uint64(i)))
		}
	}
	c.Flush()

	c.closed = true
	c.dev.releaseASID(c.asid)
	return err
}
