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

// physFor translates a shadow address inside a hop into the physical
// address of the same byte on the device.
func (c *Context) physFor(addr ShadowAddr) PhysAddr {
	p, ok := c.PhysicalFor(addr)
	if !ok {
		panic("no hop backs " + addr.String())
	}
	return p
}

// PhysicalFor translates a shadow address inside hop0 or a live hop of the
// context into the matching physical address.
func (c *Context) PhysicalFor(addr ShadowAddr) (PhysAddr, bool) {
	mask := ShadowAddr(c.dev.props.HopTableSize - 1)
	base, off := addr&^mask, PhysAddr(addr&mask)
	if base == c.hop0Shadow {
		return c.hop0Phys + off, true
	}
	h, ok := c.hops[base]
	if !ok {
		return 0, false
	}
	return h.phys + off, true
}

// writePTE writes an entry pointing at another hop. val carries the shadow
// address of that hop; the device gets its physical address with the same
// flags.
func (c *Context) writePTE(addr ShadowAddr, val PTE) {
	phys := PTE(c.physFor(ShadowAddr(val.Address()))) | val.Flags()
	c.store(addr, val, phys)
}

// writeFinalPTE writes a leaf entry. val already holds a physical frame and
// goes to both copies unchanged.
func (c *Context) writeFinalPTE(addr ShadowAddr, val PTE) {
	c.store(addr, val, val)
}

// clearPTE clears an entry on both copies.
func (c *Context) clearPTE(addr ShadowAddr) {
	c.writeFinalPTE(addr, 0)
}

// store updates the shadow copy, then the device copy, of one entry.
func (c *Context) store(addr ShadowAddr, shadow, phys PTE) {
	entries, idx := c.table(addr)
	entries[idx] = uint64(shadow)
	c.dev.backend.WriteEntry(c.physFor(addr), uint64(phys))
}

// Flush makes every entry written so far visible to the device.
func (c *Context) Flush() {
	if b, ok := c.dev.backend.(Barrierer); ok {
		b.Barrier()
	}
	c.dev.backend.ReadEntry(c.hop0Phys)
	c.dev.stats.flushes.Add(1)
}
