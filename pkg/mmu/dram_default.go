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

	"gvisor.dev/accelmmu/pkg/cleanup"
	"gvisor.dev/accelmmu/pkg/log"
)

// defaultMappingInit builds the default DRAM mapping of the context: one
// hop1, one hop2 and enough leaf hops to cover the default range, every
// leaf entry pointing at the default page.
func (c *Context) defaultMappingInit() error {
	p := &c.dev.props
	if !p.DRAMDefaultPageMapping {
		return nil
	}
	numHop3 := p.defaultHop3Count()
	total := numHop3 + 2
	hops := make([]ShadowAddr, 0, total)

	var cu cleanup.Cleanup
	defer cu.Clean()
	for i := uint64(0); i < total; i++ {
		addr, err := c.allocHop()
		if err != nil {
			return fmt.Errorf("ASID %d: default DRAM mapping: %w", c.asid, err)
		}
		cu.Add(func() { c.freeHop(addr) })
		hops = append(hops, addr)
	}

	dram := &p.DRAM
	start := dram.StartAddr
	hop1, hop2 := hops[total-1], hops[total-2]

	c.writePTE(pteAddr(c.hop0Shadow, start, dram.Levels[0]), pointerPTE(hop1))
	c.writePTE(pteAddr(hop1, start, dram.Levels[1]), pointerPTE(hop2))
	c.getPTE(hop1)

	hop2PTE := pteAddr(hop2, start, dram.Levels[2])
	for i := uint64(0); i < numHop3; i++ {
		c.writePTE(hop2PTE+ShadowAddr(i*entrySize), pointerPTE(hops[i]))
		c.getPTE(hop2)
	}

	entries := p.entriesPerHop()
	for i := uint64(0); i < numHop3; i++ {
		for j := uint64(0); j < entries; j++ {
			c.writeFinalPTE(hops[i].entry(j), c.dev.defaultPTE)
			c.getPTE(hops[i])
		}
	}

	c.Flush()
	cu.Release()
	c.defaultHops = hops
	log.Debugf("ASID %d: default DRAM mapping of %#x bytes at %v, %d leaf hops", c.asid, p.DRAMDefaultRangeSize, start, numHop3)
	return nil
}

// defaultMappingFini tears down what defaultMappingInit built. Leaf hops
// still holding real mappings survive, to be reported by Close.
func (c *Context) defaultMappingFini() {
	if c.defaultHops == nil {
		return
	}
	p := &c.dev.props
	dram := &p.DRAM
	start := dram.StartAddr
	hops := c.defaultHops
	total := len(hops)
	numHop3 := total - 2
	hop1, hop2 := hops[total-1], hops[total-2]

	entries := p.entriesPerHop()
	for i := 0; i < numHop3; i++ {
		for j := uint64(0); j < entries; j++ {
			if _, ok := c.hops[hops[i]]; !ok {
				log.Warningf("ASID %d: default DRAM leaf hop %v vanished after %d entries", c.asid, hops[i], j)
				break
			}
			c.clearPTE(hops[i].entry(j))
			c.putPTE(hops[i])
		}
	}

	hop2PTE := pteAddr(hop2, start, dram.Levels[2])
	for i := 0; i < numHop3; i++ {
		c.clearPTE(hop2PTE + ShadowAddr(i*entrySize))
		c.putPTE(hop2)
	}

	c.clearPTE(pteAddr(hop1, start, dram.Levels[1]))
	c.putPTE(hop1)
	c.clearPTE(pteAddr(c.hop0Shadow, start, dram.Levels[0]))

	c.defaultHops = nil
	c.Flush()
}
