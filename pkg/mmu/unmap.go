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

// Unmap removes the mapping of the page holding va.
//
// Host mappings are cleared, and hops left without entries are freed from
// the leaf upwards. Under the default DRAM page mapping, DRAM leaves are
// pointed back at the default page instead, and DRAM hops are never freed.
// Unmapping an address without a mapping returns ErrNotMapped and changes
// nothing.
func (c *Context) Unmap(va VirtAddr, isDRAM bool) error {
	class := ClassHost
	if isDRAM {
		class = ClassDRAM
	}
	cp := c.dev.props.class(class)
	if !cp.contains(va, 1) {
		return fmt.Errorf("%w: %v is outside the %v range", ErrInvalidArgument, va, class)
	}

	var (
		hopAddr [MaxHops]ShadowAddr
		ptes    [MaxHops]ShadowAddr
		last    = class.Hops() - 1
		huge    bool
	)
	hopAddr[0] = c.hop0Shadow
	ptes[0] = pteAddr(hopAddr[0], va, cp.Levels[0])
	pte := c.readPTE(ptes[0])
	for i := 1; i <= last; i++ {
		next, ok := nextHop(pte)
		if !ok {
			return c.notMapped(va, "hop%d is not present", i)
		}
		hopAddr[i] = next
		ptes[i] = pteAddr(next, va, cp.Levels[i])
		pte = c.readPTE(ptes[i])
		if i == hugeHop && pte.Last() {
			last, huge = i, true
			break
		}
	}

	if isDRAM && !huge {
		if !pte.Present() {
			return c.notMapped(va, "DRAM leaf is clear")
		}
		log.Warningf("ASID %d: DRAM unmapping of %v should use huge pages only", c.asid, va)
		return fmt.Errorf("%w: %v is not a huge page", ErrProtocolViolation, va)
	}

	if isDRAM && c.dev.props.DRAMDefaultPageMapping {
		if pte == c.dev.defaultPTE {
			return c.notMapped(va, "DRAM leaf points to the default page")
		}
		if !pte.Present() {
			return c.notMapped(va, "DRAM leaf is clear")
		}
		c.writeFinalPTE(ptes[last], c.dev.defaultPTE)
		c.putPTE(hopAddr[last])
		c.dev.stats.unmaps.Add(1)
		return nil
	}

	if !pte.Present() {
		return c.notMapped(va, "leaf is clear")
	}
	c.unlink(hopAddr[:last+1], ptes[:last+1])
	c.dev.stats.unmaps.Add(1)
	log.Debugf("ASID %d: unmapped %v", c.asid, va)
	return nil
}

// unlink clears the entry at ptes[len-1] and walks back up the chain: each
// hop left without entries is freed and its entry in the parent cleared,
// stopping at the first hop that is still in use.
func (c *Context) unlink(hopAddr, ptes []ShadowAddr) {
	for i := len(ptes) - 1; i > 0; i-- {
		c.clearPTE(ptes[i])
		if c.putPTE(hopAddr[i]) != 0 {
			return
		}
	}
	c.clearPTE(ptes[0])
}

func (c *Context) notMapped(va VirtAddr, format string, v ...any) error {
	reason := fmt.Sprintf(format, v...)
	c.dev.limitedLog.Warningf("ASID %d: %v is not mapped: %s", c.asid, va, reason)
	return fmt.Errorf("%w: %v: %s", ErrNotMapped, va, reason)
}
