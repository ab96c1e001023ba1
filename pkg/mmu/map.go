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

// Map maps the page at va to the frame at pa.
//
// DRAM pages use the DRAM geometry. Host pages at or above the huge page
// size use the huge geometry, which ends one hop earlier. pageSize must be
// the page size of the selected class, and both addresses aligned to it.
//
// Hops needed on the way down are allocated as required. If the request
// fails, every hop it allocated is freed again before returning.
func (c *Context) Map(va VirtAddr, pa PhysAddr, pageSize uint64, isDRAM bool) error {
	class := c.dev.props.classFor(pageSize, isDRAM)
	if err := c.checkMap(va, pa, pageSize, class); err != nil {
		return err
	}
	if err := c.mapPage(va, pa, class); err != nil {
		return err
	}
	c.dev.stats.maps.Add(1)
	return nil
}

func (c *Context) checkMap(va VirtAddr, pa PhysAddr, pageSize uint64, class Class) error {
	cp := c.dev.props.class(class)
	switch {
	case pageSize != cp.PageSize:
		return fmt.Errorf("%w: %v page size %#x, want %#x", ErrInvalidArgument, class, pageSize, cp.PageSize)
	case !isAligned(uint64(va), pageSize) || !isAligned(uint64(pa), pageSize):
		return fmt.Errorf("%w: %v -> %v not aligned to %#x", ErrInvalidArgument, va, pa, pageSize)
	case !cp.contains(va, pageSize):
		return fmt.Errorf("%w: %v is outside the %v range", ErrInvalidArgument, va, class)
	}
	return nil
}

func (c *Context) mapPage(va VirtAddr, pa PhysAddr, class Class) error {
	var (
		cp      = c.dev.props.class(class)
		hops    = class.Hops()
		leaf    = hops - 1
		hopAddr [MaxHops]ShadowAddr
		ptes    [MaxHops]ShadowAddr
		hopNew  [MaxHops]bool
		cu      cleanup.Cleanup
	)
	// Release anything allocated here unless the mapping completes.
	defer cu.Clean()

	hopAddr[0] = c.hop0Shadow
	ptes[0] = pteAddr(hopAddr[0], va, cp.Levels[0])
	pte := c.readPTE(ptes[0])
	for i := 1; i < hops; i++ {
		if pte.Last() {
			log.Warningf("ASID %d: %v lies in a huge page mapped at hop%d", c.asid, va, i-1)
			return fmt.Errorf("%w: %v is covered by a huge page", ErrAlreadyMapped, va)
		}
		next, isNew, err := c.allocOrGetNextHop(pte)
		if err != nil {
			return fmt.Errorf("mapping %v at hop%d: %w", va, i, err)
		}
		if isNew {
			hopNew[i] = true
			cu.Add(func() { c.freeHop(next) })
		}
		hopAddr[i] = next
		ptes[i] = pteAddr(next, va, cp.Levels[i])
		pte = c.readPTE(ptes[i])
	}

	if class == ClassDRAM && c.dev.props.DRAMDefaultPageMapping {
		for i := 1; i < hops; i++ {
			if hopNew[i] {
				log.Warningf("ASID %d: DRAM mapping of %v should not allocate more hops", c.asid, va)
				return fmt.Errorf("%w: mapping %v needs hop%d", ErrProtocolViolation, va, i)
			}
		}
		if pte != c.dev.defaultPTE {
			log.Warningf("ASID %d: DRAM: mapping of %v already exists, pte %#x", c.asid, va, uint64(pte))
			return fmt.Errorf("%w: %v", ErrAlreadyMapped, va)
		}
	} else if pte.Present() {
		log.Warningf("ASID %d: mapping of %v already exists, pte %#x", c.asid, va, uint64(pte))
		for i := 0; i < hops; i++ {
			log.Debugf("hop%d pte %v: %#x", i, ptes[i], uint64(c.readPTE(ptes[i])))
		}
		return fmt.Errorf("%w: %v", ErrAlreadyMapped, va)
	}

	c.writeFinalPTE(ptes[leaf], leafPTE(pa))

	// Link the new hops, parents first. hop0 is not refcounted.
	for i := 1; i < hops; i++ {
		if !hopNew[i] {
			continue
		}
		c.writePTE(ptes[i-1], pointerPTE(hopAddr[i]))
		if i-1 > 0 {
			c.getPTE(hopAddr[i-1])
		}
	}
	c.getPTE(hopAddr[leaf])

	cu.Release()
	log.Debugf("ASID %d: mapped %v -> %v (%v)", c.asid, va, pa, class)
	return nil
}
