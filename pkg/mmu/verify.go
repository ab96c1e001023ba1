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
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Verify checks the tables of the context against the device. Every entry
// of hop0 and of each registered hop must hold, on the device, the shadow
// value with pointers translated to physical addresses, and every hop's
// live count must match its present entries. Leaf hops of the default DRAM
// mapping count real mappings once more on top of that. It reads the whole device
// copy and is meant for tests and diagnostics.
func (c *Context) Verify() error {
	var errs []error
	c.verifyTable(c.hop0Shadow, c.hop0Phys, c.hop0Entries, &errs)
	var defaultLeaves []ShadowAddr
	if n := len(c.defaultHops); n > 2 {
		defaultLeaves = c.defaultHops[:n-2]
	}
	for _, addr := range slices.Sorted(maps.Keys(c.hops)) {
		h := c.hops[addr]
		present := c.verifyTable(h.shadow, h.phys, h.entries, &errs)
		if slices.Contains(defaultLeaves, addr) {
			for _, v := range h.entries {
				if PTE(v).Present() && PTE(v) != c.dev.defaultPTE {
					present++
				}
			}
		}
		if present != h.live {
			errs = append(errs, fmt.Errorf("hop %v: live count %d, %d present entries", addr, h.live, present))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("ASID %d: %w", c.asid, err)
	}
	return nil
}

// verifyTable compares one table with its device copy and returns the
// number of present entries.
func (c *Context) verifyTable(shadow ShadowAddr, phys PhysAddr, entries []uint64, errs *[]error) int {
	present := 0
	for i, v := range entries {
		pte := PTE(v)
		want := uint64(pte)
		if pte.Present() {
			present++
			if !pte.Last() {
				next, ok := c.hops[ShadowAddr(pte.Address())]
				if !ok {
					*errs = append(*errs, fmt.Errorf("%v: entry %#x points at no hop", shadow.entry(uint64(i)), v))
					continue
				}
				want = uint64(PTE(next.phys) | pte.Flags())
			}
		}
		if got := c.dev.backend.ReadEntry(phys + PhysAddr(i*entrySize)); got != want {
			*errs = append(*errs, fmt.Errorf("%v: device holds %#x, want %#x", shadow.entry(uint64(i)), got, want))
		}
	}
	return present
}
