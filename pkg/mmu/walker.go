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

// pteAddr returns the address of the entry for va in the hop at hopAddr.
func pteAddr(hopAddr ShadowAddr, va VirtAddr, level HopLevel) ShadowAddr {
	return hopAddr.entry(level.index(va))
}

// nextHop decodes the shadow address of the hop an entry points to. It
// returns false if the entry is not present.
func nextHop(pte PTE) (ShadowAddr, bool) {
	if !pte.Present() {
		return 0, false
	}
	return ShadowAddr(pte.Address()), true
}

// allocOrGetNextHop returns the hop pte points to, allocating an unlinked
// hop if pte is not present. isNew tells the caller it owns the new hop.
func (c *Context) allocOrGetNextHop(pte PTE) (next ShadowAddr, isNew bool, err error) {
	if next, ok := nextHop(pte); ok {
		return next, false, nil
	}
	next, err = c.allocHop()
	if err != nil {
		return 0, false, err
	}
	return next, true, nil
}
