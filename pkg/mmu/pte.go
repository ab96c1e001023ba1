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

// PTE is a page table entry. The low bits hold flags; the rest hold either
// the address of the next hop or, for a leaf, the address of the mapped
// frame.
//
// Entries in the shadow copy point at the next hop's shadow address. The
// same entry on the device points at the next hop's physical address.
type PTE uint64

const (
	// PresentFlag marks an entry as valid.
	PresentFlag PTE = 1 << 0

	// LastFlag marks an entry as a leaf: its address is a mapped frame
	// rather than a further hop.
	LastFlag PTE = 1 << 11

	// FlagsMask covers every bit reserved for flags.
	FlagsMask PTE = 0xfff

	// AddrMask covers the address bits of an entry.
	AddrMask = ^FlagsMask
)

// Present returns true if the entry is valid.
func (p PTE) Present() bool {
	return p&PresentFlag != 0
}

// Last returns true if the entry is a leaf.
func (p PTE) Last() bool {
	return p&LastFlag != 0
}

// Flags returns only the flag bits of the entry.
func (p PTE) Flags() PTE {
	return p & FlagsMask
}

// Address returns the address bits of the entry.
func (p PTE) Address() uint64 {
	return uint64(p & AddrMask)
}

// pointerPTE returns the shadow encoding of an entry pointing at the hop
// whose shadow buffer starts at next.
func pointerPTE(next ShadowAddr) PTE {
	return PTE(next)&AddrMask | PresentFlag
}

// leafPTE returns the encoding of a leaf entry mapping frame.
func leafPTE(frame PhysAddr) PTE {
	return PTE(frame)&AddrMask | LastFlag | PresentFlag
}
