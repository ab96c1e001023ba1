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
)

// ChainEntry is one step of a translation walk.
type ChainEntry struct {
	// Level is the hop level, 0 for hop0.
	Level int

	// HopShadow and HopPhys locate the hop table.
	HopShadow ShadowAddr
	HopPhys   PhysAddr

	// EntryShadow and EntryPhys locate the entry inside the table.
	EntryShadow ShadowAddr
	EntryPhys   PhysAddr

	// Value is the shadow entry. DeviceValue is what the device copy of
	// the entry holds.
	Value       PTE
	DeviceValue uint64
}

// Chain is the hop by hop translation of a virtual address.
type Chain struct {
	VirtAddr VirtAddr
	Class    Class
	Entries  []ChainEntry
}

// Leaf returns the final entry of the chain.
func (ch *Chain) Leaf() ChainEntry {
	return ch.Entries[len(ch.Entries)-1]
}

// Huge returns true if the chain ends at a huge page entry.
func (ch *Chain) Huge() bool {
	return len(ch.Entries) == hugeHop+1 && ch.Leaf().Value.Last()
}

// classOf returns the class whose range holds va. Host addresses resolve
// to ClassHost; the walk finds huge leaves on its own.
func (p *Properties) classOf(va VirtAddr) (Class, error) {
	switch {
	case p.DRAM.contains(va, 1):
		return ClassDRAM, nil
	case p.Host.contains(va, 1):
		return ClassHost, nil
	default:
		return 0, fmt.Errorf("%w: %v is outside every range", ErrInvalidArgument, va)
	}
}

// TranslationChain walks the tables for va and reports every entry on the
// way, with both the shadow and the device value. It fails with
// ErrNotMapped if an entry on the way is not present.
func (c *Context) TranslationChain(va VirtAddr) (Chain, error) {
	class, err := c.dev.props.classOf(va)
	if err != nil {
		return Chain{}, err
	}
	cp := c.dev.props.class(class)
	ch := Chain{VirtAddr: va, Class: class}

	hopAddr := c.hop0Shadow
	for i := 0; i < class.Hops(); i++ {
		entry := pteAddr(hopAddr, va, cp.Levels[i])
		phys := c.physFor(entry)
		pte := c.readPTE(entry)
		ch.Entries = append(ch.Entries, ChainEntry{
			Level:       i,
			HopShadow:   hopAddr,
			HopPhys:     c.physFor(hopAddr),
			EntryShadow: entry,
			EntryPhys:   phys,
			Value:       pte,
			DeviceValue: c.dev.backend.ReadEntry(phys),
		})
		if !pte.Present() {
			return ch, fmt.Errorf("%w: %v: hop%d entry is clear", ErrNotMapped, va, i)
		}
		if pte.Last() {
			if i != hugeHop && i != class.Hops()-1 {
				return ch, fmt.Errorf("%w: %v: hop%d entry is a leaf", ErrProtocolViolation, va, i)
			}
			break
		}
		if i == class.Hops()-1 {
			return ch, fmt.Errorf("%w: %v: leaf entry %#x lacks the last flag", ErrProtocolViolation, va, uint64(pte))
		}
		hopAddr = ShadowAddr(pte.Address())
	}
	if class == ClassHost && ch.Huge() {
		ch.Class = ClassHostHuge
	}
	return ch, nil
}

// Translate returns the physical address va resolves to.
func (c *Context) Translate(va VirtAddr) (PhysAddr, error) {
	ch, err := c.TranslationChain(va)
	if err != nil {
		return 0, err
	}
	leaf := ch.Leaf()
	pageSize := c.dev.props.class(ch.Class).PageSize
	return PhysAddr(leaf.Value.Address()) + PhysAddr(uint64(va)&(pageSize-1)), nil
}
