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
	"math/bits"
)

const (
	// MaxHops is the deepest chain: hop0 through hop4.
	MaxHops = 5

	// hugeHop is the hop holding huge (and DRAM) leaves.
	hugeHop = MaxHops - 2

	// minHopTableSize keeps hop addresses clear of the flag bits.
	minHopTableSize = uint64(FlagsMask) + 1
)

// Class is a memory class with its own translation geometry.
type Class int

// Memory classes.
const (
	// ClassDRAM is device memory. It is always mapped with huge pages.
	ClassDRAM Class = iota

	// ClassHost is host memory mapped with regular pages.
	ClassHost

	// ClassHostHuge is host memory mapped with huge pages.
	ClassHostHuge
)

// String implements fmt.Stringer.String.
func (c Class) String() string {
	switch c {
	case ClassDRAM:
		return "dram"
	case ClassHost:
		return "host"
	case ClassHostHuge:
		return "host-huge"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Hops returns the chain length, hop0 included, for the class.
func (c Class) Hops() int {
	if c == ClassHost {
		return MaxHops
	}
	return hugeHop + 1
}

// HopLevel selects the bits of a virtual address that index one hop.
type HopLevel struct {
	Mask  uint64
	Shift uint
}

// index returns the entry index of va in a hop of this level.
func (l HopLevel) index(va VirtAddr) uint64 {
	return (uint64(va) & l.Mask) >> l.Shift
}

// ClassProperties describe the translation geometry of one memory class.
type ClassProperties struct {
	// StartAddr and EndAddr bound the virtual range of the class,
	// [StartAddr, EndAddr).
	StartAddr VirtAddr
	EndAddr   VirtAddr

	// PageSize is the size mapped by one leaf entry.
	PageSize uint64

	// Levels holds the index selector of each hop. Only the first
	// Class.Hops() entries are used.
	Levels [MaxHops]HopLevel
}

// contains returns true if [va, va+size) lies inside the class range.
func (cp *ClassProperties) contains(va VirtAddr, size uint64) bool {
	end := va + VirtAddr(size)
	return va >= cp.StartAddr && end > va && end <= cp.EndAddr
}

// Properties is the fixed MMU configuration of a device.
type Properties struct {
	// Name identifies the configuration in logs.
	Name string

	// HopTableSize is the size of one hop table in bytes. It is a power of
	// two of at least 4 KiB; every hop is aligned to it.
	HopTableSize uint64

	// PageTableAddr and PageTableSize bound the device region holding page
	// tables. The hop0 tables of all ASIDs come first, the frame pool
	// covers the rest (see PoolRange).
	PageTableAddr PhysAddr
	PageTableSize uint64

	// MaxASID is the number of address spaces, and so of hop0 tables.
	MaxASID uint32

	// DRAM, Host and HostHuge describe each memory class. HostHuge shares
	// its range and its first four levels with Host.
	DRAM     ClassProperties
	Host     ClassProperties
	HostHuge ClassProperties

	// DRAMDefaultPageMapping requests that DRAMDefaultRangeSize bytes at
	// the start of the DRAM range always resolve, pointing at
	// DRAMDefaultPageAddr until really mapped.
	DRAMDefaultPageMapping bool
	DRAMDefaultPageAddr    PhysAddr
	DRAMDefaultRangeSize   uint64
}

// class returns the properties of c.
func (p *Properties) class(c Class) *ClassProperties {
	switch c {
	case ClassDRAM:
		return &p.DRAM
	case ClassHostHuge:
		return &p.HostHuge
	default:
		return &p.Host
	}
}

// classFor selects the class of a map request. Host requests at or above
// the huge page size use huge pages.
func (p *Properties) classFor(pageSize uint64, isDRAM bool) Class {
	switch {
	case isDRAM:
		return ClassDRAM
	case pageSize >= p.HostHuge.PageSize:
		return ClassHostHuge
	default:
		return ClassHost
	}
}

// entriesPerHop returns the number of entries in one hop table.
func (p *Properties) entriesPerHop() uint64 {
	return p.HopTableSize / entrySize
}

// hop0TablesSize returns the size of the static hop0 region.
func (p *Properties) hop0TablesSize() uint64 {
	return uint64(p.MaxASID) * p.HopTableSize
}

// PoolRange returns the part of the page table region left for dynamically
// allocated hops.
func (p *Properties) PoolRange() (PhysAddr, uint64) {
	hop0 := p.hop0TablesSize()
	return p.PageTableAddr + PhysAddr(hop0), p.PageTableSize - hop0
}

// defaultHop3Count returns the number of leaf hops covering the default
// mapped DRAM range.
func (p *Properties) defaultHop3Count() uint64 {
	return p.DRAMDefaultRangeSize / (p.DRAM.PageSize * p.entriesPerHop())
}

// Validate checks that the configuration is usable.
func (p *Properties) Validate() error {
	if !isPowerOfTwo(p.HopTableSize) || p.HopTableSize < minHopTableSize {
		return fmt.Errorf("%w: hop table size %#x must be a power of two of at least %#x", ErrInvalidArgument, p.HopTableSize, minHopTableSize)
	}
	if p.MaxASID == 0 {
		return fmt.Errorf("%w: no ASIDs", ErrInvalidArgument)
	}
	if !isAligned(uint64(p.PageTableAddr), p.HopTableSize) || !isAligned(p.PageTableSize, p.HopTableSize) {
		return fmt.Errorf("%w: page table region %v+%#x is not aligned to the hop table size", ErrInvalidArgument, p.PageTableAddr, p.PageTableSize)
	}
	if p.PageTableSize <= p.hop0TablesSize() {
		return fmt.Errorf("%w: page table region of %#x bytes cannot hold %d hop0 tables and a pool", ErrInvalidArgument, p.PageTableSize, p.MaxASID)
	}
	for _, c := range []Class{ClassDRAM, ClassHost, ClassHostHuge} {
		if err := p.validateClass(c); err != nil {
			return err
		}
	}
	if p.HostHuge.PageSize <= p.Host.PageSize {
		return fmt.Errorf("%w: host huge page size %#x is not above host page size %#x", ErrInvalidArgument, p.HostHuge.PageSize, p.Host.PageSize)
	}
	if p.HostHuge.StartAddr != p.Host.StartAddr || p.HostHuge.EndAddr != p.Host.EndAddr {
		return fmt.Errorf("%w: host huge range differs from host range", ErrInvalidArgument)
	}
	for i := 0; i <= hugeHop; i++ {
		if p.HostHuge.Levels[i] != p.Host.Levels[i] {
			return fmt.Errorf("%w: host huge hop%d differs from host hop%d", ErrInvalidArgument, i, i)
		}
	}
	if p.DRAM.StartAddr < p.Host.EndAddr && p.Host.StartAddr < p.DRAM.EndAddr {
		return fmt.Errorf("%w: DRAM and host ranges overlap", ErrInvalidArgument)
	}
	if p.DRAMDefaultPageMapping {
		return p.validateDefaultMapping()
	}
	return nil
}

func (p *Properties) validateClass(c Class) error {
	cp := p.class(c)
	if !isPowerOfTwo(cp.PageSize) || cp.PageSize < minHopTableSize {
		return fmt.Errorf("%w: %v page size %#x must be a power of two of at least %#x", ErrInvalidArgument, c, cp.PageSize, minHopTableSize)
	}
	if cp.StartAddr >= cp.EndAddr || !isAligned(uint64(cp.StartAddr), cp.PageSize) || !isAligned(uint64(cp.EndAddr), cp.PageSize) {
		return fmt.Errorf("%w: %v range [%#x, %#x) is empty or not page aligned", ErrInvalidArgument, c, uint64(cp.StartAddr), uint64(cp.EndAddr))
	}
	entries := p.entriesPerHop()
	for i := 0; i < c.Hops(); i++ {
		l := cp.Levels[i]
		if l.Mask == 0 || l.Mask>>l.Shift >= entries {
			return fmt.Errorf("%w: %v hop%d selector %#x>>%d does not index a %d entry table", ErrInvalidArgument, c, i, l.Mask, l.Shift, entries)
		}
	}
	leaf := cp.Levels[c.Hops()-1]
	if want := uint(bits.TrailingZeros64(cp.PageSize)); leaf.Shift != want {
		return fmt.Errorf("%w: %v leaf shift %d does not match page size %#x", ErrInvalidArgument, c, leaf.Shift, cp.PageSize)
	}
	return nil
}

func (p *Properties) validateDefaultMapping() error {
	dram := &p.DRAM
	if p.DRAMDefaultPageAddr&PhysAddr(FlagsMask) != 0 {
		return fmt.Errorf("%w: default DRAM page %v overlaps the flag bits", ErrInvalidArgument, p.DRAMDefaultPageAddr)
	}
	span := dram.PageSize * p.entriesPerHop()
	if p.DRAMDefaultRangeSize == 0 || !isAligned(p.DRAMDefaultRangeSize, span) || !isAligned(uint64(dram.StartAddr), span) {
		return fmt.Errorf("%w: default DRAM range %v+%#x must be aligned to whole leaf hops of %#x bytes", ErrInvalidArgument, dram.StartAddr, p.DRAMDefaultRangeSize, span)
	}
	if !dram.contains(dram.StartAddr, p.DRAMDefaultRangeSize) {
		return fmt.Errorf("%w: default DRAM range of %#x bytes exceeds the DRAM range", ErrInvalidArgument, p.DRAMDefaultRangeSize)
	}
	first, last := dram.StartAddr, dram.StartAddr+VirtAddr(p.DRAMDefaultRangeSize-1)
	for i := 0; i < 2; i++ {
		if dram.Levels[i].index(first) != dram.Levels[i].index(last) {
			return fmt.Errorf("%w: default DRAM range crosses a hop%d entry", ErrInvalidArgument, i)
		}
	}
	return nil
}
