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

// Package mmu implements the software managed page tables of an
// accelerator MMU.
//
// Every hop (page table) exists twice: a shadow copy in host memory, which
// the engine walks, and a physical copy in device memory, which the
// hardware walks. Entries of the shadow copy point at shadow addresses; the
// same entries written to the device point at physical addresses. All
// writes go through the entry writer, which keeps both copies in step.
//
// A Device owns what is shared by all address spaces: the configuration,
// the backend, the frame pool and the static hop0 tables. A Context is one
// address space. Contexts are not locked; callers serialize operations on
// one context, while different contexts may be used concurrently.
package mmu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/accelmmu/pkg/log"
)

// Stats counts engine activity of a device.
type Stats struct {
	HopsAllocated uint64
	HopsFreed     uint64
	Maps          uint64
	Unmaps        uint64
	Flushes       uint64
}

type stats struct {
	hopsAllocated atomic.Uint64
	hopsFreed     atomic.Uint64
	maps          atomic.Uint64
	unmaps        atomic.Uint64
	flushes       atomic.Uint64
}

// Device is the MMU state shared by every address space of one device.
type Device struct {
	props   Properties
	backend Backend
	pool    FramePool
	shadow  ShadowAllocator

	// hop0Shadow and hop0Entries are the shadow copy of all hop0 tables,
	// MaxASID tables back to back. hop0Phys is the matching device region.
	hop0Shadow  ShadowAddr
	hop0Entries []uint64
	hop0Phys    PhysAddr

	// defaultPTE is the leaf entry of unmapped default DRAM pages.
	defaultPTE PTE

	// limitedLog rate limits reports that a misbehaving caller can repeat:
	// residual hops on teardown and unmaps of unmapped addresses.
	limitedLog log.Logger

	stats stats

	// mu protects contexts.
	mu       sync.Mutex
	contexts map[uint32]*Context
}

// NewDevice sets up the MMU of a device. pool must cover props.PoolRange().
func NewDevice(props Properties, backend Backend, pool FramePool, shadow ShadowAllocator) (*Device, error) {
	if err := props.Validate(); err != nil {
		return nil, err
	}
	addr, entries, err := shadow.Alloc(props.hop0TablesSize(), props.HopTableSize)
	if err != nil {
		return nil, fmt.Errorf("%w: hop0 shadow tables: %v", ErrOutOfMemory, err)
	}
	d := &Device{
		props:       props,
		backend:     backend,
		pool:        pool,
		shadow:      shadow,
		hop0Shadow:  addr,
		hop0Entries: entries,
		hop0Phys:    props.PageTableAddr,
		defaultPTE:  leafPTE(props.DRAMDefaultPageAddr),
		limitedLog:  log.RateLimitedLogger(log.Log(), time.Second, 16),
		contexts:    make(map[uint32]*Context),
	}
	log.Infof("MMU %q: %d ASIDs, %d byte hops, hop0 tables at %v", props.Name, props.MaxASID, props.HopTableSize, d.hop0Phys)
	return d, nil
}

// Properties returns the configuration of the device.
func (d *Device) Properties() Properties {
	return d.props
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	return Stats{
		HopsAllocated: d.stats.hopsAllocated.Load(),
		HopsFreed:     d.stats.hopsFreed.Load(),
		Maps:          d.stats.maps.Load(),
		Unmaps:        d.stats.unmaps.Load(),
		Flushes:       d.stats.flushes.Load(),
	}
}

// Close releases the hop0 tables. All contexts must be closed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.contexts); n != 0 {
		return fmt.Errorf("%w: %d contexts still open", ErrInvalidArgument, n)
	}
	if d.hop0Entries != nil {
		d.shadow.Free(d.hop0Shadow)
		d.hop0Entries = nil
	}
	return nil
}

// NewContext creates the address space of asid. When the device uses the
// default DRAM page mapping, the default mapped range is built here.
func (d *Device) NewContext(asid uint32) (*Context, error) {
	if asid >= d.props.MaxASID {
		return nil, fmt.Errorf("%w: ASID %d out of range [0, %d)", ErrInvalidArgument, asid, d.props.MaxASID)
	}

	d.mu.Lock()
	if d.hop0Entries == nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: device is closed", ErrInvalidArgument)
	}
	if _, ok := d.contexts[asid]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: ASID %d is in use", ErrInvalidArgument, asid)
	}
	c := newContext(d, asid)
	d.contexts[asid] = c
	d.mu.Unlock()

	if err := c.defaultMappingInit(); err != nil {
		d.releaseASID(asid)
		return nil, err
	}
	log.Debugf("ASID %d: context ready, hop0 at %v / %v", asid, c.hop0Shadow, c.hop0Phys)
	return c, nil
}

// releaseASID makes asid available again.
func (d *Device) releaseASID(asid uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.contexts, asid)
}
