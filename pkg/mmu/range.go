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

// checkRange validates a range request and returns its page count.
func (c *Context) checkRange(va VirtAddr, size, pageSize uint64, class Class) (uint64, error) {
	cp := c.dev.props.class(class)
	switch {
	case pageSize != cp.PageSize:
		return 0, fmt.Errorf("%w: %v page size %#x, want %#x", ErrInvalidArgument, class, pageSize, cp.PageSize)
	case size == 0 || !isAligned(size, pageSize) || !isAligned(uint64(va), pageSize):
		return 0, fmt.Errorf("%w: range %v+%#x is empty or not aligned to %#x", ErrInvalidArgument, va, size, pageSize)
	case !cp.contains(va, size):
		return 0, fmt.Errorf("%w: range %v+%#x is outside the %v range", ErrInvalidArgument, va, size, class)
	}
	return size / pageSize, nil
}

// MapRange maps size bytes at va to the contiguous frames at pa, one page
// at a time. If any page fails, the pages already mapped are unmapped
// again and the error is returned. The tables are flushed once at the end.
func (c *Context) MapRange(va VirtAddr, pa PhysAddr, size, pageSize uint64, isDRAM bool) error {
	class := c.dev.props.classFor(pageSize, isDRAM)
	n, err := c.checkRange(va, size, pageSize, class)
	if err != nil {
		return err
	}
	if !isAligned(uint64(pa), pageSize) {
		return fmt.Errorf("%w: %v not aligned to %#x", ErrInvalidArgument, pa, pageSize)
	}

	var cu cleanup.Cleanup
	defer func() {
		if cu.Len() != 0 {
			cu.Clean()
			c.Flush()
		}
	}()
	for i := uint64(0); i < n; i++ {
		off := i * pageSize
		pva := va + VirtAddr(off)
		if err := c.Map(pva, pa+PhysAddr(off), pageSize, isDRAM); err != nil {
			return fmt.Errorf("mapping page %d of %v+%#x: %w", i, va, size, err)
		}
		cu.Add(func() {
			if err := c.Unmap(pva, isDRAM); err != nil {
				log.Warningf("ASID %d: rolling back %v: %v", c.asid, pva, err)
			}
		})
	}
	cu.Release()
	c.Flush()
	return nil
}

// UnmapRange unmaps size bytes at va, one page at a time. It carries on
// past pages that fail and returns the first error. The tables are flushed
// once at the end.
func (c *Context) UnmapRange(va VirtAddr, size, pageSize uint64, isDRAM bool) error {
	class := c.dev.props.classFor(pageSize, isDRAM)
	n, err := c.checkRange(va, size, pageSize, class)
	if err != nil {
		return err
	}
	var first error
	for i := uint64(0); i < n; i++ {
		pva := va + VirtAddr(i*pageSize)
		if err := c.Unmap(pva, isDRAM); err != nil && first == nil {
			first = fmt.Errorf("unmapping page %d of %v+%#x: %w", i, va, size, err)
		}
	}
	c.Flush()
	return first
}
