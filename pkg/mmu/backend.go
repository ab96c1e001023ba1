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

// Backend writes page table entries to device-visible memory.
//
// Implementations must be safe for concurrent use by different contexts.
type Backend interface {
	// ReadEntry reads the 64-bit entry at addr.
	ReadEntry(addr PhysAddr) uint64

	// WriteEntry writes the 64-bit entry at addr.
	WriteEntry(addr PhysAddr, val uint64)
}

// Barrierer is implemented by backends that can order posted writes. Flush
// calls Barrier before its dummy read.
type Barrierer interface {
	Barrier()
}

// FramePool hands out device memory for hop tables. It is shared by every
// context of a device and must be safe for concurrent use.
type FramePool interface {
	// Allocate returns size bytes aligned to size.
	Allocate(size uint64) (PhysAddr, error)

	// Free returns a block obtained from Allocate.
	Free(addr PhysAddr, size uint64)
}

// ShadowAllocator hands out host buffers for shadow hop tables.
type ShadowAllocator interface {
	// Alloc returns a zeroed buffer of size bytes whose address is aligned
	// to align. The slice views the buffer as entries.
	Alloc(size, align uint64) (ShadowAddr, []uint64, error)

	// Free releases a buffer obtained from Alloc.
	Free(addr ShadowAddr)
}
