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

import "fmt"

// entrySize is the width of a page table entry, in bytes.
const entrySize = 8

// ShadowAddr is a host-visible address inside a hop's shadow buffer.
//
// The shadow copy of a table is what the engine reads when it walks; it is
// never handed to the device.
type ShadowAddr uint64

// PhysAddr is a device-visible address: the location of a hop's hardware
// copy, or a mapped frame.
type PhysAddr uint64

// VirtAddr is a device-virtual address being translated.
type VirtAddr uint64

// String implements fmt.Stringer.String.
func (a ShadowAddr) String() string {
	return fmt.Sprintf("shadow %#x", uint64(a))
}

// String implements fmt.Stringer.String.
func (a PhysAddr) String() string {
	return fmt.Sprintf("phys %#x", uint64(a))
}

// String implements fmt.Stringer.String.
func (v VirtAddr) String() string {
	return fmt.Sprintf("va %#x", uint64(v))
}

// entry returns the address of the i'th entry of the table at a.
func (a ShadowAddr) entry(i uint64) ShadowAddr {
	return a + ShadowAddr(i*entrySize)
}

// isAligned returns true if v is a multiple of align, which must be a power
// of two.
func isAligned(v, align uint64) bool {
	return v&(align-1) == 0
}

// isPowerOfTwo returns true if v is a nonzero power of two.
func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
