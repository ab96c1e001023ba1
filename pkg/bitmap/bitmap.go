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

// Package bitmap provides a fixed size bitmap with run searches, used to
// track allocation units.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// Bitmap is a fixed size set of bits.
type Bitmap struct {
	// size is the number of usable bits.
	size uint32

	// numOnes is the number of set bits.
	numOnes uint32

	// bitBlock holds the bits, 64 per word.
	bitBlock []uint64
}

// New creates an empty Bitmap of size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// IsSet returns true if bit i is set.
func (b *Bitmap) IsSet(i uint32) bool {
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// FirstZero returns the first unset bit from the range [start, size).
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	if start >= b.size {
		return math.MaxUint32, fmt.Errorf("start %d exceeds bitmap size %d", start, b.size)
	}
	i, n := int(start/64), len(b.bitBlock)
	w := b.bitBlock[i] | ((1 << (start % 64)) - 1)
	for {
		if w != ^uint64(0) {
			if r := uint32(bits.TrailingZeros64(^w) + i*64); r < b.size {
				return r, nil
			}
			break
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return math.MaxUint32, fmt.Errorf("bitmap has no unset bits")
}

// FirstOne returns the first set bit from the range [start, size).
func (b *Bitmap) FirstOne(start uint32) (uint32, error) {
	if start >= b.size {
		return math.MaxUint32, fmt.Errorf("start %d exceeds bitmap size %d", start, b.size)
	}
	i, n := int(start/64), len(b.bitBlock)
	w := b.bitBlock[i] & (math.MaxUint64 << (start % 64))
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w) + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return math.MaxUint32, fmt.Errorf("bitmap has no set bits")
}

// ZeroRun returns the first run of n unset bits whose first bit is a
// multiple of align.
func (b *Bitmap) ZeroRun(n, align uint32) (uint32, bool) {
	if n == 0 || align == 0 {
		return 0, false
	}
	start := uint32(0)
	for {
		first, err := b.FirstZero(start)
		if err != nil {
			return 0, false
		}
		first = (first + align - 1) / align * align
		if first >= b.size || b.size-first < n {
			return 0, false
		}
		one, err := b.FirstOne(first)
		if err != nil || one >= first+n {
			return first, true
		}
		start = one + 1
		if start >= b.size {
			return 0, false
		}
	}
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if old := b.bitBlock[blockNum]; old&mask == 0 {
		b.bitBlock[blockNum] = old | mask
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if old := b.bitBlock[blockNum]; old&mask != 0 {
		b.bitBlock[blockNum] = old &^ mask
		b.numOnes--
	}
}

// AddRange sets the bits in [begin, end).
func (b *Bitmap) AddRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Add(i)
	}
}

// ClearRange clears the bits in [begin, end).
func (b *Bitmap) ClearRange(begin, end uint32) {
	if begin >= end {
		return
	}
	oldOnes := b.countOnesForBlocks(begin, end-1)
	b.clearRange(begin, end)
	b.numOnes -= uint32(oldOnes - b.countOnesForBlocks(begin, end-1))
}

// countOnesForBlocks counts the set bits of the blocks holding first and
// last, and of every block between them.
func (b *Bitmap) countOnesForBlocks(first, last uint32) uint64 {
	ones := uint64(0)
	for i := first / 64; i <= last/64; i++ {
		ones += uint64(bits.OnesCount64(b.bitBlock[i]))
	}
	return ones
}

// clearRange clears the bits in [begin, end) without updating numOnes.
func (b *Bitmap) clearRange(begin, end uint32) {
	end--
	beginBlock, endBlock := begin/64, end/64
	if beginBlock == endBlock {
		b.bitBlock[beginBlock] &= ((uint64(1) << (begin % 64)) - 1) | ^((uint64(1) << (end%64 + 1)) - 1)
		return
	}
	b.bitBlock[beginBlock] &= (uint64(1) << (begin % 64)) - 1
	for i := beginBlock + 1; i < endBlock; i++ {
		b.bitBlock[i] = 0
	}
	b.bitBlock[endBlock] &= ^((uint64(1) << (end%64 + 1)) - 1)
}
