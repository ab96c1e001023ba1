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

// Package cmd holds implementations of the mmuctl commands.
package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"gvisor.dev/accelmmu/pkg/devmem"
	"gvisor.dev/accelmmu/pkg/framepool"
	"gvisor.dev/accelmmu/pkg/log"
	"gvisor.dev/accelmmu/pkg/mmu"
	"gvisor.dev/accelmmu/pkg/shadowmem"
)

// Config is the configuration shared by all commands.
type Config struct {
	// Props is the effective device profile.
	Props mmu.Properties

	// Shadow selects the shadow allocator: "heap" or "mmap".
	Shadow string
}

// shadowAllocator is a shadow allocator that reports its usage.
type shadowAllocator interface {
	mmu.ShadowAllocator
	InUse() uint64
}

// Sim is an MMU on simulated device memory.
type Sim struct {
	Dev    *mmu.Device
	Mem    *devmem.Memory
	Pool   *framepool.Pool
	Shadow shadowAllocator
}

// NewSim builds a simulated device for conf. A nonzero poolLimit caps the
// frame pool to that many bytes.
func NewSim(conf *Config, poolLimit uint64) (*Sim, error) {
	var shadow shadowAllocator
	switch conf.Shadow {
	case "", "heap":
		shadow = shadowmem.NewHeap(0)
	case "mmap":
		shadow = shadowmem.NewMmap()
	default:
		return nil, fmt.Errorf("invalid shadow allocator %q, must be 'heap' or 'mmap'", conf.Shadow)
	}

	base, size := conf.Props.PoolRange()
	if poolLimit != 0 && poolLimit < size {
		size = poolLimit &^ (conf.Props.HopTableSize - 1)
	}
	pool, err := framepool.New(base, size, conf.Props.HopTableSize)
	if err != nil {
		return nil, fmt.Errorf("creating frame pool: %w", err)
	}
	mem := devmem.New()
	dev, err := mmu.NewDevice(conf.Props, mem, pool, shadow)
	if err != nil {
		return nil, err
	}
	log.Infof("Simulated device %q: frame pool %v+%#x, %s shadow", conf.Props.Name, base, size, conf.Shadow)
	return &Sim{Dev: dev, Mem: mem, Pool: pool, Shadow: shadow}, nil
}

// Close closes the device and reports memory the engine did not give
// back.
func (s *Sim) Close() error {
	if err := s.Dev.Close(); err != nil {
		return err
	}
	if n := s.Pool.InUse(); n != 0 {
		return fmt.Errorf("frame pool still holds %#x bytes: %v", n, s.Pool.Extents())
	}
	if n := s.Shadow.InUse(); n != 0 {
		return fmt.Errorf("shadow allocator still holds %#x bytes", n)
	}
	return nil
}

// printChain writes one line per hop of ch.
func printChain(w io.Writer, ch mmu.Chain) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "%v (%v)\n", ch.VirtAddr, ch.Class)
	fmt.Fprintf(tw, "HOP\tTABLE\tENTRY\tSHADOW\tDEVICE\n")
	for _, e := range ch.Entries {
		fmt.Fprintf(tw, "hop%d\t%#x\t%#x\t%#x\t%#x\n", e.Level, uint64(e.HopPhys), uint64(e.EntryPhys), uint64(e.Value), e.DeviceValue)
	}
	return tw.Flush()
}
