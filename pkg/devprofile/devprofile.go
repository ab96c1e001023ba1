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

// Package devprofile loads the MMU configuration of a device from TOML
// profiles.
package devprofile

import (
	"embed"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/accelmmu/pkg/mmu"
)

//go:embed profiles/*.toml
var builtins embed.FS

// Level is the index selector of one hop.
type Level struct {
	Mask  uint64 `toml:"mask"`
	Shift uint   `toml:"shift"`
}

// Class is the geometry of one memory class.
type Class struct {
	Start    uint64  `toml:"start"`
	End      uint64  `toml:"end"`
	PageSize uint64  `toml:"page_size"`
	Levels   []Level `toml:"levels"`
}

// DefaultMapping configures the always resolving DRAM range.
type DefaultMapping struct {
	Enabled   bool   `toml:"enabled"`
	PageAddr  uint64 `toml:"page_addr"`
	RangeSize uint64 `toml:"range_size"`
}

// Profile is the TOML form of mmu.Properties.
type Profile struct {
	Name          string         `toml:"name"`
	HopTableSize  uint64         `toml:"hop_table_size"`
	PageTableAddr uint64         `toml:"page_table_addr"`
	PageTableSize uint64         `toml:"page_table_size"`
	MaxASID       uint32         `toml:"max_asid"`
	DRAM          Class          `toml:"dram"`
	Host          Class          `toml:"host"`
	HostHuge      Class          `toml:"host_huge"`
	DRAMDefault   DefaultMapping `toml:"dram_default"`
}

func (c *Class) properties(name string) (mmu.ClassProperties, error) {
	cp := mmu.ClassProperties{
		StartAddr: mmu.VirtAddr(c.Start),
		EndAddr:   mmu.VirtAddr(c.End),
		PageSize:  c.PageSize,
	}
	if len(c.Levels) > mmu.MaxHops {
		return cp, fmt.Errorf("%s: %d levels, at most %d supported", name, len(c.Levels), mmu.MaxHops)
	}
	for i, l := range c.Levels {
		cp.Levels[i] = mmu.HopLevel{Mask: l.Mask, Shift: l.Shift}
	}
	return cp, nil
}

func fromClass(cp *mmu.ClassProperties, levels int) Class {
	c := Class{
		Start:    uint64(cp.StartAddr),
		End:      uint64(cp.EndAddr),
		PageSize: cp.PageSize,
	}
	for _, l := range cp.Levels[:levels] {
		c.Levels = append(c.Levels, Level{Mask: l.Mask, Shift: l.Shift})
	}
	return c
}

// Properties converts the profile and validates the result.
func (p *Profile) Properties() (mmu.Properties, error) {
	props := mmu.Properties{
		Name:                   p.Name,
		HopTableSize:           p.HopTableSize,
		PageTableAddr:          mmu.PhysAddr(p.PageTableAddr),
		PageTableSize:          p.PageTableSize,
		MaxASID:                p.MaxASID,
		DRAMDefaultPageMapping: p.DRAMDefault.Enabled,
		DRAMDefaultPageAddr:    mmu.PhysAddr(p.DRAMDefault.PageAddr),
		DRAMDefaultRangeSize:   p.DRAMDefault.RangeSize,
	}
	var err error
	if props.DRAM, err = p.DRAM.properties("dram"); err != nil {
		return props, err
	}
	if props.Host, err = p.Host.properties("host"); err != nil {
		return props, err
	}
	if props.HostHuge, err = p.HostHuge.properties("host_huge"); err != nil {
		return props, err
	}
	if err := props.Validate(); err != nil {
		return props, fmt.Errorf("profile %q: %w", p.Name, err)
	}
	return props, nil
}

// FromProperties returns the profile describing props.
func FromProperties(props mmu.Properties) Profile {
	return Profile{
		Name:          props.Name,
		HopTableSize:  props.HopTableSize,
		PageTableAddr: uint64(props.PageTableAddr),
		PageTableSize: props.PageTableSize,
		MaxASID:       props.MaxASID,
		DRAM:          fromClass(&props.DRAM, mmu.ClassDRAM.Hops()),
		Host:          fromClass(&props.Host, mmu.ClassHost.Hops()),
		HostHuge:      fromClass(&props.HostHuge, mmu.ClassHostHuge.Hops()),
		DRAMDefault: DefaultMapping{
			Enabled:   props.DRAMDefaultPageMapping,
			PageAddr:  uint64(props.DRAMDefaultPageAddr),
			RangeSize: props.DRAMDefaultRangeSize,
		},
	}
}

// Decode reads a TOML profile from r. Keys that do not belong to a profile
// are an error.
func Decode(r io.Reader) (mmu.Properties, error) {
	var p Profile
	md, err := toml.NewDecoder(r).Decode(&p)
	if err != nil {
		return mmu.Properties{}, fmt.Errorf("decoding profile: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return mmu.Properties{}, fmt.Errorf("profile %q: unknown keys: %s", p.Name, strings.Join(keys, ", "))
	}
	return p.Properties()
}

// Load reads the TOML profile at path.
func Load(path string) (mmu.Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return mmu.Properties{}, err
	}
	defer f.Close()
	props, err := Decode(f)
	if err != nil {
		return mmu.Properties{}, fmt.Errorf("%s: %w", path, err)
	}
	return props, nil
}

// Builtin returns the built in profile called name.
func Builtin(name string) (mmu.Properties, error) {
	f, err := builtins.Open(path.Join("profiles", name+".toml"))
	if err != nil {
		return mmu.Properties{}, fmt.Errorf("no built in profile %q, have %s", name, strings.Join(Names(), ", "))
	}
	defer f.Close()
	return Decode(f)
}

// Names returns the names of the built in profiles, sorted.
func Names() []string {
	entries, err := builtins.ReadDir("profiles")
	if err != nil {
		panic(fmt.Sprintf("reading built in profiles: %v", err))
	}
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
	}
	slices.Sort(names)
	return names
}

// Encode writes props to w as a TOML profile.
func Encode(w io.Writer, props mmu.Properties) error {
	return toml.NewEncoder(w).Encode(FromProperties(props))
}
