// Copyright 2018 The gVisor Authors.
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

// Package config loads the on-disk description of a machine's memory
// layout: the guest RAM ranges to map and the host-mapping options to map
// them with.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"microvmm/pkg/addrspace"
)

// RegionConfig describes one guest RAM range to be mapped at startup.
type RegionConfig struct {
	// Name is a human-readable label, used only in diagnostics.
	Name string `toml:"name"`
	// Base is the guest physical base address of the range.
	Base uint64 `toml:"base"`
	// Size is the length of the range in bytes.
	Size uint64 `toml:"size"`
	// Priority orders this range among siblings sharing a container.
	Priority int32 `toml:"priority"`
}

// MachineMemConfig is the on-disk description of a machine's memory layout,
// loaded from a TOML file passed to addrspacectl or to the monitor binary
// embedding this package.
type MachineMemConfig struct {
	// MemPath optionally names a file or directory used to back guest RAM
	// with hugetlbfs or a shared-memory pseudo-filesystem.
	MemPath string `toml:"mem_path"`
	// MemShare requests MAP_SHARED mappings (and, with no MemPath, an
	// anonymous shared memfd) so guest RAM can be inspected from outside
	// the owning process, e.g. by a live-migration helper.
	MemShare bool `toml:"mem_share"`
	// DumpGuestCore controls whether guest RAM is included in a core dump
	// of the monitor process.
	DumpGuestCore bool `toml:"dump_guest_core"`
	// Regions lists the guest RAM ranges to map, in the order they should
	// be attached to the root container.
	Regions []RegionConfig `toml:"region"`
}

// LoadMachineMemConfig parses the TOML file at path into a
// MachineMemConfig.
func LoadMachineMemConfig(path string) (MachineMemConfig, error) {
	var cfg MachineMemConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return MachineMemConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// AddressRanges converts the configured regions into addrspace.AddressRange
// values, in configuration order.
func (c MachineMemConfig) AddressRanges() []addrspace.AddressRange {
	ranges := make([]addrspace.AddressRange, 0, len(c.Regions))
	for _, r := range c.Regions {
		ranges = append(ranges, addrspace.NewAddressRange(addrspace.GuestAddress(r.Base), r.Size))
	}
	return ranges
}

// MemConfig projects the host-mapping options into addrspace.MemConfig.
func (c MachineMemConfig) MemConfig() addrspace.MemConfig {
	return addrspace.MemConfig{
		MemPath:       c.MemPath,
		MemShare:      c.MemShare,
		DumpGuestCore: c.DumpGuestCore,
	}
}
