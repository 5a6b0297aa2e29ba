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

// addrspacectl is a diagnostic tool for guest physical address space
// layouts: it loads a machine memory configuration, maps the requested RAM
// ranges, builds the region tree and prints the resulting flat view.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"microvmm/pkg/addrspace"
	"microvmm/pkg/config"
)

func registerCommands() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(dumpCommand), "")
}

func main() {
	registerCommands()
	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

// dumpCommand loads a MachineMemConfig and prints the flattened address
// space it produces.
type dumpCommand struct {
	configPath string
}

func (*dumpCommand) Name() string     { return "dump" }
func (*dumpCommand) Synopsis() string { return "map a configured memory layout and print its flat view" }
func (*dumpCommand) Usage() string {
	return "dump -config <path>\n  Print the flattened guest address space described by a TOML config.\n"
}

func (c *dumpCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a machine memory config TOML file")
}

func (c *dumpCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.configPath == "" {
		fmt.Fprintln(os.Stderr, "addrspacectl: -config is required")
		return subcommands.ExitUsageError
	}

	cfg, err := config.LoadMachineMemConfig(c.configPath)
	if err != nil {
		logrus.WithError(err).Error("load config")
		return subcommands.ExitFailure
	}

	ranges := cfg.AddressRanges()
	mappings, err := addrspace.CreateHostMmaps(ranges, cfg.MemConfig())
	if err != nil {
		logrus.WithError(err).Error("create host mmaps")
		return subcommands.ExitFailure
	}

	var top uint64
	for _, r := range ranges {
		if end := r.EndAddr().RawValue(); end > top {
			top = end
		}
	}

	root := addrspace.InitContainerRegion(top)
	as, err := addrspace.NewAddressSpace(root)
	if err != nil {
		logrus.WithError(err).Error("create address space")
		return subcommands.ExitFailure
	}

	for i, m := range mappings {
		ram := addrspace.InitRamRegion(m)
		name := "ram"
		if i < len(cfg.Regions) {
			ram.SetPriority(cfg.Regions[i].Priority)
			if cfg.Regions[i].Name != "" {
				name = cfg.Regions[i].Name
			}
		}
		if err := root.AddSubregion(ram, uint64(m.StartAddress().RawValue())); err != nil {
			logrus.WithError(err).Errorf("attach region %s", name)
			return subcommands.ExitFailure
		}
	}

	fmt.Printf("memory end address: %#x\n", as.MemoryEndAddress().RawValue())
	for _, fr := range as.FlatRanges() {
		fmt.Printf("range: base=%#x size=%d offset_in_region=%d\n",
			fr.AddrRange.Base.RawValue(), fr.AddrRange.Size, fr.OffsetInRegion)
	}
	for _, fd := range as.IOEventFds() {
		fmt.Printf("ioeventfd: fd=%d base=%#x size=%d data_match=%v data=%#x\n",
			fd.Fd, fd.AddrRange.Base.RawValue(), fd.AddrRange.Size, fd.DataMatch, fd.Data)
	}

	return subcommands.ExitSuccess
}
