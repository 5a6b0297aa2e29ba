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

package addrspace

import (
	"fmt"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
)

// RegionIoEventFd is a descriptor-triggered notification declared by an IO
// region: the host kernel signals Fd when the guest performs a write that
// matches AddrRange (and, if DataMatch is set, writes exactly Data).
type RegionIoEventFd struct {
	// Fd is the host eventfd descriptor armed for this doorbell.
	Fd int
	// AddrRange is the guarded write's base and size (1, 2, 4 or 8).
	AddrRange AddressRange
	// DataMatch requires the written value to equal Data for Fd to fire.
	DataMatch bool
	// Data is the value that must be written when DataMatch is set.
	Data uint64
}

// before implements the total order used to merge per-region ioeventfd
// lists into one address-space-wide list: compare base, then size, then
// data_match (true sorts before false), then data.
func (e RegionIoEventFd) before(other RegionIoEventFd) bool {
	if e.AddrRange.Base != other.AddrRange.Base {
		return e.AddrRange.Base < other.AddrRange.Base
	}
	if e.AddrRange.Size != other.AddrRange.Size {
		return e.AddrRange.Size < other.AddrRange.Size
	}
	if e.DataMatch != other.DataMatch {
		return e.DataMatch && !other.DataMatch
	}
	return e.Data < other.Data
}

// clone duplicates the underlying descriptor so the returned value has
// independent lifetime from e.
func (e RegionIoEventFd) clone() (RegionIoEventFd, error) {
	dup, err := unix.Dup(e.Fd)
	if err != nil {
		return RegionIoEventFd{}, fmt.Errorf("%w: %v", ErrIoEventFd, err)
	}
	cloned := e
	cloned.Fd = dup
	return cloned, nil
}

// ioEventFdLess adapts RegionIoEventFd.before to btree.LessFunc, breaking
// ties (two entries with an identical ordering key) by descriptor number so
// that distinct entries are never silently merged by the tree.
func ioEventFdLess(a, b RegionIoEventFd) bool {
	if a.before(b) {
		return true
	}
	if b.before(a) {
		return false
	}
	return a.Fd < b.Fd
}

// ioEventFdSet is the address-space-wide merged view of every attached IO
// region's ioeventfds, kept in the before() total order via an ordered
// btree rather than a slice re-sorted on every topology change.
type ioEventFdSet struct {
	tree *btree.BTreeG[RegionIoEventFd]
}

func newIOEventFdSet() *ioEventFdSet {
	return &ioEventFdSet{tree: btree.NewG(32, ioEventFdLess)}
}

// replace swaps the contents of the set: every old entry is removed before
// any new one is added. The set holds no lock, so the swap is not atomic
// with respect to a concurrent ordered call, and no registration with the
// host kernel is made here.
func (s *ioEventFdSet) replace(entries []RegionIoEventFd) {
	s.tree.Clear(false)
	for _, e := range entries {
		s.tree.ReplaceOrInsert(e)
	}
}

// ordered returns the current set in before() order.
func (s *ioEventFdSet) ordered() []RegionIoEventFd {
	out := make([]RegionIoEventFd, 0, s.tree.Len())
	s.tree.Ascend(func(e RegionIoEventFd) bool {
		out = append(out, e)
		return true
	})
	return out
}
