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
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"unsafe"
)

// AddressSpace is the root orchestrator: it owns the root Region and the
// materialized FlatView used for every guest access. The FlatView is
// rebuilt into a fresh structure and swapped atomically under fvMu: an
// in-flight access either sees the old or the new FlatView in its
// entirety, never a mix.
type AddressSpace struct {
	root *Region

	fvMu sync.RWMutex
	fv   *FlatView

	ioEventFds *ioEventFdSet
}

// NewAddressSpace wraps root (typically a Container spanning the full
// 64-bit guest range) and performs the initial topology update.
func NewAddressSpace(root *Region) (*AddressSpace, error) {
	as := &AddressSpace{
		root:       root,
		fv:         &FlatView{},
		ioEventFds: newIOEventFdSet(),
	}
	root.setBelongedAddressSpace(as)
	if err := as.updateTopology(); err != nil {
		return nil, err
	}
	return as, nil
}

// currentFlatView returns the FlatView in effect for a single access; the
// caller observes a consistent snapshot even if a concurrent topology
// update is in flight.
func (as *AddressSpace) currentFlatView() *FlatView {
	as.fvMu.RLock()
	defer as.fvMu.RUnlock()
	return as.fv
}

// updateTopology regenerates the FlatView and re-syncs the ioeventfd list.
// It is invoked by Region after any structural change (add/delete
// subregion). On failure, the previous FlatView remains installed.
func (as *AddressSpace) updateTopology() error {
	fv, err := GenerateFlatView(as.root, GuestAddress(0), NewAddressRange(GuestAddress(0), as.root.Size()))
	if err != nil {
		return err
	}

	as.fvMu.Lock()
	as.fv = fv
	as.fvMu.Unlock()

	as.ioEventFds.replace(collectIOEventFds(fv))
	return nil
}

// collectIOEventFds derives the address-space-wide ioeventfd list from the
// IO regions currently visible in fv: a region shadowed out of the flat
// view by a higher-priority sibling contributes no doorbells.
func collectIOEventFds(fv *FlatView) []RegionIoEventFd {
	seen := make(map[*Region]bool)
	var out []RegionIoEventFd
	for _, fr := range fv.Ranges {
		if fr.Owner.RegionType() != RegionIO || seen[fr.Owner] {
			continue
		}
		seen[fr.Owner] = true
		// ioEventFds adds only the owner's offset within its parent; rebase
		// onto the owner's absolute guest address.
		regionBase := fr.AddrRange.Base.RawValue() - fr.OffsetInRegion
		delta := regionBase - fr.Owner.Offset().RawValue()
		for _, fd := range fr.Owner.ioEventFds() {
			fd.AddrRange.Base = fd.AddrRange.Base.UncheckedAdd(delta)
			out = append(out, fd)
		}
	}
	return out
}

// IOEventFds returns the current address-space-wide ioeventfd list in the
// before() total order.
func (as *AddressSpace) IOEventFds() []RegionIoEventFd {
	return as.ioEventFds.ordered()
}

// MemoryEndAddress returns the supremum of the FlatView: the highest
// end-exclusive address observed across the current FlatView.
func (as *AddressSpace) MemoryEndAddress() GuestAddress {
	fv := as.currentFlatView()
	if len(fv.Ranges) == 0 {
		return GuestAddress(0)
	}
	return fv.Ranges[len(fv.Ranges)-1].AddrRange.EndAddr()
}

// findRange returns the index of the FlatRange containing addr, if any.
func findRange(fv *FlatView, addr GuestAddress) (int, bool) {
	n := len(fv.Ranges)
	i := sort.Search(n, func(i int) bool {
		return fv.Ranges[i].AddrRange.EndAddr() > addr
	})
	if i == n || fv.Ranges[i].AddrRange.Base > addr {
		return 0, false
	}
	return i, true
}

// Read copies up to count bytes starting at addr into dst, spanning
// successive FlatRanges as needed. It returns the number of bytes
// successfully transferred before any fault.
func (as *AddressSpace) Read(dst io.Writer, addr GuestAddress, count uint64) (uint64, error) {
	fv := as.currentFlatView()
	var transferred uint64
	for count > 0 {
		idx, ok := findRange(fv, addr)
		if !ok {
			return transferred, fmt.Errorf("addrspace: no mapping at guest address %#x", addr.RawValue())
		}
		fr := fv.Ranges[idx]
		avail := fr.AddrRange.EndAddr().OffsetFrom(addr)
		n := count
		if avail < n {
			n = avail
		}
		offset := fr.OffsetInRegion + addr.OffsetFrom(fr.AddrRange.Base)
		if err := fr.Owner.Read(dst, fr.AddrRange.Base, offset, n); err != nil {
			return transferred, err
		}
		transferred += n
		addr = addr.UncheckedAdd(n)
		count -= n
	}
	return transferred, nil
}

// Write copies up to count bytes from src into addr, spanning successive
// FlatRanges as needed. It returns the number of bytes successfully
// transferred before any fault.
func (as *AddressSpace) Write(src io.Reader, addr GuestAddress, count uint64) (uint64, error) {
	fv := as.currentFlatView()
	var transferred uint64
	for count > 0 {
		idx, ok := findRange(fv, addr)
		if !ok {
			return transferred, fmt.Errorf("addrspace: no mapping at guest address %#x", addr.RawValue())
		}
		fr := fv.Ranges[idx]
		avail := fr.AddrRange.EndAddr().OffsetFrom(addr)
		n := count
		if avail < n {
			n = avail
		}
		offset := fr.OffsetInRegion + addr.OffsetFrom(fr.AddrRange.Base)
		if err := fr.Owner.Write(src, fr.AddrRange.Base, offset, n); err != nil {
			return transferred, err
		}
		transferred += n
		addr = addr.UncheckedAdd(n)
		count -= n
	}
	return transferred, nil
}

// ReadObject reads a plain, bit-for-bit-copyable value of type T from addr.
// T must carry no pointers: the copy is a raw memory copy with no
// endianness conversion.
func ReadObject[T any](as *AddressSpace, addr GuestAddress) (T, error) {
	var value T
	size := uint64(unsafe.Sizeof(value))
	var buf bytes.Buffer
	buf.Grow(int(size))
	if _, err := as.Read(&buf, addr, size); err != nil {
		return value, err
	}
	b := buf.Bytes()
	if uint64(len(b)) != size {
		return value, fmt.Errorf("addrspace: short read of object: got %d want %d", len(b), size)
	}
	value = *(*T)(unsafe.Pointer(&b[0]))
	return value, nil
}

// WriteObject writes a plain, bit-for-bit-copyable value of type T to addr.
func WriteObject[T any](as *AddressSpace, addr GuestAddress, value T) error {
	size := uint64(unsafe.Sizeof(value))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&value)), size)
	_, err := as.Write(bytes.NewReader(buf), addr, size)
	return err
}

// CreateHostMmaps builds HostMemMappings for ranges according to memConfig.
// It is a thin AddressSpace-scoped entry point over the package-level
// CreateHostMmaps and behaves identically to it.
func (as *AddressSpace) CreateHostMmaps(ranges []AddressRange, memConfig MemConfig) ([]*HostMemMapping, error) {
	return CreateHostMmaps(ranges, memConfig)
}

// Root returns the address space's root region.
func (as *AddressSpace) Root() *Region {
	return as.root
}

// FlatRanges returns a snapshot of the current FlatView's ranges, for
// diagnostics and testing.
func (as *AddressSpace) FlatRanges() []FlatRange {
	fv := as.currentFlatView()
	out := make([]FlatRange, len(fv.Ranges))
	copy(out, fv.Ranges)
	return out
}
