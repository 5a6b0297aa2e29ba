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
	"io"
	"math"
	"sync"
	"sync/atomic"
)

// RegionType identifies what kind of guest address range a Region covers.
// It never changes after construction.
type RegionType int

const (
	// RegionRam is backed by a HostMemMapping and accessed by bulk copy.
	RegionRam RegionType = iota
	// RegionIO delegates accesses to a RegionOps callback.
	RegionIO
	// RegionContainer aggregates children; it has no bytes of its own.
	RegionContainer
)

func (t RegionType) String() string {
	switch t {
	case RegionRam:
		return "ram"
	case RegionIO:
		return "io"
	case RegionContainer:
		return "container"
	default:
		return "unknown"
	}
}

// RegionOps is implemented by device models to serve accesses to an IO
// region. Read and Write return false to signal a guest-visible access
// fault.
type RegionOps interface {
	Read(buf []byte, base GuestAddress, offset uint64) bool
	Write(buf []byte, base GuestAddress, offset uint64) bool
	IOEventFds() []RegionIoEventFd
}

// Region is a node in the guest-address tree: RAM (backed by a
// HostMemMapping), IO (delegates to a RegionOps) or Container (aggregates
// children).
//
// priority and size are read under concurrent access from any thread
// without tearing (atomics); offset, the subregion list and the owning
// AddressSpace back-link are guarded by their own RWMutexes, matching the
// mixed atomics/locks split of the original implementation: it lets readers
// of the sibling list observe consistent priority values without holding
// the list lock.
type Region struct {
	regionType RegionType

	priority atomic.Int32
	size     atomic.Uint64

	offsetMu sync.RWMutex
	offset   GuestAddress

	memMapping *HostMemMapping
	ops        RegionOps

	spaceMu sync.RWMutex
	space   *AddressSpace

	subregionsMu sync.RWMutex
	subregions   []*Region
}

func initRegion(size uint64, regionType RegionType, memMapping *HostMemMapping, ops RegionOps) *Region {
	r := &Region{regionType: regionType, memMapping: memMapping, ops: ops}
	r.size.Store(size)
	return r
}

// InitRamRegion creates a RAM region backed by mapping; its size is taken
// from the mapping.
func InitRamRegion(mapping *HostMemMapping) *Region {
	return initRegion(mapping.Size(), RegionRam, mapping, nil)
}

// InitIORegion creates an MMIO region of the given size served by ops.
func InitIORegion(size uint64, ops RegionOps) *Region {
	return initRegion(size, RegionIO, nil, ops)
}

// InitContainerRegion creates an aggregation region of the given size.
// Containers cannot be read from or written to directly.
func InitContainerRegion(size uint64) *Region {
	return initRegion(size, RegionContainer, nil, nil)
}

// RegionType returns the (immutable) type of this region.
func (r *Region) RegionType() RegionType { return r.regionType }

// Priority returns the current sibling-ordering priority.
func (r *Region) Priority() int32 { return r.priority.Load() }

// SetPriority updates the sibling-ordering priority. It does not
// re-position the region among its current siblings; callers that need
// re-ordering should remove and re-add the region.
func (r *Region) SetPriority(p int32) { r.priority.Store(p) }

// Size returns the region's size in bytes.
func (r *Region) Size() uint64 { return r.size.Load() }

// Offset returns the region's offset within its parent container (or
// within the address space, for a root region).
func (r *Region) Offset() GuestAddress {
	r.offsetMu.RLock()
	defer r.offsetMu.RUnlock()
	return r.offset
}

// SetOffset sets the region's offset. It is only meaningful before the
// region is attached to a parent, or as part of add_subregion.
func (r *Region) SetOffset(offset GuestAddress) {
	r.offsetMu.Lock()
	defer r.offsetMu.Unlock()
	r.offset = offset
}

// GetHostAddress returns the host address backing this region and true if
// it is a RAM region, or (0, false) otherwise.
func (r *Region) GetHostAddress() (uintptr, bool) {
	if r.regionType != RegionRam {
		return 0, false
	}
	return r.memMapping.HostAddress(), true
}

// identity returns the tuple (priority, region_type, offset, size) used as
// this Region's equality and delete-by-value identity.
type regionIdentity struct {
	priority   int32
	regionType RegionType
	offset     GuestAddress
	size       uint64
}

func (r *Region) identity() regionIdentity {
	return regionIdentity{
		priority:   r.Priority(),
		regionType: r.regionType,
		offset:     r.Offset(),
		size:       r.Size(),
	}
}

// Equal reports whether r and other share the same
// (priority, region_type, offset, size) identity, the identity used for
// delete-by-value.
func (r *Region) Equal(other *Region) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.identity() == other.identity()
}

func (r *Region) setBelongedAddressSpace(space *AddressSpace) {
	r.spaceMu.Lock()
	defer r.spaceMu.Unlock()
	r.space = space
}

func (r *Region) delBelongedAddressSpace() {
	r.spaceMu.Lock()
	defer r.spaceMu.Unlock()
	r.space = nil
}

func (r *Region) belongedAddressSpace() *AddressSpace {
	r.spaceMu.RLock()
	defer r.spaceMu.RUnlock()
	return r.space
}

// subregionsSnapshot returns a copy of the current sibling list; non-empty
// only for Container regions.
func (r *Region) subregionsSnapshot() []*Region {
	r.subregionsMu.RLock()
	defer r.subregionsMu.RUnlock()
	out := make([]*Region, len(r.subregions))
	copy(out, r.subregions)
	return out
}

// CheckValidOffset reports ErrOverflow unless offset+count <= Size(). It is
// exported directly (not just an internal precondition of Read/Write) so
// callers can validate a prospective access up front.
func (r *Region) CheckValidOffset(offset, count uint64) error {
	if count > math.MaxUint64-offset || offset+count > r.Size() {
		return fmt.Errorf("%w: offset %d count %d size %d", ErrOverflow, offset, count, r.Size())
	}
	return nil
}

// Read copies count bytes starting at offset within the region into dst.
// base is passed through to an IO region's RegionOps callback.
func (r *Region) Read(dst io.Writer, base GuestAddress, offset, count uint64) error {
	if err := r.CheckValidOffset(offset, count); err != nil {
		return err
	}
	switch r.regionType {
	case RegionRam:
		view, ok := r.memMapping.View(offset, count)
		if !ok {
			return fmt.Errorf("%w: offset %d count %d", ErrOverflow, offset, count)
		}
		_, err := dst.Write(view)
		return err
	case RegionIO:
		if count >= math.MaxUint64 {
			return fmt.Errorf("%w: count %d", ErrOverflow, count)
		}
		buf := make([]byte, count)
		if !r.ops.Read(buf, base, offset) {
			return fmt.Errorf("%w: offset %d", ErrIoAccess, offset)
		}
		_, err := dst.Write(buf)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrRegionType, r.regionType)
	}
}

// Write copies count bytes from src to offset within the region. base is
// passed through to an IO region's RegionOps callback.
func (r *Region) Write(src io.Reader, base GuestAddress, offset, count uint64) error {
	if err := r.CheckValidOffset(offset, count); err != nil {
		return err
	}
	switch r.regionType {
	case RegionRam:
		view, ok := r.memMapping.View(offset, count)
		if !ok {
			return fmt.Errorf("%w: offset %d count %d", ErrOverflow, offset, count)
		}
		_, err := io.ReadFull(src, view)
		return err
	case RegionIO:
		if count >= math.MaxUint64 {
			return fmt.Errorf("%w: count %d", ErrOverflow, count)
		}
		buf := make([]byte, count)
		if _, err := io.ReadFull(src, buf); err != nil {
			return err
		}
		if !r.ops.Write(buf, base, offset) {
			return fmt.Errorf("%w: offset %d", ErrIoAccess, offset)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrRegionType, r.regionType)
	}
}

// ioEventFds returns this region's ioeventfds translated by the region's
// offset within its parent container, empty for non-IO regions.
func (r *Region) ioEventFds() []RegionIoEventFd {
	if r.regionType != RegionIO {
		return nil
	}
	base := r.Offset()
	fds := r.ops.IOEventFds()
	out := make([]RegionIoEventFd, 0, len(fds))
	for _, fd := range fds {
		cloned, err := fd.clone()
		if err != nil {
			log.Warnf("ioeventfd clone failed: %v", err)
			continue
		}
		cloned.AddrRange.Base = cloned.AddrRange.Base.UncheckedAdd(base.RawValue())
		out = append(out, cloned)
	}
	return out
}

// AddSubregion attaches child at offset within this (Container) region,
// inserting it into the sibling list in descending-priority order (ties
// broken by insertion order), then regenerating the owning AddressSpace's
// FlatView.
func (r *Region) AddSubregion(child *Region, offset uint64) error {
	if r.regionType != RegionContainer {
		return fmt.Errorf("%w: %s", ErrRegionType, r.regionType)
	}
	if err := r.CheckValidOffset(offset, child.Size()); err != nil {
		return err
	}

	child.SetOffset(GuestAddress(offset))
	if space := r.belongedAddressSpace(); space != nil {
		child.setBelongedAddressSpace(space)
	}

	r.subregionsMu.Lock()
	index := 0
	for index < len(r.subregions) {
		if child.Priority() > r.subregions[index].Priority() {
			break
		}
		index++
	}
	r.subregions = append(r.subregions, nil)
	copy(r.subregions[index+1:], r.subregions[index:])
	r.subregions[index] = child
	r.subregionsMu.Unlock()

	if space := r.belongedAddressSpace(); space != nil {
		return space.updateTopology()
	}
	log.Debugf("add subregion to container region, which has no belonged address-space")
	return nil
}

// DeleteSubregion removes child (matched by value identity) from this
// region's sibling list and regenerates the owning AddressSpace's FlatView.
func (r *Region) DeleteSubregion(child *Region) error {
	r.subregionsMu.Lock()
	removed := false
	for i, sub := range r.subregions {
		if child.Equal(sub) {
			r.subregions = append(r.subregions[:i], r.subregions[i+1:]...)
			removed = true
			break
		}
	}
	r.subregionsMu.Unlock()

	if !removed {
		return fmt.Errorf("delete subregion failed: %w", ErrNoMatchedRegion)
	}

	if space := r.belongedAddressSpace(); space != nil {
		if err := space.updateTopology(); err != nil {
			return err
		}
	} else {
		log.Debugf("delete subregion from container region, which has no belonged address-space")
	}
	child.delBelongedAddressSpace()
	return nil
}
