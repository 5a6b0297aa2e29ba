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

// Package addrspace implements the guest physical address space of a
// lightweight hypervisor: a hierarchical tree of RAM, MMIO and container
// regions flattened into a sorted, disjoint view used to translate guest
// accesses into host memory operations or device callbacks.
package addrspace

import "math"

// GuestAddress is an address in the guest physical address space.
type GuestAddress uint64

// Add returns g+delta, saturating at math.MaxUint64 instead of wrapping.
func (g GuestAddress) Add(delta uint64) GuestAddress {
	if delta > math.MaxUint64-uint64(g) {
		return GuestAddress(math.MaxUint64)
	}
	return g + GuestAddress(delta)
}

// UncheckedAdd returns g+delta without overflow checking. Callers are
// responsible for ensuring the addition cannot overflow; it is used on the
// hot path of flat-view rendering where the bound is already known to hold.
func (g GuestAddress) UncheckedAdd(delta uint64) GuestAddress {
	return g + GuestAddress(delta)
}

// OffsetFrom returns the byte distance from base to g. The caller must
// ensure g >= base.
func (g GuestAddress) OffsetFrom(base GuestAddress) uint64 {
	return uint64(g - base)
}

// RawValue returns the address as a plain uint64.
func (g GuestAddress) RawValue() uint64 {
	return uint64(g)
}

// AddressRange is a half-open guest address range [Base, Base+Size).
type AddressRange struct {
	Base GuestAddress
	Size uint64
}

// NewAddressRange constructs an AddressRange from a base and a size.
func NewAddressRange(base GuestAddress, size uint64) AddressRange {
	return AddressRange{Base: base, Size: size}
}

// EndAddr returns the exclusive end of the range.
func (r AddressRange) EndAddr() GuestAddress {
	return r.Base.UncheckedAdd(r.Size)
}

// FindIntersection returns the overlap between r and other, if any.
func (r AddressRange) FindIntersection(other AddressRange) (AddressRange, bool) {
	base := r.Base
	if other.Base > base {
		base = other.Base
	}
	end := r.EndAddr()
	otherEnd := other.EndAddr()
	if otherEnd < end {
		end = otherEnd
	}
	if base >= end {
		return AddressRange{}, false
	}
	return AddressRange{Base: base, Size: end.OffsetFrom(base)}, true
}

// Equal reports whether r and other cover the same range.
func (r AddressRange) Equal(other AddressRange) bool {
	return r.Base == other.Base && r.Size == other.Size
}
