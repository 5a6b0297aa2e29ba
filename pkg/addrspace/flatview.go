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

import "fmt"

// FlatRange is a single contiguous, disjoint piece of the flattened address
// space, owned by exactly one non-container Region.
type FlatRange struct {
	AddrRange      AddressRange
	Owner          *Region
	OffsetInRegion uint64
}

// FlatView is a strictly sorted, disjoint sequence of FlatRanges: the
// materialized projection of a region tree used for guest address
// translation.
type FlatView struct {
	Ranges []FlatRange
}

// GenerateFlatView renders the subtree rooted at r, clipped to addrRange,
// into a FlatView. base is the absolute guest address of r's parent; r
// itself begins at base + r.Offset() (base is 0 for a tree root).
func GenerateFlatView(r *Region, base GuestAddress, addrRange AddressRange) (*FlatView, error) {
	fv := &FlatView{}
	switch r.RegionType() {
	case RegionContainer:
		if err := renderRegionPass(r, base, addrRange, fv); err != nil {
			return nil, err
		}
	default:
		if err := renderTerminateRegion(r, base, addrRange, fv); err != nil {
			return nil, err
		}
	}
	return fv, nil
}

// renderRegionPass recurses through a Container's children, clipping the
// visited range at each level. Children are visited in the current sibling
// order (descending priority), so earlier-inserted FlatRanges shadow later
// ones within the same clip window.
func renderRegionPass(r *Region, base GuestAddress, addrRange AddressRange, fv *FlatView) error {
	regionBase := base.UncheckedAdd(r.Offset().RawValue())
	regionRange := NewAddressRange(regionBase, r.Size())
	intersect, ok := regionRange.FindIntersection(addrRange)
	if !ok {
		return fmt.Errorf("generate flat view failed: region_addr %#x: %w", regionBase.RawValue(), ErrNoIntersection)
	}

	for _, sub := range r.subregionsSnapshot() {
		switch sub.RegionType() {
		case RegionContainer:
			if err := renderRegionPass(sub, regionBase, intersect, fv); err != nil {
				return err
			}
		default:
			if err := renderTerminateRegion(sub, regionBase, intersect, fv); err != nil {
				return err
			}
		}
	}
	return nil
}

// renderTerminateRegion merges a RAM/IO leaf's contribution into fv under a
// "first writer wins" rule: existing FlatRanges (installed by
// higher-priority siblings visited earlier) shadow the candidate; the
// candidate only fills the gaps between and after them.
func renderTerminateRegion(r *Region, base GuestAddress, addrRange AddressRange, fv *FlatView) error {
	regionRange := NewAddressRange(base.UncheckedAdd(r.Offset().RawValue()), r.Size())
	intersect, ok := regionRange.FindIntersection(addrRange)
	if !ok {
		return fmt.Errorf("generate flat view failed: region_addr %#x: %w", regionRange.Base.RawValue(), ErrNoIntersection)
	}

	offsetInRegion := intersect.Base.OffsetFrom(regionRange.Base)
	start := intersect.Base
	remain := intersect.Size

	index := 0
	for index < len(fv.Ranges) {
		fr := fv.Ranges[index]
		frEnd := fr.AddrRange.EndAddr()
		if start >= frEnd {
			index++
			continue
		}

		if start < fr.AddrRange.Base {
			gap := fr.AddrRange.Base.OffsetFrom(start)
			rangeSize := remain
			if gap < rangeSize {
				rangeSize = gap
			}
			fv.Ranges = insertFlatRange(fv.Ranges, index, FlatRange{
				AddrRange:      NewAddressRange(start, rangeSize),
				Owner:          r,
				OffsetInRegion: offsetInRegion,
			})
			index++
		}

		step := frEnd.OffsetFrom(start)
		if remain < step {
			step = remain
		}
		start = start.UncheckedAdd(step)
		offsetInRegion += step
		remain -= step
		if remain == 0 {
			break
		}
		index++
	}

	if remain > 0 {
		fv.Ranges = insertFlatRange(fv.Ranges, index, FlatRange{
			AddrRange:      NewAddressRange(start, remain),
			Owner:          r,
			OffsetInRegion: offsetInRegion,
		})
	}

	return nil
}

func insertFlatRange(ranges []FlatRange, index int, fr FlatRange) []FlatRange {
	ranges = append(ranges, FlatRange{})
	copy(ranges[index+1:], ranges[index:])
	ranges[index] = fr
	return ranges
}
