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

import "errors"

// Sentinel errors matching the error-kind taxonomy of the address space
// subsystem. Use errors.Is against these to classify a failure; the
// wrapping error carries the offending offset, count or region type.
var (
	// ErrMmap indicates the host mapping primitive refused a request.
	ErrMmap = errors.New("addrspace: mmap failed")

	// ErrOverflow indicates an arithmetic overflow or a bounds violation
	// on a Region operation.
	ErrOverflow = errors.New("addrspace: offset/count overflows region")

	// ErrRegionType indicates an operation was attempted on a Region of
	// the wrong type (e.g. read/write on a Container).
	ErrRegionType = errors.New("addrspace: operation forbidden on this region type")

	// ErrIoAccess indicates a RegionOps callback rejected the access.
	ErrIoAccess = errors.New("addrspace: io access fault")

	// ErrIoEventFd indicates an ioeventfd descriptor could not be
	// duplicated.
	ErrIoEventFd = errors.New("addrspace: ioeventfd clone failed")

	// ErrNoMatchedRegion indicates delete-by-value found no matching
	// child region.
	ErrNoMatchedRegion = errors.New("addrspace: no matched region")

	// ErrNoIntersection indicates flat-view rendering visited a region
	// that does not intersect the clip window it was given.
	ErrNoIntersection = errors.New("addrspace: region exceeds clip window")
)
