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
	"errors"
	"testing"
)

// TestAddressSpaceRAMRoundTrip reproduces spec scenario S1: a single RAM
// region of 1024 bytes at guest base 0, round-tripping 24 bytes at offset
// 1000.
func TestAddressSpaceRAMRoundTrip(t *testing.T) {
	ram := newRAMRegion(t, 1024)
	root := InitContainerRegion(1024)
	as, err := NewAddressSpace(root)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	if err := root.AddSubregion(ram, 0); err != nil {
		t.Fatalf("AddSubregion: %v", err)
	}

	want := bytes.Repeat([]byte{91}, 24)
	if _, err := as.Write(bytes.NewReader(want), GuestAddress(1000), 24); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got bytes.Buffer
	if n, err := as.Read(&got, GuestAddress(1000), 24); err != nil || n != 24 {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Errorf("round trip: got %v, want %v", got.Bytes(), want)
	}
}

// TestRegionCheckValidOffsetS2 reproduces spec scenario S2.
func TestRegionCheckValidOffsetS2(t *testing.T) {
	ram := newRAMRegion(t, 1024)
	if err := ram.CheckValidOffset(100, 1000); !errors.Is(err, ErrOverflow) {
		t.Errorf("CheckValidOffset(100, 1000): got err=%v, want ErrOverflow", err)
	}
	if err := ram.CheckValidOffset(0, 1000); err != nil {
		t.Errorf("CheckValidOffset(0, 1000): got err=%v, want nil", err)
	}
}

func TestAddressSpaceMultiRangeAccess(t *testing.T) {
	root := InitContainerRegion(0x10000)
	as, err := NewAddressSpace(root)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	ramA := newRAMRegion(t, 0x1000)
	if err := root.AddSubregion(ramA, 0); err != nil {
		t.Fatalf("AddSubregion(ramA): %v", err)
	}
	ramB := newRAMRegion(t, 0x1000)
	if err := root.AddSubregion(ramB, 0x1000); err != nil {
		t.Fatalf("AddSubregion(ramB): %v", err)
	}

	want := bytes.Repeat([]byte{0xcd}, 32)
	addr := GuestAddress(0x1000 - 16)
	if _, err := as.Write(bytes.NewReader(want), addr, 32); err != nil {
		t.Fatalf("Write spanning two ranges: %v", err)
	}

	var got bytes.Buffer
	n, err := as.Read(&got, addr, 32)
	if err != nil || n != 32 {
		t.Fatalf("Read spanning two ranges: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Errorf("multi-range round trip: got %v, want %v", got.Bytes(), want)
	}
}

func TestAddressSpaceReadWriteObject(t *testing.T) {
	type header struct {
		Magic   uint32
		Version uint16
		Flags   uint16
	}

	root := InitContainerRegion(0x1000)
	as, err := NewAddressSpace(root)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	ram := newRAMRegion(t, 0x1000)
	if err := root.AddSubregion(ram, 0); err != nil {
		t.Fatalf("AddSubregion: %v", err)
	}

	want := header{Magic: 0xfeedface, Version: 3, Flags: 0x7}
	if err := WriteObject(as, GuestAddress(0x40), want); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	got, err := ReadObject[header](as, GuestAddress(0x40))
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	if got != want {
		t.Errorf("ReadObject: got %+v, want %+v", got, want)
	}
}

func TestAddressSpaceUpdateTopologyIdempotent(t *testing.T) {
	root := InitContainerRegion(0x10000)
	as, err := NewAddressSpace(root)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	ram := newRAMRegion(t, 0x1000)
	if err := root.AddSubregion(ram, 0); err != nil {
		t.Fatalf("AddSubregion: %v", err)
	}

	before := as.FlatRanges()
	if err := as.updateTopology(); err != nil {
		t.Fatalf("updateTopology: %v", err)
	}
	after := as.FlatRanges()

	if len(before) != len(after) {
		t.Fatalf("len(FlatRanges): got %d, want %d", len(after), len(before))
	}
	for i := range before {
		if before[i].AddrRange != after[i].AddrRange || before[i].Owner != after[i].Owner || before[i].OffsetInRegion != after[i].OffsetInRegion {
			t.Errorf("range %d changed across idempotent rebuild: %+v vs %+v", i, before[i], after[i])
		}
	}
}

func TestAddressSpaceMemoryEndAddress(t *testing.T) {
	root := InitContainerRegion(0x10000)
	as, err := NewAddressSpace(root)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	if got, want := as.MemoryEndAddress(), GuestAddress(0); got != want {
		t.Errorf("MemoryEndAddress on empty space: got %#x, want %#x", got, want)
	}

	ram := newRAMRegion(t, 0x1000)
	if err := root.AddSubregion(ram, 0x2000); err != nil {
		t.Fatalf("AddSubregion: %v", err)
	}
	if got, want := as.MemoryEndAddress(), GuestAddress(0x3000); got != want {
		t.Errorf("MemoryEndAddress: got %#x, want %#x", got, want)
	}
}

func TestAddressSpaceDanglingBackLinkAfterDelete(t *testing.T) {
	root := InitContainerRegion(0x10000)
	if _, err := NewAddressSpace(root); err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	child := InitContainerRegion(0x100)
	if err := root.AddSubregion(child, 0); err != nil {
		t.Fatalf("AddSubregion: %v", err)
	}
	if err := root.DeleteSubregion(child); err != nil {
		t.Fatalf("DeleteSubregion: %v", err)
	}
	if space := child.belongedAddressSpace(); space != nil {
		t.Errorf("deleted child should have a dangling (nil) address-space back-link, got %v", space)
	}
	// A dangling back-link must not be fatal: AddSubregion on the detached
	// child still succeeds even though it cannot propagate a topology
	// update.
	grandchild := InitIORegion(0x10, &fakeOps{mem: make([]byte, 0x10)})
	if err := child.AddSubregion(grandchild, 0); err != nil {
		t.Errorf("AddSubregion on detached container: got err=%v, want nil", err)
	}
}
