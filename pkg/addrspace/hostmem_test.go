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
	"testing"
)

func TestNewHostMemMappingAnonymous(t *testing.T) {
	const size = 4096
	m, err := NewHostMemMapping(GuestAddress(0x1000), size, anonymousFd, 0, true, false)
	if err != nil {
		t.Fatalf("NewHostMemMapping: %v", err)
	}
	defer func() {
		if err := m.Release(); err != nil {
			t.Errorf("Release: %v", err)
		}
	}()

	if got, want := m.Size(), uint64(size); got != want {
		t.Errorf("Size: got %d, want %d", got, want)
	}
	if got, want := m.StartAddress(), GuestAddress(0x1000); got != want {
		t.Errorf("StartAddress: got %#x, want %#x", got, want)
	}
	if m.HostAddress() == 0 {
		t.Errorf("HostAddress: got 0, want a mapped address")
	}

	view, ok := m.View(0, size)
	if !ok {
		t.Fatalf("View(0, %d): got ok=false", size)
	}
	view[0] = 0xab
	view2, ok := m.View(0, 1)
	if !ok || view2[0] != 0xab {
		t.Errorf("View did not observe the prior write: got %v, ok=%v", view2, ok)
	}

	if _, ok := m.View(size-1, 2); ok {
		t.Errorf("View(size-1, 2): got ok=true, want false (out of bounds)")
	}
}

func TestHostMemMappingIndependentIdentity(t *testing.T) {
	// Two mappings of identical size and flags are independent allocations:
	// writes to one must not be observable through the other.
	const size = 4096
	a, err := NewHostMemMapping(GuestAddress(0), size, anonymousFd, 0, true, false)
	if err != nil {
		t.Fatalf("NewHostMemMapping(a): %v", err)
	}
	defer a.Release()

	b, err := NewHostMemMapping(GuestAddress(0x10000), size, anonymousFd, 0, true, false)
	if err != nil {
		t.Fatalf("NewHostMemMapping(b): %v", err)
	}
	defer b.Release()

	va, _ := a.View(0, 1)
	vb, _ := b.View(0, 1)
	va[0] = 0x42
	if vb[0] == 0x42 {
		t.Errorf("write to mapping a observed through mapping b")
	}
}

func TestFileBackendDirectory(t *testing.T) {
	dir := t.TempDir()
	fb, err := NewFileBackend(dir, 8192)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	defer fb.File.Close()

	st, err := fb.File.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if got, want := st.Size(), int64(8192); got != want {
		t.Errorf("file size: got %d, want %d", got, want)
	}
	if got, want := fb.Offset(), uint64(0); got != want {
		t.Errorf("Offset: got %d, want %d", got, want)
	}
	fb.advance(4096)
	if got, want := fb.Offset(), uint64(4096); got != want {
		t.Errorf("Offset after advance: got %d, want %d", got, want)
	}
}

func TestCreateHostMmapsAnonymous(t *testing.T) {
	ranges := []AddressRange{
		NewAddressRange(GuestAddress(0), 0x1000),
		NewAddressRange(GuestAddress(0x100000), 0x2000),
	}
	mappings, err := CreateHostMmaps(ranges, MemConfig{})
	if err != nil {
		t.Fatalf("CreateHostMmaps: %v", err)
	}
	defer func() {
		for _, m := range mappings {
			m.Release()
		}
	}()

	if got, want := len(mappings), len(ranges); got != want {
		t.Fatalf("len(mappings): got %d, want %d", got, want)
	}
	for i, m := range mappings {
		if got, want := m.StartAddress(), ranges[i].Base; got != want {
			t.Errorf("mapping %d StartAddress: got %#x, want %#x", i, got, want)
		}
		if got, want := m.Size(), ranges[i].Size; got != want {
			t.Errorf("mapping %d Size: got %d, want %d", i, got, want)
		}
		if fd, _ := m.FileBackend(); fd != anonymousFd {
			t.Errorf("mapping %d FileBackend fd: got %d, want anonymous", i, fd)
		}
	}
}

func TestCreateHostMmapsFileBacked(t *testing.T) {
	dir := t.TempDir()
	ranges := []AddressRange{
		NewAddressRange(GuestAddress(0), 0x1000),
		NewAddressRange(GuestAddress(0x100000), 0x1000),
	}
	mappings, err := CreateHostMmaps(ranges, MemConfig{MemPath: dir})
	if err != nil {
		t.Fatalf("CreateHostMmaps: %v", err)
	}
	defer func() {
		for _, m := range mappings {
			m.Release()
		}
	}()

	firstFd, firstOff := mappings[0].FileBackend()
	secondFd, secondOff := mappings[1].FileBackend()
	if firstFd != secondFd {
		t.Errorf("expected both mappings to share one backing file: got fds %d and %d", firstFd, secondFd)
	}
	if firstOff != 0 || secondOff != ranges[0].Size {
		t.Errorf("expected sequential file offsets: got %d, %d", firstOff, secondOff)
	}
}

func TestCreateHostMmapsFileBackedPrivateNotShared(t *testing.T) {
	dir := t.TempDir()
	ranges := []AddressRange{NewAddressRange(GuestAddress(0), 0x1000)}
	mappings, err := CreateHostMmaps(ranges, MemConfig{MemPath: dir, MemShare: false})
	if err != nil {
		t.Fatalf("CreateHostMmaps: %v", err)
	}
	defer mappings[0].Release()

	fd, offset := mappings[0].FileBackend()

	// A second, independent mapping of the same file region. With
	// mem_share=false this must be MAP_PRIVATE: a write through one
	// mapping must not be observable through the other. If CreateHostMmaps
	// forced MAP_SHARED for every file-backed mapping regardless of
	// mem_share, the write below would propagate.
	second, err := NewHostMemMapping(GuestAddress(0x100000), ranges[0].Size, fd, offset, true, false)
	if err != nil {
		t.Fatalf("NewHostMemMapping(second): %v", err)
	}
	defer second.Release()

	view1, ok := mappings[0].View(0, 1)
	if !ok {
		t.Fatalf("View(mappings[0]): got ok=false")
	}
	view2, ok := second.View(0, 1)
	if !ok {
		t.Fatalf("View(second): got ok=false")
	}
	view1[0] = 0x55
	if view2[0] == 0x55 {
		t.Errorf("file-backed mapping with mem_share=false must be MAP_PRIVATE (copy-on-write): write propagated to an independent mapping of the same file offset")
	}
}
