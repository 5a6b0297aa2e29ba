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
	"os"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// anonymousFd is the sentinel file descriptor meaning "this mapping has no
// backing file".
const anonymousFd = -1

// HostMemMapping owns a single contiguous host-virtual allocation backing
// one RAM region. It is released exactly once, unmapping the host range.
//
// hostMem is valid for its full length for the entire lifetime of the
// mapping; copies of HostMemMapping are forbidden (share a *HostMemMapping
// instead), so there is exactly one unmap.
type HostMemMapping struct {
	addressRange AddressRange
	hostMem      []byte
	fd           int
	fileOffset   uint64
}

// NewHostMemMapping maps size bytes of host memory to back guestBase. fd is
// the backing descriptor, or anonymousFd for an anonymous mapping.
func NewHostMemMapping(guestBase GuestAddress, size uint64, fd int, fileOffset uint64, dumpGuestCore, isShared bool) (*HostMemMapping, error) {
	flags := unix.MAP_NORESERVE
	if fd == anonymousFd {
		flags |= unix.MAP_ANONYMOUS
	}
	if isShared {
		flags |= unix.MAP_SHARED
	} else {
		flags |= unix.MAP_PRIVATE
	}

	hostMem, err := mmapWithRetry(fd, int64(fileOffset), int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: guest base %#x size %d: %v", ErrMmap, guestBase.RawValue(), size, err)
	}

	if !dumpGuestCore {
		if err := unix.Madvise(hostMem, unix.MADV_DONTDUMP); err != nil {
			log.Warnf("madvise(MADV_DONTDUMP) failed for guest base %#x: %v", guestBase.RawValue(), err)
		}
	}

	return &HostMemMapping{
		addressRange: NewAddressRange(guestBase, size),
		hostMem:      hostMem,
		fd:           fd,
		fileOffset:   fileOffset,
	}, nil
}

// mmapWithRetry wraps the host mmap syscall with a short bounded retry: a
// transient EINTR/EAGAIN from the host kernel should not fail VM setup
// outright, mirroring the retry-on-EINTR loop the platform layer uses for
// other hypervisor ioctls.
func mmapWithRetry(fd int, offset int64, length, prot, flags int) ([]byte, error) {
	var mem []byte
	op := func() error {
		b, err := unix.Mmap(fd, offset, length, prot, flags)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				return err
			}
			return backoff.Permanent(err)
		}
		mem = b
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 50 * time.Millisecond
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return mem, nil
}

// Size returns the size, in bytes, of the mapped memory.
func (m *HostMemMapping) Size() uint64 {
	return m.addressRange.Size
}

// StartAddress returns the guest start address of the mapped memory.
func (m *HostMemMapping) StartAddress() GuestAddress {
	return m.addressRange.Base
}

// HostAddress returns the host virtual address of the mapped memory, as an
// integer.
func (m *HostMemMapping) HostAddress() uintptr {
	if len(m.hostMem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.hostMem[0]))
}

// View returns a bounded byte view of the mapping spanning
// [offset, offset+count). Callers must have already validated the range
// with Region.CheckValidOffset; View itself re-validates defensively.
func (m *HostMemMapping) View(offset, count uint64) ([]byte, bool) {
	if offset > uint64(len(m.hostMem)) || count > uint64(len(m.hostMem))-offset {
		return nil, false
	}
	return m.hostMem[offset : offset+count], true
}

// FileBackend returns the file descriptor and offset backing this mapping.
// The descriptor is anonymousFd if this is an anonymous mapping.
func (m *HostMemMapping) FileBackend() (int, uint64) {
	return m.fd, m.fileOffset
}

// Release unmaps the host memory. It must be called exactly once; after
// Release, View and HostAddress are no longer valid.
func (m *HostMemMapping) Release() error {
	mem := m.hostMem
	m.hostMem = nil
	return unix.Munmap(mem)
}

// FileBackend is an optional file or anonymous descriptor supplying the
// pages behind one or more HostMemMappings. offset advances monotonically
// as successive RAM ranges are carved from the file during address-space
// setup; once a HostMemMapping is constructed, its slice of the file is
// immutably claimed.
type FileBackend struct {
	File   *os.File
	offset uint64
}

// NewFileBackend opens (or creates) the backing store for RAM mappings.
//
// If path names a directory, a uniquely-named file is created inside it and
// immediately unlinked, so the descriptor remains valid but the file is
// anonymous on disk. Otherwise path names a file (existing or not), which is
// opened read-write, creating it if absent.
//
// If the file's current length is zero, it is grown to fileLen; an
// already-sized existing file is left untouched (see DESIGN.md for why this
// is preserved rather than "fixed").
func NewFileBackend(path string, fileLen uint64) (*FileBackend, error) {
	info, statErr := os.Stat(path)
	var file *os.File
	var err error
	if statErr == nil && info.IsDir() {
		file, err = os.CreateTemp(path, "addrspace_backmem_*")
		if err != nil {
			return nil, fmt.Errorf("create file-backend failed: %w", err)
		}
		if unlinkErr := unix.Unlink(file.Name()); unlinkErr != nil {
			log.Warnf("unlink of temporary backing file %s failed: %v", file.Name(), unlinkErr)
		}
	} else {
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open file-backend failed: %w", err)
		}
	}

	// Guard against two address spaces racing to initialize the same
	// mem_path: only one should observe a zero-length file and truncate it.
	// A directory-case file is unique and already unlinked, so it is not
	// locked by path.
	if statErr != nil || !info.IsDir() {
		fl := flock.New(file.Name())
		if lockErr := fl.Lock(); lockErr == nil {
			defer fl.Unlock()
		}
	}

	st, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("set file length failed: %w", err)
	}
	if st.Size() == 0 {
		if err := file.Truncate(int64(fileLen)); err != nil {
			return nil, fmt.Errorf("set file length failed: %w", err)
		}
	}

	return &FileBackend{File: file, offset: 0}, nil
}

// Offset returns the file backend's current allocation cursor.
func (fb *FileBackend) Offset() uint64 {
	return fb.offset
}

// advance moves the allocation cursor forward by size bytes. It is called
// only during single-threaded address-space construction.
func (fb *FileBackend) advance(size uint64) {
	fb.offset += size
}

// MemConfig carries the memory-backing options of a machine, consumed by
// CreateHostMmaps.
type MemConfig struct {
	// MemPath is an optional path to a file or directory used to back
	// guest RAM.
	MemPath string
	// MemShare requests MAP_SHARED (and, with no MemPath, an anonymous
	// shared memfd) instead of MAP_PRIVATE.
	MemShare bool
	// DumpGuestCore controls whether guest RAM is included in core
	// dumps of the monitor process.
	DumpGuestCore bool
}

// CreateHostMmaps builds one HostMemMapping per requested range, selecting
// the backing store (file-backed, anonymous-shared, or anonymous-private)
// according to memConfig.
func CreateHostMmaps(ranges []AddressRange, memConfig MemConfig) ([]*HostMemMapping, error) {
	var fileBackend *FileBackend

	switch {
	case memConfig.MemPath != "":
		fb, err := NewFileBackend(memConfig.MemPath, sumSizes(ranges))
		if err != nil {
			return nil, err
		}
		fileBackend = fb
	case memConfig.MemShare:
		fd, err := unix.MemfdCreate("addrspace_anon_mem", 0)
		if err != nil {
			return nil, fmt.Errorf("%w: memfd_create: %v", ErrMmap, err)
		}
		file := os.NewFile(uintptr(fd), "addrspace_anon_mem")
		if err := file.Truncate(int64(sumSizes(ranges))); err != nil {
			return nil, fmt.Errorf("set file length failed: %w", err)
		}
		fileBackend = &FileBackend{File: file, offset: 0}
	}

	mappings := make([]*HostMemMapping, 0, len(ranges))
	for _, r := range ranges {
		fd := anonymousFd
		var offset uint64
		if fileBackend != nil {
			fd = int(fileBackend.File.Fd())
			offset = fileBackend.Offset()
		}

		m, err := NewHostMemMapping(r.Base, r.Size, fd, offset, memConfig.DumpGuestCore, memConfig.MemShare)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)

		if fileBackend != nil {
			fileBackend.advance(r.Size)
		}
	}

	return mappings, nil
}

func sumSizes(ranges []AddressRange) uint64 {
	var total uint64
	for _, r := range ranges {
		total += r.Size
	}
	return total
}
