// Package hostmem backs codemem.Memory and kernelapi.AllocatePageFunc with
// real, mmap'd host memory, for running the tracer against an actual
// process image instead of codemem.Fake in tests.
//
// It allocates executable pages with mmap(PROT_READ|PROT_WRITE|PROT_EXEC)
// directly, since the RISC-V out-of-line slots and kernel-probe
// trampolines this package serves must themselves be executable.
package hostmem

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pageSize is assumed rather than queried: every allocation in this
// package is small relative to a page and the regions it maps are never
// shared with anything that cares about the host's actual page size.
const pageSize = 4096

// Region is a single mmap'd, read/write/execute memory region addressed
// from a fixed base. It implements codemem.Memory.
type Region struct {
	mu   sync.Mutex
	base uint64
	data []byte
}

// Map reserves size bytes (rounded up to a page) of anonymous,
// read/write/execute memory and returns a Region addressed from the
// mapping's base.
func Map(size int) (*Region, error) {
	if size <= 0 {
		size = pageSize
	}
	pages := (size + pageSize - 1) / pageSize
	data, err := unix.Mmap(-1, 0, pages*pageSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap: %w", err)
	}
	base := uint64(uintptr(unsafe.Pointer(&data[0])))
	return &Region{base: base, data: data}, nil
}

// Close unmaps the region.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

func (r *Region) bounds(addr uint64, n int) error {
	if addr < r.base || addr+uint64(n) > r.base+uint64(len(r.data)) {
		return fmt.Errorf("hostmem: access [%#x,%#x) out of range", addr, addr+uint64(n))
	}
	return nil
}

// ReadAt implements codemem.Memory.
func (r *Region) ReadAt(addr uint64, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.bounds(addr, len(p)); err != nil {
		return err
	}
	off := addr - r.base
	copy(p, r.data[off:])
	return nil
}

// WriteAt implements codemem.Memory.
func (r *Region) WriteAt(addr uint64, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.bounds(addr, len(p)); err != nil {
		return err
	}
	off := addr - r.base
	copy(r.data[off:], p)
	return nil
}

// FenceI implements codemem.Memory. Go's runtime gives no portable
// "fence.i" primitive; on a real RISC-V host this would need a
// cgo-wrapped __builtin___clear_cache or the FENCE.I instruction itself,
// which this package deliberately does not carry (see DESIGN.md).
func (r *Region) FenceI() {}

// Allocator hands out out-of-line slots and kernel-probe trampoline
// storage from a pool of Regions, growing by one mmap per refill. It
// implements kernelapi.AllocatePageFunc via its Allocate method.
type Allocator struct {
	mu       sync.Mutex
	regions  []*Region
	cursor   uint64
	capacity uint64
}

// NewAllocator builds an empty Allocator. It maps its first region
// lazily, on the first call to Allocate.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate reserves length bytes of fresh executable storage and returns
// its address. The addr parameter (the site the allocation is for) is
// accepted to match kernelapi.AllocatePageFunc but otherwise unused: this
// allocator does not try to place slots near their probe.
func (a *Allocator) Allocate(addr uint64, length int) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.regions) == 0 || a.cursor+uint64(length) > a.capacity {
		region, err := Map(pageSize)
		if err != nil {
			return 0, err
		}
		a.regions = append(a.regions, region)
		a.cursor = region.base
		a.capacity = region.base + uint64(len(region.data))
	}

	out := a.cursor
	a.cursor += uint64(length)
	return out, nil
}

// Close unmaps every region the allocator has ever handed storage from.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, r := range a.regions {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
