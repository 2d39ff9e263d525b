// Package codemem provides an addressable view over a code region.
//
// The tracer never touches process memory directly: every probe operation
// (reading the bytes a breakpoint is about to replace, writing the
// breakpoint pattern, filling an out-of-line slot) goes through a Memory.
// Production code is backed by whatever the host kernel maps into the
// target address space; tests are backed by Fake, a flat byte array
// addressed from zero, the same shape as a single-bus 6502 address space.
package codemem

import "fmt"

// Memory is an addressable, fenced view over executable code.
type Memory interface {
	// ReadAt copies len(p) bytes starting at addr into p.
	ReadAt(addr uint64, p []byte) error
	// WriteAt copies p into the region starting at addr.
	WriteAt(addr uint64, p []byte) error
	// FenceI flushes the instruction stream so that a write performed by
	// WriteAt is observed coherently by the next fetch at addr.
	FenceI()
}

// Fake is a slice-backed Memory for unit tests, modeled on the teacher's
// single flat Bus: no paging, no permission checks, addressed from zero.
type Fake struct {
	RAM    []byte
	Fences int // number of FenceI calls observed, for ordering assertions
}

// NewFake allocates a Fake of the given size.
func NewFake(size int) *Fake {
	return &Fake{RAM: make([]byte, size)}
}

func (f *Fake) bounds(addr uint64, n int) error {
	if addr+uint64(n) > uint64(len(f.RAM)) {
		return fmt.Errorf("codemem: access [%#x,%#x) out of range (size %#x)", addr, addr+uint64(n), len(f.RAM))
	}
	return nil
}

func (f *Fake) ReadAt(addr uint64, p []byte) error {
	if err := f.bounds(addr, len(p)); err != nil {
		return err
	}
	copy(p, f.RAM[addr:])
	return nil
}

func (f *Fake) WriteAt(addr uint64, p []byte) error {
	if err := f.bounds(addr, len(p)); err != nil {
		return err
	}
	copy(f.RAM[addr:], p)
	return nil
}

func (f *Fake) FenceI() { f.Fences++ }
