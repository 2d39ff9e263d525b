// Package kernelapi holds the process-wide callbacks the host kernel
// supplies to the tracer: how to ask for the currently running executable's
// path, and how to carve out an executable page near a given address.
//
// There is exactly one Registry per process, installed once by the host at
// boot (initialize_kernel_interfaces, §6 of the design). Every mutable
// field lives behind a single RWMutex; Go's sync package makes the
// interior-mutability cells the original Rust implementation needed (a
// RefCell nested inside a lazy_static) unnecessary.
package kernelapi

import (
	"sync"

	"rvtrace/probeerr"
)

// ExecPathFunc reports the path of the currently running user-mode image.
// Distinct paths must denote distinct images; collisions are a host bug.
type ExecPathFunc func() string

// AllocatePageFunc reserves len bytes of user-executable memory whose
// virtual address is near addr, in the same address space as addr. The
// returned region is readable, kernel-writable, and user-executable. The
// caller is responsible for an instruction-fence after writing to it.
type AllocatePageFunc func(addr uint64, length int) (newAddr uint64, err error)

// Registry is the process-wide holder of the two host callbacks.
type Registry struct {
	mu          sync.RWMutex
	execPath    ExecPathFunc
	allocPage   AllocatePageFunc
	initialized bool
}

// New returns an empty Registry; both entries are absent until Initialize
// is called.
func New() *Registry {
	return &Registry{}
}

// Initialize installs both host callbacks. It is idempotent but
// last-write-wins: calling it again replaces the previous callbacks.
func (r *Registry) Initialize(execPath ExecPathFunc, allocPage AllocatePageFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execPath = execPath
	r.allocPage = allocPage
	r.initialized = true
}

// CurrentExecPath calls the installed current-executable-path callback.
func (r *Registry) CurrentExecPath() (string, error) {
	r.mu.RLock()
	fn := r.execPath
	r.mu.RUnlock()
	if fn == nil {
		return "", probeerr.ErrKernelInterfaceMissing
	}
	return fn(), nil
}

// AllocatePage calls the installed allocator callback.
func (r *Registry) AllocatePage(addr uint64, length int) (uint64, error) {
	r.mu.RLock()
	fn := r.allocPage
	r.mu.RUnlock()
	if fn == nil {
		return 0, probeerr.ErrKernelInterfaceMissing
	}
	newAddr, err := fn(addr, length)
	if err != nil {
		return 0, probeerr.ErrAllocationFailed
	}
	return newAddr, nil
}
