// Package probeerr defines the small, closed taxonomy of failures the
// tracer can produce. The fallible public entry points in uprobe/kprobe
// return these sentinels (or an underlying memory-access error) as their
// error value, nil on success; no separate +1/-1 status code is produced. Callers and tests match them with
// errors.Is.
//
// This is a flat set of kinds with no need for causal chains or stack
// traces, so plain sentinel errors are the right tool; see DESIGN.md for
// why no wrapping library was reached for here.
package probeerr

import "errors"

var (
	// ErrKernelInterfaceMissing means a required host callback was never
	// installed via kernelapi.Initialize.
	ErrKernelInterfaceMissing = errors.New("probe: kernel interface not installed")

	// ErrAllocationFailed means the host allocator returned no region.
	ErrAllocationFailed = errors.New("probe: allocation failed")

	// ErrInstructionNotRelocatable means the target instruction is
	// PC-relative or otherwise unsafe to single-step out of line.
	ErrInstructionNotRelocatable = errors.New("probe: instruction not relocatable")

	// ErrNotFunctionPrologue means the target address is not a
	// stack-adjusting prologue.
	ErrNotFunctionPrologue = errors.New("probe: not a function prologue")

	// ErrNotImplemented means the caller asked for AsyncFunction probing.
	ErrNotImplemented = errors.New("probe: not implemented")

	// ErrDuplicate means an active registration already exists for
	// (path, addr).
	ErrDuplicate = errors.New("probe: duplicate registration")

	// ErrBusy means an unregister was attempted while trampolines for
	// the record are still outstanding.
	ErrBusy = errors.New("probe: record busy, trampolines outstanding")

	// ErrNotFound means an unregister or lookup named an address that
	// has no registration.
	ErrNotFound = errors.New("probe: no such registration")
)
