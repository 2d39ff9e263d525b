// Package handler wraps the caller-supplied pre/post callables that fire
// when a probe hits. A Handler is a shared-ownership handle to an
// inner mutex-guarded callable: its lifetime is the longest of its two
// holders (the ProbeRecord that references it, until the record is
// removed, and the trap-dispatch call frame, until the call returns).
//
// Wrapping the callable in its own mutex serializes repeated firings of
// the same probe: a second thread that hits the same site while the first
// firing's handler is still running simply waits its turn (§5 of the
// design).
package handler

import "sync"

// Context is the trapped CPU register state a handler runs with. PC, RA,
// and SP are broken out because the dispatcher reads and rewrites them
// directly; General holds the rest of the RISC-V integer register file so
// handlers can inspect arguments and return values.
type Context struct {
	PC      uint64
	RA      uint64
	SP      uint64
	General [32]uint64
}

// Func is a caller-supplied pre- or post-handler.
type Func func(cx *Context)

// Handler is a mutex-serialized, shared callable.
type Handler struct {
	mu sync.Mutex
	fn Func
}

// New wraps fn in a Handler.
func New(fn Func) *Handler {
	return &Handler{fn: fn}
}

// Call invokes the wrapped function, holding the handler's mutex for the
// duration so concurrent firings of the same probe serialize.
func (h *Handler) Call(cx *Context) {
	if h == nil || h.fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fn(cx)
}
