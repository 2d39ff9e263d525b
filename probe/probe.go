// Package probe implements one probed site: the breakpoint plant, the
// out-of-line slot, and the bookkeeping a post-handler needs to find its
// way back to the right caller.
//
// A Record is created empty at registration time (addresses and buffers
// unfilled) and becomes armed only once Prepare has run against the
// executable it belongs to — deferred, per the design, until that
// executable is actually the one running, since its pages are what Prepare
// allocates into.
package probe

import (
	"sync"

	"rvtrace/codemem"
	"rvtrace/handler"
	"rvtrace/insn"
	"rvtrace/kernelapi"
	"rvtrace/probeerr"
)

// Kind is the tagged variant of what a Record probes.
type Kind int

const (
	KindInstruction Kind = iota
	KindSyncFunction
	KindAsyncFunction
)

func (k Kind) String() string {
	switch k {
	case KindInstruction:
		return "Instruction"
	case KindSyncFunction:
		return "SyncFunction"
	case KindAsyncFunction:
		return "AsyncFunction"
	default:
		return "Unknown"
	}
}

// ebreak16 is the 2-byte encoding of c.ebreak. The breakpoint pattern
// written into code is always a whole number of these, so a 2-byte or
// 4-byte overwrite is both a valid breakpoint (§6 of the design).
var ebreak16 = [2]byte{0x02, 0x90}

func breakpointBytes(length int) []byte {
	out := make([]byte, length)
	for i := 0; i < length; i += 2 {
		copy(out[i:], ebreak16[:])
	}
	return out
}

// Record is one probed site.
type Record struct {
	Addr          uint64
	Length        int
	OriginalBytes []byte
	SlotAddr      uint64 // Instruction probes only
	FuncBreakAddr uint64 // SyncFunction probes only
	PostBreakAddr uint64 // Instruction probes only: SlotAddr + Length
	SPDelta       int32  // SyncFunction probes only
	Pre           *handler.Handler
	Post          *handler.Handler
	Kind          Kind

	rsMu        sync.Mutex
	returnStack []uint64

	mu       sync.Mutex // guards prepared, armed, and every field Prepare writes
	prepared bool
	armed    bool
}

// New creates an unprepared, unarmed Record for addr.
func New(kind Kind, addr uint64, pre, post *handler.Handler) *Record {
	return &Record{
		Addr: addr,
		Kind: kind,
		Pre:  pre,
		Post: post,
	}
}

// Prepared reports whether Prepare has already run for this record.
func (r *Record) Prepared() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prepared
}

// Armed reports whether the breakpoint currently stands in addr.
func (r *Record) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed
}

// Prepare allocates out-of-line storage, captures the original bytes, and
// arms the record. It is a no-op if the record is already prepared: the
// source this is grounded on re-reads the original bytes from live memory
// on every call, which silently captures the breakpoint as "original" if
// called twice; tracking this flag avoids that bug outright instead of
// recomputing from the slot.
//
// Prepare holds r.mu for its entire body, not just around the prepared
// check: a caller may arm a just-registered record on its own (an
// immediate arm for the currently-running executable) at the same moment
// another caller is sweeping every record in the table on a process-start
// event, and both would otherwise see prepared == false and race to
// double-allocate and double-write the same record.
func (r *Record) Prepare(mem codemem.Memory, alloc kernelapi.AllocatePageFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.prepared {
		return nil
	}

	length, err := insn.Length(mem, r.Addr)
	if err != nil {
		return err
	}

	switch r.Kind {
	case KindInstruction:
		status, err := insn.Classify(mem, r.Addr)
		if err != nil {
			return err
		}
		if status != insn.Legal {
			return probeerr.ErrInstructionNotRelocatable
		}
	case KindSyncFunction:
		delta, ok, err := insn.StackPointerDelta(mem, r.Addr)
		if err != nil {
			return err
		}
		if !ok {
			return probeerr.ErrNotFunctionPrologue
		}
		r.SPDelta = delta
	case KindAsyncFunction:
		return probeerr.ErrNotImplemented
	}

	original := make([]byte, length)
	if err := mem.ReadAt(r.Addr, original); err != nil {
		return err
	}

	switch r.Kind {
	case KindInstruction:
		slotAddr, err := alloc(r.Addr, 6)
		if err != nil {
			return probeerr.ErrAllocationFailed
		}
		if err := mem.WriteAt(slotAddr, original); err != nil {
			return err
		}
		bp := breakpointBytes(length)
		if err := mem.WriteAt(slotAddr+uint64(length), bp); err != nil {
			return err
		}
		r.SlotAddr = slotAddr
		r.PostBreakAddr = slotAddr + uint64(length)
	case KindSyncFunction:
		funcAddr, err := alloc(r.Addr, 2)
		if err != nil {
			return probeerr.ErrAllocationFailed
		}
		bp := breakpointBytes(2)
		if err := mem.WriteAt(funcAddr, bp); err != nil {
			return err
		}
		r.FuncBreakAddr = funcAddr
	}

	mem.FenceI()
	r.Length = length
	r.OriginalBytes = original
	r.prepared = true

	return r.armLocked(mem)
}

// Arm overwrites Length bytes at Addr with the breakpoint pattern.
func (r *Record) Arm(mem codemem.Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armLocked(mem)
}

// armLocked is Arm's body, callable with r.mu already held (from Prepare).
func (r *Record) armLocked(mem codemem.Memory) error {
	if err := mem.WriteAt(r.Addr, breakpointBytes(r.Length)); err != nil {
		return err
	}
	mem.FenceI()
	r.armed = true
	return nil
}

// Disarm restores the original bytes at Addr.
func (r *Record) Disarm(mem codemem.Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := mem.WriteAt(r.Addr, r.OriginalBytes); err != nil {
		return err
	}
	mem.FenceI()
	r.armed = false
	return nil
}

// PushReturn records a caller return address for one in-flight invocation.
func (r *Record) PushReturn(addr uint64) {
	r.rsMu.Lock()
	defer r.rsMu.Unlock()
	r.returnStack = append(r.returnStack, addr)
}

// PopReturn removes and returns the most recently pushed return address.
func (r *Record) PopReturn() (uint64, bool) {
	r.rsMu.Lock()
	defer r.rsMu.Unlock()
	n := len(r.returnStack)
	if n == 0 {
		return 0, false
	}
	addr := r.returnStack[n-1]
	r.returnStack = r.returnStack[:n-1]
	return addr, true
}

// ReturnDepth reports the number of outstanding in-flight invocations.
func (r *Record) ReturnDepth() int {
	r.rsMu.Lock()
	defer r.rsMu.Unlock()
	return len(r.returnStack)
}
