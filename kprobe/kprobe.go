// Package kprobe implements the kernel-mode probe subsystem: a single,
// always-current probe table with no per-executable dimension.
//
// Unlike a uprobe, a kernel probe has no notion of "the executable this
// belongs to" — the kernel image is always the one running — so
// registration arms the breakpoint immediately instead of waiting for a
// process-start event. This mirrors the kernel-function registration path
// in the source this is grounded on, which installs its breakpoint the
// moment the symbol is resolved rather than deferring to a later pass.
package kprobe

import (
	"sync"

	"github.com/sirupsen/logrus"

	"rvtrace/codemem"
	"rvtrace/handler"
	"rvtrace/kernelapi"
	"rvtrace/probe"
	"rvtrace/probeerr"
)

// Table is the sole kernel probe registry: one process-wide instance, no
// per-path keying.
type Table struct {
	mu     sync.Mutex
	probes map[uint64]*probe.Record
	active map[uint64]*probe.Record

	mem   codemem.Memory
	alloc kernelapi.AllocatePageFunc
	log   *logrus.Entry
}

// NewTable builds an empty kernel probe table over mem, allocating
// out-of-line storage via alloc.
func NewTable(mem codemem.Memory, alloc kernelapi.AllocatePageFunc, log *logrus.Entry) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Table{
		probes: make(map[uint64]*probe.Record),
		active: make(map[uint64]*probe.Record),
		mem:    mem,
		alloc:  alloc,
		log:    log,
	}
}

// Register prepares and arms a kernel probe at addr immediately. If
// preparation fails — an illegal instruction, a non-prologue function
// probe — the record is discarded and no breakpoint is left planted.
func (t *Table) Register(addr uint64, pre, post *handler.Handler, kind probe.Kind) error {
	t.mu.Lock()
	if _, exists := t.probes[addr]; exists {
		t.mu.Unlock()
		return probeerr.ErrDuplicate
	}
	r := probe.New(kind, addr, pre, post)
	t.probes[addr] = r
	t.mu.Unlock()

	if err := r.Prepare(t.mem, t.alloc); err != nil {
		t.mu.Lock()
		delete(t.probes, addr)
		t.mu.Unlock()
		return err
	}
	return nil
}

// Unregister disarms and removes the probe at addr. It fails with
// ErrBusy while a trampoline for it is still outstanding.
func (t *Table) Unregister(addr uint64) error {
	t.mu.Lock()
	r, ok := t.probes[addr]
	if !ok {
		t.mu.Unlock()
		return probeerr.ErrNotFound
	}
	for _, active := range t.active {
		if active == r {
			t.mu.Unlock()
			return probeerr.ErrBusy
		}
	}
	delete(t.probes, addr)
	t.mu.Unlock()

	if r.Armed() {
		return r.Disarm(t.mem)
	}
	return nil
}

// Snapshot is a point-in-time, racily-read copy of the table's state for
// display purposes only.
type Snapshot struct {
	Probes []*probe.Record
	Active []*probe.Record
}

// Snapshot copies out the current probe and active-trampoline lists.
func (t *Table) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := Snapshot{
		Probes: make([]*probe.Record, 0, len(t.probes)),
		Active: make([]*probe.Record, 0, len(t.active)),
	}
	for _, r := range t.probes {
		out.Probes = append(out.Probes, r)
	}
	for _, r := range t.active {
		out.Active = append(out.Active, r)
	}
	return out
}

// OnTrap dispatches a kernel trap the same way a uprobe table does (Case
// A: registered probe, Case B: active trampoline, Case C: NotOurs) — see
// uprobe.Table.OnTrap for the narrative version of this logic, which this
// mirrors minus the per-path lookup.
func (t *Table) OnTrap(cx *handler.Context) bool {
	t.mu.Lock()
	if r, ok := t.probes[cx.PC]; ok {
		t.mu.Unlock()
		t.dispatchProbe(cx, r)
		return true
	}
	if r, ok := t.active[cx.PC]; ok {
		t.mu.Unlock()
		t.dispatchTrampoline(cx, r)
		return true
	}
	t.mu.Unlock()
	return false
}

func (t *Table) dispatchProbe(cx *handler.Context, r *probe.Record) {
	r.Pre.Call(cx)

	switch r.Kind {
	case probe.KindInstruction:
		cx.PC = r.SlotAddr
		t.mu.Lock()
		if _, exists := t.active[r.PostBreakAddr]; !exists {
			t.active[r.PostBreakAddr] = r
		}
		t.mu.Unlock()

	case probe.KindSyncFunction:
		cx.SP = cx.SP + uint64(int64(r.SPDelta))
		cx.PC = r.Addr + uint64(r.Length)
		if r.Post != nil {
			t.mu.Lock()
			if _, exists := t.active[r.FuncBreakAddr]; !exists {
				t.active[r.FuncBreakAddr] = r
			}
			t.mu.Unlock()
			r.PushReturn(cx.RA)
			cx.RA = r.FuncBreakAddr
		}

	case probe.KindAsyncFunction:
		// unreachable: Prepare rejects AsyncFunction before Register can
		// ever keep the record.
	}
}

func (t *Table) dispatchTrampoline(cx *handler.Context, r *probe.Record) {
	if cx.PC == r.PostBreakAddr {
		r.Post.Call(cx)
		next := r.Addr + uint64(r.Length)
		t.mu.Lock()
		delete(t.active, r.PostBreakAddr)
		t.mu.Unlock()
		cx.PC = next
		return
	}

	r.Post.Call(cx)
	if ret, ok := r.PopReturn(); ok {
		cx.PC = ret
	}
	if r.ReturnDepth() == 0 {
		t.mu.Lock()
		delete(t.active, r.FuncBreakAddr)
		t.mu.Unlock()
	}
}
