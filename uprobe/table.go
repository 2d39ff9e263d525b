// Package uprobe implements the user-mode probe subsystem: one
// PerExecutableTable per traced executable, and a Directory that keys
// tables by path, drives lazy arming on process entry, and dispatches trap
// events to the right table.
package uprobe

import (
	"sync"

	"github.com/sirupsen/logrus"

	"rvtrace/codemem"
	"rvtrace/handler"
	"rvtrace/kernelapi"
	"rvtrace/probe"
	"rvtrace/probeerr"
)

// Table is the probe registry for one executable image: the set of
// registered probes, keyed by probed address, and the set of active
// trampolines, keyed by the breakpoint address currently standing in for a
// post-step or pending function return.
type Table struct {
	mu     sync.Mutex
	probes map[uint64]*probe.Record
	active map[uint64]*probe.Record
	log    *logrus.Entry
}

func newTable(log *logrus.Entry) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Table{
		probes: make(map[uint64]*probe.Record),
		active: make(map[uint64]*probe.Record),
		log:    log,
	}
}

// Register creates a Record for addr and inserts it into probes. It does
// not call Prepare: the executable whose pages must be allocated into may
// not be the one currently running, so preparation is deferred to ArmAll
// (or, for the currently-running path, to an immediate PrepareOne call
// from the Directory).
func (t *Table) Register(addr uint64, pre, post *handler.Handler, kind probe.Kind) (*probe.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.probes[addr]; exists {
		return nil, probeerr.ErrDuplicate
	}
	r := probe.New(kind, addr, pre, post)
	t.probes[addr] = r
	return r, nil
}

// rollback removes a registered record that never completed preparation,
// mirroring kprobe.Table.Register's inline delete on a failed Prepare. A
// Register/PrepareOne pair is the only way uprobe fails after insertion, so
// without this the addr would be ErrDuplicate-locked forever with no way
// back short of an undocumented Unregister call.
func (t *Table) rollback(addr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.probes, addr)
}

// PrepareOne prepares (and thereby arms) a single already-registered
// record, used when registration happens while its executable is already
// the one running.
func (t *Table) PrepareOne(addr uint64, mem codemem.Memory, alloc kernelapi.AllocatePageFunc) error {
	t.mu.Lock()
	r, ok := t.probes[addr]
	t.mu.Unlock()
	if !ok {
		return probeerr.ErrNotFound
	}
	return r.Prepare(mem, alloc)
}

// ArmAll prepares (and thereby arms) every record in the table. It is
// idempotent: a record that is already prepared is left untouched, so
// calling ArmAll twice in a row with no registration in between produces
// no observable change after the first call.
func (t *Table) ArmAll(mem codemem.Memory, alloc kernelapi.AllocatePageFunc) {
	t.mu.Lock()
	records := make([]*probe.Record, 0, len(t.probes))
	for _, r := range t.probes {
		records = append(records, r)
	}
	t.mu.Unlock()

	for _, r := range records {
		if err := r.Prepare(mem, alloc); err != nil {
			t.log.WithFields(logrus.Fields{
				"addr": r.Addr,
				"kind": r.Kind.String(),
			}).WithError(err).Warn("uprobe: failed to arm probe")
		}
	}
}

// Unregister disarms and removes the record at addr. It fails with
// ErrBusy if the record still has an outstanding active trampoline
// (an in-flight single-step or pending function return); callers should
// retry once that drains.
func (t *Table) Unregister(addr uint64, mem codemem.Memory) error {
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
		return r.Disarm(mem)
	}
	return nil
}

// Snapshot is a point-in-time, racily-read copy of a table's state for
// display purposes only — never consult it to make a dispatch decision.
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

// OnTrap is the per-table trap dispatcher (§4.5 of the design): Case A
// (pc matches a registered probe), Case B (pc matches an active
// trampoline), Case C (neither — the caller should report NotOurs).
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
		// Register does not inspect kind, so an AsyncFunction record can
		// be stored here unlike kprobe's. It is harmless: Prepare rejects
		// AsyncFunction before writing any breakpoint bytes, so this
		// record is never armed and no trap can land on its address.
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

	// cx.PC == r.FuncBreakAddr: a probed function returned.
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
