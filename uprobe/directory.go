package uprobe

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"rvtrace/codemem"
	"rvtrace/handler"
	"rvtrace/kernelapi"
	"rvtrace/probe"
	"rvtrace/probeerr"
)

// Directory keys a Table by executable path and routes registration,
// process-start arming, and trap dispatch to the table for whichever path
// the kernel interface reports as current.
//
// Unlike the source this is grounded on, which forces a process-wide
// lazy_static singleton, Directory is an ordinary constructed value: the
// host wires one instance and threads it explicitly, rather than reaching
// for a package-level global that every test would then have to share.
type Directory struct {
	mu     sync.RWMutex
	tables map[string]*Table
	sf     singleflight.Group

	kernel *kernelapi.Registry
	mem    codemem.Memory
	log    *logrus.Entry
}

// NewDirectory builds an empty Directory. mem is the address space the
// directory reads and writes breakpoints into; in a real deployment this
// is backed by the running process's mapped memory (see hostmem), in
// tests by codemem.Fake.
func NewDirectory(kernel *kernelapi.Registry, mem codemem.Memory, log *logrus.Entry) *Directory {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Directory{
		tables: make(map[string]*Table),
		kernel: kernel,
		mem:    mem,
		log:    log,
	}
}

func (d *Directory) tableFor(path string) *Table {
	d.mu.RLock()
	t, ok := d.tables[path]
	d.mu.RUnlock()
	if ok {
		return t
	}

	// singleflight collapses concurrent first-touches of the same path
	// into one table construction instead of racing two writers into
	// d.tables.
	v, _, _ := d.sf.Do(path, func() (interface{}, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if t, ok := d.tables[path]; ok {
			return t, nil
		}
		t := newTable(d.log.WithField("executable", path))
		d.tables[path] = t
		return t, nil
	})
	return v.(*Table)
}

func (d *Directory) lookupTable(path string) (*Table, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tables[path]
	return t, ok
}

// Paths lists every executable that has at least one registered table, in
// no particular order. For use by the inspector, not by dispatch logic.
func (d *Directory) Paths() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.tables))
	for path := range d.tables {
		out = append(out, path)
	}
	return out
}

// Snapshot returns the probe/active state for path's table, if one
// exists.
func (d *Directory) Snapshot(path string) (Snapshot, bool) {
	t, ok := d.lookupTable(path)
	if !ok {
		return Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Register records a new probe against path. If path is the executable
// currently running, the probe is prepared and armed immediately;
// otherwise it waits, unprepared, for a future OnProcessStart call for
// that path.
func (d *Directory) Register(path string, addr uint64, pre, post *handler.Handler, kind probe.Kind) error {
	table := d.tableFor(path)
	if _, err := table.Register(addr, pre, post, kind); err != nil {
		return err
	}

	current, err := d.kernel.CurrentExecPath()
	if err == nil && current == path {
		if err := table.PrepareOne(addr, d.mem, d.kernel.AllocatePage); err != nil {
			table.rollback(addr)
			d.log.WithError(err).WithField("addr", addr).Warn("uprobe: immediate arm failed")
			return err
		}
	}
	return nil
}

// Unregister disarms and drops the probe at addr within path's table.
func (d *Directory) Unregister(path string, addr uint64) error {
	table, ok := d.lookupTable(path)
	if !ok {
		return probeerr.ErrNotFound
	}
	return table.Unregister(addr, d.mem)
}

// OnProcessStart arms every probe registered so far for the executable
// the kernel interface now reports as current. It is a no-op if no probe
// has ever been registered for that path.
func (d *Directory) OnProcessStart() error {
	path, err := d.kernel.CurrentExecPath()
	if err != nil {
		return err
	}
	table, ok := d.lookupTable(path)
	if !ok {
		return nil
	}
	table.ArmAll(d.mem, d.kernel.AllocatePage)
	return nil
}

// OnTrap routes a trap to the table for the current executable. It
// reports false (NotOurs) if there is no current-executable table, or if
// that table does not recognize cx.PC as either a probe or an active
// trampoline.
func (d *Directory) OnTrap(cx *handler.Context) bool {
	path, err := d.kernel.CurrentExecPath()
	if err != nil {
		return false
	}
	table, ok := d.lookupTable(path)
	if !ok {
		return false
	}
	return table.OnTrap(cx)
}
