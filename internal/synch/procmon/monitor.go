package procmon

import (
	"github.com/pkg/errors"

	"github.com/kolkov/synchmgr/internal/synch/shm"
	"github.com/kolkov/synchmgr/internal/synch/syncutil"
)

// ErrNotMonitored is returned by Unregister for an unknown record.
var ErrNotMonitored = errors.New("procmon: process not monitored")

// Target is the process-local data of a process object: its pid and,
// once known, its exit code.
type Target struct {
	Pid int

	mu     syncutil.Mutex
	exited bool
	code   int
	actual bool
}

// NewTarget returns the data for a process object referring to pid.
func NewTarget(pid int) *Target { return &Target{Pid: pid} }

// SetExit records the exit status. The first recorded status wins.
func (t *Target) SetExit(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return
	}
	t.exited, t.code, t.actual = true, s.ExitCode, s.Actual
}

// Exit returns the recorded exit code and whether the process has exited.
func (t *Target) Exit() (code int, actual, exited bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.code, t.actual, t.exited
}

// Entry is one monitored process. Entries are reference counted: every
// wait registered on the same process object shares one entry.
type Entry struct {
	Record shm.Ref
	Target *Target
	Status Status

	refs int
	next *Entry
}

// Monitor is the list of monitored processes, guarded by its own lock.
//
// The lock is a leaf: callers may take it while holding the synch locks,
// never the other way round. CollectExited only probes and unlinks; the
// caller signals the returned records after the monitor lock is dropped.
type Monitor struct {
	mu     syncutil.Mutex
	probe  ProbeFunc
	head   *Entry
	exited *Entry
	count  int
}

// New returns an empty monitor using probe (Probe when nil).
func New(probe ProbeFunc) *Monitor {
	if probe == nil {
		probe = Probe
	}
	return &Monitor{probe: probe}
}

// Register adds a reference to the entry for rec, creating it when needed.
// added reports whether a new entry was created; the caller then owns one
// record reference on behalf of the entry and should wake the worker so
// polling starts.
func (m *Monitor) Register(rec shm.Ref, t *Target) (added bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for e := m.head; e != nil; e = e.next {
		if e.Record == rec {
			e.refs++
			return false
		}
	}
	m.head = &Entry{Record: rec, Target: t, refs: 1, next: m.head}
	m.count++
	return true
}

// Unregister drops a reference to the entry for rec. When the last
// reference goes, the entry is unlinked and returned so the caller can
// release its record reference.
func (m *Monitor) Unregister(rec shm.Ref) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev *Entry
	for e := m.head; e != nil; prev, e = e, e.next {
		if e.Record != rec {
			continue
		}
		if e.refs--; e.refs > 0 {
			return nil, nil
		}
		m.unlink(prev, e)
		return e, nil
	}
	return nil, errors.Wrapf(ErrNotMonitored, "record %s", rec)
}

func (m *Monitor) unlink(prev, e *Entry) {
	if prev == nil {
		m.head = e.next
	} else {
		prev.next = e.next
	}
	e.next = nil
	m.count--
}

// CollectExited probes every monitored pid and moves the entries whose
// process has exited to the exited list, recording the exit status on
// their Target. Probe errors leave the entry in place. It returns the
// number of entries moved.
//
// Only the monitor lock is held while probing; the caller later takes the
// synch locks and calls DrainExited to signal the records.
func (m *Monitor) CollectExited() (int, []error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := 0
	var errs []error
	var prev *Entry
	for e := m.head; e != nil; {
		next := e.next
		st, err := m.probe(e.Target.Pid)
		if err != nil {
			errs = append(errs, err)
		}
		if st.Exited {
			e.Status = st
			e.Target.SetExit(st)
			m.unlink(prev, e)
			e.next = m.exited
			m.exited = e
			moved++
		} else {
			prev = e
		}
		e = next
	}
	return moved, errs
}

// DrainExited empties the exited list and returns its entries, which now
// belong to the caller.
func (m *Monitor) DrainExited() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return drain(&m.exited)
}

func drain(head **Entry) []*Entry {
	var all []*Entry
	for e := *head; e != nil; {
		next := e.next
		e.next = nil
		all = append(all, e)
		e = next
	}
	*head = nil
	return all
}

// Retarget points every entry for from at to, exited entries included.
// It is used when a local record is promoted to shared memory.
func (m *Monitor) Retarget(from, to shm.Ref) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, head := range []*Entry{m.head, m.exited} {
		for e := head; e != nil; e = e.next {
			if e.Record == from {
				e.Record = to
				n++
			}
		}
	}
	return n
}

// Count returns the number of monitored processes.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Discard unlinks every entry, monitored or exited, and returns them.
func (m *Monitor) Discard() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := append(drain(&m.head), drain(&m.exited)...)
	m.count = 0
	return all
}
