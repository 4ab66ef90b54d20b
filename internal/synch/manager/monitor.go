package manager

import (
	"github.com/kolkov/synchmgr/internal/synch/procmon"
)

// doMonitorProcesses probes the monitored processes and signals the
// process objects of those that exited, releasing their local waiters.
//
// Probing happens under the monitor lock alone. The synch locks are taken
// before the exited entries are drained so a concurrent promotion either
// retargets them first or sees them gone.
func (m *Manager) doMonitorProcesses(th *Thread) {
	moved, errs := m.monitor.CollectExited()
	for _, err := range errs {
		m.log.Warnf("process monitor: %v", err)
	}
	if moved == 0 {
		return
	}

	m.acquireLocal(th)
	defer m.releaseLocal(th)

	entries := m.monitor.DrainExited()
	if anyShared(entries) {
		m.acquireShared(th)
		defer m.releaseShared(th)
	}

	for _, e := range entries {
		rec := m.record(e.Record)
		if rec == nil {
			m.internalError("doMonitorProcesses", "exited process %d has dangling record %s", e.Target.Pid, e.Record)
			continue
		}
		rec.SignalCount = 1
		woken := m.releaseAllLocalWaiters(th, rec)
		m.release(th, rec)
		m.stats.ProcessExits.Add(1)
		m.log.Tracef("process %d exited (code %d), %d waiters released", e.Target.Pid, e.Status.ExitCode, woken)
	}
}

func anyShared(entries []*procmon.Entry) bool {
	for _, e := range entries {
		if e.Record.Shared() {
			return true
		}
	}
	return false
}

// discardMonitoredProcesses drops every monitoring entry at shutdown.
func (m *Manager) discardMonitoredProcesses(th *Thread) {
	m.acquireLocal(th)
	m.acquireShared(th)
	for _, e := range m.monitor.Discard() {
		if rec := m.record(e.Record); rec != nil {
			m.release(th, rec)
		}
	}
	m.releaseShared(th)
	m.releaseLocal(th)
}
