package manager

import (
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/kolkov/synchmgr/internal/synch/pipe"
	"github.com/kolkov/synchmgr/internal/synch/shm"
)

// runWorker is the per-process worker task. It reads commands from the
// process pipe and completes remote wakeups, delegated signals and
// process-exit monitoring until shutdown drains the pipe.
func (m *Manager) runWorker() {
	defer close(m.workerDone)

	th := m.worker
	shuttingDown := false
	lastPoll := time.Now()

	for {
		timeout := time.Duration(-1)
		switch {
		case shuttingDown:
			timeout = m.cfg.ShuttingDownTimeout
		case m.monitor.Count() > 0:
			timeout = m.cfg.ProcMonitoringInterval
		}

		cmd, err := m.pipe.ReadCommand(timeout, m.cfg.CmdCompletionTimeout)
		switch {
		case err == nil:
		case err == io.EOF || errors.Cause(err) == pipe.ErrTimeout:
			cmd = pipe.Command{Op: pipe.OpNop}
		default:
			m.internalError("worker", "reading command: %v", err)
			if shuttingDown {
				return
			}
			continue
		}

		m.log.Tracef("worker: %s", cmd)
		switch cmd.Op {
		case pipe.OpNop:
			if shuttingDown {
				return
			}
			m.doMonitorProcesses(th)
			lastPoll = time.Now()
		case pipe.OpRemoteSignal:
			m.handleRemoteSignal(th, cmd.Ref)
		case pipe.OpDelegatedSignal:
			m.handleDelegatedSignal(th, cmd.Ref, cmd.Count)
		case pipe.OpShutdown:
			if err := m.pipe.Shutdown(); err != nil {
				m.log.Warnf("worker: %v", err)
			}
			shuttingDown = true
		}

		// a steady stream of commands must not starve the monitor
		if !shuttingDown && m.monitor.Count() > 0 && time.Since(lastPoll) >= m.cfg.ProcMonitoringInterval {
			m.doMonitorProcesses(th)
			lastPoll = time.Now()
		}
	}
}

// handleRemoteSignal completes the wakeup of a local waiter that a thread
// of another process already moved to ACTIVE.
func (m *Manager) handleRemoteSignal(th *Thread, nref shm.Ref) {
	m.acquireLocal(th)
	m.acquireShared(th)
	defer func() {
		m.releaseShared(th)
		m.releaseLocal(th)
	}()

	n := m.node(nref)
	if n == nil || int(n.Pid) != m.pid {
		m.staleSignal(nref, "node gone")
		return
	}
	waiter := m.lookupThread(n.Tid)
	if waiter == nil || !waiter.waitsOn(nref) {
		m.staleSignal(nref, "no longer part of a wait")
		return
	}
	if n.HasFlag(shm.NodeWaitAll) {
		m.internalError("handleRemoteSignal", "remote signal for wait-all node %s", nref)
		return
	}
	rec := m.record(n.Record)
	if rec == nil {
		m.internalError("handleRemoteSignal", "node %s has dangling record %s", nref, n.Record)
		return
	}

	reason := WakeSucceeded
	if typeOf(rec).Ownership == OwnershipTracked {
		if rec.Abandoned != 0 {
			reason = WakeAbandoned
		}
		if err := m.assignOwnership(th, rec, waiter); err != nil {
			m.log.Errorf("ownership data of %s may be corrupted: %v", rec.Self, err)
		}
	}
	index := int(n.ObjIndex)
	m.unRegisterWait(th, waiter)
	m.wakeUpLocalThread(th, waiter, reason, index)
}

// handleDelegatedSignal applies a signal count forwarded by another
// process and drops the record reference the command carried.
func (m *Manager) handleDelegatedSignal(th *Thread, rref shm.Ref, count uint32) {
	m.acquireLocal(th)
	m.acquireShared(th)
	defer func() {
		m.releaseShared(th)
		m.releaseLocal(th)
	}()

	rec := m.record(rref)
	if rec == nil {
		m.staleSignal(rref, "record gone")
		return
	}
	m.signal(th, rec, rec.SignalCount+int32(count), true)
	m.release(th, rec)
}

func (m *Manager) staleSignal(ref shm.Ref, why string) {
	m.stats.StaleSignals.Add(1)
	m.log.Warnf("worker: dropping stale signal for %s: %s", ref, why)
}

// waitsOn reports whether nref belongs to th's current wait.
func (th *Thread) waitsOn(nref shm.Ref) bool {
	for i := 0; i < th.wait.objCount; i++ {
		if th.wait.nodes[i] == nref {
			return true
		}
	}
	return false
}
