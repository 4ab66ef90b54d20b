package manager

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/kolkov/synchmgr/internal/synch/pipe"
	"github.com/kolkov/synchmgr/internal/synch/shm"
)

// interlockedAwaken moves a wait-state word from ALERTABLE (and, unless
// alertableOnly, WAITING) to ACTIVE. The caller that wins the CAS owns
// the wakeup of that thread.
func interlockedAwaken(word *uint32, alertableOnly bool) bool {
	if atomic.CompareAndSwapUint32(word, uint32(stateAlertable), uint32(stateActive)) {
		return true
	}
	if alertableOnly {
		return false
	}
	return atomic.CompareAndSwapUint32(word, uint32(stateWaiting), uint32(stateActive))
}

// wakeUpLocalThread hands target its wakeup. While cur holds the local
// lock the wakeup is queued and delivered by the last releaseLocal.
func (m *Manager) wakeUpLocalThread(cur, target *Thread, reason WakeReason, index int) {
	if cur.localLocks > 0 {
		cur.deferred = append(cur.deferred, pendingWakeup{target: target, reason: reason, index: index})
		return
	}
	target.native.post(reason, index)
}

// wakeUpRemoteThread asks the worker of the node's process to complete the
// wakeup of the waiter already moved to ACTIVE.
func (m *Manager) wakeUpRemoteThread(n *shm.Node) error {
	err := pipe.Send(m.peerPipePath(int(n.Pid)), pipe.Command{Op: pipe.OpRemoteSignal, Ref: n.Self})
	if err != nil {
		m.stats.SendFailures.Add(1)
		return err
	}
	m.stats.RemoteSignals.Add(1)
	return nil
}

// delegateSignalingToRemoteProcess forwards rec's pending signal count to
// the worker of pid, which alone can tell whether its wait-all waiter is
// satisfied. The command carries a record reference the worker releases.
func (m *Manager) delegateSignalingToRemoteProcess(cur *Thread, pid int, rec *shm.Record) error {
	m.addRef(rec)
	err := pipe.Send(m.peerPipePath(pid), pipe.Command{
		Op:    pipe.OpDelegatedSignal,
		Ref:   rec.Self,
		Count: uint32(rec.SignalCount),
	})
	if err != nil {
		m.release(cur, rec)
		m.stats.SendFailures.Add(1)
		return err
	}
	m.stats.Delegations.Add(1)
	return nil
}

// blockThread blocks th until its registered wait is satisfied, it is
// alerted, or timeout passes (negative: forever). It holds no lock.
//
// A timeout is only reported when th itself moves its state back to
// ACTIVE. Losing that CAS means a signaler owns the wakeup and its post is
// about to arrive, so th waits for it once more.
func (m *Manager) blockThread(th *Thread, timeout time.Duration, alertable bool) (WakeReason, int, error) {
	reason, index, ok := th.native.wait(timeout)
	if !ok {
		from := stateWaiting
		if alertable {
			from = stateAlertable
		}
		if atomic.CompareAndSwapUint32(th.state, uint32(from), uint32(stateActive)) {
			m.acquireLocal(th)
			m.unRegisterWait(th, th)
			m.releaseLocal(th)
			m.stats.Timeouts.Add(1)
			return WakeTimeout, 0, nil
		}
		if th.loadState() == stateEarlyDeath {
			m.park(th)
		}

		m.stats.SecondWaits.Add(1)
		reason, index, ok = th.native.wait(m.cfg.SecondNativeWaitTimeout)
		if !ok {
			m.acquireLocal(th)
			m.unRegisterWait(th, th)
			m.releaseLocal(th)
			return WakeTimeout, 0, m.internalError("blockThread",
				"thread %d lost its timeout race but no wakeup arrived", th.tid)
		}
	}

	if reason == WakeTerminated || th.loadState() == stateEarlyDeath {
		m.park(th)
	}
	return reason, index, nil
}

// park stops a terminated thread for good. The goroutine blocks until the
// manager shuts down and then exits.
func (m *Manager) park(th *Thread) {
	m.log.Tracef("thread %d parked", th.tid)
	<-m.terminated
	runtime.Goexit()
}
