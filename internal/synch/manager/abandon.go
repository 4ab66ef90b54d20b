package manager

import (
	"sync/atomic"
)

// abandonObjectsOwnedByThread abandons every mutex target owns: ownership
// is reset, the abandoned flag set and the mutex signaled, so the next
// acquirer observes WaitAbandoned0.
//
// When target is not the calling thread it is being terminated: its state
// word is switched to EARLYDEATH first, so it cannot be handed one of its
// own mutexes back, and its wait is unregistered.
func (m *Manager) abandonObjectsOwnedByThread(cur, target *Thread) error {
	m.acquireLocal(cur)

	needShared := target.wait.domain != LocalWait && target.wait.objCount > 0
	for _, ref := range target.owned {
		if ref.Shared() {
			needShared = true
		}
	}
	if needShared {
		m.acquireShared(cur)
	}

	if target != cur {
		prev := waitState(atomic.SwapUint32(target.state, uint32(stateEarlyDeath)))
		if (prev == stateWaiting || prev == stateAlertable) && target.wait.objCount > 0 {
			m.unRegisterWait(cur, target)
		}
	}

	for len(target.owned) > 0 {
		ref := target.owned[0]
		target.owned = target.owned[1:]

		rec := m.record(ref)
		if rec == nil {
			m.internalError("abandonObjectsOwnedByThread", "thread %d owns dangling record %s", target.tid, ref)
			continue
		}
		resetOwnership(rec)
		rec.Abandoned = 1
		m.signal(cur, rec, 1, false)
		m.release(cur, rec)
		m.stats.Abandonments.Add(1)
		m.log.Tracef("thread %d abandoned %s", target.tid, ref)
	}
	target.owned = nil

	if needShared {
		m.releaseShared(cur)
	}
	m.releaseLocal(cur)

	m.discardAllPendingAPCs(target)
	return nil
}

// TerminateThread abandons the objects target owns, cancels its wait and
// pending APCs, and wakes it so that it parks for good. A thread cannot
// terminate itself; use Exit.
func (th *Thread) TerminateThread(target *Thread) error {
	if target == nil || target == th {
		return ErrInvalidParameter
	}
	m := th.m

	m.acquireLocal(th)
	done := target.done
	m.releaseLocal(th)
	if done {
		return ErrThreadTerminated
	}

	if err := m.abandonObjectsOwnedByThread(th, target); err != nil {
		return err
	}
	target.native.post(WakeTerminated, 0)
	return nil
}
