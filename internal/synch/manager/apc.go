package manager

import "sync/atomic"

// APCFunc is an asynchronous procedure call run by the target thread
// during an alertable wait.
type APCFunc func(data uintptr)

type apc struct {
	fn   APCFunc
	data uintptr
}

// QueueAPC queues fn for target. If target is in an alertable wait it is
// woken with WakeAlerted and runs the call before its wait returns.
func (th *Thread) QueueAPC(target *Thread, fn APCFunc, data uintptr) error {
	if fn == nil || target == nil {
		return ErrInvalidParameter
	}
	m := th.m

	m.acquireLocal(th)
	m.acquireShared(th)
	defer func() {
		m.releaseShared(th)
		m.releaseLocal(th)
	}()

	if target.done || target.loadState() == stateEarlyDeath {
		return ErrThreadTerminated
	}

	target.apcMu.Lock()
	target.apcs = append(target.apcs, apc{fn: fn, data: data})
	target.apcMu.Unlock()
	m.stats.APCsQueued.Add(1)

	if atomic.CompareAndSwapUint32(target.state, uint32(stateAlertable), uint32(stateActive)) {
		m.unRegisterWait(th, target)
		m.wakeUpLocalThread(th, target, WakeAlerted, 0)
	}
	return nil
}

func (th *Thread) hasPendingAPCs() bool {
	th.apcMu.Lock()
	defer th.apcMu.Unlock()
	return len(th.apcs) > 0
}

// dispatchPendingAPCs runs the queued calls, including any queued while
// running, and returns how many ran. No lock is held during a call.
func (th *Thread) dispatchPendingAPCs() int {
	ran := 0
	for {
		th.apcMu.Lock()
		batch := th.apcs
		th.apcs = nil
		th.apcMu.Unlock()
		if len(batch) == 0 {
			break
		}
		for _, a := range batch {
			a.fn(a.data)
			ran++
		}
	}
	th.m.stats.APCsDispatched.Add(uint64(ran))
	return ran
}

func (m *Manager) discardAllPendingAPCs(target *Thread) {
	target.apcMu.Lock()
	n := len(target.apcs)
	target.apcs = nil
	target.apcMu.Unlock()
	if n > 0 {
		m.log.Tracef("thread %d: %d pending APCs discarded", target.tid, n)
	}
}
