package manager

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Infinite is the timeout of a wait that never times out.
const Infinite time.Duration = -1

// WaitResult is the outcome class of a wait.
type WaitResult int

// Wait results. WaitObject0 and WaitAbandoned0 are completed by the
// object index in WaitStatus.
const (
	WaitObject0 WaitResult = iota
	WaitAbandoned0
	WaitTimeout
	WaitIOCompletion
	WaitFailed
)

func (r WaitResult) String() string {
	switch r {
	case WaitObject0:
		return "WAIT_OBJECT_0"
	case WaitAbandoned0:
		return "WAIT_ABANDONED_0"
	case WaitTimeout:
		return "WAIT_TIMEOUT"
	case WaitIOCompletion:
		return "WAIT_IO_COMPLETION"
	case WaitFailed:
		return "WAIT_FAILED"
	default:
		return fmt.Sprintf("WaitResult(%d)", int(r))
	}
}

// WaitStatus is the result of a wait together with the index of the
// object that satisfied it (WaitObject0, WaitAbandoned0).
type WaitStatus struct {
	Result WaitResult
	Index  int
}

func (s WaitStatus) String() string {
	switch s.Result {
	case WaitObject0, WaitAbandoned0:
		return fmt.Sprintf("%s+%d", s.Result, s.Index)
	default:
		return s.Result.String()
	}
}

// WaitForSingleObject waits until obj is signaled or timeout passes.
func (th *Thread) WaitForSingleObject(obj *Object, timeout time.Duration) (WaitStatus, error) {
	return th.waitFor([]*Object{obj}, false, timeout, false)
}

// WaitForSingleObjectEx is WaitForSingleObject, optionally alertable: an
// APC queued to th ends the wait with WaitIOCompletion after running.
func (th *Thread) WaitForSingleObjectEx(obj *Object, timeout time.Duration, alertable bool) (WaitStatus, error) {
	return th.waitFor([]*Object{obj}, false, timeout, alertable)
}

// WaitForMultipleObjects waits for any (or, with waitAll, every) object
// of objs. A wait-all is satisfied atomically: no object is consumed until
// all of them can be.
func (th *Thread) WaitForMultipleObjects(objs []*Object, waitAll bool, timeout time.Duration) (WaitStatus, error) {
	return th.waitFor(objs, waitAll, timeout, false)
}

// WaitForMultipleObjectsEx is WaitForMultipleObjects, optionally alertable.
func (th *Thread) WaitForMultipleObjectsEx(objs []*Object, waitAll bool, timeout time.Duration, alertable bool) (WaitStatus, error) {
	return th.waitFor(objs, waitAll, timeout, alertable)
}

// Sleep suspends th for d.
func (th *Thread) Sleep(d time.Duration) {
	th.SleepEx(d, false)
}

// SleepEx suspends th for d. An alertable sleep ends early, with
// WaitIOCompletion, once queued APCs have run.
func (th *Thread) SleepEx(d time.Duration, alertable bool) WaitResult {
	m := th.m
	if alertable && th.hasPendingAPCs() {
		th.dispatchPendingAPCs()
		return WaitIOCompletion
	}
	th.native.drain()

	want := stateWaiting
	if alertable {
		want = stateAlertable
	}
	m.acquireLocal(th)
	if alertable && th.hasPendingAPCs() {
		m.releaseLocal(th)
		th.dispatchPendingAPCs()
		return WaitIOCompletion
	}
	if !atomic.CompareAndSwapUint32(th.state, uint32(stateActive), uint32(want)) {
		early := th.loadState() == stateEarlyDeath
		m.releaseLocal(th)
		if early {
			m.park(th)
		}
		m.internalError("SleepEx", "thread %d sleeps in state %s", th.tid, th.loadState())
		return WaitFailed
	}
	m.releaseLocal(th)

	reason, _, err := m.blockThread(th, d, alertable)
	if err != nil {
		return WaitFailed
	}
	if reason == WakeAlerted {
		th.dispatchPendingAPCs()
		return WaitIOCompletion
	}
	return WaitObject0
}

func (th *Thread) waitFor(objs []*Object, waitAll bool, timeout time.Duration, alertable bool) (WaitStatus, error) {
	m := th.m
	failed := WaitStatus{Result: WaitFailed}

	if err := m.checkRunning(); err != nil {
		return failed, err
	}
	if len(objs) == 0 || len(objs) > MaxWaitObjects {
		return failed, ErrInvalidParameter
	}
	for i, obj := range objs {
		if obj == nil || obj.m != m {
			return failed, ErrInvalidHandle
		}
		if waitAll {
			for _, other := range objs[:i] {
				if other == obj {
					return failed, ErrInvalidParameter
				}
			}
		}
	}
	if alertable && th.hasPendingAPCs() {
		th.dispatchPendingAPCs()
		return WaitStatus{Result: WaitIOCompletion}, nil
	}

	m.stats.Waits.Add(1)
	th.native.drain()

	wcs, _, err := m.GetWaitControllers(th, objs)
	if err != nil {
		return failed, err
	}

	if st, ok, err := th.satisfyWithoutBlocking(wcs, waitAll, timeout); ok {
		releaseWaitControllers(wcs)
		return st, err
	}
	if timeout == 0 {
		releaseWaitControllers(wcs)
		return WaitStatus{Result: WaitTimeout}, nil
	}
	if alertable && th.hasPendingAPCs() {
		releaseWaitControllers(wcs)
		th.dispatchPendingAPCs()
		return WaitStatus{Result: WaitIOCompletion}, nil
	}

	waitType := WaitSingle
	switch {
	case waitAll:
		waitType = WaitAll
	case len(objs) > 1:
		waitType = WaitAny
	}
	for i, wc := range wcs {
		err := wc.RegisterWaitingThread(waitType, i, alertable)
		if err == nil {
			continue
		}
		if err == errEarlyDeath {
			releaseWaitControllers(wcs)
			m.park(th)
		}
		// undo the objects registered so far
		if th.wait.objCount > 0 {
			m.unRegisterWait(th, th)
			atomic.CompareAndSwapUint32(th.state, uint32(stateWaiting), uint32(stateActive))
			atomic.CompareAndSwapUint32(th.state, uint32(stateAlertable), uint32(stateActive))
		}
		releaseWaitControllers(wcs)
		return failed, err
	}
	releaseWaitControllers(wcs)

	m.stats.Contentions.Add(1)
	reason, index, err := m.blockThread(th, timeout, alertable)
	if err != nil {
		return failed, errors.Wrap(ErrWaitFailed, err.Error())
	}

	switch reason {
	case WakeSucceeded:
		if waitAll {
			index = 0
		}
		return WaitStatus{Result: WaitObject0, Index: index}, nil
	case WakeAbandoned:
		return WaitStatus{Result: WaitAbandoned0, Index: index}, nil
	case WakeAlerted:
		th.dispatchPendingAPCs()
		return WaitStatus{Result: WaitIOCompletion}, nil
	case WakeTimeout:
		return WaitStatus{Result: WaitTimeout}, nil
	default:
		return failed, errors.Wrap(ErrWaitFailed, m.internalError("waitFor", "thread %d woke for %s", th.tid, reason).Error())
	}
}

// satisfyWithoutBlocking completes the wait on the spot when it can. The
// controllers hold the locks, so the check and the consumption are atomic.
func (th *Thread) satisfyWithoutBlocking(wcs []*WaitController, waitAll bool, timeout time.Duration) (WaitStatus, bool, error) {
	if timeout == 0 {
		for _, wc := range wcs {
			th.m.probeProcessObject(wc)
		}
	}

	if !waitAll {
		for i, wc := range wcs {
			ok, abandoned := wc.CanThreadWaitWithoutBlocking()
			if !ok {
				continue
			}
			if err := wc.ReleaseWaitingThreadWithoutBlocking(); err != nil {
				return WaitStatus{Result: WaitFailed}, true, err
			}
			if abandoned {
				return WaitStatus{Result: WaitAbandoned0, Index: i}, true, nil
			}
			return WaitStatus{Result: WaitObject0, Index: i}, true, nil
		}
		return WaitStatus{}, false, nil
	}

	firstAbandoned := -1
	for i, wc := range wcs {
		ok, abandoned := wc.CanThreadWaitWithoutBlocking()
		if !ok {
			return WaitStatus{}, false, nil
		}
		if abandoned && firstAbandoned < 0 {
			firstAbandoned = i
		}
	}
	for _, wc := range wcs {
		if err := wc.ReleaseWaitingThreadWithoutBlocking(); err != nil {
			return WaitStatus{Result: WaitFailed}, true, err
		}
	}
	if firstAbandoned >= 0 {
		return WaitStatus{Result: WaitAbandoned0, Index: firstAbandoned}, true, nil
	}
	return WaitStatus{Result: WaitObject0}, true, nil
}

// probeProcessObject checks, for a zero-timeout wait, whether the process
// of an unsignaled process object has exited meanwhile.
func (m *Manager) probeProcessObject(wc *WaitController) {
	rec, obj := wc.rec, wc.obj
	if ObjectType(rec.Type) != TypeProcess || rec.SignalCount > 0 || obj.target == nil {
		return
	}
	st, err := m.cfg.Probe(obj.target.Pid)
	if err != nil {
		m.log.Warnf("probing process %d: %v", obj.target.Pid, err)
	}
	if st.Exited {
		obj.target.SetExit(st)
		rec.SignalCount = 1
	}
}
