package manager

import (
	"sync/atomic"

	"github.com/kolkov/synchmgr/internal/synch/pipe"
	"github.com/kolkov/synchmgr/internal/synch/shm"
)

// RegisterWaitingThread appends the controller's thread to the record's
// wait list as waiter number index of a wait of type waitType.
//
// The first registration of a wait moves the thread from ACTIVE to
// WAITING (or ALERTABLE); a thread already terminated gets errEarlyDeath
// and must park. On failure the partial registration of this object is
// undone; earlier objects of the same wait are the caller's to unregister.
func (wc *WaitController) RegisterWaitingThread(waitType WaitType, index int, alertable bool) error {
	m, th, rec := wc.m, wc.th, wc.rec
	wi := &th.wait

	if wi.objCount >= MaxWaitObjects {
		return m.internalError("RegisterWaitingThread", "thread %d already waits on %d objects", th.tid, wi.objCount)
	}

	a := m.arena(rec.Self)
	nref, n, err := a.AllocNode()
	if err != nil {
		m.stats.ResourceErrors.Add(1)
		return ErrNotEnoughMemory
	}

	if wi.objCount == 0 {
		want := stateWaiting
		if alertable {
			want = stateAlertable
		}
		if !atomic.CompareAndSwapUint32(th.state, uint32(stateActive), uint32(want)) {
			a.FreeNode(nref)
			if th.loadState() == stateEarlyDeath {
				return errEarlyDeath
			}
			return m.internalError("RegisterWaitingThread", "thread %d registers a wait in state %s",
				th.tid, th.loadState())
		}
		wi.waitType = waitType
		wi.domain = wc.domain
	} else if wi.domain != wc.domain {
		wi.domain = MixedWait
	}

	n.Pid = int32(m.pid)
	n.Tid = th.tid
	n.ObjIndex = uint32(index)
	n.Flags = 0
	if waitType == WaitAll {
		n.Flags |= shm.NodeWaitAll
	}
	if rec.Self.Shared() {
		n.Flags |= shm.NodeOwnerObjectIsShared
	}
	n.Record = rec.Self
	n.State = th.stateRef

	m.addRef(rec)
	if ObjectType(rec.Type) == TypeProcess && wc.obj.target != nil {
		if m.monitor.Register(rec.Self, wc.obj.target) {
			// the monitor entry holds its own reference
			m.addRef(rec)
			if err := m.pipe.WakeLocal(pipe.Command{Op: pipe.OpNop}); err != nil {
				m.log.Warnf("waking worker for process %d: %v", wc.obj.target.Pid, err)
			}
		}
	}

	m.waiterEnqueue(rec, n)
	wi.nodes[wi.objCount] = nref
	if rec.Self.Shared() {
		wi.sharedObjCount++
	}
	wi.objCount++

	m.log.Tracef("thread %d waits on %s (node %s, index %d)", th.tid, rec.Self, nref, index)
	return nil
}

// unRegisterWait removes every node of waiter's current wait from the
// wait lists and resets its registration. The caller holds the local
// lock; the shared lock is taken when the wait needs it.
func (m *Manager) unRegisterWait(cur *Thread, waiter *Thread) {
	wi := &waiter.wait
	if wi.objCount == 0 {
		return
	}
	if wi.domain != LocalWait {
		m.acquireShared(cur)
		defer m.releaseShared(cur)
	}

	for i := 0; i < wi.objCount; i++ {
		nref := wi.nodes[i]
		wi.nodes[i] = shm.Nil
		n := m.node(nref)
		if n == nil {
			m.internalError("unRegisterWait", "thread %d has dangling node %s", waiter.tid, nref)
			continue
		}
		rec := m.record(n.Record)
		if rec == nil {
			m.internalError("unRegisterWait", "node %s has dangling record %s", nref, n.Record)
			continue
		}

		m.waiterUnlink(rec, n)
		if ObjectType(rec.Type) == TypeProcess && int(n.Pid) == m.pid {
			e, err := m.monitor.Unregister(rec.Self)
			switch {
			case err != nil:
				// already collected as exited; the drain releases it
				m.log.Tracef("unregister monitoring of %s: %v", rec.Self, err)
			case e != nil:
				m.release(cur, rec)
			}
		}
		if err := m.arena(nref).FreeNode(nref); err != nil {
			m.internalError("unRegisterWait", "free node %s: %v", nref, err)
		}
		m.release(cur, rec)
	}
	wi.reset()
}

// unsignalRestOfLocalAwakeningWaitAll consumes, on behalf of waiter, every
// object of its wait-all except rec, which the caller is signaling.
func (m *Manager) unsignalRestOfLocalAwakeningWaitAll(cur *Thread, waiter *Thread, n *shm.Node, rec *shm.Record) {
	wi := &waiter.wait
	for i := 0; i < wi.objCount; i++ {
		ref := wi.nodes[i]
		if ref == n.Self {
			continue
		}
		item := m.node(ref)
		if item == nil {
			m.internalError("unsignalRestOfLocalAwakeningWaitAll", "thread %d has dangling node %s", waiter.tid, ref)
			continue
		}
		other := m.record(item.Record)
		if other == nil || other == rec {
			continue
		}
		if err := m.releaseWaiterWithoutBlocking(cur, other, waiter); err != nil {
			m.log.Errorf("wait-all of thread %d: %v", waiter.tid, err)
		}
	}
}

// markWaitForDelegatedSignaling flags n as the one node of waiter's
// wait-all that a remote signaler delegated to this process.
func (m *Manager) markWaitForDelegatedSignaling(cur *Thread, waiter *Thread, n *shm.Node) {
	wi := &waiter.wait
	if wi.domain != LocalWait {
		m.acquireShared(cur)
		defer m.releaseShared(cur)
	}
	for i := 0; i < wi.objCount; i++ {
		if item := m.node(wi.nodes[i]); item != nil {
			item.Flags &^= shm.NodeDelegatedSignaling
		}
	}
	n.Flags |= shm.NodeDelegatedSignaling
}

func (m *Manager) unmarkDelegatedSignaling(rec *shm.Record) {
	a := m.arena(rec.Self)
	for ref := rec.Head; !ref.IsNil(); {
		n := a.Node(ref)
		if n == nil {
			return
		}
		n.Flags &^= shm.NodeDelegatedSignaling
		ref = n.Next
	}
}
