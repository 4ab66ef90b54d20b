package manager

import (
	"github.com/kolkov/synchmgr/internal/synch/shm"
)

// ShareObject promotes obj's record from the local arena to the shared
// region so other processes can open it with OpenShared. Waiters,
// ownership, abandonment and process monitoring move along. Promoting an
// already shared object is a no-op; there is no way back.
func (th *Thread) ShareObject(obj *Object) (shm.Ref, error) {
	m := th.m
	if m.region == nil {
		return shm.Nil, ErrNoSharedDomain
	}

	m.acquireLocal(th)
	m.acquireShared(th)
	defer func() {
		m.releaseShared(th)
		m.releaseLocal(th)
	}()

	if obj.closed {
		return shm.Nil, ErrInvalidHandle
	}
	if obj.ref.Shared() {
		return obj.ref, nil
	}
	if err := m.promote(th, obj); err != nil {
		return shm.Nil, err
	}
	return obj.ref, nil
}

// promote moves obj's local record into the shared region. The caller
// holds both locks. Everything is allocated up front so that exhaustion
// leaves the local record untouched.
func (m *Manager) promote(th *Thread, obj *Object) error {
	lref := obj.ref
	lrec := m.local.Record(lref)
	if lrec == nil {
		return ErrInvalidHandle
	}
	sa := m.region.Arena

	sref, srec, err := sa.AllocRecord()
	if err != nil {
		m.stats.ResourceErrors.Add(1)
		return ErrNotEnoughMemory
	}
	type nodeCopy struct {
		from *shm.Node
		to   *shm.Node
	}
	var copies []nodeCopy
	rollback := func() {
		for _, c := range copies {
			sa.FreeNode(c.to.Self)
		}
		sa.FreeRecord(sref)
		m.stats.ResourceErrors.Add(1)
	}
	for ref := lrec.Head; !ref.IsNil(); {
		n := m.local.Node(ref)
		if n == nil {
			rollback()
			return m.internalError("promote", "dangling node %s in wait list of %s", ref, lref)
		}
		_, sn, err := sa.AllocNode()
		if err != nil {
			rollback()
			return ErrNotEnoughMemory
		}
		copies = append(copies, nodeCopy{from: n, to: sn})
		ref = n.Next
	}

	srec.Type = lrec.Type
	srec.SignalCount = lrec.SignalCount
	srec.Limit = lrec.Limit
	srec.ProcessID = lrec.ProcessID
	srec.RefCount = lrec.RefCount

	for _, c := range copies {
		from, to := c.from, c.to
		self := to.Self
		*to = *from
		to.Self = self
		to.Prev, to.Next = shm.Nil, shm.Nil
		to.Flags |= shm.NodeOwnerObjectIsShared
		to.Record = sref
		m.waiterEnqueue(srec, to)

		waiter := m.lookupThread(from.Tid)
		if waiter == nil || !m.retargetWaitNode(waiter, from.Self, self) {
			m.internalError("promote", "waiter %d of %s does not know node %s", from.Tid, lref, from.Self)
		}
		m.local.FreeNode(from.Self)
	}
	lrec.Head, lrec.Tail = shm.Nil, shm.Nil
	lrec.WaiterCount = 0

	if lrec.OwnershipCount > 0 {
		srec.OwnerPid = lrec.OwnerPid
		srec.OwnerTid = lrec.OwnerTid
		srec.OwnershipCount = lrec.OwnershipCount
		if owner := m.lookupThread(lrec.OwnerTid); owner != nil {
			for i, r := range owner.owned {
				if r == lref {
					owner.owned[i] = sref
				}
			}
		}
	} else {
		srec.Abandoned = lrec.Abandoned
	}

	if ObjectType(lrec.Type) == TypeProcess {
		m.monitor.Retarget(lref, sref)
	}

	if err := m.local.FreeRecord(lref); err != nil {
		m.internalError("promote", "free local record %s: %v", lref, err)
	}
	obj.ref = sref
	m.stats.Promotions.Add(1)
	m.log.Tracef("promoted %s to %s (%d waiters)", lref, sref, len(copies))
	return nil
}

// retargetWaitNode replaces from with to in waiter's wait and updates the
// wait's domain accounting.
func (m *Manager) retargetWaitNode(waiter *Thread, from, to shm.Ref) bool {
	wi := &waiter.wait
	for i := 0; i < wi.objCount; i++ {
		if wi.nodes[i] != from {
			continue
		}
		wi.nodes[i] = to
		wi.sharedObjCount++
		if wi.sharedObjCount == wi.objCount {
			wi.domain = SharedWait
		} else {
			wi.domain = MixedWait
		}
		return true
	}
	return false
}
