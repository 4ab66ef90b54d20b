package manager

import (
	"github.com/kolkov/synchmgr/internal/synch/shm"
)

// waitCompletion is the outcome of checking the other objects of a
// wait-all.
type waitCompletion int

const (
	waitNotSatisfied waitCompletion = iota
	waitSatisfied
	// waitMaySatisfy: the waiter lives in another process, which alone
	// can tell whether its wait-all is complete.
	waitMaySatisfy
)

// arena resolves the domain of r. It returns nil for a shared ref when no
// region is configured.
func (m *Manager) arena(r shm.Ref) *shm.Arena {
	if r.Shared() {
		if m.region == nil {
			return nil
		}
		return m.region.Arena
	}
	return m.local
}

func (m *Manager) record(r shm.Ref) *shm.Record {
	if a := m.arena(r); a != nil {
		return a.Record(r)
	}
	return nil
}

func (m *Manager) node(r shm.Ref) *shm.Node {
	if a := m.arena(r); a != nil {
		return a.Node(r)
	}
	return nil
}

func (m *Manager) stateWord(r shm.Ref) *uint32 {
	if a := m.arena(r); a != nil {
		return a.StateWord(r)
	}
	return nil
}

func typeOf(rec *shm.Record) *TypeDescriptor {
	return ObjectType(rec.Type).Descriptor()
}

// allocRecord allocates a record of type t in the local arena (or the
// shared region when shared is set) with one reference held by the caller.
func (m *Manager) allocRecord(t ObjectType, shared bool) (*shm.Record, error) {
	a := m.local
	if shared {
		if m.region == nil {
			return nil, ErrNoSharedDomain
		}
		a = m.region.Arena
	}
	_, rec, err := a.AllocRecord()
	if err != nil {
		m.stats.ResourceErrors.Add(1)
		return nil, ErrNotEnoughMemory
	}
	rec.Type = uint32(t)
	rec.RefCount = 1
	return rec, nil
}

func (m *Manager) addRef(rec *shm.Record) {
	rec.RefCount++
}

// release drops a reference and frees the record at zero. The caller holds
// the locks of the record's domain.
func (m *Manager) release(cur *Thread, rec *shm.Record) {
	rec.RefCount--
	if rec.RefCount > 0 {
		return
	}
	if rec.RefCount < 0 || !rec.Head.IsNil() || rec.WaiterCount != 0 {
		m.internalError("release", "record %s freed with refcount %d and %d waiters",
			rec.Self, rec.RefCount, rec.WaiterCount)
		return
	}
	if err := m.arena(rec.Self).FreeRecord(rec.Self); err != nil {
		m.internalError("release", "free record: %v", err)
	}
}

func (m *Manager) isOwnedBy(rec *shm.Record, th *Thread) bool {
	return rec.OwnershipCount > 0 && int(rec.OwnerPid) == m.pid && rec.OwnerTid == th.tid
}

// canWaiterWaitWithoutBlocking reports whether waiter could be released
// by rec right now, and whether that release would observe abandonment.
func (m *Manager) canWaiterWaitWithoutBlocking(rec *shm.Record, waiter *Thread) (ok, abandoned bool) {
	tracked := typeOf(rec).Ownership == OwnershipTracked
	if rec.SignalCount > 0 {
		return true, tracked && rec.Abandoned != 0
	}
	return tracked && m.isOwnedBy(rec, waiter), false
}

// releaseWaiterWithoutBlocking consumes rec on behalf of waiter: takes one
// unit of signal count (when the type consumes) and assigns ownership, or
// bumps the recursion count of a mutex waiter already owns.
func (m *Manager) releaseWaiterWithoutBlocking(cur *Thread, rec *shm.Record, waiter *Thread) error {
	desc := typeOf(rec)
	tracked := desc.Ownership == OwnershipTracked

	if rec.SignalCount > 0 {
		if desc.Release == ReleaseAltersSignalCount {
			rec.SignalCount--
		}
		if tracked {
			return m.assignOwnership(cur, rec, waiter)
		}
		return nil
	}
	if tracked && m.isOwnedBy(rec, waiter) {
		rec.OwnershipCount++
		return nil
	}
	return m.internalError("releaseWaiterWithoutBlocking",
		"record %s neither signaled nor owned by thread %d", rec.Self, waiter.tid)
}

// assignOwnership makes owner the owner of rec, clearing abandonment. The
// record gains a reference held by owner's owned-objects list.
func (m *Manager) assignOwnership(cur *Thread, rec *shm.Record, owner *Thread) error {
	if rec.OwnershipCount > 0 && !m.isOwnedBy(rec, owner) {
		return m.internalError("assignOwnership", "record %s already owned by %d/%d",
			rec.Self, rec.OwnerPid, rec.OwnerTid)
	}
	if m.isOwnedBy(rec, owner) {
		rec.OwnershipCount++
		return nil
	}
	rec.OwnerPid = int32(m.pid)
	rec.OwnerTid = owner.tid
	rec.OwnershipCount = 1
	rec.Abandoned = 0
	m.addRef(rec)
	owner.owned = append(owner.owned, rec.Self)
	return nil
}

// resetOwnership clears the owner fields. The owned-list entry and its
// reference are the caller's business.
func resetOwnership(rec *shm.Record) {
	rec.OwnerPid = 0
	rec.OwnerTid = 0
	rec.OwnershipCount = 0
}

// removeOwned drops ref from th's owned list.
func removeOwned(th *Thread, ref shm.Ref) bool {
	for i, r := range th.owned {
		if r == ref {
			th.owned = append(th.owned[:i], th.owned[i+1:]...)
			return true
		}
	}
	return false
}

// waiterEnqueue appends node n (already allocated in rec's arena) to the
// tail of rec's wait list.
func (m *Manager) waiterEnqueue(rec *shm.Record, n *shm.Node) {
	a := m.arena(rec.Self)
	n.Prev = rec.Tail
	n.Next = shm.Nil
	if tail := a.Node(rec.Tail); tail != nil {
		tail.Next = n.Self
	} else {
		rec.Head = n.Self
	}
	rec.Tail = n.Self
	rec.WaiterCount++
}

// waiterUnlink removes n from rec's wait list.
func (m *Manager) waiterUnlink(rec *shm.Record, n *shm.Node) {
	a := m.arena(rec.Self)
	if prev := a.Node(n.Prev); prev != nil {
		prev.Next = n.Next
	} else {
		rec.Head = n.Next
	}
	if next := a.Node(n.Next); next != nil {
		next.Prev = n.Prev
	} else {
		rec.Tail = n.Prev
	}
	n.Prev, n.Next = shm.Nil, shm.Nil
	rec.WaiterCount--
}

// signal sets rec's signal count to count and releases waiters while the
// count stays positive. worker is set when called from the worker task,
// which enables the delegated-signaling marks.
//
// Caller holds the local lock, plus the shared lock for shared records.
func (m *Manager) signal(cur *Thread, rec *shm.Record, count int32, worker bool) {
	desc := typeOf(rec)
	if count < 0 {
		m.internalError("signal", "negative signal count %d for %s", count, rec.Self)
		return
	}

	// preset so a delegation forwards the new count
	rec.SignalCount = count
	for rec.SignalCount > 0 {
		awakened, delegated := m.releaseFirstWaiter(cur, rec, worker)
		if !awakened {
			break
		}
		if desc.Release == ReleaseAltersSignalCount {
			rec.SignalCount--
		}
		if delegated {
			rec.SignalCount = 0
		}
	}

	if desc.Ownership == OwnershipTracked && rec.OwnershipCount > 0 && rec.SignalCount > 0 {
		m.internalError("signal", "mutex %s both owned (%d) and signaled (%d)",
			rec.Self, rec.OwnershipCount, rec.SignalCount)
	}
}

// releaseFirstWaiter releases the first waiter whose wait is fully
// satisfied by rec. Remote waiters get a remote-signal command; remote
// wait-all waiters get the signaling delegated to their process.
func (m *Manager) releaseFirstWaiter(cur *Thread, rec *shm.Record, worker bool) (awakened, delegated bool) {
	desc := typeOf(rec)
	shared := rec.Self.Shared()
	a := m.arena(rec.Self)

	tookShared := false
	defer func() {
		if tookShared {
			m.releaseShared(cur)
		}
	}()

	for ref := rec.Head; !ref.IsNil(); {
		n := a.Node(ref)
		if n == nil {
			m.internalError("releaseFirstWaiter", "dangling node %s in wait list of %s", ref, rec.Self)
			break
		}
		next := n.Next
		waitAll := n.HasFlag(shm.NodeWaitAll)
		local := int(n.Pid) == m.pid

		var waiter *Thread
		if local {
			if waiter = m.lookupThread(n.Tid); waiter == nil {
				m.internalError("releaseFirstWaiter", "node %s names unknown thread %d", ref, n.Tid)
				ref = next
				continue
			}
		}

		completion := waitSatisfied
		if waitAll {
			// a local object waited on together with shared ones needs
			// the shared lock to look at the rest of the wait
			if !tookShared && !shared && waiter != nil && waiter.wait.domain != LocalWait && !m.holdsShared(cur) {
				m.acquireShared(cur)
				tookShared = true
			}
			if n.HasFlag(shm.NodeDelegatedSignaling) {
				completion = waitNotSatisfied
			} else {
				completion = m.isRestOfWaitAllSatisfied(rec, n, waiter)
			}
		}

		switch completion {
		case waitSatisfied:
			word := m.stateWord(n.State)
			if word == nil || !interlockedAwaken(word, false) {
				break
			}
			idx := int(n.ObjIndex)
			if local {
				reason := WakeSucceeded
				if desc.Ownership == OwnershipTracked {
					if rec.Abandoned != 0 {
						reason = WakeAbandoned
					}
					if err := m.assignOwnership(cur, rec, waiter); err != nil {
						m.log.Errorf("ownership data of %s may be corrupted: %v", rec.Self, err)
					}
				}
				if waitAll {
					m.unsignalRestOfLocalAwakeningWaitAll(cur, waiter, n, rec)
				}
				m.unRegisterWait(cur, waiter)
				m.wakeUpLocalThread(cur, waiter, reason, idx)
			} else {
				if waitAll {
					m.internalError("releaseFirstWaiter", "remote wait-all node %s reached direct awakening", ref)
				}
				if err := m.wakeUpRemoteThread(n); err != nil {
					m.log.Errorf("remote wakeup of thread %d in process %d lost: %v", n.Tid, n.Pid, err)
				}
			}
			awakened = true

		case waitMaySatisfy:
			if err := m.delegateSignalingToRemoteProcess(cur, int(n.Pid), rec); err != nil {
				m.log.Errorf("delegating %s to process %d failed, trying next waiter: %v", rec.Self, n.Pid, err)
				break
			}
			delegated = true
			awakened = true
		}
		if awakened {
			break
		}

		if worker && waitAll && local {
			m.markWaitForDelegatedSignaling(cur, waiter, n)
		}
		ref = next
	}

	if !delegated && worker {
		m.unmarkDelegatedSignaling(rec)
	}
	return awakened, delegated
}

// releaseAllLocalWaiters releases every waiter of rec living in this
// process whose wait is satisfied. It returns how many were woken.
func (m *Manager) releaseAllLocalWaiters(cur *Thread, rec *shm.Record) int {
	desc := typeOf(rec)
	shared := rec.Self.Shared()
	a := m.arena(rec.Self)

	tookShared := false
	defer func() {
		if tookShared {
			m.releaseShared(cur)
		}
	}()

	woken := 0
	for ref := rec.Head; !ref.IsNil(); {
		n := a.Node(ref)
		if n == nil {
			m.internalError("releaseAllLocalWaiters", "dangling node %s in wait list of %s", ref, rec.Self)
			break
		}
		next := n.Next
		if int(n.Pid) != m.pid {
			ref = next
			continue
		}
		waiter := m.lookupThread(n.Tid)
		if waiter == nil {
			ref = next
			continue
		}

		waitAll := n.HasFlag(shm.NodeWaitAll)
		if waitAll && !tookShared && !shared && waiter.wait.domain != LocalWait && !m.holdsShared(cur) {
			m.acquireShared(cur)
			tookShared = true
		}

		if waitAll && m.isRestOfWaitAllSatisfied(rec, n, waiter) != waitSatisfied {
			ref = next
			continue
		}
		word := m.stateWord(n.State)
		if word == nil || !interlockedAwaken(word, false) {
			ref = next
			continue
		}

		idx := int(n.ObjIndex)
		reason := WakeSucceeded
		if desc.Ownership == OwnershipTracked {
			if rec.Abandoned != 0 {
				reason = WakeAbandoned
			}
			if err := m.assignOwnership(cur, rec, waiter); err != nil {
				m.log.Errorf("ownership data of %s may be corrupted: %v", rec.Self, err)
			}
		}
		if waitAll {
			m.unsignalRestOfLocalAwakeningWaitAll(cur, waiter, n, rec)
		}
		m.unRegisterWait(cur, waiter)
		m.wakeUpLocalThread(cur, waiter, reason, idx)
		woken++

		// the waiter's other nodes may have followed n in this list
		ref = rec.Head
	}
	return woken
}

// isRestOfWaitAllSatisfied reports whether every object of n's wait-all,
// other than rec itself, could release the waiter now.
func (m *Manager) isRestOfWaitAllSatisfied(rec *shm.Record, n *shm.Node, waiter *Thread) waitCompletion {
	if int(n.Pid) != m.pid {
		return waitMaySatisfy
	}
	if waiter == nil {
		return waitNotSatisfied
	}

	wi := &waiter.wait
	for i := 0; i < wi.objCount; i++ {
		ref := wi.nodes[i]
		if ref == n.Self {
			continue
		}
		item := m.node(ref)
		if item == nil {
			m.internalError("isRestOfWaitAllSatisfied", "thread %d has dangling node %s", waiter.tid, ref)
			return waitNotSatisfied
		}
		other := m.record(item.Record)
		if other == nil {
			m.internalError("isRestOfWaitAllSatisfied", "node %s has dangling record %s", ref, item.Record)
			return waitNotSatisfied
		}
		if ok, _ := m.canWaiterWaitWithoutBlocking(other, waiter); !ok {
			return waitNotSatisfied
		}
	}
	return waitSatisfied
}
