package manager

import (
	"github.com/kolkov/synchmgr/internal/synch/procmon"
	"github.com/kolkov/synchmgr/internal/synch/shm"
)

// MaxSemaphoreCount is the largest semaphore maximum.
const MaxSemaphoreCount = 1<<31 - 1

// Object is a handle on a waitable object.
//
// Objects are created local to the process. ShareObject moves one to the
// shared region, after which other processes attached to the same region
// open it by reference with OpenShared.
type Object struct {
	m      *Manager
	typ    ObjectType
	target *procmon.Target

	// guarded by the local synch lock
	ref    shm.Ref
	closed bool
}

// Type returns the object type.
func (o *Object) Type() ObjectType { return o.typ }

// SharedRef returns the object's shared-region reference, or shm.Nil for
// a process-local object.
func (o *Object) SharedRef() shm.Ref {
	th := o.m.scratchThread()
	o.m.acquireLocal(th)
	defer o.m.releaseLocal(th)
	if o.ref.Shared() {
		return o.ref
	}
	return shm.Nil
}

// ExitCode returns the exit code of the process a process object refers
// to. exited is false while the process is running; actual is false when
// the code had to be guessed because the process was not a child.
func (o *Object) ExitCode() (code int, actual, exited bool) {
	if o.target == nil {
		return 0, false, false
	}
	return o.target.Exit()
}

// createObject allocates a local record of type t, lets setup initialize
// it under the local lock and returns the handle.
func (th *Thread) createObject(t ObjectType, setup func(rec *shm.Record) error) (*Object, error) {
	m := th.m
	if err := m.checkRunning(); err != nil {
		return nil, err
	}

	m.acquireLocal(th)
	defer m.releaseLocal(th)

	rec, err := m.allocRecord(t, false)
	if err != nil {
		return nil, err
	}
	if setup != nil {
		if err := setup(rec); err != nil {
			m.local.FreeRecord(rec.Self)
			return nil, err
		}
	}
	return &Object{m: m, typ: t, ref: rec.Self}, nil
}

// CreateMutex creates a mutex, owned by th when initialOwner is set.
func (th *Thread) CreateMutex(initialOwner bool) (*Object, error) {
	return th.createObject(TypeMutex, func(rec *shm.Record) error {
		if !initialOwner {
			rec.SignalCount = 1
			return nil
		}
		return th.m.assignOwnership(th, rec, th)
	})
}

// CreateEvent creates a manual-reset or auto-reset event.
func (th *Thread) CreateEvent(manualReset, initialState bool) (*Object, error) {
	t := TypeAutoEvent
	if manualReset {
		t = TypeManualEvent
	}
	return th.createObject(t, func(rec *shm.Record) error {
		if initialState {
			rec.SignalCount = 1
		}
		return nil
	})
}

// CreateSemaphore creates a semaphore with the given initial and maximum
// counts.
func (th *Thread) CreateSemaphore(initial, maximum int) (*Object, error) {
	if maximum <= 0 || maximum > MaxSemaphoreCount || initial < 0 || initial > maximum {
		return nil, ErrInvalidParameter
	}
	return th.createObject(TypeSemaphore, func(rec *shm.Record) error {
		rec.SignalCount = int32(initial)
		rec.Limit = int32(maximum)
		return nil
	})
}

// OpenProcess creates a process object for pid. It becomes signaled when
// the process exits; waits on it start exit monitoring.
func (th *Thread) OpenProcess(pid int) (*Object, error) {
	if pid <= 0 {
		return nil, ErrInvalidParameter
	}
	obj, err := th.createObject(TypeProcess, func(rec *shm.Record) error {
		rec.ProcessID = int32(pid)
		return nil
	})
	if err != nil {
		return nil, err
	}
	obj.target = procmon.NewTarget(pid)
	return obj, nil
}

// OpenShared opens a handle on a shared object by reference.
func (th *Thread) OpenShared(ref shm.Ref) (*Object, error) {
	m := th.m
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	if m.region == nil {
		return nil, ErrNoSharedDomain
	}
	if !ref.Shared() {
		return nil, ErrInvalidParameter
	}

	m.acquireLocal(th)
	m.acquireShared(th)
	defer func() {
		m.releaseShared(th)
		m.releaseLocal(th)
	}()

	rec := m.record(ref)
	if rec == nil || ObjectType(rec.Type) == TypeNone {
		return nil, ErrInvalidHandle
	}
	m.addRef(rec)
	obj := &Object{m: m, typ: ObjectType(rec.Type), ref: ref}
	if obj.typ == TypeProcess {
		obj.target = procmon.NewTarget(int(rec.ProcessID))
	}
	return obj, nil
}

// CloseObject drops the handle's reference. The record lives on while
// waiters, an owner or other handles still refer to it.
func (th *Thread) CloseObject(obj *Object) error {
	m := th.m
	m.acquireLocal(th)
	defer m.releaseLocal(th)

	if obj.closed {
		return ErrInvalidHandle
	}
	shared := obj.ref.Shared()
	if shared {
		m.acquireShared(th)
		defer m.releaseShared(th)
	}
	rec := m.record(obj.ref)
	if rec == nil {
		return m.internalError("CloseObject", "handle refers to dangling record %s", obj.ref)
	}
	obj.closed = true
	m.release(th, rec)
	return nil
}

// withState runs fn with a state controller on obj.
func (th *Thread) withState(obj *Object, fn func(sc *StateController) error) error {
	if err := th.m.checkRunning(); err != nil {
		return err
	}
	sc, err := th.m.GetStateController(th, obj)
	if err != nil {
		return err
	}
	defer sc.Release()
	return fn(sc)
}

// SetEvent signals an event. A manual-reset event stays signaled and
// releases every waiter; an auto-reset event releases one.
func (th *Thread) SetEvent(obj *Object) error {
	if !obj.typ.IsEvent() {
		return ErrInvalidHandle
	}
	return th.withState(obj, func(sc *StateController) error {
		return sc.SetSignalCount(1)
	})
}

// ResetEvent unsignals an event.
func (th *Thread) ResetEvent(obj *Object) error {
	if !obj.typ.IsEvent() {
		return ErrInvalidHandle
	}
	return th.withState(obj, func(sc *StateController) error {
		return sc.SetSignalCount(0)
	})
}

// ReleaseSemaphore adds n to a semaphore's count and returns the previous
// count. ErrTooManyPosts is returned when the maximum would be exceeded.
func (th *Thread) ReleaseSemaphore(obj *Object, n int) (previous int, err error) {
	if obj.typ != TypeSemaphore {
		return 0, ErrInvalidHandle
	}
	if n <= 0 {
		return 0, ErrInvalidParameter
	}
	err = th.withState(obj, func(sc *StateController) error {
		cur := sc.SignalCount()
		if int64(cur)+int64(n) > int64(sc.rec.Limit) {
			return ErrTooManyPosts
		}
		previous = int(cur)
		return sc.IncrementSignalCount(int32(n))
	})
	return previous, err
}

// ReleaseMutex releases one level of the caller's ownership.
func (th *Thread) ReleaseMutex(obj *Object) error {
	if obj.typ != TypeMutex {
		return ErrInvalidHandle
	}
	return th.withState(obj, func(sc *StateController) error {
		return sc.DecrementOwnershipCount()
	})
}
