package manager

import (
	"github.com/kolkov/synchmgr/internal/synch/shm"
	"github.com/kolkov/synchmgr/internal/synch/syncutil"
)

// controllerPool is a bounded free list of controllers.
type controllerPool[T any] struct {
	mu    syncutil.Mutex
	free  []*T
	live  int
	limit int
}

func (p *controllerPool[T]) get() (*T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live >= p.limit {
		return nil, false
	}
	p.live++
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		return c, true
	}
	return new(T), true
}

func (p *controllerPool[T]) put(c *T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	p.free = append(p.free, c)
}

// controller is the state shared by wait and state controllers: a locked
// view of one record on behalf of one thread.
type controller struct {
	m      *Manager
	th     *Thread
	obj    *Object
	rec    *shm.Record
	domain WaitDomain
}

// init binds c to obj. It takes the local lock, plus the shared lock when
// the batch domain needs it, and a reference on the record; release gives
// them back.
func (c *controller) init(m *Manager, th *Thread, obj *Object, domain WaitDomain) error {
	m.acquireLocal(th)
	if domain != LocalWait {
		m.acquireShared(th)
	}
	rec := m.record(obj.ref)
	if obj.closed || rec == nil {
		if domain != LocalWait {
			m.releaseShared(th)
		}
		m.releaseLocal(th)
		return ErrInvalidHandle
	}
	m.addRef(rec)
	*c = controller{m: m, th: th, obj: obj, rec: rec, domain: domain}
	m.stats.ControllersLive.Add(1)
	return nil
}

func (c *controller) release() {
	m, th := c.m, c.th
	m.release(th, c.rec)
	if c.domain != LocalWait {
		m.releaseShared(th)
	}
	m.releaseLocal(th)
	m.stats.ControllersLive.Add(-1)
	*c = controller{}
}

// WaitController lets a thread test, consume and register a wait on one
// object. It holds the synch locks from creation until Release.
type WaitController struct {
	controller
}

// CanThreadWaitWithoutBlocking reports whether the controller's thread
// could take the object right now, and whether that would observe an
// abandoned mutex.
func (wc *WaitController) CanThreadWaitWithoutBlocking() (ok, abandoned bool) {
	return wc.m.canWaiterWaitWithoutBlocking(wc.rec, wc.th)
}

// ReleaseWaitingThreadWithoutBlocking consumes the object for the
// controller's thread. It must only follow a positive
// CanThreadWaitWithoutBlocking.
func (wc *WaitController) ReleaseWaitingThreadWithoutBlocking() error {
	return wc.m.releaseWaiterWithoutBlocking(wc.th, wc.rec, wc.th)
}

// Release drops the controller's record reference and locks. Wakeups
// decided while the locks were held are delivered when the last lock goes.
func (wc *WaitController) Release() {
	m := wc.m
	wc.release()
	m.waitControllers.put(wc)
}

// StateController changes the signal state of one object.
type StateController struct {
	controller
}

// SignalCount returns the current signal count.
func (sc *StateController) SignalCount() int32 { return sc.rec.SignalCount }

// SetSignalCount sets the signal count. Moving from zero to a positive
// count releases waiters.
func (sc *StateController) SetSignalCount(count int32) error {
	if count < 0 {
		return ErrInvalidParameter
	}
	rec := sc.rec
	if count > 0 && rec.SignalCount == 0 {
		sc.m.signal(sc.th, rec, count, false)
		return nil
	}
	rec.SignalCount = count
	return nil
}

// IncrementSignalCount adds delta to the signal count, releasing waiters
// if the object was unsignaled.
func (sc *StateController) IncrementSignalCount(delta int32) error {
	if delta <= 0 {
		return ErrInvalidParameter
	}
	rec := sc.rec
	if rec.SignalCount == 0 {
		sc.m.signal(sc.th, rec, delta, false)
		return nil
	}
	rec.SignalCount += delta
	return nil
}

// DecrementOwnershipCount releases one level of the caller's ownership of
// a mutex. The last level resets ownership and signals the mutex.
func (sc *StateController) DecrementOwnershipCount() error {
	m, th, rec := sc.m, sc.th, sc.rec
	if typeOf(rec).Ownership != OwnershipTracked {
		return ErrInvalidHandle
	}
	if !m.isOwnedBy(rec, th) {
		return ErrNotOwner
	}

	rec.OwnershipCount--
	if rec.OwnershipCount > 0 {
		return nil
	}
	resetOwnership(rec)
	owned := removeOwned(th, rec.Self)
	m.signal(th, rec, 1, false)
	if !owned {
		return m.internalError("DecrementOwnershipCount", "mutex %s missing from owned list of thread %d", rec.Self, th.tid)
	}
	m.release(th, rec)
	return nil
}

// Release drops the controller's record reference and locks.
func (sc *StateController) Release() {
	m := sc.m
	sc.release()
	m.stateControllers.put(sc)
}

// GetWaitControllers returns one wait controller per object, all bound to
// the batch's wait domain. The controllers hold the synch locks until
// released. On failure nothing is left held.
func (m *Manager) GetWaitControllers(th *Thread, objs []*Object) ([]*WaitController, WaitDomain, error) {
	m.acquireLocal(th)
	defer m.releaseLocal(th)

	domain := classifyDomain(objs)
	wcs := make([]*WaitController, 0, len(objs))
	rollback := func() {
		for _, wc := range wcs {
			wc.Release()
		}
	}

	for _, obj := range objs {
		wc, ok := m.waitControllers.get()
		if !ok {
			rollback()
			m.stats.ResourceErrors.Add(1)
			return nil, domain, ErrNotEnoughMemory
		}
		if err := wc.init(m, th, obj, domain); err != nil {
			m.waitControllers.put(wc)
			rollback()
			return nil, domain, err
		}
		wcs = append(wcs, wc)
	}
	return wcs, domain, nil
}

// GetStateController returns a state controller for obj.
func (m *Manager) GetStateController(th *Thread, obj *Object) (*StateController, error) {
	m.acquireLocal(th)
	defer m.releaseLocal(th)

	sc, ok := m.stateControllers.get()
	if !ok {
		m.stats.ResourceErrors.Add(1)
		return nil, ErrNotEnoughMemory
	}
	domain := LocalWait
	if obj.ref.Shared() {
		domain = SharedWait
	}
	if err := sc.init(m, th, obj, domain); err != nil {
		m.stateControllers.put(sc)
		return nil, err
	}
	return sc, nil
}

// classifyDomain tells whether objs are all local, all shared or mixed.
// The caller holds the local lock, which freezes promotions.
func classifyDomain(objs []*Object) WaitDomain {
	shared := 0
	for _, obj := range objs {
		if obj.ref.Shared() {
			shared++
		}
	}
	switch shared {
	case 0:
		return LocalWait
	case len(objs):
		return SharedWait
	default:
		return MixedWait
	}
}

func releaseWaitControllers(wcs []*WaitController) {
	for i := len(wcs) - 1; i >= 0; i-- {
		wcs[i].Release()
	}
}
