package manager

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kolkov/synchmgr/internal/synch/shm"
	"github.com/kolkov/synchmgr/internal/synch/syncutil"
)

// MaxWaitObjects is the largest number of objects a single wait may name.
const MaxWaitObjects = 64

// waitState is the value of a thread's wait-state word.
type waitState uint32

const (
	stateActive waitState = iota
	stateWaiting
	stateAlertable
	stateEarlyDeath
)

func (s waitState) String() string {
	switch s {
	case stateActive:
		return "ACTIVE"
	case stateWaiting:
		return "WAITING"
	case stateAlertable:
		return "ALERTABLE"
	case stateEarlyDeath:
		return "EARLYDEATH"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// WakeReason tells a blocked thread why it woke up.
type WakeReason int

// Wakeup reasons.
const (
	WakeSucceeded WakeReason = iota
	WakeAbandoned
	WakeAlerted
	WakeTimeout
	WakeTerminated
)

func (r WakeReason) String() string {
	switch r {
	case WakeSucceeded:
		return "succeeded"
	case WakeAbandoned:
		return "abandoned"
	case WakeAlerted:
		return "alerted"
	case WakeTimeout:
		return "timeout"
	case WakeTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// WaitType is the kind of wait a thread registered.
type WaitType uint8

// Wait types.
const (
	WaitSingle WaitType = iota
	WaitAny
	WaitAll
)

// WaitDomain says which locking domains a wait spans.
type WaitDomain uint8

// Wait domains.
const (
	LocalWait WaitDomain = iota
	SharedWait
	MixedWait
)

// waitInfo is a thread's current wait registration. Guarded by the synch
// locks.
type waitInfo struct {
	nodes          [MaxWaitObjects]shm.Ref
	objCount       int
	sharedObjCount int
	waitType       WaitType
	domain         WaitDomain
}

func (w *waitInfo) reset() {
	w.objCount = 0
	w.sharedObjCount = 0
	w.domain = LocalWait
}

// nativeWait is the blocking primitive of a thread: a one-slot channel
// carrying "you were woken" plus the reason and object index.
type nativeWait struct {
	ch     chan struct{}
	mu     syncutil.Mutex
	reason WakeReason
	index  int
}

func (n *nativeWait) post(reason WakeReason, index int) {
	n.mu.Lock()
	n.reason, n.index = reason, index
	n.mu.Unlock()
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// wait blocks until post or timeout (negative: forever). ok is false on
// timeout.
func (n *nativeWait) wait(timeout time.Duration) (reason WakeReason, index int, ok bool) {
	if timeout < 0 {
		<-n.ch
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-n.ch:
		case <-t.C:
			return WakeTimeout, 0, false
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reason, n.index, true
}

// drain discards a stale token left by a wakeup nobody consumed.
func (n *nativeWait) drain() {
	select {
	case <-n.ch:
	default:
	}
}

// pendingWakeup is a wakeup decided under the synch locks and delivered
// after they are released.
type pendingWakeup struct {
	target *Thread
	reason WakeReason
	index  int
}

// Thread is the manager's view of one thread of execution.
//
// A Thread must only be used by one goroutine at a time: the lock hold
// counts and deferred wakeups are not synchronized.
type Thread struct {
	m        *Manager
	tid      int32
	stateRef shm.Ref
	state    *uint32

	localLocks  int
	sharedLocks int
	deferred    []pendingWakeup

	// guarded by the synch locks
	wait  waitInfo
	owned []shm.Ref
	done  bool

	native nativeWait

	apcMu syncutil.Mutex
	apcs  []apc
}

// ID returns the thread id, unique within the manager while the thread lives.
func (th *Thread) ID() int { return int(th.tid) }

// Manager returns the manager the thread belongs to.
func (th *Thread) Manager() *Manager { return th.m }

func (th *Thread) loadState() waitState {
	return waitState(atomic.LoadUint32(th.state))
}

// NewThread registers a new thread with the manager.
//
// Its wait-state word lives in the shared region when there is one, so
// signalers in other processes can move it.
func (m *Manager) NewThread() (*Thread, error) {
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	return m.newThread()
}

func (m *Manager) newThread() (*Thread, error) {
	th := &Thread{m: m, tid: m.allocTID()}
	th.native.ch = make(chan struct{}, 1)

	m.acquireLocal(th)
	m.acquireShared(th)
	ref, err := m.stateArena().AllocState()
	if err == nil {
		th.stateRef = ref
		th.state = m.stateWord(ref)
	}
	m.releaseShared(th)
	m.releaseLocal(th)

	if err != nil {
		m.freeTID(th.tid)
		m.stats.ResourceErrors.Add(1)
		return nil, ErrNotEnoughMemory
	}

	m.threads.Store(th.tid, th)
	m.log.Tracef("thread %d created (state %s)", th.tid, ref)
	return th, nil
}

// Exit ends the thread: objects it still owns are abandoned, pending APCs
// are discarded and its id is recycled. The Thread must not be used
// afterwards.
func (th *Thread) Exit() error {
	m := th.m
	if err := m.abandonObjectsOwnedByThread(th, th); err != nil {
		return err
	}

	m.acquireLocal(th)
	m.acquireShared(th)
	th.done = true
	if err := m.stateArena().FreeState(th.stateRef); err != nil {
		m.log.Warnf("thread %d: free state word: %v", th.tid, err)
	}
	th.state = new(uint32)
	atomic.StoreUint32(th.state, uint32(stateEarlyDeath))
	m.releaseShared(th)
	m.releaseLocal(th)

	m.threads.Delete(th.tid)
	m.freeTID(th.tid)
	return nil
}

func (m *Manager) stateArena() *shm.Arena {
	if m.region != nil {
		return m.region.Arena
	}
	return m.local
}

func (m *Manager) lookupThread(tid int32) *Thread {
	if v, ok := m.threads.Load(tid); ok {
		return v.(*Thread)
	}
	return nil
}

// allocTID pops a recycled id or mints a new one.
func (m *Manager) allocTID() int32 {
	m.tidPoolMu.Lock()
	defer m.tidPoolMu.Unlock()

	if n := len(m.freeTIDs); n > 0 {
		tid := m.freeTIDs[n-1]
		m.freeTIDs = m.freeTIDs[:n-1]
		return tid
	}
	m.nextTID++
	return m.nextTID
}

func (m *Manager) freeTID(tid int32) {
	m.tidPoolMu.Lock()
	defer m.tidPoolMu.Unlock()
	m.freeTIDs = append(m.freeTIDs, tid)
}
