package manager

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/kolkov/synchmgr/internal/synch/procmon"
)

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func constKey(int) string { return "0" }

func testConfig(t *testing.T, pid int) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ProcessID = pid
	cfg.PipeDir = t.TempDir()
	cfg.StartKey = constKey
	cfg.Output = &syncBuffer{}
	cfg.ProcMonitoringInterval = 10 * time.Millisecond
	cfg.ShuttingDownTimeout = 200 * time.Millisecond
	cfg.SecondNativeWaitTimeout = time.Second
	return cfg
}

// startManager starts a manager and shuts it down at the end of the test
// unless the test did so already.
func startManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if m.Status() == StatusRunning {
			m.Shutdown()
		}
	})
	return m
}

func newThread(t *testing.T, m *Manager) *Thread {
	t.Helper()
	th, err := m.NewThread()
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	return th
}

type waitOutcome struct {
	st  WaitStatus
	err error
}

// waitAsync runs fn on a fresh thread in its own goroutine.
func waitAsync(t *testing.T, m *Manager, fn func(th *Thread) (WaitStatus, error)) <-chan waitOutcome {
	t.Helper()
	th := newThread(t, m)
	ch := make(chan waitOutcome, 1)
	go func() {
		st, err := fn(th)
		ch <- waitOutcome{st, err}
	}()
	return ch
}

func expectOutcome(t *testing.T, ch <-chan waitOutcome, want WaitStatus) {
	t.Helper()
	select {
	case got := <-ch:
		if got.err != nil {
			t.Fatalf("wait: %v", got.err)
		}
		if got.st != want {
			t.Errorf("wait = %v, want %v", got.st, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("wait did not return, want %v", want)
	}
}

func expectBlocked(t *testing.T, ch <-chan waitOutcome) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("wait returned %v (err %v), want still blocked", got.st, got.err)
	case <-time.After(50 * time.Millisecond):
	}
}

// waitUntil polls cond until it holds or a deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// waiting reports whether th has registered a wait.
func waiting(th *Thread) bool {
	s := th.loadState()
	return s == stateWaiting || s == stateAlertable
}

// TestManager_Lifecycle verifies start, double shutdown and restart.
func TestManager_Lifecycle(t *testing.T) {
	m, err := New(testConfig(t, 4100))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.Status() != StatusIdle {
		t.Errorf("Status = %s, want idle", m.Status())
	}
	if _, err := m.NewThread(); errors.Cause(err) != ErrNotRunning {
		t.Errorf("NewThread before Start = %v, want ErrNotRunning", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.Status() != StatusRunning {
		t.Errorf("Status = %s, want running", m.Status())
	}
	if err := m.Start(); err == nil {
		t.Error("second Start succeeded")
	}

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if m.Status() != StatusIdle {
		t.Errorf("Status after Shutdown = %s, want idle", m.Status())
	}
	if err := m.Shutdown(); errors.Cause(err) != ErrNotRunning {
		t.Errorf("second Shutdown = %v, want ErrNotRunning", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown after restart: %v", err)
	}
}

// TestNew_InvalidVersion verifies a non-semver protocol version is rejected.
func TestNew_InvalidVersion(t *testing.T) {
	cfg := testConfig(t, 4101)
	cfg.ProtocolVersion = "1.0"
	if _, err := New(cfg); errors.Cause(err) != ErrInvalidParameter {
		t.Errorf("New = %v, want ErrInvalidParameter", err)
	}
}

// TestWait_SignaledAutoEvent verifies an auto-reset event satisfies one wait.
func TestWait_SignaledAutoEvent(t *testing.T) {
	m := startManager(t, testConfig(t, 4102))
	th := newThread(t, m)

	ev, err := th.CreateEvent(false, true)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	st, err := th.WaitForSingleObject(ev, 0)
	if err != nil || st != (WaitStatus{Result: WaitObject0}) {
		t.Fatalf("first wait = %v, %v, want WAIT_OBJECT_0", st, err)
	}
	st, err = th.WaitForSingleObject(ev, 0)
	if err != nil || st.Result != WaitTimeout {
		t.Errorf("second wait = %v, %v, want WAIT_TIMEOUT", st, err)
	}
}

// TestWait_Timeout verifies a blocking wait times out and leaves no node behind.
func TestWait_Timeout(t *testing.T) {
	m := startManager(t, testConfig(t, 4103))
	th := newThread(t, m)

	ev, err := th.CreateEvent(true, false)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	before, _ := m.Usage()

	start := time.Now()
	st, err := th.WaitForSingleObject(ev, 20*time.Millisecond)
	if err != nil || st.Result != WaitTimeout {
		t.Fatalf("wait = %v, %v, want WAIT_TIMEOUT", st, err)
	}
	if d := time.Since(start); d < 20*time.Millisecond {
		t.Errorf("wait returned after %s, want >= 20ms", d)
	}

	after, _ := m.Usage()
	if after != before {
		t.Errorf("usage = %+v, want %+v", after, before)
	}
	if got := m.Stats().Timeouts; got != 1 {
		t.Errorf("Timeouts = %d, want 1", got)
	}
	if th.loadState() != stateActive {
		t.Errorf("state = %s, want ACTIVE", th.loadState())
	}
}

// TestWait_SignaledAsTimeoutExpires verifies a waiter whose timeout expires
// after a signaler already claimed its wakeup reports success through the
// second native wait instead of timing out.
func TestWait_SignaledAsTimeoutExpires(t *testing.T) {
	m := startManager(t, testConfig(t, 4128))
	signaler := newThread(t, m)
	waiter := newThread(t, m)

	ev, err := signaler.CreateEvent(false, false)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	ch := make(chan waitOutcome, 1)
	go func() {
		st, err := waiter.WaitForSingleObject(ev, 100*time.Millisecond)
		ch <- waitOutcome{st, err}
	}()
	waitUntil(t, "wait registered", func() bool { return waiting(waiter) })

	// the wakeup is deferred until the local lock is released, well past
	// the waiter's timeout
	m.acquireLocal(signaler)
	m.signal(signaler, m.record(ev.ref), 1, false)
	time.Sleep(300 * time.Millisecond)
	m.releaseLocal(signaler)

	expectOutcome(t, ch, WaitStatus{Result: WaitObject0})
	stats := m.Stats()
	if stats.SecondWaits != 1 {
		t.Errorf("SecondWaits = %d, want 1", stats.SecondWaits)
	}
	if stats.Timeouts != 0 {
		t.Errorf("Timeouts = %d, want 0", stats.Timeouts)
	}
	if st, _ := signaler.WaitForSingleObject(ev, 0); st.Result != WaitTimeout {
		t.Errorf("event after delivery = %v, want consumed", st)
	}
}

// TestWait_LostWakeupUnregisters verifies that when a claimed wakeup never
// arrives the wait fails with ErrWaitFailed and leaves no registration
// behind.
func TestWait_LostWakeupUnregisters(t *testing.T) {
	cfg := testConfig(t, 4129)
	cfg.SecondNativeWaitTimeout = 20 * time.Millisecond
	m := startManager(t, cfg)
	th := newThread(t, m)
	waiter := newThread(t, m)

	ev, err := th.CreateEvent(true, false)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	before, _ := m.Usage()

	ch := make(chan waitOutcome, 1)
	go func() {
		st, err := waiter.WaitForSingleObject(ev, 100*time.Millisecond)
		ch <- waitOutcome{st, err}
	}()
	waitUntil(t, "wait registered", func() bool { return waiting(waiter) })

	// claim the wakeup without ever posting it
	if !atomic.CompareAndSwapUint32(waiter.state, uint32(stateWaiting), uint32(stateActive)) {
		t.Fatalf("state = %s, want WAITING", waiter.loadState())
	}

	var got waitOutcome
	select {
	case got = <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return")
	}
	if got.st.Result != WaitFailed {
		t.Errorf("wait = %v, want WAIT_FAILED", got.st)
	}
	if errors.Cause(got.err) != ErrWaitFailed {
		t.Errorf("err = %v, want ErrWaitFailed", got.err)
	}
	if waiter.wait.objCount != 0 {
		t.Errorf("objCount = %d, want 0", waiter.wait.objCount)
	}

	after, _ := m.Usage()
	if after != before {
		t.Errorf("usage = %+v, want %+v", after, before)
	}
	if err := th.SetEvent(ev); err != nil {
		t.Fatalf("SetEvent: %v", err)
	}
	if st, err := waiter.WaitForSingleObject(ev, 0); err != nil || st.Result != WaitObject0 {
		t.Errorf("next wait = %v, %v, want WAIT_OBJECT_0+0", st, err)
	}
}

// TestAutoEvent_AtMostOneDelivery verifies each SetEvent releases exactly one
// of several blocked waiters.
func TestAutoEvent_AtMostOneDelivery(t *testing.T) {
	m := startManager(t, testConfig(t, 4104))
	th := newThread(t, m)

	ev, err := th.CreateEvent(false, false)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	const waiters = 4
	results := make(chan waitOutcome, waiters)
	threads := make([]*Thread, waiters)
	for i := range threads {
		threads[i] = newThread(t, m)
		go func(w *Thread) {
			st, err := w.WaitForSingleObject(ev, Infinite)
			results <- waitOutcome{st, err}
		}(threads[i])
	}
	for _, w := range threads {
		w := w
		waitUntil(t, "waiter registration", func() bool { return waiting(w) })
	}

	for i := 0; i < waiters; i++ {
		if err := th.SetEvent(ev); err != nil {
			t.Fatalf("SetEvent: %v", err)
		}
		select {
		case got := <-results:
			if got.err != nil || got.st.Result != WaitObject0 {
				t.Fatalf("wait = %v, %v", got.st, got.err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no waiter released")
		}
		select {
		case got := <-results:
			t.Fatalf("second waiter released by one SetEvent: %v", got.st)
		case <-time.After(20 * time.Millisecond):
		}
	}

	st, err := th.WaitForSingleObject(ev, 0)
	if err != nil || st.Result != WaitTimeout {
		t.Errorf("event after deliveries = %v, %v, want unsignaled", st, err)
	}
}

// TestManualEvent_ReleasesAll verifies a manual-reset event wakes every
// waiter and stays signaled until reset.
func TestManualEvent_ReleasesAll(t *testing.T) {
	m := startManager(t, testConfig(t, 4105))
	th := newThread(t, m)

	ev, err := th.CreateEvent(true, false)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	var chans []<-chan waitOutcome
	for i := 0; i < 3; i++ {
		chans = append(chans, waitAsync(t, m, func(w *Thread) (WaitStatus, error) {
			return w.WaitForSingleObject(ev, Infinite)
		}))
	}
	waitUntil(t, "three waiters", func() bool {
		m.acquireLocal(th)
		defer m.releaseLocal(th)
		return m.record(ev.ref).WaiterCount == 3
	})

	if err := th.SetEvent(ev); err != nil {
		t.Fatalf("SetEvent: %v", err)
	}
	for _, ch := range chans {
		expectOutcome(t, ch, WaitStatus{Result: WaitObject0})
	}

	if st, _ := th.WaitForSingleObject(ev, 0); st.Result != WaitObject0 {
		t.Errorf("manual event after release = %v, want still signaled", st)
	}
	if err := th.ResetEvent(ev); err != nil {
		t.Fatalf("ResetEvent: %v", err)
	}
	if st, _ := th.WaitForSingleObject(ev, 0); st.Result != WaitTimeout {
		t.Errorf("manual event after reset = %v, want WAIT_TIMEOUT", st)
	}
}

// TestWaitAny_Index verifies a wait-any reports the index of the signaled object.
func TestWaitAny_Index(t *testing.T) {
	m := startManager(t, testConfig(t, 4106))
	th := newThread(t, m)

	a, _ := th.CreateEvent(false, false)
	b, _ := th.CreateEvent(false, false)
	c, _ := th.CreateEvent(false, false)

	ch := waitAsync(t, m, func(w *Thread) (WaitStatus, error) {
		return w.WaitForMultipleObjects([]*Object{a, b, c}, false, Infinite)
	})
	expectBlocked(t, ch)
	if err := th.SetEvent(c); err != nil {
		t.Fatalf("SetEvent: %v", err)
	}
	expectOutcome(t, ch, WaitStatus{Result: WaitObject0, Index: 2})

	// the losing objects are untouched and the winner consumed
	for _, obj := range []*Object{a, b, c} {
		if st, _ := th.WaitForSingleObject(obj, 0); st.Result != WaitTimeout {
			t.Errorf("object after wait-any = %v, want WAIT_TIMEOUT", st)
		}
	}
}

// TestWaitAll_XY verifies the wait-all scenario: signaling X alone neither
// wakes the waiter nor consumes X; signaling Y then consumes both at once.
func TestWaitAll_XY(t *testing.T) {
	m := startManager(t, testConfig(t, 4107))
	th := newThread(t, m)

	x, _ := th.CreateEvent(false, false)
	y, _ := th.CreateEvent(false, false)

	ch := waitAsync(t, m, func(w *Thread) (WaitStatus, error) {
		return w.WaitForMultipleObjects([]*Object{x, y}, true, Infinite)
	})
	waitUntil(t, "wait-all registration", func() bool {
		m.acquireLocal(th)
		defer m.releaseLocal(th)
		return m.record(y.ref).WaiterCount == 1
	})

	if err := th.SetEvent(x); err != nil {
		t.Fatalf("SetEvent(X): %v", err)
	}
	expectBlocked(t, ch)
	m.acquireLocal(th)
	xCount := m.record(x.ref).SignalCount
	m.releaseLocal(th)
	if xCount != 1 {
		t.Fatalf("X signal count = %d, want 1 while waiter blocked", xCount)
	}

	if err := th.SetEvent(y); err != nil {
		t.Fatalf("SetEvent(Y): %v", err)
	}
	expectOutcome(t, ch, WaitStatus{Result: WaitObject0})

	for name, obj := range map[string]*Object{"X": x, "Y": y} {
		if st, _ := th.WaitForSingleObject(obj, 0); st.Result != WaitTimeout {
			t.Errorf("%s after wait-all = %v, want consumed", name, st)
		}
	}
}

// TestWaitAll_Immediate verifies a satisfiable wait-all completes without
// blocking and duplicates are rejected.
func TestWaitAll_Immediate(t *testing.T) {
	m := startManager(t, testConfig(t, 4108))
	th := newThread(t, m)

	sem, _ := th.CreateSemaphore(2, 5)
	ev, _ := th.CreateEvent(true, true)

	if _, err := th.WaitForMultipleObjects([]*Object{sem, sem}, true, 0); errors.Cause(err) != ErrInvalidParameter {
		t.Errorf("duplicate wait-all = %v, want ErrInvalidParameter", err)
	}
	if _, err := th.WaitForMultipleObjects(nil, false, 0); errors.Cause(err) != ErrInvalidParameter {
		t.Errorf("empty wait = %v, want ErrInvalidParameter", err)
	}

	st, err := th.WaitForMultipleObjects([]*Object{sem, ev}, true, 0)
	if err != nil || st != (WaitStatus{Result: WaitObject0}) {
		t.Fatalf("wait-all = %v, %v, want WAIT_OBJECT_0", st, err)
	}
	if prev, err := th.ReleaseSemaphore(sem, 1); err != nil || prev != 1 {
		t.Errorf("ReleaseSemaphore = %d, %v, want previous 1", prev, err)
	}
	if st, _ := th.WaitForSingleObject(ev, 0); st.Result != WaitObject0 {
		t.Errorf("manual event after wait-all = %v, want still signaled", st)
	}
}

// TestWaitAll_TooManyObjects verifies the object limit.
func TestWaitAll_TooManyObjects(t *testing.T) {
	m := startManager(t, testConfig(t, 4109))
	th := newThread(t, m)

	objs := make([]*Object, MaxWaitObjects+1)
	for i := range objs {
		objs[i], _ = th.CreateEvent(true, true)
	}
	if _, err := th.WaitForMultipleObjects(objs, false, 0); errors.Cause(err) != ErrInvalidParameter {
		t.Errorf("wait on %d objects = %v, want ErrInvalidParameter", len(objs), err)
	}
	st, err := th.WaitForMultipleObjects(objs[:MaxWaitObjects], true, 0)
	if err != nil || st.Result != WaitObject0 {
		t.Errorf("wait-all on %d objects = %v, %v", MaxWaitObjects, st, err)
	}
}

// TestMutex_Recursive verifies recursive acquisition and ErrNotOwner.
func TestMutex_Recursive(t *testing.T) {
	m := startManager(t, testConfig(t, 4110))
	th := newThread(t, m)
	other := newThread(t, m)

	mu, err := th.CreateMutex(true)
	if err != nil {
		t.Fatalf("CreateMutex: %v", err)
	}
	if st, err := th.WaitForSingleObject(mu, 0); err != nil || st.Result != WaitObject0 {
		t.Fatalf("recursive wait = %v, %v", st, err)
	}
	if err := other.ReleaseMutex(mu); errors.Cause(err) != ErrNotOwner {
		t.Errorf("ReleaseMutex by other = %v, want ErrNotOwner", err)
	}
	if st, _ := other.WaitForSingleObject(mu, 0); st.Result != WaitTimeout {
		t.Errorf("other wait on owned mutex = %v, want WAIT_TIMEOUT", st)
	}

	for i := 0; i < 2; i++ {
		if err := th.ReleaseMutex(mu); err != nil {
			t.Fatalf("ReleaseMutex #%d: %v", i+1, err)
		}
	}
	if err := th.ReleaseMutex(mu); errors.Cause(err) != ErrNotOwner {
		t.Errorf("third ReleaseMutex = %v, want ErrNotOwner", err)
	}
	if st, _ := other.WaitForSingleObject(mu, 0); st.Result != WaitObject0 {
		t.Errorf("other wait on free mutex = %v, want WAIT_OBJECT_0", st)
	}
	if len(other.owned) != 1 || len(th.owned) != 0 {
		t.Errorf("owned lists = %d/%d, want 1/0", len(other.owned), len(th.owned))
	}
}

// TestMutex_HandOff verifies releasing a mutex hands it to a blocked waiter.
func TestMutex_HandOff(t *testing.T) {
	m := startManager(t, testConfig(t, 4111))
	th := newThread(t, m)

	mu, _ := th.CreateMutex(true)
	waiter := newThread(t, m)
	ch := make(chan waitOutcome, 1)
	go func() {
		st, err := waiter.WaitForSingleObject(mu, Infinite)
		ch <- waitOutcome{st, err}
	}()
	waitUntil(t, "waiter registration", func() bool { return waiting(waiter) })

	if err := th.ReleaseMutex(mu); err != nil {
		t.Fatalf("ReleaseMutex: %v", err)
	}
	expectOutcome(t, ch, WaitStatus{Result: WaitObject0})

	m.acquireLocal(th)
	rec := m.record(mu.ref)
	owner, count := rec.OwnerTid, rec.OwnershipCount
	m.releaseLocal(th)
	if owner != waiter.tid || count != 1 {
		t.Errorf("owner = %d (count %d), want %d (count 1)", owner, count, waiter.tid)
	}
}

// TestMutex_AbandonedOnce verifies an exiting owner abandons its mutex and
// only the next acquirer observes it.
func TestMutex_AbandonedOnce(t *testing.T) {
	m := startManager(t, testConfig(t, 4112))
	owner := newThread(t, m)
	th := newThread(t, m)

	mu, _ := owner.CreateMutex(true)
	if err := owner.Exit(); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	st, err := th.WaitForSingleObject(mu, 0)
	if err != nil || st != (WaitStatus{Result: WaitAbandoned0}) {
		t.Fatalf("first wait = %v, %v, want WAIT_ABANDONED_0", st, err)
	}
	if err := th.ReleaseMutex(mu); err != nil {
		t.Fatalf("ReleaseMutex: %v", err)
	}
	st, err = th.WaitForSingleObject(mu, 0)
	if err != nil || st != (WaitStatus{Result: WaitObject0}) {
		t.Errorf("second wait = %v, %v, want WAIT_OBJECT_0", st, err)
	}
	if got := m.Stats().Abandonments; got != 1 {
		t.Errorf("Abandonments = %d, want 1", got)
	}
}

// TestMutex_AbandonWakesWaiter verifies a blocked waiter is woken with
// WaitAbandoned0 and the object index when the owner exits.
func TestMutex_AbandonWakesWaiter(t *testing.T) {
	m := startManager(t, testConfig(t, 4113))
	owner := newThread(t, m)

	ev, _ := owner.CreateEvent(false, false)
	mu, _ := owner.CreateMutex(true)
	ch := waitAsync(t, m, func(w *Thread) (WaitStatus, error) {
		return w.WaitForMultipleObjects([]*Object{ev, mu}, false, Infinite)
	})
	expectBlocked(t, ch)

	if err := owner.Exit(); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	expectOutcome(t, ch, WaitStatus{Result: WaitAbandoned0, Index: 1})
}

// TestSemaphore_Counts verifies semaphore limits and consumption.
func TestSemaphore_Counts(t *testing.T) {
	m := startManager(t, testConfig(t, 4114))
	th := newThread(t, m)

	if _, err := th.CreateSemaphore(3, 2); errors.Cause(err) != ErrInvalidParameter {
		t.Errorf("CreateSemaphore(3, 2) = %v, want ErrInvalidParameter", err)
	}
	sem, err := th.CreateSemaphore(0, 2)
	if err != nil {
		t.Fatalf("CreateSemaphore: %v", err)
	}

	prev, err := th.ReleaseSemaphore(sem, 2)
	if err != nil || prev != 0 {
		t.Fatalf("ReleaseSemaphore(2) = %d, %v, want 0", prev, err)
	}
	if _, err := th.ReleaseSemaphore(sem, 1); errors.Cause(err) != ErrTooManyPosts {
		t.Errorf("ReleaseSemaphore over max = %v, want ErrTooManyPosts", err)
	}
	for i := 0; i < 2; i++ {
		if st, _ := th.WaitForSingleObject(sem, 0); st.Result != WaitObject0 {
			t.Fatalf("wait #%d = %v, want WAIT_OBJECT_0", i+1, st)
		}
	}
	if st, _ := th.WaitForSingleObject(sem, 0); st.Result != WaitTimeout {
		t.Errorf("wait on empty semaphore = %v, want WAIT_TIMEOUT", st)
	}
	if err := th.SetEvent(sem); errors.Cause(err) != ErrInvalidHandle {
		t.Errorf("SetEvent(semaphore) = %v, want ErrInvalidHandle", err)
	}
}

// TestSemaphore_ReleasesWaiters verifies one release of n wakes n waiters.
func TestSemaphore_ReleasesWaiters(t *testing.T) {
	m := startManager(t, testConfig(t, 4115))
	th := newThread(t, m)

	sem, _ := th.CreateSemaphore(0, 10)
	var chans []<-chan waitOutcome
	for i := 0; i < 3; i++ {
		chans = append(chans, waitAsync(t, m, func(w *Thread) (WaitStatus, error) {
			return w.WaitForSingleObject(sem, Infinite)
		}))
	}
	waitUntil(t, "three waiters", func() bool {
		m.acquireLocal(th)
		defer m.releaseLocal(th)
		return m.record(sem.ref).WaiterCount == 3
	})

	if _, err := th.ReleaseSemaphore(sem, 4); err != nil {
		t.Fatalf("ReleaseSemaphore: %v", err)
	}
	for _, ch := range chans {
		expectOutcome(t, ch, WaitStatus{Result: WaitObject0})
	}
	m.acquireLocal(th)
	left := m.record(sem.ref).SignalCount
	m.releaseLocal(th)
	if left != 1 {
		t.Errorf("signal count = %d, want 1", left)
	}
}

// TestCloseObject verifies closed handles are rejected and records freed.
func TestCloseObject(t *testing.T) {
	m := startManager(t, testConfig(t, 4116))
	th := newThread(t, m)

	before, _ := m.Usage()
	ev, _ := th.CreateEvent(false, false)
	if err := th.CloseObject(ev); err != nil {
		t.Fatalf("CloseObject: %v", err)
	}
	if err := th.CloseObject(ev); errors.Cause(err) != ErrInvalidHandle {
		t.Errorf("second CloseObject = %v, want ErrInvalidHandle", err)
	}
	if _, err := th.WaitForSingleObject(ev, 0); errors.Cause(err) != ErrInvalidHandle {
		t.Errorf("wait on closed = %v, want ErrInvalidHandle", err)
	}
	after, _ := m.Usage()
	if after.Records != before.Records {
		t.Errorf("records = %d, want %d", after.Records, before.Records)
	}
}

// TestClose_OwnedMutexSurvives verifies the owner's reference keeps a
// closed mutex alive until it is released.
func TestClose_OwnedMutexSurvives(t *testing.T) {
	m := startManager(t, testConfig(t, 4117))
	th := newThread(t, m)

	before, _ := m.Usage()
	mu, _ := th.CreateMutex(true)
	ref := mu.ref
	if err := th.CloseObject(mu); err != nil {
		t.Fatalf("CloseObject: %v", err)
	}
	m.acquireLocal(th)
	alive := m.record(ref) != nil
	m.releaseLocal(th)
	if !alive {
		t.Fatal("owned mutex freed on close")
	}

	if err := th.Exit(); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	after, _ := m.Usage()
	if after.Records != before.Records {
		t.Errorf("records = %d, want %d", after.Records, before.Records)
	}
}

// TestControllers_Exhaustion verifies controller exhaustion fails the wait
// and rolls back every controller already handed out.
func TestControllers_Exhaustion(t *testing.T) {
	cfg := testConfig(t, 4118)
	cfg.Controllers = 2
	m := startManager(t, cfg)
	th := newThread(t, m)

	a, _ := th.CreateEvent(true, true)
	b, _ := th.CreateEvent(true, true)
	c, _ := th.CreateEvent(true, true)

	_, err := th.WaitForMultipleObjects([]*Object{a, b, c}, true, 0)
	if errors.Cause(err) != ErrNotEnoughMemory {
		t.Fatalf("wait on 3 objects = %v, want ErrNotEnoughMemory", err)
	}
	if got := m.Stats().ControllersLive; got != 0 {
		t.Errorf("ControllersLive = %d, want 0", got)
	}
	if th.localLocks != 0 || th.sharedLocks != 0 {
		t.Errorf("locks held after rollback: local %d shared %d", th.localLocks, th.sharedLocks)
	}

	st, err := th.WaitForMultipleObjects([]*Object{a, b}, true, 0)
	if err != nil || st.Result != WaitObject0 {
		t.Errorf("wait on 2 objects = %v, %v", st, err)
	}
}

// TestArena_Exhaustion verifies record exhaustion is reported as
// ErrNotEnoughMemory.
func TestArena_Exhaustion(t *testing.T) {
	cfg := testConfig(t, 4119)
	cfg.LocalCapacity.Records = 2
	m := startManager(t, cfg)
	th := newThread(t, m)

	for i := 0; i < 2; i++ {
		if _, err := th.CreateEvent(false, false); err != nil {
			t.Fatalf("CreateEvent #%d: %v", i+1, err)
		}
	}
	if _, err := th.CreateEvent(false, false); errors.Cause(err) != ErrNotEnoughMemory {
		t.Errorf("CreateEvent past capacity = %v, want ErrNotEnoughMemory", err)
	}
}

// TestAPC_AlertableWait verifies a queued APC wakes an alertable wait,
// runs on the waiter and ends the wait with WaitIOCompletion.
func TestAPC_AlertableWait(t *testing.T) {
	m := startManager(t, testConfig(t, 4120))
	th := newThread(t, m)
	ev, _ := th.CreateEvent(false, false)

	waiter := newThread(t, m)
	var got uintptr
	ch := make(chan waitOutcome, 1)
	go func() {
		st, err := waiter.WaitForSingleObjectEx(ev, Infinite, true)
		ch <- waitOutcome{st, err}
	}()
	waitUntil(t, "alertable wait", func() bool { return waiter.loadState() == stateAlertable })

	if err := th.QueueAPC(waiter, func(data uintptr) { got = data }, 42); err != nil {
		t.Fatalf("QueueAPC: %v", err)
	}
	expectOutcome(t, ch, WaitStatus{Result: WaitIOCompletion})
	if got != 42 {
		t.Errorf("APC data = %d, want 42", got)
	}

	m.acquireLocal(th)
	waiters := m.record(ev.ref).WaiterCount
	m.releaseLocal(th)
	if waiters != 0 {
		t.Errorf("WaiterCount = %d, want 0 after alert", waiters)
	}
}

// TestAPC_PendingBeforeWait verifies an alertable wait returns at once when
// APCs are already queued, and a non-alertable wait leaves them queued.
func TestAPC_PendingBeforeWait(t *testing.T) {
	m := startManager(t, testConfig(t, 4121))
	th := newThread(t, m)
	other := newThread(t, m)
	ev, _ := th.CreateEvent(false, false)

	ran := 0
	if err := other.QueueAPC(th, func(uintptr) { ran++ }, 0); err != nil {
		t.Fatalf("QueueAPC: %v", err)
	}
	if st, _ := th.WaitForSingleObject(ev, 10*time.Millisecond); st.Result != WaitTimeout {
		t.Errorf("non-alertable wait = %v, want WAIT_TIMEOUT", st)
	}
	if ran != 0 {
		t.Fatalf("APC ran during non-alertable wait")
	}
	if r := th.SleepEx(time.Hour, true); r != WaitIOCompletion {
		t.Errorf("SleepEx = %s, want WAIT_IO_COMPLETION", r)
	}
	if ran != 1 {
		t.Errorf("APC ran %d times, want 1", ran)
	}
}

// TestAPC_AlertableSleep verifies an APC ends an alertable sleep.
func TestAPC_AlertableSleep(t *testing.T) {
	m := startManager(t, testConfig(t, 4122))
	th := newThread(t, m)
	sleeper := newThread(t, m)

	done := make(chan WaitResult, 1)
	go func() { done <- sleeper.SleepEx(Infinite, true) }()
	waitUntil(t, "alertable sleep", func() bool { return sleeper.loadState() == stateAlertable })

	if err := th.QueueAPC(sleeper, func(uintptr) {}, 0); err != nil {
		t.Fatalf("QueueAPC: %v", err)
	}
	select {
	case r := <-done:
		if r != WaitIOCompletion {
			t.Errorf("SleepEx = %s, want WAIT_IO_COMPLETION", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sleep not alerted")
	}
}

// TestSleep verifies a plain sleep lasts at least its duration.
func TestSleep(t *testing.T) {
	m := startManager(t, testConfig(t, 4123))
	th := newThread(t, m)

	start := time.Now()
	th.Sleep(15 * time.Millisecond)
	if d := time.Since(start); d < 15*time.Millisecond {
		t.Errorf("Sleep returned after %s", d)
	}
	if th.loadState() != stateActive {
		t.Errorf("state = %s, want ACTIVE", th.loadState())
	}
}

// TestTerminateThread verifies a terminated waiter abandons its mutexes,
// loses its wait and stays parked until shutdown.
func TestTerminateThread(t *testing.T) {
	m := startManager(t, testConfig(t, 4124))
	th := newThread(t, m)
	victim := newThread(t, m)

	ev, _ := th.CreateEvent(false, false)
	mu, _ := victim.CreateMutex(true)

	returned := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		victim.WaitForSingleObject(ev, Infinite)
		close(returned)
	}()
	waitUntil(t, "victim waiting", func() bool { return waiting(victim) })

	if err := th.TerminateThread(victim); err != nil {
		t.Fatalf("TerminateThread: %v", err)
	}
	if err := th.QueueAPC(victim, func(uintptr) {}, 0); errors.Cause(err) != ErrThreadTerminated {
		t.Errorf("QueueAPC to terminated = %v, want ErrThreadTerminated", err)
	}
	if st, _ := th.WaitForSingleObject(mu, 0); st.Result != WaitAbandoned0 {
		t.Errorf("victim's mutex = %v, want WAIT_ABANDONED_0", st)
	}
	m.acquireLocal(th)
	waiters := m.record(ev.ref).WaiterCount
	m.releaseLocal(th)
	if waiters != 0 {
		t.Errorf("WaiterCount = %d, want 0", waiters)
	}

	select {
	case <-exited:
		t.Fatal("terminated thread left its park")
	case <-time.After(30 * time.Millisecond):
	}

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("parked thread not released by Shutdown")
	}
	select {
	case <-returned:
		t.Error("terminated wait returned to its caller")
	default:
	}
}

// TestProcessObject_Monitor verifies a wait on a process object completes
// when the monitor sees the process exit, with its exit code recorded.
func TestProcessObject_Monitor(t *testing.T) {
	probe := &fakeProbe{}
	cfg := testConfig(t, 4125)
	cfg.Probe = probe.probe
	m := startManager(t, cfg)
	th := newThread(t, m)

	proc, err := th.OpenProcess(777)
	if err != nil {
		t.Fatalf("OpenProcess: %v", err)
	}
	ch := waitAsync(t, m, func(w *Thread) (WaitStatus, error) {
		return w.WaitForSingleObject(proc, Infinite)
	})
	waitUntil(t, "monitoring", func() bool { return m.monitor.Count() == 1 })
	expectBlocked(t, ch)

	probe.set(777, procmon.Status{Exited: true, ExitCode: 7, Actual: true})
	expectOutcome(t, ch, WaitStatus{Result: WaitObject0})

	code, actual, exited := proc.ExitCode()
	if !exited || !actual || code != 7 {
		t.Errorf("ExitCode = %d, %v, %v, want 7, true, true", code, actual, exited)
	}
	if st, _ := th.WaitForSingleObject(proc, 0); st.Result != WaitObject0 {
		t.Errorf("exited process = %v, want stays signaled", st)
	}
	if got := m.Stats().ProcessExits; got != 1 {
		t.Errorf("ProcessExits = %d, want 1", got)
	}
	waitUntil(t, "monitor drained", func() bool { return m.monitor.Count() == 0 })
}

// TestProcessObject_ZeroTimeoutProbe verifies a zero-timeout wait probes
// the process directly.
func TestProcessObject_ZeroTimeoutProbe(t *testing.T) {
	probe := &fakeProbe{}
	cfg := testConfig(t, 4126)
	cfg.Probe = probe.probe
	m := startManager(t, cfg)
	th := newThread(t, m)

	proc, _ := th.OpenProcess(888)
	if st, _ := th.WaitForSingleObject(proc, 0); st.Result != WaitTimeout {
		t.Fatalf("running process = %v, want WAIT_TIMEOUT", st)
	}
	probe.set(888, procmon.Status{Exited: true, ExitCode: 0})
	if st, _ := th.WaitForSingleObject(proc, 0); st.Result != WaitObject0 {
		t.Errorf("exited process = %v, want WAIT_OBJECT_0", st)
	}
	if _, actual, exited := proc.ExitCode(); !exited || actual {
		t.Errorf("ExitCode exited=%v actual=%v, want true, false", exited, actual)
	}
}

// TestProcessObject_TimeoutUnregisters verifies a timed-out wait drops its
// monitoring reference.
func TestProcessObject_TimeoutUnregisters(t *testing.T) {
	probe := &fakeProbe{}
	cfg := testConfig(t, 4127)
	cfg.Probe = probe.probe
	m := startManager(t, cfg)
	th := newThread(t, m)

	proc, _ := th.OpenProcess(999)
	if st, _ := th.WaitForSingleObject(proc, 20*time.Millisecond); st.Result != WaitTimeout {
		t.Fatalf("wait = %v, want WAIT_TIMEOUT", st)
	}
	if n := m.monitor.Count(); n != 0 {
		t.Errorf("monitored = %d, want 0", n)
	}
}

type fakeProbe struct {
	mu     sync.Mutex
	status map[int]procmon.Status
}

func (f *fakeProbe) set(pid int, s procmon.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		f.status = make(map[int]procmon.Status)
	}
	f.status[pid] = s
}

func (f *fakeProbe) probe(pid int) (procmon.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[pid], nil
}
