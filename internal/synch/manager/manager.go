package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/mod/semver"

	"github.com/kolkov/synchmgr/internal/synch/pipe"
	"github.com/kolkov/synchmgr/internal/synch/procmon"
	"github.com/kolkov/synchmgr/internal/synch/shm"
	"github.com/kolkov/synchmgr/internal/synch/syncutil"
)

// Status is the lifecycle state of a Manager.
type Status int32

// Manager lifecycle.
const (
	StatusIdle Status = iota
	StatusInitializing
	StatusRunning
	StatusShuttingDown
	StatusReadyForShutdown
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusShuttingDown:
		return "shutting-down"
	case StatusReadyForShutdown:
		return "ready-for-shutdown"
	default:
		return "unknown"
	}
}

// Manager is the synchronization manager of one process.
//
// It owns the local arena and local synch lock, the mapping of the shared
// region (when configured), the process pipe and its worker, the process
// exit monitor and the controller pools.
type Manager struct {
	cfg    Config
	pid    int
	log    *Logger
	stats  Stats
	status atomic.Int32

	localMu syncutil.Mutex
	local   *shm.Arena
	region  *shm.Region

	threads   sync.Map // int32 -> *Thread
	tidPoolMu syncutil.Mutex
	freeTIDs  []int32
	nextTID   int32

	pipe    *pipe.ProcessPipe
	monitor *procmon.Monitor

	waitControllers  controllerPool[WaitController]
	stateControllers controllerPool[StateController]

	worker     *Thread
	workerDone chan struct{}
	terminated chan struct{}
}

// New returns an idle manager configured by cfg. Zero fields take their
// DefaultConfig values.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if !semver.IsValid(cfg.ProtocolVersion) {
		return nil, errors.Wrapf(ErrInvalidParameter, "protocol version %q", cfg.ProtocolVersion)
	}
	m := &Manager{
		cfg: cfg,
		pid: cfg.ProcessID,
		log: NewLogger(cfg.Output, cfg.ProcessID, cfg.Trace),
	}
	return m, nil
}

// Start brings the manager up: arenas, shared region, process pipe,
// monitor, controller pools and the worker task.
func (m *Manager) Start() error {
	if !m.status.CompareAndSwap(int32(StatusIdle), int32(StatusInitializing)) {
		return errors.Errorf("synchmgr: cannot start manager in state %s", m.Status())
	}

	if err := m.start(); err != nil {
		m.teardown()
		m.status.Store(int32(StatusIdle))
		return err
	}

	m.status.Store(int32(StatusRunning))
	go m.runWorker()
	m.log.Tracef("manager started (pipe %s)", m.pipe.Path())
	return nil
}

func (m *Manager) start() error {
	m.local = shm.NewLocalArena(m.cfg.LocalCapacity)
	m.terminated = make(chan struct{})
	m.workerDone = make(chan struct{})

	if m.cfg.RegionPath != "" {
		r, err := shm.OpenRegion(m.cfg.RegionPath, m.cfg.SharedCapacity, m.cfg.ProtocolVersion)
		if err != nil {
			return err
		}
		m.region = r
	}

	p, err := pipe.Create(m.peerPipePath(m.pid))
	if err != nil {
		return err
	}
	m.pipe = p

	m.monitor = procmon.New(m.cfg.Probe)
	m.waitControllers = controllerPool[WaitController]{limit: m.cfg.Controllers}
	m.stateControllers = controllerPool[StateController]{limit: m.cfg.Controllers}

	w, err := m.newThread()
	if err != nil {
		return err
	}
	m.worker = w
	return nil
}

// Shutdown stops the worker, discards process monitoring and releases the
// pipe and the region mapping. Threads parked after termination are
// released. Threads still blocked in a wait must be finished or
// terminated first: their state words may live in the unmapped region.
// Calling Shutdown on a manager that is not running returns ErrNotRunning.
func (m *Manager) Shutdown() error {
	if !m.status.CompareAndSwap(int32(StatusRunning), int32(StatusShuttingDown)) {
		return ErrNotRunning
	}

	var first error
	if err := m.pipe.WakeLocal(pipe.Command{Op: pipe.OpShutdown}); err != nil {
		first = errors.Wrap(err, "post shutdown command")
	}

	t := time.NewTimer(m.cfg.WorkerTerminationTimeout)
	defer t.Stop()
	select {
	case <-m.workerDone:
	case <-t.C:
		m.log.Warnf("worker did not finish within %s", m.cfg.WorkerTerminationTimeout)
		if first == nil {
			first = errors.New("synchmgr: worker termination timed out")
		}
	}
	m.status.Store(int32(StatusReadyForShutdown))

	m.discardMonitoredProcesses(m.scratchThread())
	if err := m.teardown(); err != nil && first == nil {
		first = err
	}
	m.status.Store(int32(StatusIdle))
	return first
}

// teardown releases whatever start managed to set up.
func (m *Manager) teardown() error {
	var first error
	if m.pipe != nil {
		if err := m.pipe.Close(); err != nil {
			first = err
		}
		m.pipe = nil
	}
	if m.terminated != nil {
		close(m.terminated)
	}
	if m.region != nil {
		if err := m.region.Close(); err != nil && first == nil {
			first = err
		}
		m.region = nil
	}
	return first
}

// Status returns the lifecycle state.
func (m *Manager) Status() Status { return Status(m.status.Load()) }

func (m *Manager) checkRunning() error {
	if m.Status() != StatusRunning {
		return ErrNotRunning
	}
	return nil
}

// PID returns the process id the manager speaks for.
func (m *Manager) PID() int { return m.pid }

// PipePath returns the path of the manager's own pipe.
func (m *Manager) PipePath() string { return m.peerPipePath(m.pid) }

// Logger returns the manager's logger.
func (m *Manager) Logger() *Logger { return m.log }

// Stats returns a snapshot of the activity counters.
func (m *Manager) Stats() StatsSnapshot { return m.stats.Snapshot() }

// Usage returns the occupancy of the local arena and, when configured, the
// shared region.
func (m *Manager) Usage() (local, shared shm.Usage) {
	th := m.scratchThread()
	m.acquireLocal(th)
	m.acquireShared(th)
	local = m.local.Usage()
	if m.region != nil {
		shared = m.region.Usage()
	}
	m.releaseShared(th)
	m.releaseLocal(th)
	return local, shared
}

// scratchThread returns a lock-holder identity for manager-internal work
// done outside any registered thread.
func (m *Manager) scratchThread() *Thread {
	return &Thread{m: m}
}

func (m *Manager) peerPipePath(pid int) string {
	return pipe.Name(m.cfg.PipeDir, pid, m.cfg.StartKey(pid), m.cfg.ProtocolVersion)
}
