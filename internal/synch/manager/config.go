package manager

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/kolkov/synchmgr/internal/synch/pipe"
	"github.com/kolkov/synchmgr/internal/synch/procmon"
	"github.com/kolkov/synchmgr/internal/synch/shm"
)

// ProtocolVersion is the default protocol version carried by pipe names
// and the shared region header.
const ProtocolVersion = "v1.0.0"

// Config holds the manager options.
//
// Environment overrides (ConfigFromEnv):
//
//	SYNCHMGR_PIPE_DIR  directory of process pipes
//	SYNCHMGR_REGION    path of the shared region (empty: no shared domain)
//	SYNCHMGR_TRACE     "1" enables trace logging
type Config struct {
	// ProcessID identifies this process in wait-list nodes and pipe names.
	// Zero means os.Getpid(). Tests run several managers in one OS process
	// by giving each a distinct ProcessID.
	ProcessID int

	// PipeDir is where process pipes are created.
	PipeDir string

	// RegionPath is the shared region file. Empty disables the shared
	// domain: every object stays process-local.
	RegionPath string

	// ProtocolVersion is the semver spoken on pipes and regions.
	ProtocolVersion string

	// LocalCapacity sizes the process-local arena.
	LocalCapacity shm.Capacity

	// SharedCapacity sizes the shared region when this process creates it.
	SharedCapacity shm.Capacity

	// Controllers bounds the number of live wait and state controllers
	// (each kind).
	Controllers int

	// ProcMonitoringInterval is the worker poll period while at least one
	// child process is monitored.
	ProcMonitoringInterval time.Duration

	// ShuttingDownTimeout bounds the worker's drain of residual commands
	// after shutdown.
	ShuttingDownTimeout time.Duration

	// WorkerTerminationTimeout bounds how long Shutdown waits for the
	// worker to finish.
	WorkerTerminationTimeout time.Duration

	// CmdCompletionTimeout bounds the wait for a command payload once its
	// opcode byte has been read.
	CmdCompletionTimeout time.Duration

	// SecondNativeWaitTimeout bounds the extra wait a timed-out thread
	// performs when a signaler won the race for its wakeup.
	SecondNativeWaitTimeout time.Duration

	// StartKey returns the pipe disambiguation key of a pid.
	StartKey func(pid int) string

	// Probe checks child process liveness.
	Probe procmon.ProbeFunc

	// Output receives log lines. Nil means os.Stderr.
	Output io.Writer

	// Trace enables trace logging.
	Trace bool
}

// DefaultConfig returns the default options.
func DefaultConfig() Config {
	return Config{
		PipeDir:                  os.TempDir(),
		ProtocolVersion:          ProtocolVersion,
		LocalCapacity:            shm.Capacity{Records: 4096, Nodes: 8192, States: 1024},
		SharedCapacity:           shm.Capacity{Records: 1024, Nodes: 4096, States: 1024},
		Controllers:              4096,
		ProcMonitoringInterval:   250 * time.Millisecond,
		ShuttingDownTimeout:      2 * time.Second,
		WorkerTerminationTimeout: 5 * time.Second,
		CmdCompletionTimeout:     time.Second,
		SecondNativeWaitTimeout:  5 * time.Second,
		StartKey:                 pipe.StartKey,
		Probe:                    procmon.Probe,
		Output:                   os.Stderr,
	}
}

// ConfigFromEnv returns DefaultConfig with environment overrides applied.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if dir := os.Getenv("SYNCHMGR_PIPE_DIR"); dir != "" {
		cfg.PipeDir = dir
	}
	cfg.RegionPath = os.Getenv("SYNCHMGR_REGION")
	if v, err := strconv.ParseBool(os.Getenv("SYNCHMGR_TRACE")); err == nil {
		cfg.Trace = v
	}
	return cfg
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProcessID == 0 {
		c.ProcessID = os.Getpid()
	}
	if c.PipeDir == "" {
		c.PipeDir = d.PipeDir
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = d.ProtocolVersion
	}
	if c.LocalCapacity == (shm.Capacity{}) {
		c.LocalCapacity = d.LocalCapacity
	}
	if c.SharedCapacity == (shm.Capacity{}) {
		c.SharedCapacity = d.SharedCapacity
	}
	if c.Controllers <= 0 {
		c.Controllers = d.Controllers
	}
	if c.ProcMonitoringInterval <= 0 {
		c.ProcMonitoringInterval = d.ProcMonitoringInterval
	}
	if c.ShuttingDownTimeout <= 0 {
		c.ShuttingDownTimeout = d.ShuttingDownTimeout
	}
	if c.WorkerTerminationTimeout <= 0 {
		c.WorkerTerminationTimeout = d.WorkerTerminationTimeout
	}
	if c.CmdCompletionTimeout <= 0 {
		c.CmdCompletionTimeout = d.CmdCompletionTimeout
	}
	if c.SecondNativeWaitTimeout <= 0 {
		c.SecondNativeWaitTimeout = d.SecondNativeWaitTimeout
	}
	if c.StartKey == nil {
		c.StartKey = d.StartKey
	}
	if c.Probe == nil {
		c.Probe = d.Probe
	}
	if c.Output == nil {
		c.Output = d.Output
	}
	return c
}
