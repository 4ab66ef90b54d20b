package synch

import (
	"time"

	"github.com/kolkov/synchmgr/internal/synch/manager"
	"github.com/kolkov/synchmgr/internal/synch/shm"
)

// Core types.
type (
	// Manager is the synchronization manager of one process.
	Manager = manager.Manager

	// Thread is a goroutine's identity towards the manager.
	Thread = manager.Thread

	// Object is a handle on a waitable object.
	Object = manager.Object

	// Config holds the manager options.
	Config = manager.Config

	// WaitStatus is the result of a wait and the index of the object
	// that satisfied it.
	WaitStatus = manager.WaitStatus

	// WaitResult is the outcome class of a wait.
	WaitResult = manager.WaitResult

	// APCFunc is an asynchronous procedure call.
	APCFunc = manager.APCFunc

	// Stats is a snapshot of manager activity counters.
	Stats = manager.StatsSnapshot

	// Ref is a reference to an object in the shared region.
	Ref = shm.Ref
)

// Wait results.
const (
	WaitObject0      = manager.WaitObject0
	WaitAbandoned0   = manager.WaitAbandoned0
	WaitTimeout      = manager.WaitTimeout
	WaitIOCompletion = manager.WaitIOCompletion
	WaitFailed       = manager.WaitFailed
)

// Infinite is the timeout of a wait that never times out.
const Infinite time.Duration = manager.Infinite

// MaxWaitObjects is the largest number of objects one wait may name.
const MaxWaitObjects = manager.MaxWaitObjects

// Errors.
var (
	ErrNotEnoughMemory  = manager.ErrNotEnoughMemory
	ErrInvalidParameter = manager.ErrInvalidParameter
	ErrInvalidHandle    = manager.ErrInvalidHandle
	ErrNotOwner         = manager.ErrNotOwner
	ErrTooManyPosts     = manager.ErrTooManyPosts
	ErrNotRunning       = manager.ErrNotRunning
	ErrNoSharedDomain   = manager.ErrNoSharedDomain
	ErrThreadTerminated = manager.ErrThreadTerminated
	ErrWaitFailed       = manager.ErrWaitFailed
	ErrInternal         = manager.ErrInternal
)

// New returns an idle manager. Call Start before creating threads.
func New(cfg Config) (*Manager, error) {
	return manager.New(cfg)
}

// DefaultConfig returns the default options.
func DefaultConfig() Config {
	return manager.DefaultConfig()
}

// ConfigFromEnv returns DefaultConfig with SYNCHMGR_* overrides applied.
func ConfigFromEnv() Config {
	return manager.ConfigFromEnv()
}
