package manager

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by the manager.
var (
	// ErrNotEnoughMemory is returned when a pool (records, nodes,
	// controllers, wait-state words) is exhausted. Nothing is left
	// half-initialized when it is returned.
	ErrNotEnoughMemory = errors.New("synchmgr: not enough memory")

	// ErrInvalidParameter is returned for malformed arguments.
	ErrInvalidParameter = errors.New("synchmgr: invalid parameter")

	// ErrInvalidHandle is returned for closed objects or objects of the
	// wrong type for the operation.
	ErrInvalidHandle = errors.New("synchmgr: invalid handle")

	// ErrNotOwner is returned by ReleaseMutex when the caller does not own
	// the mutex.
	ErrNotOwner = errors.New("synchmgr: attempt to release mutex not owned by caller")

	// ErrTooManyPosts is returned by ReleaseSemaphore when the count would
	// exceed the maximum.
	ErrTooManyPosts = errors.New("synchmgr: too many posts")

	// ErrNotRunning is returned when the manager is not started.
	ErrNotRunning = errors.New("synchmgr: manager not running")

	// ErrNoSharedDomain is returned by operations that need the shared
	// region when none is configured.
	ErrNoSharedDomain = errors.New("synchmgr: no shared region configured")

	// ErrThreadTerminated is returned when targeting a thread that has
	// exited or been terminated.
	ErrThreadTerminated = errors.New("synchmgr: thread terminated")

	// ErrWaitFailed is returned when a blocked wait cannot complete; the
	// underlying internal error is logged and carried in the message.
	ErrWaitFailed = errors.New("synchmgr: wait failed")

	// ErrInternal is the cause of every InternalError.
	ErrInternal = errors.New("synchmgr: internal error")
)

// errEarlyDeath reports that the calling thread was terminated while
// registering a wait; the caller drops its locks and parks.
var errEarlyDeath = errors.New("synchmgr: early death")

// InternalError reports a broken invariant or protocol violation.
//
// Fields:
//   - Op: the manager operation that detected the problem
//   - Msg: what was found
//
// errors.Cause and errors.Is both resolve it to ErrInternal.
type InternalError struct {
	Op  string
	Msg string
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("synchmgr: internal error in %s: %s", e.Op, e.Msg)
}

// Cause returns ErrInternal for errors.Cause.
func (e *InternalError) Cause() error { return ErrInternal }

// Unwrap returns ErrInternal for errors.Is.
func (e *InternalError) Unwrap() error { return ErrInternal }

// internalError logs and returns an InternalError.
func (m *Manager) internalError(op, format string, args ...interface{}) error {
	e := &InternalError{Op: op, Msg: fmt.Sprintf(format, args...)}
	m.stats.InternalErrors.Add(1)
	m.log.Errorf("%v", e)
	return e
}
