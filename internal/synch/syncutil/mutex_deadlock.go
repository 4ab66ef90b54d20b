//go:build deadlock

// Package syncutil provides the mutex used by every lock of the
// synchronization manager (local synch lock, shared region lock,
// monitored-process lock, per-thread APC lock).
//
// Building with -tags deadlock swaps in github.com/sasha-s/go-deadlock,
// which reports lock-order inversions between those locks and any lock
// held for longer than DeadlockTimeout.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// DeadlockEnabled is true if the deadlock detector is enabled.
const DeadlockEnabled = true

func init() {
	deadlock.Opts.DeadlockTimeout = 30 * time.Second
}

// A Mutex is a mutual exclusion lock.
type Mutex struct {
	deadlock.Mutex
}
