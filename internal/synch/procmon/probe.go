// Package procmon tracks child processes whose process objects are being
// waited on, and reports when they exit.
package procmon

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ExitFailure is the exit code reported when the real one is unknown.
const ExitFailure = 1

const maxEintr = 128

// Status is the outcome of a liveness probe.
type Status struct {
	Exited   bool
	ExitCode int
	// Actual is false when the process was not our child and its exit
	// code had to be guessed.
	Actual bool
}

// ProbeFunc checks, without blocking, whether pid has exited.
type ProbeFunc func(pid int) (Status, error)

// Probe checks pid with waitpid(WNOHANG). Non-children (ECHILD) fall back
// to kill(pid, 0): ESRCH means the process is gone and exit code 0 is
// assumed. EPERM means it exists under another user and is treated as
// running. Any other kill failure reports an exit with ExitFailure.
//
// An unexpected waitpid error is returned together with a running status.
func Probe(pid int) (Status, error) {
	for i := 0; ; i++ {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case err == nil && wpid == pid:
			if ws.Exited() {
				return Status{Exited: true, ExitCode: ws.ExitStatus(), Actual: true}, nil
			}
			// killed by a signal: no exit code
			return Status{Exited: true, ExitCode: ExitFailure, Actual: true}, nil
		case err == nil:
			return Status{}, nil
		case err == unix.EINTR:
			if i < maxEintr {
				continue
			}
			return Status{}, errors.Wrapf(err, "waitpid %d", pid)
		case err == unix.ECHILD:
			return probeForeign(pid), nil
		default:
			return Status{}, errors.Wrapf(err, "waitpid %d", pid)
		}
	}
}

func probeForeign(pid int) Status {
	switch err := unix.Kill(pid, 0); err {
	case nil, unix.EPERM:
		return Status{}
	case unix.ESRCH:
		return Status{Exited: true, ExitCode: 0}
	default:
		return Status{Exited: true, ExitCode: ExitFailure}
	}
}
