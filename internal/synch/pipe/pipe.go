package pipe

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kolkov/synchmgr/internal/synch/syncutil"
)

// MaxConsecutiveEintrs bounds the retries of a syscall interrupted by a
// signal (EINTR) or reporting a transiently full pipe (EAGAIN).
const MaxConsecutiveEintrs = 128

// Errors returned by pipe operations.
var (
	// ErrTimeout is returned by ReadCommand when no command arrived in time.
	ErrTimeout = errors.New("pipe: timed out")

	// ErrUnreachable is returned by Send when the target pipe does not
	// exist or has no reader.
	ErrUnreachable = errors.New("pipe: target process unreachable")

	// ErrClosed is returned when writing to a pipe already shut down.
	ErrClosed = errors.New("pipe: shut down")

	// ErrTransient is returned when EINTR/EAGAIN persisted past
	// MaxConsecutiveEintrs retries.
	ErrTransient = errors.New("pipe: too many consecutive interrupted calls")
)

// ProcessPipe is the FIFO owned by the current process.
type ProcessPipe struct {
	path string
	rfd  int

	mu   syncutil.Mutex
	wfd  int
	shut bool
}

// Create makes the FIFO at path (owner-only permissions) and opens both
// ends. A stale FIFO left by a dead process with the same name is replaced.
func Create(path string) (*ProcessPipe, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil {
		if err != unix.EEXIST {
			return nil, errors.Wrapf(err, "mkfifo %s", path)
		}
		if err := unix.Unlink(path); err != nil {
			return nil, errors.Wrapf(err, "unlink stale pipe %s", path)
		}
		if err := unix.Mkfifo(path, 0o600); err != nil {
			return nil, errors.Wrapf(err, "mkfifo %s", path)
		}
	}

	rfd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Unlink(path)
		return nil, errors.Wrapf(err, "open %s for reading", path)
	}
	wfd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(rfd)
		unix.Unlink(path)
		return nil, errors.Wrapf(err, "open %s for writing", path)
	}

	return &ProcessPipe{path: path, rfd: rfd, wfd: wfd}, nil
}

// Path returns the FIFO path.
func (p *ProcessPipe) Path() string { return p.path }

// WakeLocal writes c to the process's own pipe. It is used to post nop and
// shutdown commands to the local worker.
func (p *ProcessPipe) WakeLocal(c Command) error {
	msg, err := c.Encode()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		return ErrClosed
	}
	return writeMessage(p.wfd, msg)
}

// Shutdown unlinks the FIFO and closes the process's own write end, so the
// reader sees EOF once every foreign writer is gone. Calling it again is a
// no-op.
func (p *ProcessPipe) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		return nil
	}
	p.shut = true

	var first error
	if err := unix.Unlink(p.path); err != nil && err != unix.ENOENT {
		first = errors.Wrapf(err, "unlink %s", p.path)
	}
	if err := unix.Close(p.wfd); err != nil && first == nil {
		first = errors.Wrapf(err, "close write end of %s", p.path)
	}
	return first
}

// Close shuts the pipe down and closes the read end.
func (p *ProcessPipe) Close() error {
	err := p.Shutdown()
	if cerr := unix.Close(p.rfd); cerr != nil && err == nil {
		err = errors.Wrapf(cerr, "close read end of %s", p.path)
	}
	return err
}

// ReadCommand reads the next command.
//
// timeout bounds the wait for the opcode byte (negative means forever).
// Once the opcode has arrived, the payload must follow within completion.
// EOF yields a nop command together with io.EOF.
func (p *ProcessPipe) ReadCommand(timeout, completion time.Duration) (Command, error) {
	var op [1]byte
	if err := readFull(p.rfd, op[:], timeout); err != nil {
		if err == io.EOF {
			return Command{Op: OpNop}, io.EOF
		}
		return Command{}, err
	}

	n, err := payloadSize(Opcode(op[0]))
	if err != nil {
		return Command{}, err
	}
	if n == 0 {
		return Command{Op: Opcode(op[0])}, nil
	}

	payload := make([]byte, n)
	if err := readFull(p.rfd, payload, completion); err != nil {
		if err == io.EOF || errors.Cause(err) == ErrTimeout {
			return Command{}, errors.Wrapf(ErrBadCommand, "truncated %s", Opcode(op[0]))
		}
		return Command{}, err
	}
	return decodePayload(Opcode(op[0]), payload), nil
}

// Send delivers c to the pipe at path with a single non-blocking write.
// Failures are reported, never retried beyond transient EINTR/EAGAIN.
func Send(path string, c Command) error {
	msg, err := c.Encode()
	if err != nil {
		return err
	}

	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ENOENT || err == unix.ENXIO {
			return errors.Wrapf(ErrUnreachable, "%s: %v", path, err)
		}
		return errors.Wrapf(err, "open %s", path)
	}
	defer unix.Close(fd)

	if err := writeMessage(fd, msg); err != nil {
		return errors.Wrapf(err, "send %s to %s", c.Op, path)
	}
	return nil
}

func writeMessage(fd int, msg []byte) error {
	for i := 0; i < MaxConsecutiveEintrs; i++ {
		n, err := unix.Write(fd, msg)
		switch {
		case err == unix.EINTR || err == unix.EAGAIN:
			continue
		case err == unix.EPIPE:
			return ErrUnreachable
		case err != nil:
			return errors.Wrap(err, "write")
		case n != len(msg):
			return errors.Errorf("pipe: short write %d of %d bytes", n, len(msg))
		}
		return nil
	}
	return ErrTransient
}

// readFull fills buf from fd, polling with the remaining timeout between
// reads. A negative timeout waits forever.
func readFull(fd int, buf []byte, timeout time.Duration) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	got, retries := 0, 0
	for got < len(buf) {
		ms := -1
		if timeout >= 0 {
			left := time.Until(deadline)
			if left < 0 {
				left = 0
			}
			ms = int((left + time.Millisecond - 1) / time.Millisecond)
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			if retries++; retries > MaxConsecutiveEintrs {
				return ErrTransient
			}
			continue
		}
		if err != nil {
			return errors.Wrap(err, "poll")
		}
		if n == 0 {
			return ErrTimeout
		}

		r, err := unix.Read(fd, buf[got:])
		switch {
		case err == unix.EINTR || err == unix.EAGAIN:
			if retries++; retries > MaxConsecutiveEintrs {
				return ErrTransient
			}
			continue
		case err != nil:
			return errors.Wrap(err, "read")
		case r == 0:
			return io.EOF
		}
		got += r
		retries = 0
	}
	return nil
}
