package manager

import (
	"fmt"
	"io"

	"github.com/kolkov/synchmgr/internal/synch/syncutil"
)

// Logger writes manager diagnostics as single lines:
//
//	synchmgr[1234] WARN: stale remote signal for node shared:node#3@7
//
// Trace lines are dropped unless tracing is enabled (SYNCHMGR_TRACE=1).
type Logger struct {
	mu    syncutil.Mutex
	w     io.Writer
	pid   int
	trace bool
}

// NewLogger returns a logger writing to w. A nil w discards everything.
func NewLogger(w io.Writer, pid int, trace bool) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{w: w, pid: pid, trace: trace}
}

func (l *Logger) printf(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "synchmgr[%d] %s: %s\n", l.pid, level, fmt.Sprintf(format, args...))
}

// Tracef logs a trace line when tracing is enabled.
func (l *Logger) Tracef(format string, args ...interface{}) {
	if l.trace {
		l.printf("TRACE", format, args...)
	}
}

// Warnf logs a warning.
func (l *Logger) Warnf(format string, args ...interface{}) { l.printf("WARN", format, args...) }

// Errorf logs an error.
func (l *Logger) Errorf(format string, args ...interface{}) { l.printf("ERROR", format, args...) }
