// Package pipe implements the per-process command pipe used to deliver
// cross-process wakeups.
//
// Every process participating in shared waits owns one named FIFO. Other
// processes open it write-only and drop fixed-size commands into it; the
// owning process's worker task reads them back. Each command is a one-byte
// opcode followed by a fixed payload, written with a single write(2) well
// below PIPE_BUF so concurrent writers never interleave:
//
//	opcode 0  nop              (no payload)
//	opcode 1  remote signal    8-byte wait-list node ref
//	opcode 2  delegated signal 8-byte record ref, 4-byte count
//	opcode 3  shutdown         (no payload)
//
// Multi-byte fields use the host's native byte order; both ends always run
// on the same machine.
//
// The owning process keeps its own write end open so that reads never see
// EOF while it is running. Shutdown unlinks the FIFO and closes that write
// end; once every foreign writer has gone the reader sees EOF.
package pipe
