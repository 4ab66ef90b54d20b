package pipe

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/kolkov/synchmgr/internal/synch/shm"
)

// Opcode identifies a worker command.
type Opcode uint8

// Worker commands.
const (
	OpNop             Opcode = 0
	OpRemoteSignal    Opcode = 1
	OpDelegatedSignal Opcode = 2
	OpShutdown        Opcode = 3
)

// MaxMessageSize is the largest encoded command.
const MaxMessageSize = 1 + 8 + 4

// ErrBadCommand is returned when the pipe yields an unknown opcode.
var ErrBadCommand = errors.New("pipe: unknown command")

func (op Opcode) String() string {
	switch op {
	case OpNop:
		return "nop"
	case OpRemoteSignal:
		return "remote-signal"
	case OpDelegatedSignal:
		return "delegated-signal"
	case OpShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(op))
	}
}

// payloadSize returns the number of bytes following op on the wire.
func payloadSize(op Opcode) (int, error) {
	switch op {
	case OpNop, OpShutdown:
		return 0, nil
	case OpRemoteSignal:
		return 8, nil
	case OpDelegatedSignal:
		return 12, nil
	default:
		return 0, errors.Wrapf(ErrBadCommand, "opcode %d", uint8(op))
	}
}

// Command is a decoded worker command.
type Command struct {
	Op    Opcode
	Ref   shm.Ref // node ref (remote signal) or record ref (delegated signal)
	Count uint32  // signal count delta (delegated signal)
}

// Encode returns the wire form of c.
func (c Command) Encode() ([]byte, error) {
	n, err := payloadSize(c.Op)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 1+n)
	buf[0] = byte(c.Op)
	if n >= 8 {
		binary.NativeEndian.PutUint64(buf[1:9], uint64(c.Ref))
	}
	if n == 12 {
		binary.NativeEndian.PutUint32(buf[9:13], c.Count)
	}
	return buf, nil
}

func decodePayload(op Opcode, payload []byte) Command {
	c := Command{Op: op}
	if len(payload) >= 8 {
		c.Ref = shm.Ref(binary.NativeEndian.Uint64(payload[:8]))
	}
	if len(payload) == 12 {
		c.Count = binary.NativeEndian.Uint32(payload[8:12])
	}
	return c
}

func (c Command) String() string {
	switch c.Op {
	case OpRemoteSignal:
		return fmt.Sprintf("%s node=%s", c.Op, c.Ref)
	case OpDelegatedSignal:
		return fmt.Sprintf("%s record=%s count=%d", c.Op, c.Ref, c.Count)
	default:
		return c.Op.String()
	}
}
