package shm

import "fmt"

// Ref is a tagged reference to a slot in an Arena.
//
// A single Ref type addresses both process-local slots and slots of a
// shared Region, so records and wait-list nodes can link to each other
// without caring which domain they live in:
//
//	bit  63     shared flag (slot lives in a Region)
//	bits 60-62  slot kind (record, node, state word)
//	bits 32-59  slot generation
//	bits  0-31  slot index + 1 (0 means nil)
//
// The generation is bumped every time a slot is allocated, so a Ref kept
// past the slot's release resolves to nil instead of aliasing the next
// occupant. Refs are plain integers: they can be stored in shared memory
// and sent through a process pipe.
type Ref uint64

// Nil is the zero reference.
const Nil Ref = 0

// Kind identifies the pool a Ref points into.
type Kind uint8

// Slot kinds.
const (
	KindNone Kind = iota
	KindRecord
	KindNode
	KindState
)

const (
	sharedBit = uint64(1) << 63
	kindShift = 60
	kindMask  = 0x7
	genShift  = 32
	genMask   = (uint64(1) << 28) - 1
	idxMask   = (uint64(1) << 32) - 1
)

// MakeRef builds a reference from its parts. idx is the zero-based slot index.
func MakeRef(shared bool, kind Kind, gen uint32, idx uint32) Ref {
	v := uint64(kind&kindMask)<<kindShift | (uint64(gen)&genMask)<<genShift | (uint64(idx) + 1)
	if shared {
		v |= sharedBit
	}
	return Ref(v)
}

// IsNil reports whether r is the nil reference.
func (r Ref) IsNil() bool { return r == Nil }

// Shared reports whether r points into a shared Region.
func (r Ref) Shared() bool { return uint64(r)&sharedBit != 0 }

// Kind returns the slot kind.
func (r Ref) Kind() Kind { return Kind((uint64(r) >> kindShift) & kindMask) }

// Gen returns the slot generation.
func (r Ref) Gen() uint32 { return uint32((uint64(r) >> genShift) & genMask) }

// Index returns the zero-based slot index. ok is false for Nil.
func (r Ref) Index() (idx uint32, ok bool) {
	raw := uint64(r) & idxMask
	if raw == 0 {
		return 0, false
	}
	return uint32(raw - 1), true
}

func (k Kind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindNode:
		return "node"
	case KindState:
		return "state"
	default:
		return "none"
	}
}

func (r Ref) String() string {
	if r.IsNil() {
		return "nil"
	}
	domain := "local"
	if r.Shared() {
		domain = "shared"
	}
	idx, _ := r.Index()
	return fmt.Sprintf("%s:%s#%d@%d", domain, r.Kind(), idx, r.Gen())
}
