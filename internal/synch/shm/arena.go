package shm

import (
	"github.com/pkg/errors"
)

// Errors returned by arena operations.
var (
	// ErrExhausted is returned when a pool has no free slot left.
	ErrExhausted = errors.New("shm: pool exhausted")

	// ErrBadRef is returned when a Ref does not resolve to a live slot.
	ErrBadRef = errors.New("shm: stale or invalid reference")
)

// Capacity sizes the three slot pools of an arena.
type Capacity struct {
	Records int
	Nodes   int
	States  int
}

// Usage reports how many slots of each pool are allocated.
type Usage struct {
	Records int
	Nodes   int
	States  int
}

// slot is the in-memory layout of one pool entry. The header fields keep
// the free list and the generation used to detect stale refs.
type slot[T any] struct {
	gen  uint32
	used uint32
	next uint32 // index + 1 of next free slot, 0 = end of list
	_    uint32
	val  T
}

// poolHeader lives in the arena header so that a Region keeps its free
// lists inside the mapped file.
type poolHeader struct {
	free     uint32
	inUse    uint32
	capacity uint32
	_        uint32
	offset   uint64
}

type pool[T any] struct {
	kind   Kind
	shared bool
	h      *poolHeader
	slots  []slot[T]
}

// format threads every slot onto the free list.
func (p *pool[T]) format() {
	for i := range p.slots {
		p.slots[i] = slot[T]{next: uint32(i) + 2}
	}
	if n := len(p.slots); n > 0 {
		p.slots[n-1].next = 0
		p.h.free = 1
	} else {
		p.h.free = 0
	}
	p.h.inUse = 0
	p.h.capacity = uint32(len(p.slots))
}

func (p *pool[T]) alloc() (Ref, *T, error) {
	if p.h.free == 0 {
		return Nil, nil, errors.Wrapf(ErrExhausted, "%s pool (%d slots)", p.kind, len(p.slots))
	}
	idx := p.h.free - 1
	if int(idx) >= len(p.slots) {
		return Nil, nil, errors.Wrapf(ErrBadRef, "%s free list points past pool end", p.kind)
	}
	s := &p.slots[idx]
	p.h.free = s.next
	s.next = 0
	s.used = 1
	s.gen = (s.gen + 1) & uint32(genMask)
	if s.gen == 0 {
		s.gen = 1
	}
	var zero T
	s.val = zero
	p.h.inUse++
	return MakeRef(p.shared, p.kind, s.gen, idx), &s.val, nil
}

func (p *pool[T]) lookup(r Ref) (*slot[T], uint32) {
	if r.Kind() != p.kind || r.Shared() != p.shared {
		return nil, 0
	}
	idx, ok := r.Index()
	if !ok || int(idx) >= len(p.slots) {
		return nil, 0
	}
	s := &p.slots[idx]
	if s.used == 0 || s.gen != r.Gen() {
		return nil, 0
	}
	return s, idx
}

func (p *pool[T]) get(r Ref) *T {
	s, _ := p.lookup(r)
	if s == nil {
		return nil
	}
	return &s.val
}

func (p *pool[T]) free(r Ref) error {
	s, idx := p.lookup(r)
	if s == nil {
		return errors.Wrapf(ErrBadRef, "free %s", r)
	}
	s.used = 0
	s.next = p.h.free
	p.h.free = idx + 1
	p.h.inUse--
	return nil
}

// Arena is a set of slot pools for records, wait-list nodes and wait-state
// words.
//
// A local arena is backed by Go slices and only ever touched under the
// process-local synch lock. A shared arena is embedded in a Region and is
// backed by a memory-mapped file; it must only be touched under the
// Region lock. Arena itself does no locking.
type Arena struct {
	shared  bool
	hdr     *header
	records pool[Record]
	nodes   pool[Node]
	states  pool[uint32]
}

// NewLocalArena allocates a process-local arena with the given capacity.
func NewLocalArena(c Capacity) *Arena {
	a := &Arena{hdr: &header{}}
	a.bind(false,
		make([]slot[Record], c.Records),
		make([]slot[Node], c.Nodes),
		make([]slot[uint32], c.States))
	a.format()
	return a
}

func (a *Arena) bind(shared bool, recs []slot[Record], nodes []slot[Node], states []slot[uint32]) {
	a.shared = shared
	a.records = pool[Record]{kind: KindRecord, shared: shared, h: &a.hdr.records, slots: recs}
	a.nodes = pool[Node]{kind: KindNode, shared: shared, h: &a.hdr.nodes, slots: nodes}
	a.states = pool[uint32]{kind: KindState, shared: shared, h: &a.hdr.states, slots: states}
}

func (a *Arena) format() {
	a.records.format()
	a.nodes.format()
	a.states.format()
}

// Shared reports whether a lives in a Region.
func (a *Arena) Shared() bool { return a.shared }

// Owns reports whether r addresses a slot of this arena's domain.
func (a *Arena) Owns(r Ref) bool { return !r.IsNil() && r.Shared() == a.shared }

// AllocRecord allocates a zeroed record slot and sets its Self field.
func (a *Arena) AllocRecord() (Ref, *Record, error) {
	r, rec, err := a.records.alloc()
	if err != nil {
		return Nil, nil, err
	}
	rec.Self = r
	return r, rec, nil
}

// Record resolves r, returning nil when r is stale or foreign.
func (a *Arena) Record(r Ref) *Record { return a.records.get(r) }

// FreeRecord returns a record slot to its pool.
func (a *Arena) FreeRecord(r Ref) error { return a.records.free(r) }

// AllocNode allocates a zeroed wait-list node slot and sets its Self field.
func (a *Arena) AllocNode() (Ref, *Node, error) {
	r, n, err := a.nodes.alloc()
	if err != nil {
		return Nil, nil, err
	}
	n.Self = r
	return r, n, nil
}

// Node resolves r, returning nil when r is stale or foreign.
func (a *Arena) Node(r Ref) *Node { return a.nodes.get(r) }

// FreeNode returns a node slot to its pool.
func (a *Arena) FreeNode(r Ref) error { return a.nodes.free(r) }

// AllocState allocates a wait-state word initialized to zero.
func (a *Arena) AllocState() (Ref, error) {
	r, _, err := a.states.alloc()
	return r, err
}

// StateWord returns the address of the wait-state word for r, suitable for
// sync/atomic operations, or nil when r is stale or foreign.
func (a *Arena) StateWord(r Ref) *uint32 { return a.states.get(r) }

// FreeState returns a wait-state word to its pool.
func (a *Arena) FreeState(r Ref) error { return a.states.free(r) }

// Usage returns the number of allocated slots per pool.
func (a *Arena) Usage() Usage {
	return Usage{
		Records: int(a.hdr.records.inUse),
		Nodes:   int(a.hdr.nodes.inUse),
		States:  int(a.hdr.states.inUse),
	}
}

// Capacity returns the size of each pool.
func (a *Arena) Capacity() Capacity {
	return Capacity{
		Records: len(a.records.slots),
		Nodes:   len(a.nodes.slots),
		States:  len(a.states.slots),
	}
}
