package shm

// Record is the fixed-layout body of a synchronization record slot.
//
// Every field is a fixed-size integer or a Ref so the same layout works
// in Go heap memory and in a memory-mapped Region. Callers must hold the
// lock that covers the owning arena (the local synch lock for local
// records, both local and shared locks for shared records).
type Record struct {
	SignalCount    int32
	OwnershipCount int32
	OwnerPid       int32
	OwnerTid       int32
	Abandoned      uint32
	Type           uint32
	RefCount       int32
	WaiterCount    int32
	Limit          int32 // semaphore maximum count
	ProcessID      int32 // target pid for process objects
	Head           Ref   // first wait-list node
	Tail           Ref   // last wait-list node
	Self           Ref
}

// Wait-list node flags.
const (
	NodeWaitAll             uint32 = 1 << 0
	NodeOwnerObjectIsShared uint32 = 1 << 1
	NodeDelegatedSignaling  uint32 = 1 << 2
)

// Node is one (waiting thread, object) link in a record's wait list.
type Node struct {
	Pid      int32
	Tid      int32
	ObjIndex uint32
	Flags    uint32
	Prev     Ref
	Next     Ref
	Record   Ref // record whose wait list holds this node
	State    Ref // wait-state word of the waiting thread
	Self     Ref
}

// HasFlag reports whether all bits of f are set on n.
func (n *Node) HasFlag(f uint32) bool { return n.Flags&f == f }
