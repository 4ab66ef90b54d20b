package shm

import (
	"bytes"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
	"golang.org/x/sys/unix"

	"github.com/kolkov/synchmgr/internal/synch/syncutil"
)

// ErrIncompatible is returned by OpenRegion when the region was created by
// a peer speaking a different major protocol version.
var ErrIncompatible = errors.New("shm: incompatible region version")

var regionMagic = [8]byte{'S', 'Y', 'N', 'C', 'H', 'S', 'H', 'M'}

const (
	slotAlign = 64
	maxEintr  = 16
)

// header is the first block of a mapped region (and the in-heap header of
// a local arena).
type header struct {
	magic   [8]byte
	version [24]byte
	size    uint64
	records poolHeader
	nodes   poolHeader
	states  poolHeader
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

// RegionSize returns the file size needed for a region of capacity c.
func RegionSize(c Capacity) uint64 {
	_, _, _, size := layout(c)
	return size
}

func layout(c Capacity) (recOff, nodeOff, stateOff, size uint64) {
	off := alignUp(uint64(unsafe.Sizeof(header{})), slotAlign)
	recOff = off
	off += alignUp(uint64(c.Records)*uint64(unsafe.Sizeof(slot[Record]{})), slotAlign)
	nodeOff = off
	off += alignUp(uint64(c.Nodes)*uint64(unsafe.Sizeof(slot[Node]{})), slotAlign)
	stateOff = off
	off += alignUp(uint64(c.States)*uint64(unsafe.Sizeof(slot[uint32]{})), slotAlign)
	return recOff, nodeOff, stateOff, off
}

// Region is a shared Arena backed by a memory-mapped file. Every process
// that opens the same path sees the same records, nodes and wait-state
// words.
//
// Lock serializes access across goroutines of this process (in-process
// mutex) and across processes (flock on the region file). The pair is
// the cross-process "shared synch lock"; it is not re-entrant.
type Region struct {
	*Arena

	path    string
	fd      int
	data    []byte
	version string
	mu      syncutil.Mutex
}

// OpenRegion maps the region file at path, creating and formatting it with
// capacity c when it does not exist yet. An existing region keeps its own
// capacity; c is ignored. version is the caller's protocol version
// (semver); an existing region with a different major version is rejected
// with ErrIncompatible.
func OpenRegion(path string, c Capacity, version string) (*Region, error) {
	if !semver.IsValid(version) {
		return nil, errors.Errorf("shm: invalid protocol version %q", version)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open region %s", path)
	}

	r, err := mapRegion(fd, path, c, version)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return r, nil
}

func mapRegion(fd int, path string, c Capacity, version string) (*Region, error) {
	if err := flock(fd, unix.LOCK_EX); err != nil {
		return nil, errors.Wrapf(err, "lock region %s", path)
	}
	defer flock(fd, unix.LOCK_UN)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, errors.Wrapf(err, "stat region %s", path)
	}

	created := st.Size == 0
	size := uint64(st.Size)
	if created {
		if c.Records <= 0 || c.Nodes <= 0 || c.States <= 0 {
			return nil, errors.Errorf("shm: region capacity must be positive, got %+v", c)
		}
		size = RegionSize(c)
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			return nil, errors.Wrapf(err, "size region %s", path)
		}
	} else if size < uint64(unsafe.Sizeof(header{})) {
		return nil, errors.Wrapf(ErrIncompatible, "region %s too small (%d bytes)", path, size)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "map region %s", path)
	}

	hdr := (*header)(unsafe.Pointer(&data[0]))
	if created {
		recOff, nodeOff, stateOff, _ := layout(c)
		hdr.magic = regionMagic
		copy(hdr.version[:], version)
		hdr.size = size
		hdr.records.offset, hdr.records.capacity = recOff, uint32(c.Records)
		hdr.nodes.offset, hdr.nodes.capacity = nodeOff, uint32(c.Nodes)
		hdr.states.offset, hdr.states.capacity = stateOff, uint32(c.States)
	} else if err := checkHeader(hdr, size, version); err != nil {
		unix.Munmap(data)
		return nil, errors.Wrapf(err, "region %s", path)
	}

	r := &Region{
		Arena:   &Arena{hdr: hdr},
		path:    path,
		fd:      fd,
		data:    data,
		version: string(bytes.TrimRight(hdr.version[:], "\x00")),
	}
	r.bind(true,
		unsafe.Slice((*slot[Record])(unsafe.Pointer(&data[hdr.records.offset])), hdr.records.capacity),
		unsafe.Slice((*slot[Node])(unsafe.Pointer(&data[hdr.nodes.offset])), hdr.nodes.capacity),
		unsafe.Slice((*slot[uint32])(unsafe.Pointer(&data[hdr.states.offset])), hdr.states.capacity))
	if created {
		r.format()
	}
	return r, nil
}

func checkHeader(hdr *header, size uint64, version string) error {
	if hdr.magic != regionMagic {
		return errors.Wrap(ErrIncompatible, "bad magic")
	}
	stored := string(bytes.TrimRight(hdr.version[:], "\x00"))
	if !semver.IsValid(stored) || semver.Major(stored) != semver.Major(version) {
		return errors.Wrapf(ErrIncompatible, "region version %s, want %s", stored, semver.Major(version))
	}
	c := Capacity{
		Records: int(hdr.records.capacity),
		Nodes:   int(hdr.nodes.capacity),
		States:  int(hdr.states.capacity),
	}
	if hdr.size != size || RegionSize(c) != size {
		return errors.Wrapf(ErrIncompatible, "region size %d does not match header", size)
	}
	return nil
}

// Path returns the region file path.
func (r *Region) Path() string { return r.path }

// Version returns the protocol version the region was created with.
func (r *Region) Version() string { return r.version }

// Lock acquires the shared lock.
func (r *Region) Lock() error {
	r.mu.Lock()
	if err := flock(r.fd, unix.LOCK_EX); err != nil {
		r.mu.Unlock()
		return errors.Wrapf(err, "lock region %s", r.path)
	}
	return nil
}

// Unlock releases the shared lock.
func (r *Region) Unlock() error {
	err := flock(r.fd, unix.LOCK_UN)
	r.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "unlock region %s", r.path)
	}
	return nil
}

// Close unmaps the region. The file is left in place for other processes.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if cerr := unix.Close(r.fd); err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "close region %s", r.path)
}

func flock(fd, how int) error {
	var err error
	for i := 0; i < maxEintr; i++ {
		if err = unix.Flock(fd, how); err != unix.EINTR {
			return err
		}
	}
	return err
}
