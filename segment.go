package remus

/*
#include <infiniband/verbs.h>
*/
import "C"

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// controlBlockSize is the size, in bytes, of the reserved header at the
// front of every segment. It is cache-line aligned so the fields the
// allocator and barrier touch remotely never share a line with user data.
const controlBlockSize = 64

// ControlBlock is the fixed 64-byte header every Segment reserves at
// offset 0. Its fields are the remote targets of the bump allocator's
// FetchAndAdd, the barrier's FetchAndAdd, and the root pointer publish.
type ControlBlock struct {
	raw []byte
}

func newControlBlock(raw []byte) *ControlBlock {
	cb := &ControlBlock{raw: raw[:controlBlockSize]}
	cb.sizePtr().Store(uint64(len(raw)))
	cb.allocatedPtr().Store(controlBlockSize)
	cb.controlFlagPtr().Store(0)
	cb.barrierPtr().Store(0)
	cb.rootPtr().Store(0)
	return cb
}

func (cb *ControlBlock) field(off uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(&cb.raw[off]))
}

func (cb *ControlBlock) sizePtr() *atomicU64        { return (*atomicU64)(unsafe.Pointer(cb.field(0))) }
func (cb *ControlBlock) allocatedPtr() *atomicU64    { return (*atomicU64)(unsafe.Pointer(cb.field(8))) }
func (cb *ControlBlock) controlFlagPtr() *atomicU64  { return (*atomicU64)(unsafe.Pointer(cb.field(16))) }
func (cb *ControlBlock) barrierPtr() *atomicU64      { return (*atomicU64)(unsafe.Pointer(cb.field(24))) }
func (cb *ControlBlock) rootPtr() *atomicU64         { return (*atomicU64)(unsafe.Pointer(cb.field(32))) }

// atomicU64 gives the raw *uint64 fields of the control block the same
// load/store/add vocabulary as sync/atomic without importing it at every
// call site. It is backed by the same memory the one-sided ops write into
// from the wire; the memory node uses these accessors on its own segment
// memory, to initialize the control block and to read the shutdown counter
// that remote FetchAndAdds update.
type atomicU64 uint64

func (a *atomicU64) Load() uint64      { return atomic.LoadUint64((*uint64)(a)) }
func (a *atomicU64) Store(v uint64)    { atomic.StoreUint64((*uint64)(a), v) }
func (a *atomicU64) Add(d uint64) uint64 { return atomic.AddUint64((*uint64)(a), d) }

// Allocated returns the local view of the control block's allocated
// cursor. Remote-originated FetchAndAdd hits this offset directly; callers
// that need the authoritative value issue a FetchAndAddConfig op instead.
func (cb *ControlBlock) Allocated() uint64 { return cb.allocatedPtr().Load() }

// ControlFlag returns the local view of the control block's shutdown
// counter: how many compute threads across the deployment have signaled
// graceful shutdown against this segment via a remote FetchAndAdd. Only
// meaningful on segment 0 of each memory node.
func (cb *ControlBlock) ControlFlag() uint64 { return cb.controlFlagPtr().Load() }

// DefaultAccessMode is the set of access flags a Segment's memory region
// is registered with: local writes plus every remote one-sided verb the
// allocator, barrier, and atomic wrapper need.
const DefaultAccessMode = IBV_ACCESS_LOCAL_WRITE | IBV_ACCESS_REMOTE_READ | IBV_ACCESS_REMOTE_WRITE | IBV_ACCESS_REMOTE_ATOMIC

// Segment is a single large, page-aligned region of memory registered with
// the RDMA device and addressable by other nodes through a FatPtr. Byte 0
// of every segment is the ControlBlock; everything after it is available
// to the bump allocator.
type Segment struct {
	capacity uint64
	raw      []byte
	fromHuge bool
	mr       *C.struct_ibv_mr
	Control  *ControlBlock
}

// registerWithPd registers a raw byte range with the given protection
// domain, requesting accessMode permissions. It mirrors segment.h's
// registerWithPd, which returns an ibv_mr_ptr (a unique_ptr with a custom
// deleter that calls ibv_dereg_mr); Segment.Close plays that deleter's role.
func registerWithPd(pd *ProtectDomain, addr unsafe.Pointer, length uint64, accessMode int) (*C.struct_ibv_mr, error) {
	mr := C.ibv_reg_mr(pd.pd, addr, C.size_t(length), C.int(accessMode))
	if mr == nil {
		return nil, fmt.Errorf("segment: ibv_reg_mr failed")
	}
	return mr, nil
}

// mmapAligned maps exactly length bytes, guaranteed aligned on a length
// boundary, by over-mapping 2x and trimming the slack on either side. This
// replaces a plain hinted mmap: GetRkey recovers a segment's base address
// by masking the low seg_size bits out of a raw pointer, which only works
// if every segment actually starts on a seg_size-aligned address. length
// must be a power of two (true of every caller here: it is always
// 1<<SEG_SIZE).
func mmapAligned(length uint64, flags int) ([]byte, error) {
	if length == 0 || length&(length-1) != 0 {
		return nil, fmt.Errorf("segment: capacity %d is not a power of two", length)
	}

	raw, err := unix.Mmap(-1, 0, int(length*2), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("segment: mmap failed: %w", err)
	}

	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(length) - 1) &^ (uintptr(length) - 1)
	lead := aligned - base
	trail := uintptr(length) - lead

	if lead > 0 {
		if err := unix.Munmap(raw[:lead]); err != nil {
			_ = unix.Munmap(raw)
			return nil, fmt.Errorf("segment: trimming leading slack: %w", err)
		}
	}
	if trail > 0 {
		if err := unix.Munmap(raw[lead+uintptr(length):]); err != nil {
			return nil, fmt.Errorf("segment: trimming trailing slack: %w", err)
		}
	}
	return raw[lead : lead+uintptr(length)], nil
}

// NewSegment maps exactly capacity bytes, seg_size-aligned, installs a
// fresh ControlBlock at offset 0, and registers the region with pd for
// remote one-sided access. capacity must be a power of two (Config.SegBytes
// always is). huge requests hugetlb pages; the caller is expected to have
// sized capacity to a multiple of the huge page size when huge is set
// (GetNumHugePages reports how many are reserved).
func NewSegment(pd *ProtectDomain, capacity uint64, huge bool) (*Segment, error) {
	pageSize := uint64(os.Getpagesize())
	if capacity < pageSize {
		capacity = pageSize
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if huge {
		flags |= unix.MAP_HUGETLB
	}

	buf, err := mmapAligned(capacity, flags)
	if err != nil {
		return nil, err
	}

	seg := &Segment{capacity: capacity, raw: buf, fromHuge: huge}
	seg.Control = newControlBlock(buf)

	mr, err := registerWithPd(pd, unsafe.Pointer(&buf[0]), capacity, DefaultAccessMode)
	if err != nil {
		_ = unix.Munmap(buf)
		return nil, err
	}
	seg.mr = mr
	return seg, nil
}

func (s *Segment) Capacity() uint64 { return s.capacity }

func (s *Segment) Rkey() uint32 { return uint32(s.mr.rkey) }

func (s *Segment) Raddr() uint64 { return uint64(uintptr(unsafe.Pointer(&s.raw[0]))) }

// Bytes exposes the raw backing store. Used by tests and by the local
// fast path when a FatPtr happens to address this node.
func (s *Segment) Bytes() []byte { return s.raw }

func (s *Segment) Close() error {
	if s.mr != nil {
		if errno := C.ibv_dereg_mr(s.mr); errno != 0 {
			return fmt.Errorf("segment: ibv_dereg_mr failed: %d", errno)
		}
		s.mr = nil
	}
	if s.raw != nil {
		err := unix.Munmap(s.raw)
		s.raw = nil
		return err
	}
	return nil
}

// GetNumHugePages reads /proc/sys/vm/nr_hugepages, the count of reserved
// huge pages available on this host.
func GetNumHugePages() (int, error) {
	b, err := os.ReadFile("/proc/sys/vm/nr_hugepages")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, err
	}
	return n, nil
}
