package remus

import (
	"fmt"
	"unsafe"
)

// ComputeThread is the per-goroutine handle to the DSM: it owns a staging
// buffer for local copies of remote data, a lane-scheduling policy, and a
// distributed bump allocator. It is the Go analogue of compute_thread.h's
// ComputeThread, minus the coroutine machinery AsyncResult[T] replaces.
type ComputeThread struct {
	cn *ComputeNode
	id int

	sched    *QpSchedPolicy
	allocPol *MnAllocPolicy
	alloc    *BumpAllocator

	stagingMR  *MemoryRegion
	staging    *RingBufferAllocator // first half of stagingMR: one-shot SGE scratch
	cached     *RingBufferAllocator // second half: caller-visible LocalAllocate space
	cachedBase int

	completionSlots *RingSlotAllocator
	seqGroup        *SequencedGroup
}

func newComputeThread(cn *ComputeNode, id int, sched *QpSchedPolicy, allocPol *MnAllocPolicy) (*ComputeThread, error) {
	bufBytes := int(cn.cfg.ThreadBufBytes())
	stagingMR, err := NewMemoryRegion(cn.pd, bufBytes, 64)
	if err != nil {
		return nil, fmt.Errorf("computethread %d: allocating staging buffer: %w", id, err)
	}

	half := bufBytes / 2
	t := &ComputeThread{
		cn:              cn,
		id:              id,
		sched:           sched,
		allocPol:        allocPol,
		stagingMR:       stagingMR,
		staging:         NewRingBufferAllocator(half, 8),
		cached:          NewRingBufferAllocator(bufBytes-half, 8),
		cachedBase:      half,
		completionSlots: NewRingSlotAllocator(cn.cfg.CnOpsPerThread),
	}
	t.alloc = NewBumpAllocator(allocPol, cn.cfg.SegBytes(), t.connFor, cn.segRkey)
	return t, nil
}

func (t *ComputeThread) ID() int { return t.id }

// connFor resolves which lane to post against for memory node mn, using
// this thread's own QpSchedPolicy.
func (t *ComputeThread) connFor(mn uint16) (*Connection, error) {
	return t.cn.connFor(mn, t.sched)
}

// stageSlot borrows size bytes of the staging half, returning the local
// pointer/lkey an SGE can address plus a release func the caller must
// invoke once the completion for the op using it has landed.
func (t *ComputeThread) stageSlot(size int) (unsafe.Pointer, uint32, func(), error) {
	off, err := t.staging.Acquire(size)
	if err != nil {
		return nil, 0, nil, err
	}
	buf := *t.stagingMR.Buffer()
	ptr := unsafe.Pointer(&buf[off])
	release := func() { t.staging.Release(off) }
	return ptr, t.stagingMR.BufLocalKey(), release, nil
}

// LocalAllocate carves size bytes out of this thread's cached half,
// returning a local pointer the caller can use directly (e.g. as an SGE
// target for something other than a single staged op, or as scratch
// that needs to survive past one call) plus the offset LocalDeallocate
// needs to free it again.
func (t *ComputeThread) LocalAllocate(size int) (unsafe.Pointer, int, error) {
	off, err := t.cached.Acquire(size)
	if err != nil {
		return nil, 0, err
	}
	buf := *t.stagingMR.Buffer()
	return unsafe.Pointer(&buf[t.cachedBase+off]), off, nil
}

// LocalDeallocate returns a LocalAllocate'd range to the cached ring.
func (t *ComputeThread) LocalDeallocate(offset int) {
	t.cached.Release(offset)
}

// ResetCacheSlice discards every outstanding LocalAllocate'd range,
// returning the cached half to its initial empty state without zeroing
// the underlying bytes.
func (t *ComputeThread) ResetCacheSlice() {
	t.cached.Reset()
}

// Allocate reserves size bytes of remote memory via this thread's
// BumpAllocator.
func (t *ComputeThread) Allocate(size uint64) (FatPtr[byte], error) {
	return t.alloc.Allocate(size)
}

// Free returns a previously allocated range to this thread's local free
// lists.
func (t *ComputeThread) Free(ptr FatPtr[byte], size uint64) {
	t.alloc.Free(ptr, size)
}

// Read copies length bytes starting at ptr into dst, going over the wire
// against whichever segment actually contains ptr. fence sets
// IBV_SEND_FENCE, forcing the device to hold this op until every earlier
// one posted on the same connection has completed (§4.6/§4.12) — needed
// when the caller has an unawaited write in flight on the same lane that
// this read must not race ahead of.
func (t *ComputeThread) Read(ptr FatPtr[byte], dst []byte, fence bool) error {
	conn, err := t.connFor(ptr.ID())
	if err != nil {
		return err
	}
	rkey, err := t.cn.GetRkey(ptr.ID(), ptr.Address())
	if err != nil {
		return err
	}

	lane, err := AcquireLane(conn)
	if err != nil {
		return err
	}
	defer lane.Release()

	slot, err := t.completionSlots.Acquire()
	if err != nil {
		return err
	}
	defer t.completionSlots.Release(slot)

	local, lkey, release, err := t.stageSlot(len(dst))
	if err != nil {
		return err
	}
	defer release()

	h := newOpHandle()
	defer h.close()
	ReadConfig(h, ptr.Address(), rkey, local, uint32(len(dst)), lkey, fence)
	if err := Post(conn, h); err != nil {
		return err
	}
	if err := Poll(conn, h); err != nil {
		return err
	}
	staged := unsafe.Slice((*byte)(local), len(dst))
	copy(dst, staged)
	return nil
}

// ReadAsync is the non-blocking counterpart to Read: the returned
// AsyncResult copies out of the staging buffer into dst, and releases
// the lane, completion slot, and staging slot, only once the op has
// actually completed.
func (t *ComputeThread) ReadAsync(ptr FatPtr[byte], dst []byte, fence bool) (*AsyncResultVoid, error) {
	conn, err := t.connFor(ptr.ID())
	if err != nil {
		return nil, err
	}
	rkey, err := t.cn.GetRkey(ptr.ID(), ptr.Address())
	if err != nil {
		return nil, err
	}

	lane, err := AcquireLane(conn)
	if err != nil {
		return nil, err
	}

	slot, err := t.completionSlots.Acquire()
	if err != nil {
		lane.Release()
		return nil, err
	}

	local, lkey, release, err := t.stageSlot(len(dst))
	if err != nil {
		t.completionSlots.Release(slot)
		lane.Release()
		return nil, err
	}

	h := newOpHandle()
	ReadConfig(h, ptr.Address(), rkey, local, uint32(len(dst)), lkey, fence)
	if err := Post(conn, h); err != nil {
		release()
		h.close()
		t.completionSlots.Release(slot)
		lane.Release()
		return nil, err
	}

	return NewAsyncResultVoid(func() (bool, error) {
		done, err := PollAsync(conn, h)
		if err != nil {
			release()
			h.close()
			t.completionSlots.Release(slot)
			lane.Release()
			return false, err
		}
		if !done {
			return false, nil
		}
		staged := unsafe.Slice((*byte)(local), len(dst))
		copy(dst, staged)
		release()
		h.close()
		t.completionSlots.Release(slot)
		lane.Release()
		return true, nil
	}), nil
}

// Write copies src to the remote memory at ptr. See Read for what fence
// does.
func (t *ComputeThread) Write(ptr FatPtr[byte], src []byte, fence bool) error {
	conn, err := t.connFor(ptr.ID())
	if err != nil {
		return err
	}
	rkey, err := t.cn.GetRkey(ptr.ID(), ptr.Address())
	if err != nil {
		return err
	}

	lane, err := AcquireLane(conn)
	if err != nil {
		return err
	}
	defer lane.Release()

	slot, err := t.completionSlots.Acquire()
	if err != nil {
		return err
	}
	defer t.completionSlots.Release(slot)

	local, lkey, release, err := t.stageSlot(len(src))
	if err != nil {
		return err
	}
	defer release()
	staged := unsafe.Slice((*byte)(local), len(src))
	copy(staged, src)

	h := newOpHandle()
	defer h.close()
	WriteConfig(h, ptr.Address(), rkey, local, uint32(len(src)), lkey, fence)
	if err := Post(conn, h); err != nil {
		return err
	}
	return Poll(conn, h)
}

// CompareAndSwap performs an 8-byte CAS at ptr and returns the word's
// value immediately before the swap attempt. See Read for what fence does.
func (t *ComputeThread) CompareAndSwap(ptr FatPtr[uint64], expected, desired uint64, fence bool) (uint64, error) {
	conn, err := t.connFor(ptr.ID())
	if err != nil {
		return 0, err
	}
	rkey, err := t.cn.GetRkey(ptr.ID(), ptr.Address())
	if err != nil {
		return 0, err
	}

	lane, err := AcquireLane(conn)
	if err != nil {
		return 0, err
	}
	defer lane.Release()

	slot, err := t.completionSlots.Acquire()
	if err != nil {
		return 0, err
	}
	defer t.completionSlots.Release(slot)

	var result uint64
	h := newOpHandle()
	defer h.close()
	CompareAndSwapConfig(h, ptr.Address(), rkey, expected, desired, localWordBuf(&result), 0, fence)
	if err := Post(conn, h); err != nil {
		return 0, err
	}
	if err := Poll(conn, h); err != nil {
		return 0, err
	}
	return result, nil
}

// FetchAndAdd performs an 8-byte fetch-and-add at ptr and returns the
// word's value before the add. See Read for what fence does.
func (t *ComputeThread) FetchAndAdd(ptr FatPtr[uint64], delta uint64, fence bool) (uint64, error) {
	conn, err := t.connFor(ptr.ID())
	if err != nil {
		return 0, err
	}
	rkey, err := t.cn.GetRkey(ptr.ID(), ptr.Address())
	if err != nil {
		return 0, err
	}

	lane, err := AcquireLane(conn)
	if err != nil {
		return 0, err
	}
	defer lane.Release()

	slot, err := t.completionSlots.Acquire()
	if err != nil {
		return 0, err
	}
	defer t.completionSlots.Release(slot)

	var result uint64
	h := newOpHandle()
	defer h.close()
	FetchAndAddConfig(h, ptr.Address(), rkey, delta, localWordBuf(&result), 0, fence)
	if err := Post(conn, h); err != nil {
		return 0, err
	}
	if err := Poll(conn, h); err != nil {
		return 0, err
	}
	return result, nil
}

// The remoteAtomicOps methods below let Atomic[T] drive its four verbs
// through this thread without depending on ComputeThread directly.

func (t *ComputeThread) ReadWord(ptr FatPtr[uint64]) (uint64, error) {
	var buf [8]byte
	if err := t.Read(Cast[byte](ptr), buf[:], false); err != nil {
		return 0, err
	}
	return *(*uint64)(unsafe.Pointer(&buf[0])), nil
}

func (t *ComputeThread) WriteWord(ptr FatPtr[uint64], val uint64) error {
	var buf [8]byte
	*(*uint64)(unsafe.Pointer(&buf[0])) = val
	return t.Write(Cast[byte](ptr), buf[:], false)
}

func (t *ComputeThread) CompareAndSwapWord(ptr FatPtr[uint64], expected, desired uint64) (uint64, error) {
	return t.CompareAndSwap(ptr, expected, desired, false)
}

func (t *ComputeThread) FetchAndAddWord(ptr FatPtr[uint64], delta uint64) (uint64, error) {
	return t.FetchAndAdd(ptr, delta, false)
}

// GetRoot reads the cluster's root pointer, a single FatPtr published by
// whichever thread first called SetRoot, stored in the lowest-numbered
// memory node's control block. Root and barrier ops are pinned to a
// single known segment rather than going through GetRkey, so they post
// directly against cn.rootConn/rootRaddr/rootRkey without a Lane: they
// are control-plane traffic, not the per-segment data ops NoLeakDetected
// tracks per lane.
func (t *ComputeThread) GetRoot() (FatPtr[byte], error) {
	var result uint64
	h := newOpHandle()
	defer h.close()
	ReadConfig(h, t.cn.rootRaddr+32, t.cn.rootRkey, localWordBuf(&result), 8, 0, false)
	if err := Post(t.cn.rootConn, h); err != nil {
		return FatPtr[byte]{}, err
	}
	if err := Poll(t.cn.rootConn, h); err != nil {
		return FatPtr[byte]{}, err
	}
	return FromRaw[byte](result), nil
}

// SetRoot publishes ptr as the cluster's root pointer.
func (t *ComputeThread) SetRoot(ptr FatPtr[byte]) error {
	raw := ptr.Raw()
	h := newOpHandle()
	defer h.close()
	WriteConfig(h, t.cn.rootRaddr+32, t.cn.rootRkey, localWordBuf(&raw), 8, 0, false)
	if err := Post(t.cn.rootConn, h); err != nil {
		return err
	}
	return Poll(t.cn.rootConn, h)
}

// totalThreads is how many compute threads across the whole deployment
// participate in a Barrier call: every compute node in [FirstCnID,
// LastCnID] runs CnThreads of them.
func (cn *ComputeNode) totalThreads() int {
	numCN := int(cn.cfg.LastCnID) - int(cn.cfg.FirstCnID) + 1
	return numCN * cn.cfg.CnThreads
}

// Barrier implements a centralized sense-reversing barrier over a single
// word, the lowest-numbered memory node's control block barrier field.
// Every arrival does FetchAndAdd(+2): bit 0 of the word is the sense,
// every bit above it is the arrival count shifted left by one. The last
// thread to arrive resets the counter to zero and flips the sense bit by
// writing 1-sense; everyone else spins on the word until its sense bit
// no longer matches the one they observed on the way in.
func (t *ComputeThread) Barrier() error {
	total := uint64(t.cn.totalThreads())

	var was uint64
	h := newOpHandle()
	FetchAndAddConfig(h, t.cn.rootRaddr+24, t.cn.rootRkey, 2, localWordBuf(&was), 0, false)
	if err := Post(t.cn.rootConn, h); err != nil {
		h.close()
		return err
	}
	if err := Poll(t.cn.rootConn, h); err != nil {
		h.close()
		return err
	}
	h.close()

	mySense := was & 1
	arrived := (was >> 1) + 1

	if arrived == total {
		flipped := 1 - mySense
		h2 := newOpHandle()
		WriteConfig(h2, t.cn.rootRaddr+24, t.cn.rootRkey, localWordBuf(&flipped), 8, 0, false)
		if err := Post(t.cn.rootConn, h2); err != nil {
			h2.close()
			return err
		}
		if err := Poll(t.cn.rootConn, h2); err != nil {
			h2.close()
			return err
		}
		h2.close()
		return nil
	}

	for {
		var cur uint64
		hs := newOpHandle()
		ReadConfig(hs, t.cn.rootRaddr+24, t.cn.rootRkey, localWordBuf(&cur), 8, 0, false)
		if err := Post(t.cn.rootConn, hs); err != nil {
			hs.close()
			return err
		}
		if err := Poll(t.cn.rootConn, hs); err != nil {
			hs.close()
			return err
		}
		hs.close()
		if cur&1 != mySense {
			return nil
		}
	}
}

// drain waits for every one-sided op this process has posted (not just
// this thread's) to be observed complete, matching the graceful shutdown
// scenario's requirement that in-flight ops land before connections are
// torn down.
func (t *ComputeThread) drain() {
	for Outstanding() > 0 {
	}
}

// signalShutdown issues a remote FetchAndAdd(+1) against memory node
// mn's segment-0 control_flag, telling it this thread has finished.
// MemoryNode.Shutdown blocks until every compute thread in the
// deployment has made this call.
func (t *ComputeThread) signalShutdown(mn uint16) error {
	conn, err := t.connFor(mn)
	if err != nil {
		return err
	}
	raddr, rkey := t.cn.segRkey(mn, 0)
	var prev uint64
	h := newOpHandle()
	defer h.close()
	FetchAndAddConfig(h, raddr+16, rkey, 1, localWordBuf(&prev), 0, false)
	if err := Post(conn, h); err != nil {
		return err
	}
	return Poll(conn, h)
}

// Close signals graceful shutdown to every memory node this thread
// talks to and then releases the staging buffer. It does not touch the
// memory-node connections themselves, which are shared across every
// thread on this compute node and are closed by ComputeNode.Shutdown.
func (t *ComputeThread) Close() error {
	for mn := t.cn.cfg.FirstMnID; mn <= t.cn.cfg.LastMnID; mn++ {
		if err := t.signalShutdown(mn); err != nil {
			return err
		}
	}
	return t.stagingMR.Close()
}

// NoLeakDetected reports whether this thread has returned to a fully
// idle state: the staging and cached rings are empty, the completion-slot
// ring is empty, there is no sequenced group still waiting to be
// flushed, and every connection this thread can reach has no per-lane
// operations in flight.
func (t *ComputeThread) NoLeakDetected() bool {
	if !t.staging.IsEmpty() || !t.cached.IsEmpty() || !t.completionSlots.IsEmpty() {
		return false
	}
	if t.seqGroup != nil && !t.seqGroup.posted {
		return false
	}
	t.cn.mu.Lock()
	defer t.cn.mu.Unlock()
	for _, links := range t.cn.mns {
		for _, conn := range links.lanes {
			if conn.InFlight() != 0 {
				return false
			}
		}
	}
	return true
}
