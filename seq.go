package remus

import "unsafe"

// sequencedItem is one entry queued onto a SequencedGroup: the work
// request it built, the staging buffer and completion slot it borrowed,
// and (for reads) the destination the result gets copied into once the
// chain's tail lands.
type sequencedItem struct {
	h       *opHandle
	local   unsafe.Pointer
	size    int
	slot    int
	release func()
	dst     []byte
}

// SequencedGroup is a chain of work requests accumulated by
// ReadSeqAsync/WriteSeqAsync and posted together as a single linked
// list with one signaled tail. It is bound to a single lane for its
// whole lifetime: every member WR rides the same queue pair so the
// linked-list ordering the device relies on actually holds.
type SequencedGroup struct {
	lane   *Lane
	items  []*sequencedItem
	posted bool
}

// seqGroupFor implements batch discovery: reuse the thread's active
// not-yet-posted group if it still has room and already targets ptr's
// connection, otherwise start a fresh one bound to a freshly acquired
// lane.
func (t *ComputeThread) seqGroupFor(ptr FatPtr[byte]) (*SequencedGroup, error) {
	conn, err := t.connFor(ptr.ID())
	if err != nil {
		return nil, err
	}

	if g := t.seqGroup; g != nil && !g.posted && len(g.items) < t.cn.cfg.CnWrsPerSeq && g.lane.Conn() == conn {
		return g, nil
	}

	lane, err := AcquireLane(conn)
	if err != nil {
		return nil, err
	}
	g := &SequencedGroup{lane: lane}
	t.seqGroup = g
	return g, nil
}

// seqAppend resolves ptr's rkey, borrows a staging slot and a completion
// slot, and queues one read or write WR onto the group ptr belongs to
// without posting anything yet.
func (t *ComputeThread) seqAppend(ptr FatPtr[byte], size int, src []byte, isRead bool) (*SequencedGroup, error) {
	g, err := t.seqGroupFor(ptr)
	if err != nil {
		return nil, err
	}

	rkey, err := t.cn.GetRkey(ptr.ID(), ptr.Address())
	if err != nil {
		return nil, err
	}

	slot, err := t.completionSlots.Acquire()
	if err != nil {
		return nil, err
	}

	local, lkey, release, err := t.stageSlot(size)
	if err != nil {
		t.completionSlots.Release(slot)
		return nil, err
	}

	h := newOpHandle()
	item := &sequencedItem{h: h, local: local, size: size, slot: slot, release: release}
	if isRead {
		// fence is moot here: postChain overwrites send_flags for every
		// item in the chain once the whole group is flushed.
		ReadConfig(h, ptr.Address(), rkey, local, uint32(size), lkey, false)
		item.dst = make([]byte, size)
	} else {
		staged := unsafe.Slice((*byte)(local), size)
		copy(staged, src)
		WriteConfig(h, ptr.Address(), rkey, local, uint32(size), lkey, false)
	}
	g.items = append(g.items, item)
	return g, nil
}

// flushSeq links every item queued on g into a chain, posts the head
// with only the tail signaled, waits for the tail's completion, copies
// every queued read's result out of its staging buffer, and releases
// the group's lane, staging slots, and completion slots.
func (t *ComputeThread) flushSeq(g *SequencedGroup) ([][]byte, error) {
	g.posted = true
	if t.seqGroup == g {
		t.seqGroup = nil
	}
	defer g.lane.Release()

	handles := make([]*opHandle, len(g.items))
	for i, it := range g.items {
		handles[i] = it.h
	}

	release := func() {
		for _, it := range g.items {
			it.release()
			t.completionSlots.Release(it.slot)
			it.h.close()
		}
	}

	if err := postChain(g.lane.Conn(), handles); err != nil {
		release()
		return nil, err
	}
	if err := Poll(g.lane.Conn(), handles[len(handles)-1]); err != nil {
		release()
		return nil, err
	}

	var results [][]byte
	for _, it := range g.items {
		if it.dst != nil {
			copy(it.dst, unsafe.Slice((*byte)(it.local), it.size))
			results = append(results, it.dst)
		}
		it.release()
		t.completionSlots.Release(it.slot)
		it.h.close()
	}
	return results, nil
}

// ReadSeqAsync appends a size-byte read at ptr to the thread's active
// sequenced group without posting anything. Once a call with signal
// true arrives for that group, the whole chain is posted and awaited
// together and every queued read's result is returned, in the order the
// reads were appended.
func (t *ComputeThread) ReadSeqAsync(ptr FatPtr[byte], size int, signal bool) ([][]byte, error) {
	g, err := t.seqAppend(ptr, size, nil, true)
	if err != nil {
		return nil, err
	}
	if !signal {
		return nil, nil
	}
	return t.flushSeq(g)
}

// WriteSeqAsync appends a write of src at ptr to the thread's active
// sequenced group, posting and waiting for the whole chain only once
// signal is true.
func (t *ComputeThread) WriteSeqAsync(ptr FatPtr[byte], src []byte, signal bool) error {
	g, err := t.seqAppend(ptr, len(src), src, false)
	if err != nil {
		return err
	}
	if !signal {
		return nil
	}
	_, err = t.flushSeq(g)
	return err
}

// ReadSeq is ReadSeqAsync with signal always true: queue this read and
// flush the chain immediately, returning this read's own result.
func (t *ComputeThread) ReadSeq(ptr FatPtr[byte], size int) ([]byte, error) {
	results, err := t.ReadSeqAsync(ptr, size, true)
	if err != nil {
		return nil, err
	}
	return results[len(results)-1], nil
}

// WriteSeq is WriteSeqAsync with signal always true.
func (t *ComputeThread) WriteSeq(ptr FatPtr[byte], src []byte) error {
	return t.WriteSeqAsync(ptr, src, true)
}
