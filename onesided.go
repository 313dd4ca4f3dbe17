package remus

/*
#include <infiniband/verbs.h>
#include <stdlib.h>
*/
import "C"

import (
	"encoding/binary"
	"runtime/cgo"
	"time"
	"unsafe"
)

// ackCounter is the completion handle a one-sided op posts against. Post
// sets it to 1 before posting the work request; the poll loop decrements
// it to 0 once the matching completion is observed on the CQ. This stands
// in for rdma_ops.h's `atomic<int>* ack` passed through wr_id: Go can't
// stash a live pointer inside a C.uint64_t and have it survive a GC cycle,
// so a cgo.Handle is used as the indirection instead.
type ackCounter struct {
	done int32
}

func (a *ackCounter) pending() bool { return a.done != 0 }

// opHandle is a SGE + send_wr pair allocated with C.malloc, exactly like
// wr.go's SendWorkRequest, plus the ack counter and the cgo.Handle that
// lets the completion path find it again from wr_id.
type opHandle struct {
	wr     *C.struct_ibv_send_wr
	sge    *C.struct_ibv_sge
	ack    *ackCounter
	handle cgo.Handle
	local  unsafe.Pointer // staged buffer backing the SGE, kept alive here
}

func newOpHandle() *opHandle {
	wr := (*C.struct_ibv_send_wr)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_ibv_send_wr{}))))
	sge := (*C.struct_ibv_sge)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_ibv_sge{}))))
	*wr = C.struct_ibv_send_wr{}
	*sge = C.struct_ibv_sge{}
	ack := &ackCounter{}
	return &opHandle{wr: wr, sge: sge, ack: ack, handle: cgo.NewHandle(ack)}
}

func (h *opHandle) close() {
	h.handle.Delete()
	C.free(unsafe.Pointer(h.wr))
	C.free(unsafe.Pointer(h.sge))
}

func buildSge(h *opHandle, localAddr unsafe.Pointer, length uint32, lkey uint32) {
	h.sge.addr = C.uint64_t(uintptr(localAddr))
	h.sge.length = C.uint32_t(length)
	h.sge.lkey = C.uint32_t(lkey)
	h.wr.sg_list = h.sge
	h.wr.num_sge = 1
	h.wr.next = nil
}

// sendFlags returns IBV_SEND_SIGNALED, ORing in IBV_SEND_FENCE when fence
// is set so the device stalls this op behind every earlier one on the same
// QP rather than letting it race ahead. §4.6/§4.12 require this on ops that
// must not be reordered relative to a preceding write on the same
// connection. Only the public Read/ReadAsync/Write/CompareAndSwap/
// FetchAndAdd forward a caller-chosen fence; the allocator and the
// control-plane ops always pass false, and postChain overwrites the flags
// of a sequenced group's entries.
func sendFlags(fence bool) C.int {
	if fence {
		return C.IBV_SEND_SIGNALED | C.IBV_SEND_FENCE
	}
	return C.IBV_SEND_SIGNALED
}

// ReadConfig builds a work request that RDMA-reads remote[raddr:raddr+len)
// into the local buffer described by localAddr/lkey.
func ReadConfig(h *opHandle, raddr uint64, rkey uint32, localAddr unsafe.Pointer, length uint32, lkey uint32, fence bool) {
	buildSge(h, localAddr, length, lkey)
	h.wr.opcode = C.IBV_WR_RDMA_READ
	h.wr.send_flags = sendFlags(fence)
	binary.LittleEndian.PutUint64(h.wr.wr[:8], raddr)
	binary.LittleEndian.PutUint32(h.wr.wr[8:12], rkey)
}

// WriteConfig builds a work request that RDMA-writes the local buffer
// described by localAddr/lkey to remote[raddr:raddr+len).
func WriteConfig(h *opHandle, raddr uint64, rkey uint32, localAddr unsafe.Pointer, length uint32, lkey uint32, fence bool) {
	buildSge(h, localAddr, length, lkey)
	h.wr.opcode = C.IBV_WR_RDMA_WRITE
	h.wr.send_flags = sendFlags(fence)
	binary.LittleEndian.PutUint64(h.wr.wr[:8], raddr)
	binary.LittleEndian.PutUint32(h.wr.wr[8:12], rkey)
}

// CompareAndSwapConfig builds an IBV_WR_ATOMIC_CMP_AND_SWP work request.
// The result of the remote word before the swap is written into the
// localAddr buffer by the device.
func CompareAndSwapConfig(h *opHandle, raddr uint64, rkey uint32, expected, desired uint64, localAddr unsafe.Pointer, lkey uint32, fence bool) {
	buildSge(h, localAddr, 8, lkey)
	h.wr.opcode = C.IBV_WR_ATOMIC_CMP_AND_SWP
	h.wr.send_flags = sendFlags(fence)
	binary.LittleEndian.PutUint64(h.wr.wr[:8], raddr)
	binary.LittleEndian.PutUint64(h.wr.wr[8:16], expected)
	binary.LittleEndian.PutUint64(h.wr.wr[16:24], desired)
	binary.LittleEndian.PutUint32(h.wr.wr[24:28], rkey)
}

// FetchAndAddConfig builds an IBV_WR_ATOMIC_FETCH_AND_ADD work request.
// The pre-add value of the remote word is written into localAddr.
func FetchAndAddConfig(h *opHandle, raddr uint64, rkey uint32, delta uint64, localAddr unsafe.Pointer, lkey uint32, fence bool) {
	buildSge(h, localAddr, 8, lkey)
	h.wr.opcode = C.IBV_WR_ATOMIC_FETCH_AND_ADD
	h.wr.send_flags = sendFlags(fence)
	binary.LittleEndian.PutUint64(h.wr.wr[:8], raddr)
	binary.LittleEndian.PutUint64(h.wr.wr[8:16], delta)
	binary.LittleEndian.PutUint32(h.wr.wr[24:28], rkey)
}

// Post arms the ack counter and submits the work request on conn.
func Post(conn *Connection, h *opHandle) error {
	h.ack.done = 1
	h.wr.wr_id = C.uint64_t(h.handle)
	trackOpStart()
	return conn.sendOnesided(h.wr)
}

// Poll blocks until h's completion has been observed, draining conn's CQ
// in a tight busy loop. This is the synchronous counterpart to PollAsync.
func Poll(conn *Connection, h *opHandle) error {
	var wc [1]C.struct_ibv_wc
	for h.ack.pending() {
		n, err := conn.pollCQ(wc[:])
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		drainCompletion(wc[0])
	}
	return nil
}

// PollAsync is the non-blocking variant: it drains whatever completions
// are currently queued and reports whether h is done, without spinning.
func PollAsync(conn *Connection, h *opHandle) (bool, error) {
	var wc [8]C.struct_ibv_wc
	n, err := conn.pollCQ(wc[:])
	if err != nil {
		return false, err
	}
	for i := 0; i < n; i++ {
		drainCompletion(wc[i])
	}
	return !h.ack.pending(), nil
}

func drainCompletion(wc C.struct_ibv_wc) {
	handle := cgo.Handle(wc.wr_id)
	ack, ok := handle.Value().(*ackCounter)
	if !ok {
		return
	}
	if ack.done < 1 {
		Log.Warn().Msg("onesided: completion observed for an already-settled ack counter")
	} else {
		ack.done--
	}
	trackOpDone()
	if wc.status != C.IBV_WC_SUCCESS {
		Log.Debug().Uint32("status", uint32(wc.status)).Msg("onesided: non-success completion")
	}
}

// busyPollSleep is how long PollUntil backs off between PollAsync calls;
// it trades a little latency for not pegging a core at 100% while waiting
// on a remote op that is going to take a while regardless (e.g. a CAS
// spinning against contention).
const busyPollSleep = 2 * time.Microsecond

// PollUntil blocks on h with a short sleep between polls instead of a pure
// spin loop, for callers that would rather yield the core than eat all of
// it to shave a few microseconds of latency.
func PollUntil(conn *Connection, h *opHandle) error {
	for {
		done, err := PollAsync(conn, h)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		time.Sleep(busyPollSleep)
	}
}

// postChain links handles into a single work-request chain and posts
// only the head, signaling only the tail. RC delivery is ordered within
// a queue pair, so the tail's completion implies every earlier WR in the
// chain has also landed even though only the tail raises a CQE. This is
// the batched-submission half of a sequenced group.
func postChain(conn *Connection, handles []*opHandle) error {
	if len(handles) == 0 {
		return nil
	}
	for i, h := range handles {
		h.wr.wr_id = C.uint64_t(h.handle)
		if i < len(handles)-1 {
			h.wr.send_flags = 0
			h.wr.next = handles[i+1].wr
		} else {
			h.wr.send_flags = C.IBV_SEND_SIGNALED
			h.wr.next = nil
		}
	}
	tail := handles[len(handles)-1]
	tail.ack.done = 1
	trackOpStart()
	return conn.sendOnesided(handles[0].wr)
}
