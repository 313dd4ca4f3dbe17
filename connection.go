package remus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
)

/*
#include <infiniband/verbs.h>
*/
import "C"

// RegionInfo is the wire-format description of a remote segment: enough
// for a peer to build one-sided work requests against it. It is exchanged
// during connection bootstrap and is never mutated afterward.
type RegionInfo struct {
	Raddr uint64
	Rkey  uint32
}

// defaultMaxWR matches the max_send_wr every QP in this tree is created
// with (see bootstrap.go's qp_init_attr): a lane may not have more than
// this many one-sided operations outstanding at once.
const defaultMaxWR = 16

// Connection wraps a single queue pair between this node and one peer,
// plus the bookkeeping the one-sided ops and the two-sided control channel
// need: whether the peer is actually this same process (loopback), and a
// count of operations in flight across its lanes, bounded by maxWR.
type Connection struct {
	ctx        *RdmaContext
	pd         *ProtectDomain
	qp         *QueuePair
	peerID     uint16
	selfID     uint16
	isLoopback bool

	mu     sync.Mutex
	closed bool

	inFlight atomic.Int64
	maxWR    int64

	ctrlMR        *MemoryRegion // two-sided send/recv buffer for the region-vector exchange
	ctrlRecvAwait bool          // a receive has been posted but not yet awaited
}

// NewConnection wraps an already-connected queue pair (RTS) as a Connection.
// Bootstrap (rdma_cm handshake, or the loopback shortcut) is responsible
// for getting the QP into RTS before this is called.
func NewConnection(ctx *RdmaContext, pd *ProtectDomain, qp *QueuePair, selfID, peerID uint16) *Connection {
	return &Connection{
		ctx:        ctx,
		pd:         pd,
		qp:         qp,
		selfID:     selfID,
		peerID:     peerID,
		isLoopback: selfID == peerID,
		maxWR:      defaultMaxWR,
	}
}

// Lane is a handle to one connection, held for the duration of a single
// one-sided operation. Acquiring it increments the connection's in-flight
// counter; Release (always via defer) decrements it. This is the
// per-lane equivalent of the process-wide outstandingOps counter, and is
// what lets NoLeakDetected assert that a thread has no in-flight ops on
// any of its lanes when it expects to be idle.
type Lane struct {
	conn *Connection
}

// AcquireLane reserves a slot on conn's in-flight counter, failing with
// ErrUnavailable if conn already has maxWR operations outstanding rather
// than posting a work request the device is certain to reject.
func AcquireLane(conn *Connection) (*Lane, error) {
	for {
		cur := conn.inFlight.Load()
		if cur >= conn.maxWR {
			return nil, ErrUnavailable
		}
		if conn.inFlight.CompareAndSwap(cur, cur+1) {
			return &Lane{conn: conn}, nil
		}
	}
}

func (l *Lane) Conn() *Connection { return l.conn }

// Release gives back the in-flight slot this Lane was holding. Safe to
// call at most once; a nil Lane (e.g. from a failed AcquireLane) is a
// no-op.
func (l *Lane) Release() {
	if l == nil {
		return
	}
	l.conn.inFlight.Add(-1)
}

// InFlight reports how many operations are currently outstanding on this
// connection across every Lane acquired against it.
func (c *Connection) InFlight() int64 { return c.inFlight.Load() }

func (c *Connection) PeerID() uint16 { return c.peerID }

func (c *Connection) IsLoopback() bool { return c.isLoopback }

func (c *Connection) PD() *ProtectDomain { return c.pd }

// pollCQ drains up to len(wc) completions without blocking; callers loop
// on this when waiting for an ack counter set by Post to reach zero.
func (c *Connection) pollCQ(wc []C.struct_ibv_wc) (int, error) {
	return c.qp.CompletionQueue.PollOnce(wc)
}

// sendOnesided posts sendWr (already built by one of the rdma_ops helpers)
// on this connection's QP.
func (c *Connection) sendOnesided(sendWr *C.struct_ibv_send_wr) error {
	if c.qp == nil {
		return QPClosedErr
	}
	var bad *C.struct_ibv_send_wr
	errno := C.ibv_post_send(c.qp.qp, sendWr, &bad)
	return NewErrorOrNil("ibv_post_send", int32(errno))
}

// AttachControlChannel registers the two-sided send/recv buffer the region
// vector exchange rides on (§4.5's SendVec/ReceiveVec), sized to hold size
// bytes in either direction. qp.go's PostSend/PostReceive both work off the
// memory region's "notice" half, so that is the only half this channel
// actually exercises; the "buf" half is sized the same purely because
// NewMemoryRegion always allocates both.
func (c *Connection) AttachControlChannel(size int) error {
	mr, err := NewMemoryRegion(c.pd, size, size)
	if err != nil {
		return err
	}
	c.ctrlMR = mr
	return nil
}

// SendMessage copies msg into the control send buffer and posts a signaled
// two-sided send, busy-polling the CQ for its completion rather than
// blocking on the completion channel (the rdma_cm-established connections
// this runs over don't reliably have one wired up). EAGAIN on the
// underlying post maps to ErrUnavailable.
func (c *Connection) SendMessage(ctx context.Context, msg []byte) error {
	if c.ctrlMR == nil {
		return ErrInternal
	}
	notice := *c.ctrlMR.Notice()
	copy(notice, msg)
	wr := NewSendWorkRequest(c.ctrlMR)
	defer wr.Close()
	if err := c.qp.PostSend(wr); err != nil {
		if errors.Is(err, syscall.EAGAIN) {
			return ErrUnavailable
		}
		return err
	}
	return c.busyWaitAny(ctx)
}

// PostControlReceive arms a single receive on the control channel without
// waiting for it, so a caller can post before the connection even exists on
// the wire (§4.7: "CN posts one receive before connecting"). A queue pair
// accepts posted receives as soon as it reaches INIT, well before RTR/RTS,
// so this is safe to call immediately after AttachControlChannel.
func (c *Connection) PostControlReceive() error {
	if c.ctrlMR == nil {
		return ErrInternal
	}
	if c.ctrlRecvAwait {
		return nil
	}
	wr := NewReceiveWorkRequest(c.ctrlMR)
	defer wr.Close()
	if err := c.qp.PostReceive(wr); err != nil {
		return err
	}
	c.ctrlRecvAwait = true
	return nil
}

// AwaitControlMessage busy-polls for the receive PostControlReceive armed,
// copying the delivered bytes into dst and returning how many arrived.
func (c *Connection) AwaitControlMessage(ctx context.Context, dst []byte) (int, error) {
	if c.ctrlMR == nil {
		return 0, ErrInternal
	}
	if !c.ctrlRecvAwait {
		if err := c.PostControlReceive(); err != nil {
			return 0, err
		}
	}
	if err := c.busyWaitAny(ctx); err != nil {
		return 0, err
	}
	c.ctrlRecvAwait = false
	notice := *c.ctrlMR.Notice()
	return copy(dst, notice), nil
}

// TryDeliverMessage posts a receive on the control channel and busy-polls
// for it in one call, for callers that have no need to post ahead of time.
func (c *Connection) TryDeliverMessage(ctx context.Context, dst []byte) (int, error) {
	if err := c.PostControlReceive(); err != nil {
		return 0, err
	}
	return c.AwaitControlMessage(ctx, dst)
}

// busyWaitAny spins on the CQ until at least one completion lands or ctx
// is done.
func (c *Connection) busyWaitAny(ctx context.Context) error {
	var wc [4]C.struct_ibv_wc
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := c.pollCQ(wc[:])
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// Close tears the connection down by releasing the control-channel memory
// region and the queue pair. Loopback and rdma_cm connections are handled
// the same way: Close does not call rdma_disconnect and does not drain the
// rdma_cm event queue.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	if c.ctrlMR != nil {
		if err := c.ctrlMR.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.qp != nil {
		if err := c.qp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// outstanding is a process-wide count of in-flight one-sided operations,
// used by graceful shutdown to wait for the staging area to drain before
// tearing down connections.
var outstandingOps atomic.Int64

func trackOpStart() { outstandingOps.Add(1) }
func trackOpDone()  { outstandingOps.Add(-1) }

// Outstanding reports how many one-sided operations have been posted but
// not yet observed complete, across every connection in the process.
func Outstanding() int64 { return outstandingOps.Load() }
