package remus

/*
#cgo linux LDFLAGS: -lrdmacm -libverbs
#include <rdma/rdma_cma.h>
#include <rdma/rdma_verbs.h>
#include <stdlib.h>
#include <string.h>

static int rdma_private_data_len(struct rdma_cm_event *ev) {
	return ev->param.conn.private_data_len;
}
*/
import "C"

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
	"unsafe"
)

// bootstrapHello is the private data exchanged on rdma_connect/rdma_accept:
// just the sender's node id. rdma_cm caps private_data at 56 bytes on most
// providers, nowhere near enough to carry an unbounded SEGS_PER_MN vector
// of RegionInfo records, so that vector travels over the two-sided control
// channel instead (see marshalRegions/unmarshalRegions below) once the connection
// reaches ESTABLISHED. This plays the role sock.go's TCP-based qpInfo
// exchange used to, but rides inside the CM private data for the one field
// small enough to fit.
type bootstrapHello struct {
	NodeID uint16
}

func (h bootstrapHello) marshal() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(h.NodeID))
	return buf
}

func unmarshalHello(buf []byte) (bootstrapHello, error) {
	if len(buf) < 4 {
		return bootstrapHello{}, fmt.Errorf("bootstrap: private data too short")
	}
	return bootstrapHello{NodeID: uint16(binary.LittleEndian.Uint32(buf[0:4]))}, nil
}

// marshalRegions packs a vector of RegionInfo into the wire format a
// memory node sends over its control channel right after ESTABLISHED: a
// uint16 count followed by that many 12-byte (raddr, rkey) records. Per
// §4.5/§4.7, this is the two-sided message mem_node.h's Send(ris_, ...)
// plays: private data only ever carries the node id.
func marshalRegions(regions []RegionInfo) []byte {
	buf := make([]byte, regionVectorWireSize(len(regions)))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(regions)))
	off := 2
	for _, r := range regions {
		binary.LittleEndian.PutUint64(buf[off:off+8], r.Raddr)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], r.Rkey)
		off += 12
	}
	return buf
}

func unmarshalRegions(buf []byte) ([]RegionInfo, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("bootstrap: region vector too short")
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	off := 2
	regions := make([]RegionInfo, 0, n)
	for i := 0; i < n; i++ {
		if off+12 > len(buf) {
			return nil, fmt.Errorf("bootstrap: region vector truncated")
		}
		regions = append(regions, RegionInfo{
			Raddr: binary.LittleEndian.Uint64(buf[off : off+8]),
			Rkey:  binary.LittleEndian.Uint32(buf[off+8 : off+12]),
		})
		off += 12
	}
	return regions, nil
}

// regionVectorWireSize is how many bytes marshalRegions needs for n
// records, used to size a control channel's buffers before the actual
// count is known on the receiving side.
func regionVectorWireSize(n int) int { return 2 + 12*n }

// Listener accepts inbound rdma_cm connection requests on a bound port.
type Listener struct {
	id      *C.struct_rdma_cm_id
	channel *C.struct_rdma_event_channel
	selfID  uint16
	regions []RegionInfo
}

// Listen creates an rdma_cm listening endpoint bound to port, the Go
// analogue of util.h's make_listen_id followed by rdma_listen.
func Listen(port int, selfID uint16, regions []RegionInfo) (*Listener, error) {
	channel := C.rdma_create_event_channel()
	if channel == nil {
		return nil, errors.New("bootstrap: rdma_create_event_channel failed")
	}

	hints := C.struct_rdma_addrinfo{}
	hints.ai_flags = C.RAI_PASSIVE
	hints.ai_port_space = C.RDMA_PS_TCP

	portStr := C.CString(fmt.Sprintf("%d", port))
	defer C.free(unsafe.Pointer(portStr))

	var rai *C.struct_rdma_addrinfo
	if rc := C.rdma_getaddrinfo(nil, portStr, &hints, &rai); rc != 0 {
		C.rdma_destroy_event_channel(channel)
		return nil, fmt.Errorf("bootstrap: rdma_getaddrinfo failed: %d", rc)
	}
	defer C.rdma_freeaddrinfo(rai)

	initAttr := C.struct_ibv_qp_init_attr{}
	initAttr.cap.max_send_wr = 16
	initAttr.cap.max_recv_wr = 16
	initAttr.cap.max_send_sge = 1
	initAttr.cap.max_recv_sge = 1
	initAttr.qp_type = C.IBV_QPT_RC

	var id *C.struct_rdma_cm_id
	if rc := C.rdma_create_ep(&id, rai, nil, &initAttr); rc != 0 {
		C.rdma_destroy_event_channel(channel)
		return nil, fmt.Errorf("bootstrap: rdma_create_ep failed: %d", rc)
	}

	if rc := C.rdma_migrate_id(id, channel); rc != 0 {
		C.rdma_destroy_ep(id)
		C.rdma_destroy_event_channel(channel)
		return nil, fmt.Errorf("bootstrap: rdma_migrate_id failed: %d", rc)
	}

	if rc := C.rdma_listen(id, 16); rc != 0 {
		C.rdma_destroy_ep(id)
		C.rdma_destroy_event_channel(channel)
		return nil, fmt.Errorf("bootstrap: rdma_listen failed: %d", rc)
	}

	return &Listener{id: id, channel: channel, selfID: selfID, regions: regions}, nil
}

// Accept blocks for the next legitimate CONNECT_REQUEST, accepts it with
// this node's bootstrap hello as private data, waits for ESTABLISHED, then
// ships this memory node's region vector over the two-sided control
// channel (§4.5/§4.7). A CONNECT_REQUEST whose private data claims our own
// node id is rejected and the loop continues: per §4.7/mem_node.h, a real
// self-connect never reaches rdma_cm at all, it takes the ibv_modify_qp
// loopback path instead (see connectLoopback), so one arriving here is
// always bogus.
func (l *Listener) Accept(pd *ProtectDomain) (*Connection, bootstrapHello, error) {
	for {
		var ev *C.struct_rdma_cm_event
		if rc := C.rdma_get_cm_event(l.channel, &ev); rc != 0 {
			return nil, bootstrapHello{}, fmt.Errorf("bootstrap: rdma_get_cm_event failed: %d", rc)
		}
		if ev.event != C.RDMA_CM_EVENT_CONNECT_REQUEST {
			evType := ev.event
			C.rdma_ack_cm_event(ev)
			return nil, bootstrapHello{}, fmt.Errorf("bootstrap: unexpected CM event %d waiting for CONNECT_REQUEST", evType)
		}
		clientID := ev.id

		n := C.rdma_private_data_len(ev)
		var peerHello bootstrapHello
		if n > 0 {
			raw := C.GoBytes(ev.param.conn.private_data, n)
			var err error
			peerHello, err = unmarshalHello(raw)
			if err != nil {
				C.rdma_ack_cm_event(ev)
				C.rdma_reject(clientID, nil, 0)
				C.rdma_destroy_ep(clientID)
				return nil, bootstrapHello{}, err
			}
		}
		C.rdma_ack_cm_event(ev)

		if peerHello.NodeID == l.selfID {
			Log.Warn().Uint16("peer", peerHello.NodeID).Msg("bootstrap: rejecting self-connect arriving through rdma_cm")
			C.rdma_reject(clientID, nil, 0)
			C.rdma_destroy_ep(clientID)
			continue
		}

		hello := bootstrapHello{NodeID: l.selfID}.marshal()

		connParam := C.struct_rdma_conn_param{}
		connParam.private_data = unsafe.Pointer(&hello[0])
		connParam.private_data_len = C.uint8_t(len(hello))
		connParam.responder_resources = 1
		connParam.initiator_depth = 1
		connParam.rnr_retry_count = 7

		if rc := C.rdma_accept(clientID, &connParam); rc != 0 {
			C.rdma_destroy_ep(clientID)
			return nil, bootstrapHello{}, fmt.Errorf("bootstrap: rdma_accept failed: %d", rc)
		}

		if err := waitEstablished(l.channel, clientID); err != nil {
			C.rdma_destroy_ep(clientID)
			return nil, bootstrapHello{}, err
		}

		conn := connFromCMID(clientID, l.selfID, peerHello.NodeID)
		if err := conn.AttachControlChannel(regionVectorWireSize(len(l.regions))); err != nil {
			_ = conn.Close()
			return nil, bootstrapHello{}, err
		}
		if err := conn.SendMessage(context.Background(), marshalRegions(l.regions)); err != nil {
			_ = conn.Close()
			return nil, bootstrapHello{}, err
		}

		return conn, peerHello, nil
	}
}

func (l *Listener) Close() error {
	if l.id != nil {
		C.rdma_destroy_ep(l.id)
		l.id = nil
	}
	if l.channel != nil {
		C.rdma_destroy_event_channel(l.channel)
		l.channel = nil
	}
	return nil
}

// Connect dials a memory or compute node's listening endpoint, retrying
// on REJECTED with exponential backoff from 100us up to 5s, matching the
// original connection setup's retry policy for a peer that hasn't started
// listening yet. expectRegions sizes the control-channel receive buffer
// the region vector arrives on: a CN knows this ahead of connecting
// because SEGS_PER_MN is a cluster-wide config value, identical on every
// node, not something only the memory node knows (§6).
func Connect(addr string, port int, selfID, peerID uint16, expectRegions int) (*Connection, []RegionInfo, error) {
	backoff := 100 * time.Microsecond
	const maxBackoff = 5 * time.Second

	for {
		conn, regions, err := tryConnect(addr, port, selfID, peerID, expectRegions)
		if err == nil {
			return conn, regions, nil
		}
		if !errors.Is(err, ErrRejected) {
			return nil, nil, err
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func tryConnect(addr string, port int, selfID, peerID uint16, expectRegions int) (*Connection, []RegionInfo, error) {
	channel := C.rdma_create_event_channel()
	if channel == nil {
		return nil, nil, errors.New("bootstrap: rdma_create_event_channel failed")
	}

	hints := C.struct_rdma_addrinfo{}
	hints.ai_port_space = C.RDMA_PS_TCP

	nodeStr := C.CString(addr)
	defer C.free(unsafe.Pointer(nodeStr))
	portStr := C.CString(fmt.Sprintf("%d", port))
	defer C.free(unsafe.Pointer(portStr))

	var rai *C.struct_rdma_addrinfo
	if rc := C.rdma_getaddrinfo(nodeStr, portStr, &hints, &rai); rc != 0 {
		C.rdma_destroy_event_channel(channel)
		return nil, nil, fmt.Errorf("bootstrap: rdma_getaddrinfo failed: %d", rc)
	}
	defer C.rdma_freeaddrinfo(rai)

	initAttr := C.struct_ibv_qp_init_attr{}
	initAttr.cap.max_send_wr = 16
	initAttr.cap.max_recv_wr = 16
	initAttr.cap.max_send_sge = 1
	initAttr.cap.max_recv_sge = 1
	initAttr.qp_type = C.IBV_QPT_RC

	var id *C.struct_rdma_cm_id
	if rc := C.rdma_create_ep(&id, rai, nil, &initAttr); rc != 0 {
		C.rdma_destroy_event_channel(channel)
		return nil, nil, fmt.Errorf("bootstrap: rdma_create_ep failed: %d", rc)
	}
	if rc := C.rdma_migrate_id(id, channel); rc != 0 {
		C.rdma_destroy_ep(id)
		C.rdma_destroy_event_channel(channel)
		return nil, nil, fmt.Errorf("bootstrap: rdma_migrate_id failed: %d", rc)
	}

	// The QP behind id is already in INIT once rdma_create_ep returns, which
	// is all a receive needs: post it now, before rdma_connect, per §4.7.
	conn := connFromCMID(id, selfID, peerID)
	if err := conn.AttachControlChannel(regionVectorWireSize(expectRegions)); err != nil {
		C.rdma_destroy_ep(id)
		C.rdma_destroy_event_channel(channel)
		return nil, nil, err
	}
	if err := conn.PostControlReceive(); err != nil {
		_ = conn.ctrlMR.Close()
		C.rdma_destroy_ep(id)
		C.rdma_destroy_event_channel(channel)
		return nil, nil, err
	}

	hello := bootstrapHello{NodeID: selfID}.marshal()
	connParam := C.struct_rdma_conn_param{}
	connParam.private_data = unsafe.Pointer(&hello[0])
	connParam.private_data_len = C.uint8_t(len(hello))
	connParam.responder_resources = 1
	connParam.initiator_depth = 1
	connParam.retry_count = 6
	connParam.rnr_retry_count = 7

	if rc := C.rdma_connect(id, &connParam); rc != 0 {
		_ = conn.ctrlMR.Close()
		C.rdma_destroy_ep(id)
		C.rdma_destroy_event_channel(channel)
		return nil, nil, fmt.Errorf("bootstrap: rdma_connect failed: %d", rc)
	}

	var ev *C.struct_rdma_cm_event
	if rc := C.rdma_get_cm_event(channel, &ev); rc != 0 {
		_ = conn.ctrlMR.Close()
		C.rdma_destroy_ep(id)
		C.rdma_destroy_event_channel(channel)
		return nil, nil, fmt.Errorf("bootstrap: rdma_get_cm_event failed: %d", rc)
	}

	switch ev.event {
	case C.RDMA_CM_EVENT_ESTABLISHED:
		C.rdma_ack_cm_event(ev)
		buf := make([]byte, regionVectorWireSize(expectRegions))
		n, err := conn.AwaitControlMessage(context.Background(), buf)
		if err != nil {
			_ = conn.ctrlMR.Close()
			C.rdma_destroy_ep(id)
			C.rdma_destroy_event_channel(channel)
			return nil, nil, err
		}
		regions, err := unmarshalRegions(buf[:n])
		if err != nil {
			_ = conn.ctrlMR.Close()
			C.rdma_destroy_ep(id)
			C.rdma_destroy_event_channel(channel)
			return nil, nil, err
		}
		return conn, regions, nil
	case C.RDMA_CM_EVENT_REJECTED:
		C.rdma_ack_cm_event(ev)
		_ = conn.ctrlMR.Close()
		C.rdma_destroy_ep(id)
		C.rdma_destroy_event_channel(channel)
		return nil, nil, ErrRejected
	default:
		evType := ev.event
		C.rdma_ack_cm_event(ev)
		_ = conn.ctrlMR.Close()
		C.rdma_destroy_ep(id)
		C.rdma_destroy_event_channel(channel)
		return nil, nil, fmt.Errorf("bootstrap: unexpected CM event %d while connecting", evType)
	}
}

func waitEstablished(channel *C.struct_rdma_event_channel, id *C.struct_rdma_cm_id) error {
	var ev *C.struct_rdma_cm_event
	if rc := C.rdma_get_cm_event(channel, &ev); rc != 0 {
		return fmt.Errorf("bootstrap: rdma_get_cm_event failed: %d", rc)
	}
	defer C.rdma_ack_cm_event(ev)
	if ev.event != C.RDMA_CM_EVENT_ESTABLISHED {
		return fmt.Errorf("bootstrap: unexpected CM event %d waiting for ESTABLISHED", ev.event)
	}
	return nil
}

// connFromCMID wraps an rdma_cm_id's QP as a Connection. Right after
// rdma_create_ep the QP is in INIT (enough to post the control-channel
// receive); by the time ESTABLISHED fires it is in RTS, rdma_cm's
// accept/connect handshake having done the state transitions sock.go used
// to drive by hand.
func connFromCMID(id *C.struct_rdma_cm_id, selfID, peerID uint16) *Connection {
	cq := &CompletionQueue{cq: id.send_cq, cqe: 16}
	qp := &QueuePair{qp: id.qp, CompletionQueue: cq}
	return &Connection{
		qp:         qp,
		selfID:     selfID,
		peerID:     peerID,
		isLoopback: selfID == peerID,
		maxWR:      defaultMaxWR,
	}
}

// connectLoopback drives a fresh queue pair through INIT -> RTR -> RTS by
// hand with ibv_modify_qp and points it back at itself, bypassing the
// rdma_cm state machine entirely. Per §4.8 step 1, this is how a
// co-located compute-node role talks to its own memory-node role: there is
// no wire to dial, so rdma_cm's CONNECT_REQUEST/ESTABLISHED dance (and the
// self-connect rejection in Listener.Accept) never comes into play.
func connectLoopback(ctx *RdmaContext, pd *ProtectDomain, selfID uint16) (*Connection, error) {
	cq, err := NewCompletionQueue(ctx, defaultMaxWR)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: loopback completion queue: %w", err)
	}
	qp, err := NewQueuePair(ctx, pd, cq)
	if err != nil {
		_ = cq.Close()
		return nil, fmt.Errorf("bootstrap: loopback queue pair: %w", err)
	}
	if err := qp.Init(); err != nil {
		_ = qp.Close()
		return nil, fmt.Errorf("bootstrap: loopback INIT: %w", err)
	}
	if err := qp.Ready2Receive(uint32(ctx.IBV_MTU), ctx.Lid(), ctx.GidBytes(), qp.Qpn(), qp.Psn()); err != nil {
		_ = qp.Close()
		return nil, fmt.Errorf("bootstrap: loopback RTR: %w", err)
	}
	if err := qp.Ready2Send(); err != nil {
		_ = qp.Close()
		return nil, fmt.Errorf("bootstrap: loopback RTS: %w", err)
	}
	return NewConnection(ctx, pd, qp, selfID, selfID), nil
}

// resolveHostPort splits "host:port" for callers that build addr/port
// separately for Connect.
func resolveHostPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, err
	}
	return host, port, nil
}
