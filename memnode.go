package remus

import (
	"fmt"
	"sync"
)

// MemoryNode passively hosts segments for compute nodes to operate on
// over one-sided verbs. It does essentially nothing once up: accept
// connections, publish segment region info through the bootstrap
// handshake, and otherwise stay out of the way until shutdown.
type MemoryNode struct {
	cfg      Config
	ctx      *RdmaContext
	pd       *ProtectDomain
	listener *Listener

	mu       sync.Mutex
	segments []*Segment
	conns    map[uint16][]*Connection
	done     chan struct{}
}

// NewMemoryNode allocates SegsPerMN segments of SegBytes() each and opens
// a listener on MnPort, ready to Serve.
func NewMemoryNode(cfg Config, ctx *RdmaContext, pd *ProtectDomain) (*MemoryNode, error) {
	mn := &MemoryNode{
		cfg:   cfg,
		ctx:   ctx,
		pd:    pd,
		conns: make(map[uint16][]*Connection),
		done:  make(chan struct{}),
	}

	for i := 0; i < cfg.SegsPerMN; i++ {
		seg, err := NewSegment(pd, cfg.SegBytes(), false)
		if err != nil {
			mn.closeSegments()
			return nil, fmt.Errorf("memnode: allocating segment %d: %w", i, err)
		}
		mn.segments = append(mn.segments, seg)
	}

	regions := make([]RegionInfo, len(mn.segments))
	for i, s := range mn.segments {
		regions[i] = RegionInfo{Raddr: s.Raddr(), Rkey: s.Rkey()}
	}

	l, err := Listen(cfg.MnPort, cfg.NodeID, regions)
	if err != nil {
		mn.closeSegments()
		return nil, err
	}
	mn.listener = l
	return mn, nil
}

func (mn *MemoryNode) closeSegments() {
	for _, s := range mn.segments {
		_ = s.Close()
	}
}

func (mn *MemoryNode) Segment(i int) *Segment { return mn.segments[i] }

func (mn *MemoryNode) NumSegments() int { return len(mn.segments) }

// Regions returns the RegionInfo of every segment this memory node hosts,
// the same vector Listener.Accept ships to a remote compute node over the
// control channel. A co-located compute node reads this directly instead,
// short-circuiting both rdma_cm and the two-sided exchange entirely.
func (mn *MemoryNode) Regions() []RegionInfo {
	regions := make([]RegionInfo, len(mn.segments))
	for i, s := range mn.segments {
		regions[i] = RegionInfo{Raddr: s.Raddr(), Rkey: s.Rkey()}
	}
	return regions
}

// Serve accepts connections until Shutdown is called. It is meant to run
// on its own goroutine; callers that need to know how many compute nodes
// have connected poll PeerCount.
func (mn *MemoryNode) Serve() error {
	for {
		select {
		case <-mn.done:
			return nil
		default:
		}
		conn, hello, err := mn.listener.Accept(mn.pd)
		if err != nil {
			select {
			case <-mn.done:
				return nil
			default:
				Log.Error().Err(err).Msg("memnode: accept failed")
				continue
			}
		}
		mn.mu.Lock()
		mn.conns[hello.NodeID] = append(mn.conns[hello.NodeID], conn)
		mn.mu.Unlock()
		Log.Info().Uint16("peer", hello.NodeID).Msg("memnode: accepted connection")
	}
}

func (mn *MemoryNode) PeerCount() int {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	return len(mn.conns)
}

// Shutdown blocks until every compute thread in the deployment has
// signaled graceful shutdown against segment 0's control_flag (the
// remote FetchAndAdd ComputeThread.Close issues per memory node), then
// stops Serve and tears down every accepted connection and segment.
func (mn *MemoryNode) Shutdown() error {
	numCN := uint64(mn.cfg.LastCnID) - uint64(mn.cfg.FirstCnID) + 1
	total := numCN * uint64(mn.cfg.CnThreads)
	for mn.segments[0].Control.ControlFlag() < total {
	}

	close(mn.done)
	if err := mn.listener.Close(); err != nil {
		Log.Warn().Err(err).Msg("memnode: listener close failed")
	}

	mn.mu.Lock()
	defer mn.mu.Unlock()
	var firstErr error
	for id, cs := range mn.conns {
		for _, c := range cs {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("memnode: closing connection to %d: %w", id, err)
			}
		}
	}
	mn.closeSegments()
	return firstErr
}
