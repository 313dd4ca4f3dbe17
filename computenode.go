package remus

import (
	"fmt"
	"sync"
)

// mnLinks is every lane of connections this compute node has open to one
// memory node, plus the RegionInfo of each segment that memory node
// published during bootstrap.
type mnLinks struct {
	lanes   []*Connection
	regions []RegionInfo
}

// ComputeNode is the process that drives operations against the memory
// nodes: it holds QP_LANES connections to every memory node in range,
// spawns CN_THREADS compute threads, and owns the root pointer and
// barrier coordination that every thread shares.
type ComputeNode struct {
	cfg Config
	ctx *RdmaContext
	pd  *ProtectDomain

	mu  sync.Mutex
	mns map[uint16]*mnLinks

	threads []*ComputeThread

	rootConn *Connection // connection used for root pointer / barrier ops: lowest memory node id
	rootRaddr uint64
	rootRkey  uint32
}

// NewComputeNode opens QP_LANES connections to every memory node in
// [FirstMnID, LastMnID], self-identifying as cfg.NodeID. localMN is the
// memory-node role co-located in this same process, if any (nil for a
// pure compute node): when cfg.NodeID falls inside [FirstMnID, LastMnID],
// NewComputeNode talks to it via connectLoopback's ibv_modify_qp path
// instead of dialing itself through rdma_cm, per §4.8 step 1.
func NewComputeNode(cfg Config, ctx *RdmaContext, pd *ProtectDomain, mnAddrs map[uint16]string, localMN *MemoryNode) (*ComputeNode, error) {
	cn := &ComputeNode{
		cfg: cfg,
		ctx: ctx,
		pd:  pd,
		mns: make(map[uint16]*mnLinks),
	}

	for mnID := cfg.FirstMnID; mnID <= cfg.LastMnID; mnID++ {
		links := &mnLinks{}

		if mnID == cfg.NodeID && localMN != nil {
			conn, err := connectLoopback(ctx, pd, cfg.NodeID)
			if err != nil {
				cn.closeAll()
				return nil, fmt.Errorf("computenode: loopback to co-located memory node %d: %w", mnID, err)
			}
			links.regions = localMN.Regions()
			for lane := 0; lane < cfg.QpLanes; lane++ {
				links.lanes = append(links.lanes, conn)
			}
			cn.mns[mnID] = links
			if mnID == cfg.FirstMnID && len(links.regions) > 0 {
				cn.rootConn = links.lanes[0]
				cn.rootRaddr = links.regions[0].Raddr
				cn.rootRkey = links.regions[0].Rkey
			}
			continue
		}

		addr, ok := mnAddrs[mnID]
		if !ok {
			cn.closeAll()
			return nil, fmt.Errorf("computenode: no address configured for memory node %d", mnID)
		}
		for lane := 0; lane < cfg.QpLanes; lane++ {
			conn, regions, err := Connect(addr, cfg.MnPort, cfg.NodeID, mnID, cfg.SegsPerMN)
			if err != nil {
				cn.closeAll()
				return nil, fmt.Errorf("computenode: connecting to memory node %d lane %d: %w", mnID, lane, err)
			}
			links.lanes = append(links.lanes, conn)
			if lane == 0 {
				links.regions = regions
			}
		}
		cn.mns[mnID] = links

		if mnID == cfg.FirstMnID && len(links.regions) > 0 {
			cn.rootConn = links.lanes[0]
			cn.rootRaddr = links.regions[0].Raddr
			cn.rootRkey = links.regions[0].Rkey
		}
	}

	return cn, nil
}

func (cn *ComputeNode) closeAll() {
	for _, links := range cn.mns {
		for _, c := range links.lanes {
			_ = c.Close()
		}
	}
}

// connFor returns the connection a thread's BumpAllocator (or any other
// consumer) should post against for memory node mn, using that thread's
// QpSchedPolicy to pick a lane.
func (cn *ComputeNode) connFor(mn uint16, sched *QpSchedPolicy) (*Connection, error) {
	cn.mu.Lock()
	links, ok := cn.mns[mn]
	cn.mu.Unlock()
	if !ok || len(links.lanes) == 0 {
		return nil, fmt.Errorf("computenode: no connection to memory node %d", mn)
	}
	idx := sched.LaneIdx(mn)
	if idx < 0 || idx >= len(links.lanes) {
		idx = 0
	}
	return links.lanes[idx], nil
}

// segRkey reports the remote address and rkey of segment seg on memory
// node mn, as published during bootstrap.
func (cn *ComputeNode) segRkey(mn uint16, seg int) (uint64, uint32) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	links := cn.mns[mn]
	if links == nil || seg >= len(links.regions) {
		return 0, 0
	}
	return links.regions[seg].Raddr, links.regions[seg].Rkey
}

// GetRkey looks up the rkey for whichever segment on memory node mn
// contains addr. Every segment is mapped seg_size-aligned (mmapAligned in
// segment.go), so masking the low SEG_SIZE bits out of addr always yields
// exactly one region's base, the same trick compute_node.h's GetRkey
// plays over its region-key map.
func (cn *ComputeNode) GetRkey(mn uint16, addr uint64) (uint32, error) {
	cn.mu.Lock()
	links, ok := cn.mns[mn]
	cn.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("computenode: no connection to memory node %d", mn)
	}
	base := addr &^ (cn.cfg.SegBytes() - 1)
	for _, r := range links.regions {
		if r.Raddr == base {
			return r.Rkey, nil
		}
	}
	return 0, fmt.Errorf("computenode: address %#x on memory node %d does not fall inside any published segment", addr, mn)
}

// SpawnThreads creates cfg.CnThreads ComputeThreads, each with its own
// QpSchedPolicy, MnAllocPolicy, staging buffer, and BumpAllocator, seeded
// deterministically off the thread index so a run is reproducible given
// the same seed.
func (cn *ComputeNode) SpawnThreads(seed int64) error {
	qpKind, err := ParseQpSchedPolicy(cn.cfg.QpSchedPol)
	if err != nil {
		return err
	}
	allocKind, err := ParseMnAllocPolicy(cn.cfg.AllocPol)
	if err != nil {
		return err
	}

	for tid := 0; tid < cn.cfg.CnThreads; tid++ {
		sched := NewQpSchedPolicy(qpKind, cn.cfg.QpLanes, seed+int64(tid))
		if err := sched.SetPolicy(tid); err != nil {
			return err
		}

		allocPol := NewMnAllocPolicy(allocKind, cn.cfg.SegsPerMN, cn.cfg.FirstMnID, cn.cfg.LastMnID, seed+int64(tid))
		if err := allocPol.SetPolicy(cn.cfg.NodeID, cn.cfg.CnThreads, tid); err != nil {
			return err
		}

		thread, err := newComputeThread(cn, tid, sched, allocPol)
		if err != nil {
			return err
		}
		cn.threads = append(cn.threads, thread)
	}
	return nil
}

func (cn *ComputeNode) Thread(i int) *ComputeThread { return cn.threads[i] }

func (cn *ComputeNode) NumThreads() int { return len(cn.threads) }

// Shutdown waits for every thread's outstanding ops to drain, signals
// graceful shutdown to every memory node (ComputeThread.Close's remote
// FetchAndAdd on each segment-0 control_flag), then closes every
// connection this node opened.
func (cn *ComputeNode) Shutdown() error {
	for _, t := range cn.threads {
		t.drain()
	}

	var firstErr error
	for _, t := range cn.threads {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("computenode: closing thread %d: %w", t.ID(), err)
		}
	}

	cn.mu.Lock()
	defer cn.mu.Unlock()
	for mn, links := range cn.mns {
		for _, c := range links.lanes {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("computenode: closing connection to %d: %w", mn, err)
			}
		}
	}
	return firstErr
}
