package remus

import "math/rand"

// QpSchedPolicyKind selects how a compute thread picks which lane (queue
// pair) of a multi-lane connection to use for its next operation.
type QpSchedPolicyKind int

const (
	QpNone QpSchedPolicyKind = iota
	QpMod
	QpRR
	QpRand
	QpOneToOne
)

func ParseQpSchedPolicy(s string) (QpSchedPolicyKind, error) {
	switch s {
	case "NONE":
		return QpNone, nil
	case "MOD":
		return QpMod, nil
	case "RR":
		return QpRR, nil
	case "RAND":
		return QpRand, nil
	case "ONE_TO_ONE":
		return QpOneToOne, nil
	default:
		return QpNone, StatusErr(ErrBadConfig, "unknown QP_SCHED_POL %q", s)
	}
}

// QpSchedPolicy picks a lane index per target memory node, mirroring
// qp_sched_pol.h. Each compute thread owns its own instance; there is no
// locking because no policy is ever shared across goroutines.
type QpSchedPolicy struct {
	kind     QpSchedPolicyKind
	numLanes int
	perMN    map[uint16]int
	lastLane int
	rng      *rand.Rand
}

func NewQpSchedPolicy(kind QpSchedPolicyKind, numLanes int, seed int64) *QpSchedPolicy {
	p := &QpSchedPolicy{
		kind:     kind,
		numLanes: numLanes,
		perMN:    make(map[uint16]int),
		rng:      rand.New(rand.NewSource(seed)),
	}
	return p
}

// SetPolicy fixes the lane for policies that pick one lane per thread up
// front (NONE pins lane 0, MOD pins threadID%lanes, ONE_TO_ONE requires at
// least as many lanes as threads and pins lane==threadID).
func (p *QpSchedPolicy) SetPolicy(threadID int) error {
	switch p.kind {
	case QpOneToOne:
		if threadID >= p.numLanes {
			return StatusErr(ErrBadConfig, "ONE_TO_ONE requires QP_LANES >= thread count")
		}
		p.lastLane = threadID
	case QpMod:
		p.lastLane = threadID % p.numLanes
	default:
		p.lastLane = 0
	}
	return nil
}

// LaneIdx returns the lane to use for the next op against mn. RR advances
// a per-MN counter, RAND redraws every call, everything else returns the
// lane fixed by SetPolicy.
func (p *QpSchedPolicy) LaneIdx(mn uint16) int {
	switch p.kind {
	case QpRR:
		next := (p.perMN[mn] + 1) % p.numLanes
		p.perMN[mn] = next
		return next
	case QpRand:
		return p.rng.Intn(p.numLanes)
	default:
		return p.lastLane
	}
}

// MnAllocPolicyKind selects how a compute thread chooses which memory
// node and segment to target for its next allocation.
type MnAllocPolicyKind int

const (
	AllocNone MnAllocPolicyKind = iota
	AllocGlobalMod
	AllocGlobalRR
	AllocRand
	AllocLocalRR
	AllocLocalMod
)

func ParseMnAllocPolicy(s string) (MnAllocPolicyKind, error) {
	switch s {
	case "NONE":
		return AllocNone, nil
	case "GLOBAL-MOD":
		return AllocGlobalMod, nil
	case "GLOBAL-RR":
		return AllocGlobalRR, nil
	case "RAND":
		return AllocRand, nil
	case "LOCAL-RR":
		return AllocLocalRR, nil
	case "LOCAL-MOD":
		return AllocLocalMod, nil
	default:
		return AllocNone, StatusErr(ErrBadConfig, "unknown ALLOC_POL %q", s)
	}
}

// MnAllocPolicy picks the (memory node, segment) pair a compute thread's
// bump allocator should try next, mirroring mn_alloc_pol.h.
type MnAllocPolicy struct {
	kind      MnAllocPolicyKind
	numSegs   int
	firstMN   uint16
	numMNs    int
	totalSegs int

	lastMN  uint16
	lastSeg int
	rng     *rand.Rand
}

func NewMnAllocPolicy(kind MnAllocPolicyKind, numSegsPerMN int, firstMN, lastMN uint16, seed int64) *MnAllocPolicy {
	numMNs := int(lastMN) - int(firstMN) + 1
	return &MnAllocPolicy{
		kind:      kind,
		numSegs:   numSegsPerMN,
		firstMN:   firstMN,
		numMNs:    numMNs,
		totalSegs: numSegsPerMN * numMNs,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// SetPolicy fixes the thread's starting (mn, seg) pair. LOCAL-RR and
// LOCAL-MOD require this node to be acting as both a compute node and a
// memory node (nodeID must also be a valid memory node id); they pin
// lastMN to nodeID and never migrate to a different memory node.
func (p *MnAllocPolicy) SetPolicy(nodeID uint16, numThreads, threadID int) error {
	threadUID := (int(nodeID)-int(p.firstMN))*numThreads + threadID
	switch p.kind {
	case AllocGlobalMod:
		if p.totalSegs == 0 {
			return StatusErr(ErrBadConfig, "no memory-node segments configured")
		}
		segUID := threadUID % p.totalSegs
		p.lastMN = p.firstMN + uint16(segUID/p.numSegs)
		p.lastSeg = segUID % p.numSegs
	case AllocGlobalRR:
		p.lastMN = p.firstMN + uint16(p.rng.Intn(p.numMNs))
		p.lastSeg = p.rng.Intn(p.numSegs)
	case AllocLocalRR, AllocLocalMod:
		p.lastMN = nodeID
		p.lastSeg = threadID % p.numSegs
	case AllocRand:
		p.lastMN = p.firstMN + uint16(p.rng.Intn(p.numMNs))
		p.lastSeg = p.rng.Intn(p.numSegs)
	default:
		p.lastMN = p.firstMN
		p.lastSeg = 0
	}
	return nil
}

// NextMnSeg returns the (memory node, segment) the allocator should try
// next, advancing the policy's internal cursor. GLOBAL-RR carries into the
// next memory node when the segment counter overflows; LOCAL-RR never
// leaves the memory node it was pinned to.
func (p *MnAllocPolicy) NextMnSeg() (uint16, int) {
	mn, seg := p.lastMN, p.lastSeg
	switch p.kind {
	case AllocGlobalRR:
		p.lastSeg = (p.lastSeg + 1) % p.numSegs
		if p.lastSeg == 0 {
			p.lastMN = p.firstMN + uint16((int(p.lastMN)-int(p.firstMN)+1)%p.numMNs)
		}
	case AllocLocalRR:
		p.lastSeg = (p.lastSeg + 1) % p.numSegs
	case AllocRand:
		p.lastMN = p.firstMN + uint16(p.rng.Intn(p.numMNs))
		p.lastSeg = p.rng.Intn(p.numSegs)
	}
	return mn, seg
}
