package remus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseQpSchedPolicy(t *testing.T) {
	kind, err := ParseQpSchedPolicy("RR")
	require.NoError(t, err)
	require.Equal(t, QpRR, kind)

	_, err = ParseQpSchedPolicy("bogus")
	require.ErrorIs(t, err, ErrBadConfig)
}

func TestQpSchedPolicyRoundRobin(t *testing.T) {
	p := NewQpSchedPolicy(QpRR, 3, 1)
	require.NoError(t, p.SetPolicy(0))

	seen := map[int]bool{}
	for i := 0; i < 6; i++ {
		seen[p.LaneIdx(5)] = true
	}
	require.Len(t, seen, 3)
}

func TestQpSchedPolicyOneToOne(t *testing.T) {
	p := NewQpSchedPolicy(QpOneToOne, 4, 1)
	require.NoError(t, p.SetPolicy(2))
	require.Equal(t, 2, p.LaneIdx(0))
	require.Equal(t, 2, p.LaneIdx(1))
}

func TestQpSchedPolicyMod(t *testing.T) {
	p := NewQpSchedPolicy(QpMod, 4, 1)
	require.NoError(t, p.SetPolicy(6))
	require.Equal(t, 2, p.LaneIdx(0)) // 6 % 4 == 2
}

func TestParseMnAllocPolicy(t *testing.T) {
	kind, err := ParseMnAllocPolicy("GLOBAL-RR")
	require.NoError(t, err)
	require.Equal(t, AllocGlobalRR, kind)

	_, err = ParseMnAllocPolicy("nope")
	require.ErrorIs(t, err, ErrBadConfig)
}

func TestMnAllocPolicyGlobalModDistributesAcrossSegments(t *testing.T) {
	p := NewMnAllocPolicy(AllocGlobalMod, 2, 10, 11, 1) // 2 mns * 2 segs = 4 total segs
	require.NoError(t, p.SetPolicy(10, 1, 0))
	mn, seg := p.NextMnSeg()
	require.Equal(t, uint16(10), mn)
	require.Equal(t, 0, seg)

	// thread 3 of 4 on the first compute node takes the last of the 4 segments
	p2 := NewMnAllocPolicy(AllocGlobalMod, 2, 10, 11, 1)
	require.NoError(t, p2.SetPolicy(10, 4, 3))
	mn, seg = p2.NextMnSeg()
	require.Equal(t, uint16(11), mn)
	require.Equal(t, 1, seg)
}

func TestMnAllocPolicyGlobalRRCarriesIntoNextMN(t *testing.T) {
	p := NewMnAllocPolicy(AllocGlobalRR, 2, 10, 11, 1)
	p.lastMN = 10
	p.lastSeg = 1 // last segment slot on mn 10

	mn, seg := p.NextMnSeg()
	require.Equal(t, uint16(10), mn)
	require.Equal(t, 1, seg)

	// advancing past the last segment must carry into the next memory node
	mn2, seg2 := p.NextMnSeg()
	require.Equal(t, uint16(11), mn2)
	require.Equal(t, 0, seg2)
}

func TestMnAllocPolicyLocalRRStaysOnOwnNode(t *testing.T) {
	p := NewMnAllocPolicy(AllocLocalRR, 2, 10, 12, 1)
	require.NoError(t, p.SetPolicy(11, 1, 0))

	for i := 0; i < 5; i++ {
		mn, _ := p.NextMnSeg()
		require.Equal(t, uint16(11), mn)
	}
}
