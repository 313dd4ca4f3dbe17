package remus

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFlagsRequiresAllRequiredFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := ParseFlags(fs, []string{"-NODE_ID=1"})
	require.ErrorIs(t, err, ErrBadConfig)
}

func TestParseFlagsHappyPath(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseFlags(fs, []string{
		"-NODE_ID=3",
		"-MN_PORT=9000",
		"-FIRST_MN_ID=0",
		"-LAST_MN_ID=1",
		"-FIRST_CN_ID=2",
		"-LAST_CN_ID=5",
		"-CN_THREADS=4",
	})
	require.NoError(t, err)
	require.Equal(t, uint16(3), cfg.NodeID)
	require.Equal(t, 9000, cfg.MnPort)
	require.True(t, cfg.IsComputeNode(3))
	require.False(t, cfg.IsMemoryNode(3))
	require.Equal(t, uint64(1<<20), cfg.SegBytes())
}

func TestParseFlagsRejectsBadEnum(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := ParseFlags(fs, []string{
		"-NODE_ID=0", "-MN_PORT=1", "-FIRST_MN_ID=0", "-LAST_MN_ID=0",
		"-FIRST_CN_ID=1", "-LAST_CN_ID=1", "-CN_THREADS=1",
		"-QP_SCHED_POL=NOT_A_POLICY",
	})
	require.ErrorIs(t, err, ErrBadConfig)
}

func TestParseFlagsRejectsInvertedRange(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := ParseFlags(fs, []string{
		"-NODE_ID=0", "-MN_PORT=1", "-FIRST_MN_ID=5", "-LAST_MN_ID=1",
		"-FIRST_CN_ID=1", "-LAST_CN_ID=1", "-CN_THREADS=1",
	})
	require.ErrorIs(t, err, ErrBadConfig)
}
