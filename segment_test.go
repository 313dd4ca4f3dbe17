package remus

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMmapAlignedAlignsToCapacity(t *testing.T) {
	const size = 1 << 16 // 64KiB, several pages, small enough to be a quick test
	buf, err := mmapAligned(size, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	defer unix.Munmap(buf)

	require.Len(t, buf, size)
	base := uintptr(unsafe.Pointer(&buf[0]))
	require.Zero(t, base%uintptr(size), "base address must be aligned to its own size for GetRkey's masking trick to work")
}

func TestMmapAlignedRejectsNonPowerOfTwo(t *testing.T) {
	_, err := mmapAligned(3, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.Error(t, err)
}
