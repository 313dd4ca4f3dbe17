package remus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	require.Equal(t, classSmall, classify(1))
	require.Equal(t, classSmall, classify(1024))
	require.Equal(t, classMedium, classify(1025))
	require.Equal(t, classMedium, classify(8192))
	require.Equal(t, classLarge, classify(8193))
}

func TestRoundedSize(t *testing.T) {
	require.Equal(t, uint64(64), roundedSize(1))
	require.Equal(t, uint64(128), roundedSize(65))
	require.Equal(t, uint64(1024), roundedSize(1025))
	require.Equal(t, uint64(2048), roundedSize(1025+1024))
	require.Equal(t, uint64(8256), roundedSize(8193)) // large class still rounds to 64
}

func TestRoundUp(t *testing.T) {
	require.Equal(t, uint64(64), roundUp(1, 64))
	require.Equal(t, uint64(64), roundUp(64, 64))
	require.Equal(t, uint64(128), roundUp(65, 64))
}

func TestFreeListRoundTrip(t *testing.T) {
	a := NewBumpAllocator(
		NewMnAllocPolicy(AllocGlobalRR, 1, 0, 0, 1),
		1<<20,
		func(uint16) (*Connection, error) { return nil, ErrNotLocal },
		func(uint16, int) (uint64, uint32) { return 0, 0 },
	)

	ptr := NewFatPtr[byte](0, 128)
	a.Free(ptr, 100) // classSmall -> rounded to 128 + 16-byte header = 144

	got, err := a.Allocate(100)
	require.NoError(t, err)
	require.True(t, got.Equal(ptr))
}
