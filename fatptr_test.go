package remus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFatPtrEncoding(t *testing.T) {
	p := NewFatPtr[byte](7, 0x1234)
	require.Equal(t, uint16(7), p.ID())
	require.Equal(t, uint64(0x1234), p.Address())
	require.False(t, p.IsNil())
}

func TestFatPtrNil(t *testing.T) {
	p := NilFatPtr[byte]()
	require.True(t, p.IsNil())
	require.Equal(t, uint16(0), p.ID())
}

func TestFatPtrAddScalesByElementSize(t *testing.T) {
	p := NewFatPtr[uint64](3, 100)
	q := p.Add(2)
	require.Equal(t, uint64(100+16), q.Address())
	require.Equal(t, uint16(3), q.ID())

	back := q.Sub(2)
	require.True(t, back.Equal(p))
}

func TestFatPtrCast(t *testing.T) {
	p := NewFatPtr[uint64](1, 64)
	b := Cast[byte](p)
	require.Equal(t, p.Raw(), b.Raw())
}

func TestFatPtrIsLocal(t *testing.T) {
	p := NewFatPtr[byte](5, 0)
	require.True(t, p.IsLocal(5))
	require.False(t, p.IsLocal(6))
}

func TestFatPtrLess(t *testing.T) {
	a := NewFatPtr[byte](1, 0)
	b := NewFatPtr[byte](2, 0)
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
}
