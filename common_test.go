package remus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostNetShortRoundTrip(t *testing.T) {
	require.Equal(t, uint16(0x1234), NetToHostShort(HostToNetShort(0x1234)))
}

func TestHostNetLongRoundTrip(t *testing.T) {
	require.Equal(t, uint32(0xdeadbeef), NetToHostLong(HostToNetLong(0xdeadbeef)))
}

func TestHostNetLongLongRoundTrip(t *testing.T) {
	require.Equal(t, uint64(0x0123456789abcdef), NetToHostLongLong(HostToNetLongLong(0x0123456789abcdef)))
}

func TestNewErrorOrNil(t *testing.T) {
	require.NoError(t, NewErrorOrNil("op", 0))

	err := NewErrorOrNil("op", 2) // ENOENT
	require.Error(t, err)

	err = NewErrorOrNil("op", -1)
	require.Error(t, err)
	require.Nil(t, errors.Unwrap(err)) // the -1 case is a plain errors.New, not a SyscallError
}
