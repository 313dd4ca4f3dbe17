package remus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireLaneBounds(t *testing.T) {
	conn := &Connection{maxWR: 2}

	l1, err := AcquireLane(conn)
	require.NoError(t, err)
	require.EqualValues(t, 1, conn.InFlight())

	l2, err := AcquireLane(conn)
	require.NoError(t, err)
	require.EqualValues(t, 2, conn.InFlight())

	_, err = AcquireLane(conn)
	require.ErrorIs(t, err, ErrUnavailable)

	l1.Release()
	require.EqualValues(t, 1, conn.InFlight())

	l3, err := AcquireLane(conn)
	require.NoError(t, err)
	require.EqualValues(t, 2, conn.InFlight())

	l2.Release()
	l3.Release()
	require.EqualValues(t, 0, conn.InFlight())
}

func TestLaneReleaseNilIsNoOp(t *testing.T) {
	var l *Lane
	require.NotPanics(t, func() { l.Release() })
}

func TestLaneConn(t *testing.T) {
	conn := &Connection{maxWR: 1}
	l, err := AcquireLane(conn)
	require.NoError(t, err)
	require.Same(t, conn, l.Conn())
	l.Release()
}
