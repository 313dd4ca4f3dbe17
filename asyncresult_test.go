package remus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAsyncResultResolvesAfterPolls(t *testing.T) {
	calls := 0
	a := NewAsyncResult(func() (int, bool, error) {
		calls++
		if calls < 3 {
			return 0, false, nil
		}
		return 42, true, nil
	})

	require.False(t, a.Ready())
	val, err := a.Wait()
	require.NoError(t, err)
	require.Equal(t, 42, val)
	require.True(t, a.Ready())
	require.Equal(t, 42, a.Value())
}

func TestAsyncResultPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	a := NewAsyncResult(func() (int, bool, error) {
		return 0, false, boom
	})

	_, err := a.Wait()
	require.ErrorIs(t, err, boom)

	// once failed, Resume must keep returning the same error without
	// calling poll again
	require.ErrorIs(t, a.Resume(), boom)
}

func TestAsyncResultValuePanicsBeforeReady(t *testing.T) {
	a := NewAsyncResult(func() (int, bool, error) { return 0, false, nil })
	require.Panics(t, func() { a.Value() })
}

func TestAsyncResultVoid(t *testing.T) {
	calls := 0
	a := NewAsyncResultVoid(func() (bool, error) {
		calls++
		return calls >= 2, nil
	})
	_, err := a.Wait()
	require.NoError(t, err)
	require.True(t, a.Ready())
}
