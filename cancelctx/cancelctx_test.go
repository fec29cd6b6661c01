package cancelctx

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoneNeverCancels(t *testing.T) {
	c := None()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Check())
		require.False(t, c.Cancelled())
	}
}

func TestFromPredicate(t *testing.T) {
	n := 0
	c := FromPredicate(func() bool {
		n++
		return n >= 3
	})
	require.NoError(t, c.Check())
	require.NoError(t, c.Check())
	require.ErrorIs(t, c.Check(), Cancelled)
}

func TestFromFlagReflectsLiveFlag(t *testing.T) {
	var flag atomic.Bool
	c := FromFlag(&flag)
	require.NoError(t, c.Check())
	flag.Store(true)
	require.ErrorIs(t, c.Check(), Cancelled)
	flag.Store(false)
	// Cancellation semantics are monotonic at the engine's call sites;
	// the flag itself can be reset, but nothing in this package ever
	// does so — exercised here only to show Check reflects live state.
	require.NoError(t, c.Check())
}

func TestGlobalBridge(t *testing.T) {
	c := Global()
	require.False(t, c.Cancelled())
	RequestGlobalCancel()
	require.True(t, c.Cancelled())
}
