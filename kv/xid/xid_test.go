package xid

import (
	"testing"

	"github.com/pingcap-incubator/tinyoltp/kv/fatptr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFreeRecycle(t *testing.T) {
	tab := NewTable()
	x, c, err := tab.Alloc()
	require.NoError(t, err)
	assert.Equal(t, x, c.Owner())
	assert.Equal(t, StateEmbryo, c.State())
	assert.Equal(t, fatptr.InvalidLSN, c.End())
	assert.Equal(t, InfiniteSstamp, c.Sstamp())

	tab.Free(x)
	assert.NotEqual(t, x, tab.Get(x).Owner())

	// Reissuing the slot must hand out a distinct XID.
	seen := make(map[fatptr.XID]bool)
	seen[x] = true
	for i := 0; i < 3; i++ {
		y, _, err := tab.Alloc()
		require.NoError(t, err)
		assert.False(t, seen[y])
		seen[y] = true
		tab.Free(y)
	}
}

func TestOwnerRevalidation(t *testing.T) {
	tab := NewTable()
	x, c, err := tab.Alloc()
	require.NoError(t, err)
	c.SetState(StateActive)

	// A consumer copies fields, then the slot gets recycled underneath.
	state := c.State()
	assert.Equal(t, StateActive, state)
	tab.Free(x)
	y, _, err := tab.Alloc()
	require.NoError(t, err)
	_ = y

	// The final owner check detects the recycle.
	assert.NotEqual(t, x, c.Owner())
}

func TestWaitForCommitResult(t *testing.T) {
	tab := NewTable()
	x, c, err := tab.Alloc()
	require.NoError(t, err)

	c.SetEnd(fatptr.MakeLSN(100, 0, fatptr.InvalidSizeCode))
	c.SetState(StateCommitting)
	done := make(chan bool, 1)
	go func() {
		done <- WaitForCommitResult(c, x)
	}()
	c.SetState(StateCommitted)
	assert.True(t, <-done)

	c.SetState(StateAborted)
	assert.False(t, WaitForCommitResult(c, x))

	// A recycled context resolves to false.
	tab.Free(x)
	assert.False(t, WaitForCommitResult(c, x))
}

func TestPoolExhaustion(t *testing.T) {
	tab := NewTable()
	xids := make([]fatptr.XID, 0, PoolSize-1)
	for {
		x, _, err := tab.Alloc()
		if err != nil {
			break
		}
		xids = append(xids, x)
	}
	assert.Equal(t, PoolSize-1, len(xids))
	tab.Free(xids[0])
	_, _, err := tab.Alloc()
	assert.NoError(t, err)
}
