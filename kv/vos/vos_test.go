package vos

import (
	"testing"

	"github.com/pingcap-incubator/tinyoltp/kv/fatptr"
	"github.com/pingcap-incubator/tinyoltp/kv/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logPtr(off uint64) fatptr.FatPtr {
	return fatptr.MakeLSN(off, 0, fatptr.InvalidSizeCode).ToLogPtr()
}

func visitor(t *testing.T, tab *xid.Table, begin uint64) (fatptr.XID, *xid.Context) {
	t.Helper()
	x, xc, err := tab.Alloc()
	require.NoError(t, err)
	xc.SetBegin(fatptr.MakeLSN(begin, 0, fatptr.InvalidSizeCode))
	xc.SetState(xid.StateActive)
	return x, xc
}

func TestPutAndBegin(t *testing.T) {
	s := NewStore()
	s.EnsureCapacity(7)
	obj := NewCommittedObject(logPtr(100), []byte("a"))
	assert.True(t, s.Put(7, obj))
	assert.False(t, s.Put(7, NewCommittedObject(logPtr(101), []byte("b"))))
	assert.Equal(t, obj, s.Begin(7))
}

func TestExtentAllocator(t *testing.T) {
	s := NewStore()
	a := s.NewAllocator()
	first := a.Alloc()
	for i := 1; i < OIDExtentSize; i++ {
		assert.Equal(t, first+OID(i), a.Alloc())
	}
	b := s.NewAllocator()
	next := b.Alloc()
	assert.Equal(t, first+OIDExtentSize, next)

	// Crossing into a fresh extent must keep the table addressable.
	s.Put(next, NewCommittedObject(logPtr(1), nil))
	assert.NotNil(t, s.Begin(next))
}

func TestNoteMaxOID(t *testing.T) {
	s := NewStore()
	s.NoteMaxOID(99)
	assert.True(t, s.Size() >= 100)
	s.NoteMaxOID(5)
	assert.True(t, s.Size() >= 100)
}

func TestChainOrderAndVisibility(t *testing.T) {
	s := NewStore()
	tab := xid.NewTable()
	s.EnsureCapacity(5)

	v1 := NewCommittedObject(logPtr(200), []byte("A"))
	require.True(t, s.Put(5, v1))
	v2 := NewCommittedObject(logPtr(300), []byte("B"))
	require.True(t, s.PutNext(5, v1, v2, false))

	// Committed clsn offsets decrease from head to tail.
	head := s.Begin(5)
	assert.Equal(t, uint64(300), head.Tuple().CLSN().Offset())
	assert.Equal(t, uint64(200), head.Next().Tuple().CLSN().Offset())
	assert.Nil(t, head.Next().Next())

	rx, rc := visitor(t, tab, 250)
	tup := s.FetchVisible(5, rx, rc, tab)
	require.NotNil(t, tup)
	assert.Equal(t, []byte("A"), tup.Value)

	rx2, rc2 := visitor(t, tab, 350)
	tup = s.FetchVisible(5, rx2, rc2, tab)
	require.NotNil(t, tup)
	assert.Equal(t, []byte("B"), tup.Value)

	rx3, rc3 := visitor(t, tab, 100)
	assert.Nil(t, s.FetchVisible(5, rx3, rc3, tab))
}

func TestOwnWriteVisible(t *testing.T) {
	s := NewStore()
	tab := xid.NewTable()
	s.EnsureCapacity(3)
	wx, wc := visitor(t, tab, 400)

	obj := NewObject(wx, []byte("mine"))
	require.True(t, s.Put(3, obj))

	tup := s.FetchVisible(3, wx, wc, tab)
	require.NotNil(t, tup)
	assert.Equal(t, []byte("mine"), tup.Value)

	// Another snapshot must not see the uncommitted head.
	ox, oc := visitor(t, tab, 500)
	assert.Nil(t, s.FetchVisible(3, ox, oc, tab))
}

func TestUpdatePermissionMatrix(t *testing.T) {
	s := NewStore()
	tab := xid.NewTable()

	// Committed head newer than the writer's snapshot: refuse.
	s.EnsureCapacity(1)
	require.True(t, s.Put(1, NewCommittedObject(logPtr(200), []byte("x"))))
	wx, wc := visitor(t, tab, 150)
	_, _, ok := s.Update(1, NewObject(wx, []byte("y")), wx, wc, tab)
	assert.False(t, ok)

	// Committed head at or before the snapshot: permit.
	wx2, wc2 := visitor(t, tab, 250)
	prev, inPlace, ok := s.Update(1, NewObject(wx2, []byte("y")), wx2, wc2, tab)
	require.True(t, ok)
	assert.False(t, inPlace)
	assert.Equal(t, uint64(200), prev.CLSN().Offset())

	// In-flight head of another transaction: refuse.
	ox, oc := visitor(t, tab, 300)
	_, _, ok = s.Update(1, NewObject(ox, []byte("z")), ox, oc, tab)
	assert.False(t, ok)

	// Holder in COMMITTING: refuse.
	wc2.SetState(xid.StateCommitting)
	_, _, ok = s.Update(1, NewObject(ox, []byte("z")), ox, oc, tab)
	assert.False(t, ok)

	// Holder pre-committed but post-commit unfinished: permit, normal
	// chain extend.
	wc2.SetEnd(fatptr.MakeLSN(260, 0, fatptr.InvalidSizeCode))
	wc2.SetState(xid.StateCommitted)
	prev, inPlace, ok = s.Update(1, NewObject(ox, []byte("z")), ox, oc, tab)
	require.True(t, ok)
	assert.False(t, inPlace)
	require.NotNil(t, prev)
}

func TestRepeatedOverwriteCollapses(t *testing.T) {
	s := NewStore()
	tab := xid.NewTable()
	s.EnsureCapacity(3)
	require.True(t, s.Put(3, NewCommittedObject(logPtr(100), []byte("base"))))

	wx, wc := visitor(t, tab, 200)
	first := NewObject(wx, []byte("v1"))
	prev, inPlace, ok := s.Update(3, first, wx, wc, tab)
	require.True(t, ok)
	assert.False(t, inPlace)
	assert.Equal(t, []byte("base"), prev.Value)

	second := NewObject(wx, []byte("v2"))
	prev, inPlace, ok = s.Update(3, second, wx, wc, tab)
	require.True(t, ok)
	assert.True(t, inPlace)
	assert.Equal(t, first.Tuple(), prev)

	// The first in-flight version is no longer reachable from the chain.
	head := s.Begin(3)
	assert.Equal(t, second.Tuple(), head.Tuple())
	assert.Equal(t, []byte("base"), head.Next().Tuple().Value)
	assert.Nil(t, head.Next().Next())

	// At most one version carries an XID tag.
	tagged := 0
	for obj := head; obj != nil; obj = obj.Next() {
		if obj.Tuple().CLSN().ASIType() == fatptr.ASIXID {
			tagged++
		}
	}
	assert.Equal(t, 1, tagged)

	// Abort unlinks only the current head.
	s.Unlink(3, second.Tuple())
	head = s.Begin(3)
	assert.Equal(t, []byte("base"), head.Tuple().Value)
}

func TestFetchOverwriter(t *testing.T) {
	s := NewStore()
	s.EnsureCapacity(9)
	v1 := NewCommittedObject(logPtr(350), []byte("A"))
	require.True(t, s.Put(9, v1))

	assert.Nil(t, s.FetchOverwriter(9, fatptr.MakeLSN(350, 0, fatptr.InvalidSizeCode)))

	v2 := NewCommittedObject(logPtr(420), []byte("B"))
	require.True(t, s.PutNext(9, v1, v2, false))
	ov := s.FetchOverwriter(9, fatptr.MakeLSN(350, 0, fatptr.InvalidSizeCode))
	require.NotNil(t, ov)
	assert.Equal(t, uint64(420), ov.CLSN().Offset())
}

func TestContextRecycleRestart(t *testing.T) {
	s := NewStore()
	tab := xid.NewTable()
	s.EnsureCapacity(2)

	// A version tagged with an XID whose context is then freed and
	// reissued: the creator retags before the free, so the traversal
	// finds the log stamp and resolves to the committed version without
	// consulting the reissued context.
	wx, _ := visitor(t, tab, 100)
	obj := NewObject(wx, []byte("v"))
	require.True(t, s.Put(2, obj))

	// The creator commits: retag, then free.
	obj.Tuple().SetCLSN(logPtr(150))
	tab.Free(wx)
	_, _, err := tab.Alloc() // reissue the slot
	require.NoError(t, err)

	rx, rc := visitor(t, tab, 160)
	tup := s.FetchVisible(2, rx, rc, tab)
	require.NotNil(t, tup)
	assert.Equal(t, []byte("v"), tup.Value)
}
