package wal

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pingcap-incubator/tinyoltp/kv/config"
	"github.com/pingcap-incubator/tinyoltp/kv/fatptr"
	"github.com/pingcap-incubator/tinyoltp/kv/index"
	"github.com/pingcap-incubator/tinyoltp/kv/vos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) (*Manager, *config.Config, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "tinyoltp-wal")
	require.NoError(t, err)
	conf := config.NewTestConfig()
	conf.LogDir = dir
	m, err := NewManager(conf)
	require.NoError(t, err)
	return m, conf, func() {
		m.Stop()
		os.RemoveAll(dir)
	}
}

func TestCommitAndReadBack(t *testing.T) {
	m, _, done := testManager(t)
	defer done()

	tl := m.NewTxLog()
	tl.Insert(DefaultFID, 7, []byte("k7"), []byte("v7"))
	tl.Update(DefaultFID, 7, []byte("v7b"))
	start := m.CurLSN().Offset()
	end := tl.PreCommit()
	require.NotEqual(t, fatptr.InvalidLSN, end)
	tl.Commit()

	buf, err := m.ReadRange(start, end.Offset())
	require.NoError(t, err)
	rec, n, err := decodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, RecordInsert, rec.Kind)
	assert.Equal(t, uint32(7), rec.OID)
	assert.Equal(t, []byte("k7"), rec.Key)
	assert.Equal(t, []byte("v7"), rec.Value)

	rec, n2, err := decodeRecord(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, RecordUpdate, rec.Kind)
	assert.Equal(t, []byte("v7b"), rec.Value)
	assert.Equal(t, uint64(len(buf)), n+n2)
}

func TestDurableFlush(t *testing.T) {
	m, _, done := testManager(t)
	defer done()

	tl := m.NewTxLog()
	tl.Insert(DefaultFID, 1, []byte("k"), []byte("v"))
	end := tl.PreCommit()
	require.NotEqual(t, fatptr.InvalidLSN, end)
	tl.Commit()

	require.NoError(t, m.Flush())
	assert.True(t, m.DurableFlushedLSN().Offset() >= end.Offset())
}

func TestDiscardFillsSkip(t *testing.T) {
	m, _, done := testManager(t)
	defer done()

	t1 := m.NewTxLog()
	t1.Insert(DefaultFID, 1, []byte("a"), []byte("va"))
	t2 := m.NewTxLog()
	t2.Insert(DefaultFID, 2, []byte("b"), []byte("vb"))

	start := m.CurLSN().Offset()
	end1 := t1.PreCommit()
	end2 := t2.PreCommit()
	require.NotEqual(t, fatptr.InvalidLSN, end1)
	require.NotEqual(t, fatptr.InvalidLSN, end2)

	// Resolve out of order: the later transaction commits first.
	t2.Commit()
	t1.Discard()

	buf, err := m.ReadRange(start, end2.Offset())
	require.NoError(t, err)
	rec, n, err := decodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, RecordSkip, rec.Kind)
	assert.Equal(t, end1.Offset()-start, n)

	rec, _, err = decodeRecord(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, RecordInsert, rec.Kind)
	assert.Equal(t, uint32(2), rec.OID)
}

func TestPartialRecordDecode(t *testing.T) {
	var buf []byte
	buf = appendRecord(buf, &Record{Kind: RecordInsert, FID: 1, OID: 3, Key: []byte("k"), Value: []byte("vvvv")})
	_, n, err := decodeRecord(buf[:len(buf)-2])
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestRedoIdempotent(t *testing.T) {
	m, _, done := testManager(t)
	defer done()

	tl := m.NewTxLog()
	tl.Insert(DefaultFID, 4, []byte("k4"), []byte("v1"))
	start := m.CurLSN().Offset()
	require.NotEqual(t, fatptr.InvalidLSN, tl.PreCommit())
	tl.Commit()

	tl2 := m.NewTxLog()
	tl2.Update(DefaultFID, 4, []byte("v2"))
	end := tl2.PreCommit()
	require.NotEqual(t, fatptr.InvalidLSN, end)
	tl2.Commit()

	store := vos.NewStore()
	idx := index.NewBTree()
	next, err := m.RedoWindow(start, end.Offset(), store, idx)
	require.NoError(t, err)
	assert.Equal(t, end.Offset(), next)

	countChain := func() int {
		n := 0
		for obj := store.Begin(4); obj != nil; obj = obj.Next() {
			n++
		}
		return n
	}
	require.Equal(t, 2, countChain())
	headCLSN := store.Begin(4).Tuple().CLSN()

	// Applying the same window twice yields the same chain state.
	next, err = m.RedoWindow(start, end.Offset(), store, idx)
	require.NoError(t, err)
	assert.Equal(t, end.Offset(), next)
	assert.Equal(t, 2, countChain())
	assert.Equal(t, headCLSN, store.Begin(4).Tuple().CLSN())
	assert.Equal(t, []byte("v2"), store.Begin(4).Tuple().Value)

	oid, ok := idx.Search([]byte("k4"))
	require.True(t, ok)
	assert.Equal(t, vos.OID(4), oid)
}

func TestSegmentRotation(t *testing.T) {
	m, conf, done := testManager(t)
	defer done()

	// Push several times the segment size through the log.
	payload := make([]byte, 4000)
	total := conf.LogSegmentBytes * 3
	var written uint64
	oid := vos.OID(1)
	for written < total {
		tl := m.NewTxLog()
		tl.Insert(DefaultFID, oid, []byte("k"), payload)
		require.NotEqual(t, fatptr.InvalidLSN, tl.PreCommit())
		tl.Commit()
		written += uint64(len(payload)) + recordHeaderSize
		oid++
	}
	require.NoError(t, m.Flush())

	segs := m.Segments()
	require.True(t, len(segs) >= 3, "expected rotation, got %d segments", len(segs))
	for i := 1; i < len(segs); i++ {
		assert.Equal(t, segs[i-1].End, segs[i].Start)
		assert.Equal(t, segs[i-1].ID+1, segs[i].ID)
	}
	assert.True(t, m.DurableFlushedLSN().Offset() > conf.LogSegmentBytes)
}

func TestRecoverFromDurableMarker(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinyoltp-wal")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	conf := config.NewTestConfig()
	conf.LogDir = dir

	m, err := NewManager(conf)
	require.NoError(t, err)
	tl := m.NewTxLog()
	tl.Insert(DefaultFID, 9, []byte("k9"), []byte("v9"))
	start := m.CurLSN().Offset()
	end := tl.PreCommit()
	require.NotEqual(t, fatptr.InvalidLSN, end)
	tl.Commit()
	require.NoError(t, m.Stop())

	m2, err := NewManager(conf)
	require.NoError(t, err)
	defer m2.Stop()
	assert.True(t, m2.DurableFlushedLSN().Offset() >= end.Offset())

	// The flushed bytes come back from the segment files.
	buf, err := m2.ReadRange(start, end.Offset())
	require.NoError(t, err)
	rec, _, err := decodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, RecordInsert, rec.Kind)
	assert.Equal(t, []byte("v9"), rec.Value)
}

func TestResetPrimaryLogDir(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinyoltp-wal")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	conf := config.NewTestConfig()
	conf.LogDir = dir

	m, err := NewManager(conf)
	require.NoError(t, err)
	tl := m.NewTxLog()
	tl.Insert(DefaultFID, 1, []byte("k"), []byte("v"))
	require.NotEqual(t, fatptr.InvalidLSN, tl.PreCommit())
	tl.Commit()
	require.NoError(t, m.Stop())

	require.NoError(t, ResetPrimaryLogDir(dir))

	// Segment files survive truncated to zero; markers are gone.
	entries, err := ioutil.ReadDir(dir)
	require.NoError(t, err)
	for _, fi := range entries {
		switch fi.Name()[0] {
		case 'l', 'o':
			assert.Equal(t, int64(0), fi.Size())
		case 'c', 'd', 'n':
			t.Errorf("marker %s survived reset", fi.Name())
		}
	}

	// The reset primary recovers from the log origin.
	m2, err := NewManager(conf)
	require.NoError(t, err)
	defer m2.Stop()
	assert.Equal(t, uint64(logStartOffset), m2.DurableFlushedLSN().Offset())
	assert.Equal(t, uint64(logStartOffset), m2.CurLSN().Offset())
}

func TestCheckpointRoundTrip(t *testing.T) {
	m, _, done := testManager(t)
	defer done()

	store := vos.NewStore()
	idx := index.NewBTree()
	store.EnsureCapacity(10)
	clsn := fatptr.MakeLSN(1, 0, fatptr.InvalidSizeCode).ToLogPtr()
	require.True(t, store.Put(3, vos.NewCommittedObject(clsn, []byte("v3"))))
	require.True(t, store.Put(5, vos.NewCommittedObject(clsn, []byte("v5"))))
	idx.InsertIfAbsent([]byte("k3"), 3)
	idx.InsertIfAbsent([]byte("k5"), 5)

	require.NoError(t, m.TakeCheckpoint(idx, store))

	chkptLSN, ok, err := findMarker(m.Dir(), 'c', chkptMarkerFmt)
	require.NoError(t, err)
	require.True(t, ok)

	store2 := vos.NewStore()
	idx2 := index.NewBTree()
	path := filepath.Join(m.Dir(), fmt.Sprintf(chkptDataFmt, chkptLSN))
	require.NoError(t, LoadCheckpoint(path, chkptLSN, store2, idx2))

	oid, ok := idx2.Search([]byte("k5"))
	require.True(t, ok)
	assert.Equal(t, vos.OID(5), oid)
	assert.Equal(t, []byte("v5"), store2.Begin(oid).Tuple().Value)
}
