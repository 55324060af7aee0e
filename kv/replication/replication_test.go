package replication

import (
	"fmt"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinyoltp/kv/config"
	"github.com/pingcap-incubator/tinyoltp/kv/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConf(t *testing.T) (*config.Config, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "tinyoltp-rep")
	require.NoError(t, err)
	conf := config.NewTestConfig()
	conf.LogDir = dir
	conf.PrimaryAddr = "127.0.0.1:0"
	return conf, func() { os.RemoveAll(dir) }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func commitInsert(t *testing.T, db *txn.DB, key, value string) {
	t.Helper()
	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Insert([]byte(key), []byte(value)))
	require.NoError(t, tx.Commit())
}

func readCommitted(t *testing.T, db *txn.DB, key string) []byte {
	t.Helper()
	tx, err := db.Begin()
	require.NoError(t, err)
	v, err := tx.Read([]byte(key))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return v
}

// Round trip through the sync replay pipeline: data committed on the
// primary after a persistence ack is readable by a backup transaction
// started after that ack.
func TestSyncReplayRoundTrip(t *testing.T) {
	pconf, pdone := testConf(t)
	defer pdone()
	bconf, bdone := testConf(t)
	defer bdone()

	pdb, err := txn.Open(pconf)
	require.NoError(t, err)
	primary := NewPrimary(pconf, pdb.Log())
	require.NoError(t, primary.Start())
	pdb.Log().StartFlusher()

	// Committed before the backup attaches: covered by startup tails.
	commitInsert(t, pdb, "before", "b0")
	require.NoError(t, pdb.Log().Flush())

	bconf.IsBackup = true
	bconf.PrimaryAddr = primary.Addr()
	bconf.ReplayPolicy = config.ReplaySync
	bconf.PersistPolicy = config.PersistSync
	backup, err := StartBackup(bconf)
	require.NoError(t, err)

	// The materialized tails replay during recovery.
	waitFor(t, "startup replay", func() bool {
		return readCommitted(t, backup.DB(), "before") != nil
	})
	assert.Equal(t, []byte("b0"), readCommitted(t, backup.DB(), "before"))

	// Live stream: ship, persist, replay, ack.
	for i := 0; i < 5; i++ {
		commitInsert(t, pdb, fmt.Sprintf("live%d", i), fmt.Sprintf("v%d", i))
	}
	require.NoError(t, pdb.Log().Flush())
	durable := pdb.Log().DurableFlushedLSN().Offset()

	waitFor(t, "live replay", func() bool {
		return backup.ReplayedLSNOffset() >= durable
	})
	// Persistence ack implies the flusher caught up too.
	assert.True(t, backup.PersistedLSNOffset() >= durable)

	for i := 0; i < 5; i++ {
		v := readCommitted(t, backup.DB(), fmt.Sprintf("live%d", i))
		assert.Equal(t, []byte(fmt.Sprintf("v%d", i)), v)
	}

	require.NoError(t, backup.Stop())
	primary.Stop()
	require.NoError(t, pdb.Stop())
}

// Pipelined replay acks persistence without waiting for redo; the
// replayed watermark still catches up.
func TestPipelinedReplay(t *testing.T) {
	pconf, pdone := testConf(t)
	defer pdone()
	bconf, bdone := testConf(t)
	defer bdone()

	pdb, err := txn.Open(pconf)
	require.NoError(t, err)
	primary := NewPrimary(pconf, pdb.Log())
	require.NoError(t, primary.Start())
	pdb.Log().StartFlusher()

	bconf.IsBackup = true
	bconf.PrimaryAddr = primary.Addr()
	bconf.ReplayPolicy = config.ReplayPipelined
	bconf.PersistPolicy = config.PersistSync
	backup, err := StartBackup(bconf)
	require.NoError(t, err)

	commitInsert(t, pdb, "k", "v")
	require.NoError(t, pdb.Log().Flush())
	durable := pdb.Log().DurableFlushedLSN().Offset()

	waitFor(t, "pipelined replay", func() bool {
		return backup.ReplayedLSNOffset() >= durable
	})
	assert.Equal(t, []byte("v"), readCommitted(t, backup.DB(), "k"))

	require.NoError(t, backup.Stop())
	primary.Stop()
	require.NoError(t, pdb.Stop())
}

// Persist-only backups persist without replaying.
func TestReplayNone(t *testing.T) {
	pconf, pdone := testConf(t)
	defer pdone()
	bconf, bdone := testConf(t)
	defer bdone()

	pdb, err := txn.Open(pconf)
	require.NoError(t, err)
	primary := NewPrimary(pconf, pdb.Log())
	require.NoError(t, primary.Start())
	pdb.Log().StartFlusher()

	bconf.IsBackup = true
	bconf.PrimaryAddr = primary.Addr()
	bconf.ReplayPolicy = config.ReplayNone
	bconf.PersistPolicy = config.PersistSync
	backup, err := StartBackup(bconf)
	require.NoError(t, err)

	commitInsert(t, pdb, "k", "v")
	require.NoError(t, pdb.Log().Flush())
	durable := pdb.Log().DurableFlushedLSN().Offset()

	waitFor(t, "persist", func() bool {
		return backup.PersistedLSNOffset() >= durable
	})

	require.NoError(t, backup.Stop())
	primary.Stop()
	require.NoError(t, pdb.Stop())
}

func TestStartMetadataRoundTrip(t *testing.T) {
	md := &BackupStartMetadata{
		ChkptMarker:   "c0000000000000080",
		DurableMarker: "d0000000000000100",
		NxtMarker:     "n00000001",
		ChkptStartLSN: 0x80,
		ChkptSize:     123,
		Segments: []SegmentInfo{
			{ID: 0, Start: 0, End: 0x10000, TailStart: 0x80, TailSize: 0x80},
		},
	}
	got, err := decodeStartMetadata(md.encode())
	require.NoError(t, err)
	assert.Equal(t, md, got)
}

func TestPrepareStartMetadataScan(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinyoltp-md")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	write := func(name string, size int) {
		require.NoError(t, ioutil.WriteFile(
			dir+"/"+name, make([]byte, size), 0644))
	}
	write(fmt.Sprintf("l%08x-%016x-%016x", 0, 0, 0x10000), 0x200)
	write(fmt.Sprintf("d%016x", 0x200), 0)
	write(fmt.Sprintf("n%08x", 1), 0)

	md, chkptPath, err := PrepareStartMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, "", chkptPath)
	require.Len(t, md.Segments, 1)
	// Without a checkpoint, tails start at the log origin and cover the
	// durable bytes.
	assert.Equal(t, uint64(logStartOffset), md.Segments[0].TailStart)
	assert.Equal(t, uint64(0x200-logStartOffset), md.Segments[0].TailSize)
}
