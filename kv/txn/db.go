package txn

import (
	"sync"

	"github.com/pingcap-incubator/tinyoltp/kv/config"
	"github.com/pingcap-incubator/tinyoltp/kv/index"
	"github.com/pingcap-incubator/tinyoltp/kv/readers"
	"github.com/pingcap-incubator/tinyoltp/kv/vos"
	"github.com/pingcap-incubator/tinyoltp/kv/wal"
	"github.com/pingcap-incubator/tinyoltp/kv/xid"
)

// OldVersionThreshold is the LSN age beyond which a version is treated
// as read-mode: readers skip SSN bookkeeping on it, and an overwriter
// must assume it was read by a transaction committing just before it.
const OldVersionThreshold = int64(0xffffffff)

// DB assembles the transactional core: the versioned object store, the
// ordered key index, the XID context table, the reader registry, and the
// log manager.
type DB struct {
	conf  *config.Config
	store *vos.Store
	idx   *index.BTree
	xids  *xid.Table
	rlist *readers.List
	lm    *wal.Manager

	allocPool sync.Pool
}

// Open builds a DB over the log directory in conf.
func Open(conf *config.Config) (*DB, error) {
	lm, err := wal.NewManager(conf)
	if err != nil {
		return nil, err
	}
	return newDB(conf, lm), nil
}

// OpenWithLog builds a DB over an existing log manager. Backups share
// the manager between replication and the replayed store.
func OpenWithLog(conf *config.Config, lm *wal.Manager) *DB {
	return newDB(conf, lm)
}

func newDB(conf *config.Config, lm *wal.Manager) *DB {
	db := &DB{
		conf:  conf,
		store: vos.NewStore(),
		idx:   index.NewBTree(),
		xids:  xid.NewTable(),
		rlist: readers.NewList(),
		lm:    lm,
	}
	db.allocPool.New = func() interface{} { return db.store.NewAllocator() }
	return db
}

func (db *DB) Store() *vos.Store   { return db.store }
func (db *DB) Index() *index.BTree { return db.idx }
func (db *DB) Log() *wal.Manager   { return db.lm }

func (db *DB) allocOID() vos.OID {
	a := db.allocPool.Get().(*vos.OIDAllocator)
	oid := a.Alloc()
	db.allocPool.Put(a)
	return oid
}

// Begin starts a transaction. Its begin LSN snapshots the current log
// cursor; under SSN the transaction also claims a reader slot.
func (db *DB) Begin() (*Txn, error) {
	x, xc, err := db.xids.Alloc()
	if err != nil {
		return nil, err
	}
	slot := readers.NoSlot
	if db.conf.SSN {
		slot = db.rlist.Enlist(x)
	}
	t := &Txn{
		db:     db,
		xid:    x,
		xc:     xc,
		slot:   slot,
		log:    db.lm.NewTxLog(),
		byHead: make(map[*vos.Tuple]int),
	}
	xc.SetBegin(db.lm.CurLSN())
	return t, nil
}

// Checkpoint flushes the log and persists a consistent snapshot of the
// store. A no-op unless checkpointing is enabled.
func (db *DB) Checkpoint() error {
	if !db.conf.EnableChkpt {
		return nil
	}
	if err := db.lm.Flush(); err != nil {
		return err
	}
	return db.lm.TakeCheckpoint(db.idx, db.store)
}

// Stop flushes and closes the log.
func (db *DB) Stop() error {
	return db.lm.Stop()
}
