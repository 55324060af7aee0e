package txn

import (
	"github.com/pingcap-incubator/tinyoltp/kv/fatptr"
	"github.com/pingcap-incubator/tinyoltp/kv/readers"
	"github.com/pingcap-incubator/tinyoltp/kv/vos"
	"github.com/pingcap-incubator/tinyoltp/kv/wal"
	"github.com/pingcap-incubator/tinyoltp/kv/xid"
)

type writeRecord struct {
	new         *vos.Tuple
	oid         vos.OID
	overwritten *vos.Tuple // nil for inserts
}

type readRecord struct {
	tup *vos.Tuple
	oid vos.OID
}

// A Txn runs reads and writes against one snapshot and resolves by
// Commit or Abort exactly once. Not safe for concurrent use by multiple
// goroutines.
type Txn struct {
	db   *DB
	xid  fatptr.XID
	xc   *xid.Context
	slot int
	log  *wal.TxLog

	writes []writeRecord
	// byHead finds the write record whose in-flight version is the
	// current chain head, for same-transaction overwrites.
	byHead map[*vos.Tuple]int
	// overwritten marks tuples this transaction replaced, so the commit
	// read loops skip reads of its own write targets.
	overwritten map[*vos.Tuple]struct{}
	reads       []readRecord

	resolved bool
}

// XID returns the transaction identifier.
func (t *Txn) XID() fatptr.XID { return t.xid }

func (t *Txn) ensureActive() {
	if t.xc.State() == xid.StateEmbryo {
		t.xc.SetState(xid.StateActive)
	}
}

// Read returns the value of key visible in this snapshot, or nil when
// the key does not exist. Under SSN the read also maintains the
// transaction's stamps and may abort early on exclusion failure.
func (t *Txn) Read(key []byte) ([]byte, error) {
	t.ensureActive()
	oid, ok := t.db.idx.Search(key)
	if !ok {
		return nil, nil
	}
	tup := t.db.store.FetchVisible(oid, t.xid, t.xc, t.db.xids)
	if tup == nil {
		return nil, nil
	}
	if t.db.conf.SSN {
		if err := t.ssnRead(oid, tup); err != nil {
			return nil, err
		}
	}
	return tup.Value, nil
}

// ssnRead applies the post-read stamp maintenance for a committed
// version. Old versions skip reader registration entirely; they
// implicitly assume an access stamp just below their clsn, which is safe
// but pessimistic.
func (t *Txn) ssnRead(oid vos.OID, tup *vos.Tuple) error {
	clsn := tup.CLSN()
	if clsn.ASIType() != fatptr.ASILog {
		// Own in-flight write; no stamps to maintain.
		return nil
	}
	age := int64(t.xc.Begin().Offset()) - int64(clsn.Offset())
	if age >= OldVersionThreshold {
		return nil
	}
	if t.xc.Pstamp() < clsn.Offset() {
		t.xc.SetPstamp(clsn.Offset())
	}
	registered := false
	if tup.SStamp() == 0 {
		if readers.Register(tup, t.slot) {
			t.reads = append(t.reads, readRecord{tup: tup, oid: oid})
			registered = true
		}
	}
	if !registered {
		if ts := tup.SStamp(); ts != 0 {
			if t.xc.Sstamp() > ts {
				t.xc.SetSstamp(ts)
			}
		} else {
			// No slot and no successor yet: conservatively assume an
			// anti-dependency at our own begin.
			if b := t.xc.Begin().Offset(); t.xc.Sstamp() > b {
				t.xc.SetSstamp(b)
			}
		}
	}
	if t.xc.Sstamp() <= t.xc.Pstamp() {
		return t.signalAbort(ErrSSNExclusionFailure)
	}
	return nil
}

// Update installs a new version of key's object. Refusal by the version
// store aborts with ErrWriteWriteConflict; so does an update of a key
// that is not bound in the index. A repeated update by this
// transaction replaces its own in-flight version in place; the chain
// keeps only the latest.
func (t *Txn) Update(key, value []byte) error {
	t.ensureActive()
	oid, ok := t.db.idx.Search(key)
	if !ok {
		return t.signalAbort(ErrWriteWriteConflict)
	}
	obj := vos.NewObject(t.xid, value)
	prev, inPlace, ok := t.db.store.Update(oid, obj, t.xid, t.xc, t.db.xids)
	if !ok {
		return t.signalAbort(ErrWriteWriteConflict)
	}
	t.log.Update(wal.DefaultFID, oid, value)
	if inPlace {
		i := t.byHead[prev]
		t.writes[i].new = obj.Tuple()
		delete(t.byHead, prev)
		t.byHead[obj.Tuple()] = i
		return nil
	}
	t.writes = append(t.writes, writeRecord{new: obj.Tuple(), oid: oid, overwritten: prev})
	t.byHead[obj.Tuple()] = len(t.writes) - 1
	if t.overwritten == nil {
		t.overwritten = make(map[*vos.Tuple]struct{})
	}
	t.overwritten[prev] = struct{}{}
	return nil
}

// Insert reserves an OID, installs the first version, and binds key in
// the ordered index. ErrKeyExists reports a duplicate without aborting
// the transaction.
func (t *Txn) Insert(key, value []byte) error {
	t.ensureActive()
	oid := t.db.allocOID()
	obj := vos.NewObject(t.xid, value)
	if !t.db.store.Put(oid, obj) {
		return t.signalAbort(ErrInternal)
	}
	if !t.db.idx.InsertIfAbsent(key, oid) {
		t.db.store.Unlink(oid, obj.Tuple())
		return ErrKeyExists
	}
	t.log.Insert(wal.DefaultFID, oid, key, value)
	t.writes = append(t.writes, writeRecord{new: obj.Tuple(), oid: oid})
	t.byHead[obj.Tuple()] = len(t.writes) - 1
	return nil
}

// Abort voluntarily rolls the transaction back.
func (t *Txn) Abort() {
	if t.resolved {
		return
	}
	t.abortImpl()
	t.finish()
}

// signalAbort rolls back and surfaces reason to the caller.
func (t *Txn) signalAbort(reason error) error {
	t.abortImpl()
	t.finish()
	return reason
}

// abortImpl undoes every write, deregisters every read, and discards the
// staged log. The state moves to ABORTED before the discard on every
// path, so no reader can observe a half-published version of a
// transaction whose log is already gone.
func (t *Txn) abortImpl() {
	t.xc.SetState(xid.StateAborted)
	for _, w := range t.writes {
		t.db.store.Unlink(w.oid, w.new)
	}
	if t.db.conf.SSN {
		for _, r := range t.reads {
			readers.Deregister(r.tup, t.slot)
		}
	}
	t.log.Discard()
}

// finish releases the reader slot and recycles the context. Every tuple
// reference to this XID is gone by now: aborts unlinked them, commits
// retagged them.
func (t *Txn) finish() {
	if t.db.conf.SSN {
		t.db.rlist.Delist(t.slot)
	}
	t.db.xids.Free(t.xid)
	t.resolved = true
}
