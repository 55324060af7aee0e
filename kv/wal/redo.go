package wal

import (
	"github.com/pingcap-incubator/tinyoltp/kv/fatptr"
	"github.com/pingcap-incubator/tinyoltp/kv/index"
	"github.com/pingcap-incubator/tinyoltp/kv/vos"
)

// Redo applies shipped log records into a backup's object store and
// index. Each record is stamped with the log offset of its own end, a
// deterministic value consistent with commit order, which makes replay
// idempotent: a version already carrying the record's stamp is skipped.

// RedoWindowPartition replays the records in [start, end) whose OID
// falls in the given partition. All partitions of a window return the
// same next-start offset: the beginning of the first incomplete trailing
// record, where the next window resumes.
func (m *Manager) RedoWindowPartition(start, end uint64, store *vos.Store, idx index.Index, part, nparts int) (uint64, error) {
	buf, err := m.ReadRange(start, end)
	if err != nil {
		return start, err
	}
	off := start
	for off < end {
		rec, n, err := decodeRecord(buf[off-start:])
		if err != nil {
			return off, err
		}
		if n == 0 {
			// Partial trailing record; resume here next window.
			return off, nil
		}
		recEnd := off + n
		if (rec.Kind == RecordInsert || rec.Kind == RecordUpdate) && int(rec.OID)%nparts == part {
			applyRecord(&rec, recEnd, store, idx)
		}
		off = recEnd
	}
	return off, nil
}

// RedoWindow replays every partition of [start, end) in the calling
// goroutine. The background replayer under async persistence uses this.
func (m *Manager) RedoWindow(start, end uint64, store *vos.Store, idx index.Index) (uint64, error) {
	return m.RedoWindowPartition(start, end, store, idx, 0, 1)
}

func applyRecord(rec *Record, recEnd uint64, store *vos.Store, idx index.Index) {
	oid := vos.OID(rec.OID)
	clsn := fatptr.MakeLSN(recEnd, 0, fatptr.InvalidSizeCode).ToLogPtr()
	val := append([]byte(nil), rec.Value...)

	switch rec.Kind {
	case RecordInsert:
		store.EnsureCapacity(oid)
		store.NoteMaxOID(oid)
		obj := vos.NewCommittedObject(clsn, val)
		// A failed install means the chain already exists: the insert
		// was replayed before.
		store.Put(oid, obj)
		if len(rec.Key) > 0 {
			idx.InsertIfAbsent(append([]byte(nil), rec.Key...), oid)
		}
	case RecordUpdate:
		store.EnsureCapacity(oid)
		store.NoteMaxOID(oid)
		for {
			head := store.Begin(oid)
			if head == nil {
				obj := vos.NewCommittedObject(clsn, val)
				if store.Put(oid, obj) {
					return
				}
				continue
			}
			if chainContains(head, recEnd) {
				return
			}
			if head.Tuple().CLSN().Offset() > recEnd {
				// A newer record was already applied; replaying an old
				// window must not reorder the chain.
				return
			}
			obj := vos.NewCommittedObject(clsn, val)
			if store.PutNext(oid, head, obj, false) {
				return
			}
		}
	}
}

func chainContains(head *vos.Object, offset uint64) bool {
	for obj := head; obj != nil; obj = obj.Next() {
		c := obj.Tuple().CLSN()
		if c.ASIType() == fatptr.ASILog && c.Offset() == offset {
			return true
		}
	}
	return false
}
