package txn

import (
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyoltp/kv/fatptr"
	"github.com/pingcap-incubator/tinyoltp/kv/readers"
	"github.com/pingcap-incubator/tinyoltp/kv/vos"
	"github.com/pingcap-incubator/tinyoltp/kv/xid"
)

// Commit resolves the transaction. Under SSN it runs the certification
// protocol; otherwise plain snapshot isolation publication.
func (t *Txn) Commit() error {
	switch t.xc.State() {
	case xid.StateEmbryo, xid.StateActive:
		t.xc.SetState(xid.StateCommitting)
	default:
		log.Fatalf("txn: commit from state %s", t.xc.State())
	}
	if t.db.conf.SSN {
		return t.ssnCommit()
	}
	return t.siCommit()
}

// siCommit publishes under snapshot isolation alone: reserve the commit
// LSN, append the log, then retag every new version's clsn in one word
// store each. The retag is the publication point; no stamp fields are
// touched.
func (t *Txn) siCommit() error {
	end := t.log.PreCommit()
	if end == fatptr.InvalidLSN {
		return t.signalAbort(ErrInternal)
	}
	t.xc.SetEnd(end)
	t.log.Commit()
	t.xc.SetState(xid.StateCommitted)

	clsn := end.ToLogPtr()
	for _, w := range t.writes {
		w.new.SetCLSN(clsn)
	}
	t.finish()
	return nil
}

// ssnCommit runs the Serial Safety Net certification: compute the
// largest predecessor stamp (eta) from the readers of overwritten
// tuples and the smallest successor stamp (pi) from overwriters of read
// tuples, all during COMMITTING, then check the exclusion window.
func (t *Txn) ssnCommit() error {
	end := t.log.PreCommit()
	if end == fatptr.InvalidLSN {
		return t.signalAbort(ErrInternal)
	}
	if len(t.writes) == 0 {
		// A read-only transaction reserves no log bytes, so the cursor it
		// gets back can equal the commit stamp of the last writer it read
		// from. Its stamp sits one past the cursor, after that writer.
		end = fatptr.MakeLSN(end.Offset()+1, end.Segment(), end.SizeCode())
	}
	t.xc.SetEnd(end)
	cstamp := end.Offset()

	// The read optimization may never have looked at a tuple sstamp; a
	// still-infinite pi becomes the commit stamp itself.
	if t.xc.Sstamp() > cstamp {
		t.xc.SetSstamp(cstamp)
	}

	t.computePstamp(cstamp)
	t.computeSstamp(cstamp)

	if t.xc.Sstamp() <= t.xc.Pstamp() {
		return t.signalAbort(ErrSSNExclusionFailure)
	}

	t.log.Commit()
	t.xc.SetState(xid.StateCommitted)

	// Post-commit: publish the successor stamp on every overwritten
	// tuple, then make the new versions visible by retagging clsn.
	clsn := end.ToLogPtr()
	for _, w := range t.writes {
		if w.overwritten != nil {
			w.overwritten.SetSStamp(t.xc.Sstamp())
		}
		w.new.SetXStamp(cstamp)
		w.new.SetCLSN(clsn)
	}
	for _, r := range t.reads {
		if _, mine := t.overwritten[r.tup]; mine {
			continue
		}
		for {
			x := r.tup.XStamp()
			if x >= cstamp || r.tup.CASXStamp(x, cstamp) {
				break
			}
		}
		readers.Deregister(r.tup, t.slot)
	}
	t.finish()
	return nil
}

// computePstamp folds in the committed readers of every tuple this
// transaction overwrites: each reader that finished before our commit
// stamp is a predecessor.
func (t *Txn) computePstamp(cstamp uint64) {
	begin := int64(t.xc.Begin().Offset())
	for _, w := range t.writes {
		if w.overwritten == nil {
			continue
		}
		age := t.overwrittenAge(w.overwritten, begin)
		if age >= OldVersionThreshold {
			// An old version is assumed read just before us; no reader
			// enumeration can raise pstamp further.
			t.xc.SetPstamp(cstamp - 1)
			break
		}
		// Readers that already committed and deregistered left their
		// mark in the access stamp.
		if x := w.overwritten.XStamp(); t.xc.Pstamp() < x {
			t.xc.SetPstamp(x)
		}
		for _, rx := range t.db.rlist.Iter(w.overwritten) {
			if rx == t.xid {
				continue
			}
			rc := t.db.xids.Get(rx)
			rEnd := rc.End().Offset()
			if rc.Owner() != rx {
				// Recycled between the bitmap read and here; the reader
				// already deregistered at its post-commit.
				continue
			}
			if rEnd != 0 && rEnd < cstamp && xid.WaitForCommitResult(rc, rx) {
				if t.xc.Pstamp() < rEnd {
					t.xc.SetPstamp(rEnd)
				}
			}
		}
	}
}

// overwrittenAge measures how far behind our snapshot the overwritten
// version committed. The clsn may still be a tagged XID of a
// precommitted transaction in post-commit; its end stamp serves then.
func (t *Txn) overwrittenAge(ov *vos.Tuple, begin int64) int64 {
	for {
		clsn := ov.CLSN()
		if clsn.ASIType() == fatptr.ASIXID {
			hx := fatptr.XIDFromPtr(clsn)
			hc := t.db.xids.Get(hx)
			hEnd := hc.End().Offset()
			if hc.Owner() != hx {
				// Recycled: the retag finished, re-read the clsn.
				continue
			}
			return begin - int64(hEnd)
		}
		return begin - int64(clsn.Offset())
	}
}

// computeSstamp folds in the overwriter of every read version: a
// successor that precommitted before our stamp bounds pi.
func (t *Txn) computeSstamp(cstamp uint64) {
	for _, r := range t.reads {
		if _, mine := t.overwritten[r.tup]; mine {
			continue
		}
		ovw := t.db.store.FetchOverwriter(r.oid, fatptr.LSNFromPtr(r.tup.CLSN()))
		if ovw == nil {
			continue
		}
		for {
			sclsn := ovw.CLSN()
			if sclsn.ASIType() != fatptr.ASIXID {
				if ts := r.tup.SStamp(); ts != 0 && ts < t.xc.Sstamp() {
					t.xc.SetSstamp(ts)
				}
				break
			}
			sx := fatptr.XIDFromPtr(sclsn)
			if sx == t.xid {
				break
			}
			sc := t.db.xids.Get(sx)
			sEnd := sc.End().Offset()
			if sc.Owner() != sx {
				// Recycled under us; the clsn must be a log pointer now.
				continue
			}
			if sEnd == 0 || sEnd > cstamp {
				// Not in precommit, or serialized after us; either way
				// no bound on pi.
				break
			}
			if xid.WaitForCommitResult(sc, sx) {
				if sEnd < t.xc.Sstamp() {
					t.xc.SetSstamp(sEnd)
				}
			}
			break
		}
	}
}
