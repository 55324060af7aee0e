package vos

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pingcap-incubator/tinyoltp/kv/fatptr"
	"github.com/pingcap-incubator/tinyoltp/kv/xid"
)

// OID is a stable 32-bit object identifier indexing the version chain
// table.
type OID uint32

// A Tuple is one immutable version of a record plus the stamp words the
// concurrency control protocol mutates. clsn carries a tagged XID while
// the creating transaction is in flight and a tagged LSN once it
// committed; the single-word retag is the publication point. sstamp
// transitions exactly once from 0 to the committed overwriter's successor
// stamp (pi), which is at most its commit offset. xstamp only moves up.
type Tuple struct {
	clsn    uint64 // fatptr.FatPtr: ASIXID in flight, ASILog committed
	sstamp  uint64 // overwriter's successor stamp, 0 until overwritten
	xstamp  uint64 // latest reader commit offset
	readers uint64 // reader-slot bitmap, maintained by kv/readers
	Value   []byte
}

func (t *Tuple) CLSN() fatptr.FatPtr     { return fatptr.LoadPtr(&t.clsn) }
func (t *Tuple) SetCLSN(p fatptr.FatPtr) { fatptr.StorePtr(&t.clsn, p) }
func (t *Tuple) SStamp() uint64          { return atomic.LoadUint64(&t.sstamp) }
func (t *Tuple) SetSStamp(v uint64)      { atomic.StoreUint64(&t.sstamp, v) }
func (t *Tuple) XStamp() uint64          { return atomic.LoadUint64(&t.xstamp) }
func (t *Tuple) SetXStamp(v uint64)      { atomic.StoreUint64(&t.xstamp, v) }

// CASXStamp advances xstamp from old to new, failing if a concurrent
// reader got there first.
func (t *Tuple) CASXStamp(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(&t.xstamp, old, new)
}

func (t *Tuple) ReadersBits() uint64 { return atomic.LoadUint64(&t.readers) }
func (t *Tuple) CASReadersBits(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(&t.readers, old, new)
}

// An Object is one link of a version chain: an atomically maintained
// next pointer plus the tuple payload.
type Object struct {
	next unsafe.Pointer // *Object
	tup  Tuple
}

// NewObject allocates a chain link holding value, with clsn tagged as the
// creator's XID.
func NewObject(creator fatptr.XID, value []byte) *Object {
	o := &Object{}
	o.tup.Value = value
	o.tup.SetCLSN(creator.ToPtr())
	return o
}

// NewCommittedObject allocates a chain link whose clsn already carries a
// committed log pointer. Backup redo and checkpoint loading install
// these directly.
func NewCommittedObject(clsn fatptr.FatPtr, value []byte) *Object {
	o := &Object{}
	o.tup.Value = value
	o.tup.SetCLSN(clsn)
	return o
}

func (o *Object) Tuple() *Tuple { return &o.tup }

// Next returns the older neighbor in the chain.
func (o *Object) Next() *Object {
	return (*Object)(atomic.LoadPointer(&o.next))
}

func (o *Object) storeNext(n *Object) {
	atomic.StorePointer(&o.next, unsafe.Pointer(n))
}

// OIDExtentSize is the number of OIDs handed to a worker per request to
// the global allocator.
const OIDExtentSize = 8192

const (
	blockShift = 14
	blockSize  = 1 << blockShift
	blockMask  = blockSize - 1
)

type oidBlock [blockSize]unsafe.Pointer

// Store maps OID to head-of-version-chain. Cells are single words
// accessed by atomic load and compare-and-swap; the backing array grows
// in fixed blocks so cell addresses stay stable across growth.
type Store struct {
	growMu  sync.Mutex
	blocks  atomic.Value // []*oidBlock
	nextOID uint64
}

// NewStore returns an empty store with one block allocated.
func NewStore() *Store {
	s := &Store{}
	s.blocks.Store([]*oidBlock{new(oidBlock)})
	return s
}

// Size reports the number of OIDs handed out so far.
func (s *Store) Size() uint64 {
	return atomic.LoadUint64(&s.nextOID)
}

func (s *Store) loadBlocks() []*oidBlock {
	return s.blocks.Load().([]*oidBlock)
}

// EnsureCapacity grows the table until oid is addressable.
func (s *Store) EnsureCapacity(oid OID) {
	need := int(oid)>>blockShift + 1
	if len(s.loadBlocks()) >= need {
		return
	}
	s.growMu.Lock()
	blocks := s.loadBlocks()
	for len(blocks) < need {
		blocks = append(blocks, new(oidBlock))
	}
	s.blocks.Store(blocks)
	s.growMu.Unlock()
}

// NoteMaxOID advances the global allocation cursor past oid. Backup redo
// calls this while installing primary-assigned OIDs so a later promotion
// does not reissue them.
func (s *Store) NoteMaxOID(oid OID) {
	for {
		cur := atomic.LoadUint64(&s.nextOID)
		if cur > uint64(oid) {
			return
		}
		if atomic.CompareAndSwapUint64(&s.nextOID, cur, uint64(oid)+1) {
			return
		}
	}
}

// AllocExtent claims OIDExtentSize consecutive OIDs from the global
// cursor and pre-grows the table with 10% headroom.
func (s *Store) AllocExtent() uint64 {
	off := atomic.AddUint64(&s.nextOID, OIDExtentSize) - OIDExtentSize
	end := off + OIDExtentSize
	s.EnsureCapacity(OID(end + end/10))
	return off
}

// An OIDAllocator carves single OIDs out of per-worker extents so the
// global cursor is touched once per 8192 allocations. Not safe for
// concurrent use; keep one per worker.
type OIDAllocator struct {
	s         *Store
	next      uint64
	remaining uint64
}

func (s *Store) NewAllocator() *OIDAllocator {
	return &OIDAllocator{s: s}
}

func (a *OIDAllocator) Alloc() OID {
	if a.remaining == 0 {
		a.next = a.s.AllocExtent()
		a.remaining = OIDExtentSize
	}
	oid := OID(a.next)
	a.next++
	a.remaining--
	return oid
}

func (s *Store) cell(oid OID) *unsafe.Pointer {
	return &s.loadBlocks()[oid>>blockShift][oid&blockMask]
}

// Begin loads the current chain head for oid.
func (s *Store) Begin(oid OID) *Object {
	return (*Object)(atomic.LoadPointer(s.cell(oid)))
}

// Put installs head into an empty cell. Returns false if the cell is
// occupied.
func (s *Store) Put(oid OID, head *Object) bool {
	s.EnsureCapacity(oid)
	return atomic.CompareAndSwapPointer(s.cell(oid), nil, unsafe.Pointer(head))
}

// PutNext installs new over old. With overwrite set (a transaction
// replacing its own in-flight head) the repeated version is skipped:
// new.next takes old.next and the head is stored unconditionally, so the
// chain keeps only the latest in-flight version. Otherwise the head is
// swapped by compare-and-swap and new.next takes old.
func (s *Store) PutNext(oid OID, old, new *Object, overwrite bool) bool {
	if overwrite {
		new.storeNext(old.Next())
		atomic.StorePointer(s.cell(oid), unsafe.Pointer(new))
		return true
	}
	new.storeNext(old)
	return atomic.CompareAndSwapPointer(s.cell(oid), unsafe.Pointer(old), unsafe.Pointer(new))
}

// Unlink removes the chain head, which must be the sole uncommitted
// version holding tup. Only the creating transaction may call this, on
// its abort path.
func (s *Store) Unlink(oid OID, tup *Tuple) {
	head := s.Begin(oid)
	if head == nil || head.Tuple() != tup {
		panic("vos: unlink target is not the chain head")
	}
	if !atomic.CompareAndSwapPointer(s.cell(oid), unsafe.Pointer(head), unsafe.Pointer(head.Next())) {
		// No two transactions touch the same in-flight head, so the CAS
		// can only fail on protocol violation.
		panic("vos: chain head changed under unlink")
	}
}

// FetchVisible walks the chain for oid and returns the first version
// visible to the visitor under snapshot isolation, or nil. The visitor's
// own uncommitted write is visible to itself. A context-recycle race
// observed mid-walk restarts the traversal.
func (s *Store) FetchVisible(oid OID, self fatptr.XID, visitor *xid.Context, xids *xid.Table) *Tuple {
	begin := visitor.Begin().Offset()
restart:
	for {
		for obj := s.Begin(oid); obj != nil; obj = obj.Next() {
			clsn := obj.Tuple().CLSN()
			if clsn.ASIType() == fatptr.ASIXID {
				holder := fatptr.XIDFromPtr(clsn)
				if holder == self {
					return obj.Tuple()
				}
				hc := xids.Get(holder)
				state := hc.State()
				end := hc.End()
				if hc.Owner() != holder {
					// Recycled under us; the head may have changed too.
					continue restart
				}
				if state != xid.StateCommitted {
					continue
				}
				// Committed but post-commit retag not finished yet.
				if end == fatptr.InvalidLSN || end.Offset() > begin {
					continue
				}
				return obj.Tuple()
			}
			if clsn.Offset() <= begin {
				return obj.Tuple()
			}
		}
		return nil
	}
}

// FetchOverwriter returns the version immediately newer than the
// committed version stamped clsn, or nil when that version is still the
// chain head. The result's clsn may itself still be a tagged XID of a
// precommitted overwriter.
func (s *Store) FetchOverwriter(oid OID, clsn fatptr.LSN) *Tuple {
	var newer *Object
	for obj := s.Begin(oid); obj != nil; obj = obj.Next() {
		c := obj.Tuple().CLSN()
		if c.ASIType() == fatptr.ASILog && c.Offset() == clsn.Offset() {
			if newer == nil {
				return nil
			}
			return newer.Tuple()
		}
		newer = obj
	}
	return nil
}

// Update installs new as the head for oid according to the overwrite
// permission matrix. It returns the overwritten tuple, whether the
// install replaced the writer's own in-flight head in place, and whether
// the install was permitted. A refusal is a write-write conflict and the
// caller aborts.
func (s *Store) Update(oid OID, new *Object, self fatptr.XID, writer *xid.Context, xids *xid.Table) (prev *Tuple, inPlace bool, ok bool) {
	for {
		head := s.Begin(oid)
		if head == nil {
			return nil, false, false
		}
		clsn := head.Tuple().CLSN()
		if clsn.ASIType() == fatptr.ASIXID {
			holder := fatptr.XIDFromPtr(clsn)
			if holder == self {
				s.PutNext(oid, head, new, true)
				return head.Tuple(), true, true
			}
			hc := xids.Get(holder)
			state := hc.State()
			if hc.Owner() != holder {
				// The holder finished and was recycled; re-read the head.
				continue
			}
			if state != xid.StateCommitted {
				// In-flight, committing or aborted holder: refuse.
				return nil, false, false
			}
			// Pre-committed, post-commit unfinished: normal chain extend.
			if s.PutNext(oid, head, new, false) {
				return head.Tuple(), false, true
			}
			return nil, false, false
		}
		if clsn.Offset() > writer.Begin().Offset() {
			return nil, false, false
		}
		if s.PutNext(oid, head, new, false) {
			return head.Tuple(), false, true
		}
		return nil, false, false
	}
}
