package readers

import (
	"math/bits"
	"sync/atomic"

	"github.com/pingcap-incubator/tinyoltp/kv/fatptr"
	"github.com/pingcap-incubator/tinyoltp/kv/vos"
)

// MaxReaders caps the number of transactions that may be registered as
// readers of one tuple at a time. Each concurrently running reader
// transaction claims one global slot; per-tuple membership is a bitmap
// over the slots.
const MaxReaders = 24

// NoSlot marks a transaction that could not claim a reader slot. Its
// reads fall back to the conservative sstamp path instead of blocking.
const NoSlot = -1

// A List is the dense reader registry: a global slot-to-XID array plus a
// per-tuple bitmap stored on the tuple itself.
type List struct {
	xids [MaxReaders]uint64 // fatptr.XID per slot, 0 when free
}

// NewList returns an empty registry.
func NewList() *List {
	return &List{}
}

// Enlist claims a slot for a running transaction. Returns NoSlot when all
// slots are taken; the transaction then reads without registering.
func (l *List) Enlist(x fatptr.XID) int {
	for i := 0; i < MaxReaders; i++ {
		if atomic.LoadUint64(&l.xids[i]) == 0 &&
			atomic.CompareAndSwapUint64(&l.xids[i], 0, uint64(x)) {
			return i
		}
	}
	return NoSlot
}

// Delist releases a slot claimed by Enlist.
func (l *List) Delist(slot int) {
	if slot == NoSlot {
		return
	}
	atomic.StoreUint64(&l.xids[slot], 0)
}

// SlotXID returns the XID currently occupying a slot, or InvalidXID.
func (l *List) SlotXID(slot int) fatptr.XID {
	return fatptr.XID(atomic.LoadUint64(&l.xids[slot]))
}

// Register records slot as a reader of t, provided no overwriter has
// committed over t yet. Returns false when the tuple already carries a
// successor stamp: the read lost the race and the caller takes the
// sstamp path instead.
func Register(t *vos.Tuple, slot int) bool {
	if slot == NoSlot {
		return false
	}
	bit := uint64(1) << uint(slot)
	for {
		if t.SStamp() != 0 {
			return false
		}
		old := t.ReadersBits()
		if t.CASReadersBits(old, old|bit) {
			return true
		}
	}
}

// Deregister clears slot from t's reader bitmap.
func Deregister(t *vos.Tuple, slot int) {
	if slot == NoSlot {
		return
	}
	bit := uint64(1) << uint(slot)
	for {
		old := t.ReadersBits()
		if old&bit == 0 {
			return
		}
		if t.CASReadersBits(old, old&^bit) {
			return
		}
	}
}

// Iter returns the XIDs registered as readers of t at the time of the
// call. A concurrent clear during iteration undercounts, which is safe:
// the cleared reader committed after recording its xstamp.
func (l *List) Iter(t *vos.Tuple) []fatptr.XID {
	bm := t.ReadersBits()
	var out []fatptr.XID
	for bm != 0 {
		i := bits.TrailingZeros64(bm)
		bm &= bm - 1
		if x := l.SlotXID(i); x != fatptr.InvalidXID {
			out = append(out, x)
		}
	}
	return out
}
