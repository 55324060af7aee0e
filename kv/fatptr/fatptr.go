package fatptr

import (
	"fmt"
	"sync/atomic"
)

// A FatPtr is a single 64-bit word carrying an offset plus a 3-bit
// address-space identifier (ASI) in the low bits. The ASI tells a reader
// what the offset means without a second memory access: a log offset, an
// in-memory object handle, or an XID. Bits 3-7 hold a size-class code.
//
// Layout (low to high): [3 bits ASI][5 bits size code][56 bits offset].
type FatPtr uint64

// Address space identifiers.
const (
	ASILog uint8 = 0
	ASIHot uint8 = 1
	ASIXID uint8 = 2
)

const (
	asiBits      = 3
	sizeCodeBits = 5
	metaBits     = asiBits + sizeCodeBits

	asiMask      = uint64(1<<asiBits) - 1
	sizeCodeMask = uint64(1<<sizeCodeBits) - 1

	// InvalidSizeCode marks a pointer whose size class is unknown.
	InvalidSizeCode = uint8(sizeCodeMask)
)

// Null is the zero fat pointer. Its ASI decodes as ASILog with offset 0,
// which no valid log record occupies.
const Null FatPtr = 0

// Make packs an offset, size code and ASI tag into one word.
func Make(offset uint64, sizeCode uint8, asi uint8) FatPtr {
	return FatPtr(offset<<metaBits | uint64(sizeCode&uint8(sizeCodeMask))<<asiBits | uint64(asi)&asiMask)
}

// Offset returns the 56-bit offset portion.
func (p FatPtr) Offset() uint64 {
	return uint64(p) >> metaBits
}

// ASIType returns the address-space identifier in the low 3 bits.
func (p FatPtr) ASIType() uint8 {
	return uint8(uint64(p) & asiMask)
}

// SizeCode returns the 5-bit size-class code.
func (p FatPtr) SizeCode() uint8 {
	return uint8(uint64(p) >> asiBits & sizeCodeMask)
}

func (p FatPtr) String() string {
	return fmt.Sprintf("fatptr{asi=%d sz=%d off=0x%x}", p.ASIType(), p.SizeCode(), p.Offset())
}

// An LSN is a log sequence number: a byte offset into the log address
// space plus the id of the segment holding it and a size code, packed
// into one word. Its layout differs from a fat pointer's; ToLogPtr and
// LSNFromPtr repack the offset and size code between the two.
//
// Layout (low to high): [8 bits segment][5 bits size code][51 bits offset].
type LSN uint64

const (
	segmentBits = 8
	segmentMask = uint64(1<<segmentBits) - 1

	lsnMetaBits = segmentBits + sizeCodeBits
)

// InvalidLSN is the zero LSN; no committed record carries it.
const InvalidLSN LSN = 0

// MakeLSN packs an offset, segment id and size code.
func MakeLSN(offset uint64, segment uint8, sizeCode uint8) LSN {
	return LSN(offset<<lsnMetaBits | uint64(sizeCode&uint8(sizeCodeMask))<<segmentBits | uint64(segment)&segmentMask)
}

// Offset returns the log offset.
func (l LSN) Offset() uint64 {
	return uint64(l) >> lsnMetaBits
}

// Segment returns the id of the segment holding the offset.
func (l LSN) Segment() uint8 {
	return uint8(uint64(l) & segmentMask)
}

// SizeCode returns the size-class code.
func (l LSN) SizeCode() uint8 {
	return uint8(uint64(l) >> segmentBits & sizeCodeMask)
}

// ToLogPtr retags the LSN offset as an ASILog fat pointer. This is the
// word a committed tuple carries in its clsn.
func (l LSN) ToLogPtr() FatPtr {
	return Make(l.Offset(), l.SizeCode(), ASILog)
}

// LSNFromPtr recovers the log offset of an ASILog fat pointer. The
// segment id is not carried through the round trip; callers that need it
// resolve the offset against the segment table.
func LSNFromPtr(p FatPtr) LSN {
	return MakeLSN(p.Offset(), 0, p.SizeCode())
}

func (l LSN) String() string {
	return fmt.Sprintf("lsn{seg=%d off=0x%x}", l.Segment(), l.Offset())
}

// An XID names a transaction. The low 16 bits index the context pool;
// the high bits carry the slot's incarnation so a recycled slot never
// reissues an equal XID. The zero XID is never allocated.
type XID uint64

// InvalidXID is the zero XID.
const InvalidXID XID = 0

const xidSlotBits = 16

// MakeXID builds an XID from a pool slot and its incarnation counter.
func MakeXID(slot uint32, incarnation uint64) XID {
	return XID(incarnation<<xidSlotBits | uint64(slot)&(1<<xidSlotBits-1))
}

// Slot returns the context-pool index.
func (x XID) Slot() uint32 {
	return uint32(uint64(x) & (1<<xidSlotBits - 1))
}

// ToPtr tags the XID as an ASIXID fat pointer, the form an uncommitted
// tuple carries in its clsn.
func (x XID) ToPtr() FatPtr {
	return Make(uint64(x), InvalidSizeCode, ASIXID)
}

// XIDFromPtr recovers the XID from an ASIXID fat pointer.
func XIDFromPtr(p FatPtr) XID {
	return XID(p.Offset())
}

func (x XID) String() string {
	return fmt.Sprintf("xid-%d.%d", x.Slot(), uint64(x)>>xidSlotBits)
}

// The stamp words shared across threads (clsn, sstamp, xstamp, chain
// heads) are plain uint64 fields read and written through these helpers.
// Go's atomic package gives sequentially consistent single-word
// semantics, which subsumes the relaxed-load-plus-fence discipline the
// protocol needs.

// LoadPtr atomically loads a fat-pointer word.
func LoadPtr(addr *uint64) FatPtr {
	return FatPtr(atomic.LoadUint64(addr))
}

// StorePtr atomically stores a fat-pointer word.
func StorePtr(addr *uint64, p FatPtr) {
	atomic.StoreUint64(addr, uint64(p))
}

// CASPtr atomically swaps old for new, returning false if the word
// changed underneath.
func CASPtr(addr *uint64, old, new FatPtr) bool {
	return atomic.CompareAndSwapUint64(addr, uint64(old), uint64(new))
}
