package fatptr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFatPtrPacking(t *testing.T) {
	p := Make(0xdeadbeef, 7, ASIHot)
	assert.Equal(t, uint64(0xdeadbeef), p.Offset())
	assert.Equal(t, uint8(7), p.SizeCode())
	assert.Equal(t, ASIHot, p.ASIType())

	// The tag must be observable from the packed word alone.
	assert.Equal(t, ASILog, Make(100, InvalidSizeCode, ASILog).ASIType())
	assert.Equal(t, ASIXID, Make(100, InvalidSizeCode, ASIXID).ASIType())
}

func TestNullPtr(t *testing.T) {
	assert.Equal(t, ASILog, Null.ASIType())
	assert.Equal(t, uint64(0), Null.Offset())
}

func TestLSNRoundTrip(t *testing.T) {
	l := MakeLSN(0x123456, 3, 9)
	assert.Equal(t, uint64(0x123456), l.Offset())
	assert.Equal(t, uint8(3), l.Segment())
	assert.Equal(t, uint8(9), l.SizeCode())

	p := l.ToLogPtr()
	assert.Equal(t, ASILog, p.ASIType())
	assert.Equal(t, l.Offset(), p.Offset())
	assert.Equal(t, l.Offset(), LSNFromPtr(p).Offset())
}

func TestXIDRoundTrip(t *testing.T) {
	x := MakeXID(42, 7)
	assert.Equal(t, uint32(42), x.Slot())

	p := x.ToPtr()
	assert.Equal(t, ASIXID, p.ASIType())
	assert.Equal(t, x, XIDFromPtr(p))

	// Recycling the slot must change the XID.
	assert.NotEqual(t, x, MakeXID(42, 8))
}

func TestAtomicHelpers(t *testing.T) {
	var word uint64
	StorePtr(&word, Make(55, 1, ASIHot))
	assert.Equal(t, uint64(55), LoadPtr(&word).Offset())

	old := LoadPtr(&word)
	assert.True(t, CASPtr(&word, old, Make(66, 1, ASIHot)))
	assert.False(t, CASPtr(&word, old, Make(77, 1, ASIHot)))
	assert.Equal(t, uint64(66), LoadPtr(&word).Offset())
}
