package wal

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// Record kinds. A skip record pads the space of a discarded transaction
// so log offsets stay dense; pad bytes fill sub-record gaps left at
// segment boundaries.
const (
	RecordInsert uint8 = 1
	RecordUpdate uint8 = 2
	RecordSkip   uint8 = 3
	RecordPad    uint8 = 4
)

// recordHeaderSize is kind(1) + fid(4) + oid(4) + keyLen(4) + valLen(4).
const recordHeaderSize = 17

// DefaultFID is the only file id this engine logs under.
const DefaultFID uint32 = 1

// A Record is one redo entry in a shipped window: record kind, FID, OID,
// and the payload bytes. Insert records also carry the user key so a
// backup can rebuild its index while tailing the log.
type Record struct {
	Kind  uint8
	FID   uint32
	OID   uint32
	Key   []byte
	Value []byte
}

// EncodedLen returns the on-log size of the record.
func (r *Record) EncodedLen() uint64 {
	return recordHeaderSize + uint64(len(r.Key)) + uint64(len(r.Value))
}

func appendRecord(dst []byte, r *Record) []byte {
	var hdr [recordHeaderSize]byte
	hdr[0] = r.Kind
	binary.LittleEndian.PutUint32(hdr[1:], r.FID)
	binary.LittleEndian.PutUint32(hdr[5:], r.OID)
	binary.LittleEndian.PutUint32(hdr[9:], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(hdr[13:], uint32(len(r.Value)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, r.Key...)
	dst = append(dst, r.Value...)
	return dst
}

// appendSkip fills exactly size bytes: one skip record, or bare pad
// bytes when the gap is smaller than a record header.
func appendSkip(dst []byte, size uint64) []byte {
	if size < recordHeaderSize {
		for i := uint64(0); i < size; i++ {
			dst = append(dst, RecordPad)
		}
		return dst
	}
	r := Record{Kind: RecordSkip, Value: make([]byte, size-recordHeaderSize)}
	return appendRecord(dst, &r)
}

// decodeRecord parses the record starting at buf[0]. It returns the
// record and its encoded length, or 0 when buf holds only a partial
// record (the caller resumes at this offset next window).
func decodeRecord(buf []byte) (Record, uint64, error) {
	if len(buf) == 0 {
		return Record{}, 0, nil
	}
	if buf[0] == RecordPad {
		return Record{Kind: RecordPad}, 1, nil
	}
	if len(buf) < recordHeaderSize {
		return Record{}, 0, nil
	}
	var r Record
	r.Kind = buf[0]
	switch r.Kind {
	case RecordInsert, RecordUpdate, RecordSkip:
	default:
		return Record{}, 0, errors.Errorf("wal: bad record kind %d", r.Kind)
	}
	r.FID = binary.LittleEndian.Uint32(buf[1:])
	r.OID = binary.LittleEndian.Uint32(buf[5:])
	keyLen := binary.LittleEndian.Uint32(buf[9:])
	valLen := binary.LittleEndian.Uint32(buf[13:])
	total := recordHeaderSize + uint64(keyLen) + uint64(valLen)
	if uint64(len(buf)) < total {
		return Record{}, 0, nil
	}
	r.Key = buf[recordHeaderSize : recordHeaderSize+keyLen]
	r.Value = buf[recordHeaderSize+uint64(keyLen) : total]
	return r, total, nil
}
