package wal

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sync/atomic"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyoltp/kv/fatptr"
	"github.com/pingcap-incubator/tinyoltp/kv/index"
	"github.com/pingcap-incubator/tinyoltp/kv/util"
	"github.com/pingcap-incubator/tinyoltp/kv/vos"
	"github.com/pingcap/errors"
)

// IndexSnapshotter walks every key binding of an index in key order.
// The ordered index implementation provides it for checkpointing.
type IndexSnapshotter interface {
	Ascend(fn func(key []byte, oid vos.OID) bool)
}

// TakeCheckpoint writes a consistent snapshot of all versions committed
// up to the durable LSN into an `o` data file and records the `c`
// marker. Single-threaded; callers quiesce writers first.
func (m *Manager) TakeCheckpoint(snap IndexSnapshotter, store *vos.Store) error {
	lsn := atomic.LoadUint64(&m.durable)
	var buf []byte
	var count uint32
	snap.Ascend(func(key []byte, oid vos.OID) bool {
		tup := latestCommittedBefore(store, oid, lsn)
		if tup == nil {
			return true
		}
		var hdr [12]byte
		binary.LittleEndian.PutUint32(hdr[0:], uint32(oid))
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(key)))
		binary.LittleEndian.PutUint32(hdr[8:], uint32(len(tup.Value)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, key...)
		buf = append(buf, tup.Value...)
		count++
		return true
	})
	path := filepath.Join(m.dir, fmt.Sprintf(chkptDataFmt, lsn))
	if err := ioutil.WriteFile(path, buf, 0644); err != nil {
		return errors.WithStack(err)
	}
	if err := updateChkptMarker(m.dir, lsn); err != nil {
		return err
	}
	log.Infof("wal: checkpoint at 0x%x, %d objects", lsn, count)
	return nil
}

func latestCommittedBefore(store *vos.Store, oid vos.OID, lsn uint64) *vos.Tuple {
	for obj := store.Begin(oid); obj != nil; obj = obj.Next() {
		c := obj.Tuple().CLSN()
		if c.ASIType() == fatptr.ASILog && c.Offset() <= lsn {
			return obj.Tuple()
		}
	}
	return nil
}

// LoadCheckpoint installs the contents of a checkpoint data file,
// stamping every object with the checkpoint LSN.
func LoadCheckpoint(path string, chkptLSN uint64, store *vos.Store, idx index.Index) error {
	if !util.FileExists(path) {
		return nil
	}
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	clsn := fatptr.MakeLSN(chkptLSN, 0, fatptr.InvalidSizeCode).ToLogPtr()
	for len(buf) >= 12 {
		oid := vos.OID(binary.LittleEndian.Uint32(buf[0:]))
		keyLen := binary.LittleEndian.Uint32(buf[4:])
		valLen := binary.LittleEndian.Uint32(buf[8:])
		total := 12 + uint64(keyLen) + uint64(valLen)
		if uint64(len(buf)) < total {
			return errors.New("wal: truncated checkpoint entry")
		}
		key := append([]byte(nil), buf[12:12+keyLen]...)
		val := append([]byte(nil), buf[12+keyLen:total]...)
		store.EnsureCapacity(oid)
		store.NoteMaxOID(oid)
		store.Put(oid, vos.NewCommittedObject(clsn, val))
		idx.InsertIfAbsent(key, oid)
		buf = buf[total:]
	}
	return nil
}
