package replication

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pingcap-incubator/tinyoltp/kv/util"
	"github.com/pkg/errors"
)

// SegmentInfo describes one log segment tail a new backup must
// materialize before it can tail the live stream.
type SegmentInfo struct {
	ID        uint32
	Start     uint64
	End       uint64
	TailStart uint64
	TailSize  uint64
}

// BackupStartMetadata is the blob a primary sends a newly attached
// backup: the checkpoint and durability markers, the checkpoint data
// size, and the tail extent of every log segment. The backup uses it to
// materialize a consistent starting point before tailing the log.
type BackupStartMetadata struct {
	ChkptMarker   string
	DurableMarker string
	NxtMarker     string
	ChkptStartLSN uint64
	ChkptSize     uint64
	ChkptCRC      uint32
	Segments      []SegmentInfo
}

// logStartOffset mirrors the log manager's first reservable offset.
const logStartOffset = 1

// PrepareStartMetadata scans the primary's log directory by filename
// prefix and builds the metadata blob plus the path of the checkpoint
// data file (empty when no checkpoint exists). Single-threaded; runs
// only during backup attachment.
func PrepareStartMetadata(dir string) (*BackupStartMetadata, string, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, "", errors.WithStack(err)
	}
	md := &BackupStartMetadata{ChkptStartLSN: logStartOffset}
	chkptPath := ""
	for _, fi := range entries {
		name := fi.Name()
		if len(name) == 0 {
			continue
		}
		switch name[0] {
		case 'c':
			md.ChkptMarker = name
		case 'd':
			md.DurableMarker = name
		case 'n':
			md.NxtMarker = name
		case 'o':
			var lsn uint64
			if _, err := fmt.Sscanf(name, "o%016x", &lsn); err != nil {
				return nil, "", errors.Errorf("rep: unrecognized checkpoint file %q", name)
			}
			md.ChkptStartLSN = lsn
			md.ChkptSize = uint64(fi.Size())
			chkptPath = filepath.Join(dir, name)
			crc, err := util.CalcCRC32(chkptPath)
			if err != nil {
				return nil, "", err
			}
			md.ChkptCRC = crc
		case 'l':
			var id uint32
			var start, end uint64
			if _, err := fmt.Sscanf(name, "l%08x-%016x-%016x", &id, &start, &end); err != nil {
				return nil, "", errors.Errorf("rep: unrecognized segment file %q", name)
			}
			md.Segments = append(md.Segments, SegmentInfo{
				ID: id, Start: start, End: end,
				TailSize: uint64(fi.Size()),
			})
		case '.':
		default:
			return nil, "", errors.Errorf("rep: unrecognized file name %q", name)
		}
	}
	var durable uint64
	if md.DurableMarker != "" {
		if _, err := fmt.Sscanf(md.DurableMarker, "d%016x", &durable); err != nil {
			return nil, "", errors.Errorf("rep: bad durable marker %q", md.DurableMarker)
		}
	}
	for i := range md.Segments {
		s := &md.Segments[i]
		tailStart := s.Start
		if tailStart < md.ChkptStartLSN {
			tailStart = md.ChkptStartLSN
		}
		written := durable
		if written > s.End {
			written = s.End
		}
		s.TailStart = tailStart
		if written > tailStart {
			s.TailSize = written - tailStart
		} else {
			s.TailSize = 0
		}
	}
	return md, chkptPath, nil
}

func (md *BackupStartMetadata) encode() []byte {
	var out []byte
	putStr := func(s string) {
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
		out = append(out, l[:]...)
		out = append(out, s...)
	}
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(md.Segments)))
	out = append(out, n[:]...)
	putStr(md.ChkptMarker)
	putStr(md.DurableMarker)
	putStr(md.NxtMarker)
	var w [20]byte
	binary.LittleEndian.PutUint64(w[0:], md.ChkptStartLSN)
	binary.LittleEndian.PutUint64(w[8:], md.ChkptSize)
	binary.LittleEndian.PutUint32(w[16:], md.ChkptCRC)
	out = append(out, w[:]...)
	for _, s := range md.Segments {
		var b [36]byte
		binary.LittleEndian.PutUint32(b[0:], s.ID)
		binary.LittleEndian.PutUint64(b[4:], s.Start)
		binary.LittleEndian.PutUint64(b[12:], s.End)
		binary.LittleEndian.PutUint64(b[20:], s.TailStart)
		binary.LittleEndian.PutUint64(b[28:], s.TailSize)
		out = append(out, b[:]...)
	}
	return out
}

func decodeStartMetadata(buf []byte) (*BackupStartMetadata, error) {
	md := &BackupStartMetadata{}
	getStr := func() (string, error) {
		if len(buf) < 2 {
			return "", errors.New("rep: short metadata blob")
		}
		l := int(binary.LittleEndian.Uint16(buf))
		buf = buf[2:]
		if len(buf) < l {
			return "", errors.New("rep: short metadata blob")
		}
		s := string(buf[:l])
		buf = buf[l:]
		return s, nil
	}
	if len(buf) < 4 {
		return nil, errors.New("rep: short metadata blob")
	}
	nseg := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	var err error
	if md.ChkptMarker, err = getStr(); err != nil {
		return nil, err
	}
	if md.DurableMarker, err = getStr(); err != nil {
		return nil, err
	}
	if md.NxtMarker, err = getStr(); err != nil {
		return nil, err
	}
	if len(buf) < 20+int(nseg)*36 {
		return nil, errors.New("rep: short metadata blob")
	}
	md.ChkptStartLSN = binary.LittleEndian.Uint64(buf[0:])
	md.ChkptSize = binary.LittleEndian.Uint64(buf[8:])
	md.ChkptCRC = binary.LittleEndian.Uint32(buf[16:])
	buf = buf[20:]
	for i := uint32(0); i < nseg; i++ {
		md.Segments = append(md.Segments, SegmentInfo{
			ID:        binary.LittleEndian.Uint32(buf[0:]),
			Start:     binary.LittleEndian.Uint64(buf[4:]),
			End:       binary.LittleEndian.Uint64(buf[12:]),
			TailStart: binary.LittleEndian.Uint64(buf[20:]),
			TailSize:  binary.LittleEndian.Uint64(buf[28:]),
		})
		buf = buf[36:]
	}
	return md, nil
}

// materialize recreates the primary's log-dir starting point in the
// backup's own log directory: markers, checkpoint data, segment files
// with their tails in place.
func (md *BackupStartMetadata) materialize(dir string, chkptData []byte, tails [][]byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.WithStack(err)
	}
	touch := func(name string) error {
		if name == "" {
			return nil
		}
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return errors.WithStack(err)
		}
		return errors.WithStack(f.Close())
	}
	if err := touch(md.ChkptMarker); err != nil {
		return err
	}
	if err := touch(md.DurableMarker); err != nil {
		return err
	}
	if err := touch(md.NxtMarker); err != nil {
		return err
	}
	if len(chkptData) > 0 {
		name := fmt.Sprintf("o%016x", md.ChkptStartLSN)
		if err := ioutil.WriteFile(filepath.Join(dir, name), chkptData, 0644); err != nil {
			return errors.WithStack(err)
		}
	}
	for i, s := range md.Segments {
		name := fmt.Sprintf("l%08x-%016x-%016x", s.ID, s.Start, s.End)
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return errors.WithStack(err)
		}
		if s.TailSize > 0 {
			if _, err := f.WriteAt(tails[i], int64(s.TailStart-s.Start)); err != nil {
				f.Close()
				return errors.WithStack(err)
			}
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return errors.WithStack(err)
		}
		if err := f.Close(); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
