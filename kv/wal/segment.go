package wal

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// Log directory layout. The filename prefix distinguishes the role:
//
//	l<seg>-<start>-<end>  log segment
//	o<lsn>                checkpoint data
//	c<lsn>                checkpoint marker
//	d<lsn>                durable-LSN marker
//	n<seg>                next-segment marker
const (
	segmentNameFmt = "l%08x-%016x-%016x"
	chkptDataFmt   = "o%016x"
	chkptMarkerFmt = "c%016x"
	durableFmt     = "d%016x"
	nxtSegFmt      = "n%08x"
)

// A Segment is one log file covering the offset range [Start, End).
type Segment struct {
	ID    uint32
	Start uint64
	End   uint64

	path string
	f    *os.File
}

func segmentFileName(id uint32, start, end uint64) string {
	return fmt.Sprintf(segmentNameFmt, id, start, end)
}

func parseSegmentFileName(name string) (id uint32, start, end uint64, ok bool) {
	n, err := fmt.Sscanf(name, segmentNameFmt, &id, &start, &end)
	return id, start, end, err == nil && n == 3
}

func openSegment(dir string, id uint32, start, end uint64) (*Segment, error) {
	path := filepath.Join(dir, segmentFileName(id, start, end))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Segment{ID: id, Start: start, End: end, path: path, f: f}, nil
}

// WriteAt writes buf at the absolute log offset off and syncs.
func (s *Segment) WriteAt(buf []byte, off uint64) error {
	if off < s.Start || off+uint64(len(buf)) > s.End {
		return errors.Errorf("wal: write [%d,%d) outside segment %d [%d,%d)",
			off, off+uint64(len(buf)), s.ID, s.Start, s.End)
	}
	if _, err := s.f.WriteAt(buf, int64(off-s.Start)); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(s.f.Sync())
}

// ReadAt fills buf from the absolute log offset off.
func (s *Segment) ReadAt(buf []byte, off uint64) error {
	if _, err := s.f.ReadAt(buf, int64(off-s.Start)); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Contains reports whether the absolute offset falls in this segment.
func (s *Segment) Contains(off uint64) bool {
	return off >= s.Start && off < s.End
}

// FileSize returns the current on-disk size of the segment file.
func (s *Segment) FileSize() (uint64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return uint64(fi.Size()), nil
}

func (s *Segment) Close() error {
	return errors.WithStack(s.f.Close())
}

// updateMarker atomically replaces the single marker file with the given
// prefix by a freshly named one.
func updateMarker(dir string, prefix byte, name string) error {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := f.Close(); err != nil {
		return errors.WithStack(err)
	}
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, fi := range entries {
		n := fi.Name()
		if len(n) > 0 && n[0] == prefix && n != name {
			if err := os.Remove(filepath.Join(dir, n)); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	return nil
}

func updateDurableMarker(dir string, off uint64) error {
	return updateMarker(dir, 'd', fmt.Sprintf(durableFmt, off))
}

func updateNxtSegMarker(dir string, seg uint32) error {
	return updateMarker(dir, 'n', fmt.Sprintf(nxtSegFmt, seg))
}

func updateChkptMarker(dir string, off uint64) error {
	return updateMarker(dir, 'c', fmt.Sprintf(chkptMarkerFmt, off))
}

// findMarker returns the numeric suffix of the unique marker file with
// the given prefix, or false when absent.
func findMarker(dir string, prefix byte, format string) (uint64, bool, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return 0, false, errors.WithStack(err)
	}
	for _, fi := range entries {
		n := fi.Name()
		if len(n) > 0 && n[0] == prefix && !strings.ContainsRune(n, '-') {
			var v uint64
			if _, err := fmt.Sscanf(n, format, &v); err == nil {
				return v, true, nil
			}
		}
	}
	return 0, false, nil
}

// scanSegments lists the log segments in dir ordered by id.
func scanSegments(dir string) ([]*Segment, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var segs []*Segment
	for _, fi := range entries {
		id, start, end, ok := parseSegmentFileName(fi.Name())
		if !ok {
			continue
		}
		s, err := openSegment(dir, id, start, end)
		if err != nil {
			return nil, err
		}
		segs = append(segs, s)
	}
	for i := 1; i < len(segs); i++ {
		for j := i; j > 0 && segs[j].ID < segs[j-1].ID; j-- {
			segs[j], segs[j-1] = segs[j-1], segs[j]
		}
	}
	return segs, nil
}

// TruncateFilesInLogDir truncates every segment and checkpoint data file
// in dir. Used when a primary is reset at a checkpoint boundary.
func TruncateFilesInLogDir(dir string) error {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, fi := range entries {
		n := fi.Name()
		if len(n) == 0 || (n[0] != 'l' && n[0] != 'o') {
			continue
		}
		if err := os.Truncate(filepath.Join(dir, n), 0); err != nil {
			return errors.WithStack(err)
		}
		log.Debugf("truncated %s", n)
	}
	return nil
}

// ResetPrimaryLogDir resets a primary's log directory: segment and
// checkpoint data files are truncated and the markers removed, so the
// next Manager recovers from the log origin. Must run before the
// Manager opens the directory.
func ResetPrimaryLogDir(dir string) error {
	if err := TruncateFilesInLogDir(dir); err != nil {
		return err
	}
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, fi := range entries {
		n := fi.Name()
		if len(n) == 0 {
			continue
		}
		switch n[0] {
		case 'c', 'd', 'n':
			if err := os.Remove(filepath.Join(dir, n)); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	log.Infof("wal: reset log dir %s", dir)
	return nil
}
