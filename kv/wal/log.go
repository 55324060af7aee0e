package wal

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyoltp/kv/config"
	"github.com/pingcap-incubator/tinyoltp/kv/fatptr"
	"github.com/pingcap-incubator/tinyoltp/kv/util"
	"github.com/pingcap-incubator/tinyoltp/kv/vos"
	"github.com/pingcap/errors"
)

// logStartOffset is the first reservable offset. Offset 0 stays unused
// so InvalidLSN never names a record.
const logStartOffset = 1

type resState int

const (
	resPending resState = iota
	resCommitted
	resDiscarded
)

// A reservation is a pre-committed byte range of the log. Commit fills
// it with the transaction's staged records; Discard fills it with a skip
// record so offsets stay dense either way.
type reservation struct {
	off   uint64
	size  uint64
	state resState
	bytes []byte
}

// Manager owns the log address space: it reserves monotonic LSNs, keeps
// the in-memory log buffer, and persists it to segment files in group
// commit windows. One Manager runs per process, primary or backup.
type Manager struct {
	conf *config.Config
	dir  string

	mu      sync.Mutex
	cur     uint64 // next offset to reserve
	bufBase uint64 // offset of buf[0]
	buf     []byte // finalized bytes [bufBase, bufBase+len(buf))
	resq    []*reservation
	bounds  []uint64 // record-aligned offsets flush windows may end at

	flushMu sync.Mutex // serializes flushThrough

	durable uint64 // atomic: highest offset persisted to segment files

	segMu    sync.Mutex
	segments []*Segment
	active   int

	flushCh chan struct{}
	closer  *util.Closer
	wg      sync.WaitGroup

	// onFlush receives each freshly durable window; the replication
	// primary hooks log shipping here. Called outside mu, in flush
	// order.
	onFlush func(buf []byte, start, end uint64, newSeg bool, newSegStart uint64)
}

// NewManager opens (or creates) the log in conf.LogDir. Existing
// segments and the durable marker are recovered; bytes past the marker
// are discarded.
func NewManager(conf *config.Config) (*Manager, error) {
	if err := os.MkdirAll(conf.LogDir, 0755); err != nil {
		return nil, errors.WithStack(err)
	}
	m := &Manager{
		conf:    conf,
		dir:     conf.LogDir,
		flushCh: make(chan struct{}, 1),
		closer:  util.NewCloser(),
	}
	segs, err := scanSegments(conf.LogDir)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		seg, err := openSegment(conf.LogDir, 0, 0, conf.LogSegmentBytes)
		if err != nil {
			return nil, err
		}
		segs = []*Segment{seg}
		if err := updateDurableMarker(conf.LogDir, logStartOffset); err != nil {
			return nil, err
		}
		if err := updateNxtSegMarker(conf.LogDir, 1); err != nil {
			return nil, err
		}
	}
	m.segments = segs
	durable, ok, err := findMarker(conf.LogDir, 'd', durableFmt)
	if err != nil {
		return nil, err
	}
	if !ok {
		durable = logStartOffset
	}
	atomic.StoreUint64(&m.durable, durable)
	m.cur = durable
	m.bufBase = durable
	for i, s := range m.segments {
		if s.Contains(durable) {
			m.active = i
		}
	}
	return m, nil
}

// SetOnFlush installs the durable-window hook. Must be called before
// StartFlusher.
func (m *Manager) SetOnFlush(fn func(buf []byte, start, end uint64, newSeg bool, newSegStart uint64)) {
	m.onFlush = fn
}

// CurLSN returns the highest LSN reserved so far.
func (m *Manager) CurLSN() fatptr.LSN {
	m.mu.Lock()
	off := m.cur
	m.mu.Unlock()
	return m.lsnAt(off)
}

// DurableFlushedLSN returns the highest LSN guaranteed persistent.
func (m *Manager) DurableFlushedLSN() fatptr.LSN {
	return m.lsnAt(atomic.LoadUint64(&m.durable))
}

func (m *Manager) lsnAt(off uint64) fatptr.LSN {
	m.segMu.Lock()
	seg := m.segments[m.active]
	for _, s := range m.segments {
		if s.Contains(off) {
			seg = s
		}
	}
	m.segMu.Unlock()
	return fatptr.MakeLSN(off, uint8(seg.ID), fatptr.InvalidSizeCode)
}

// NewTxLog opens a per-transaction log stream.
func (m *Manager) NewTxLog() *TxLog {
	return &TxLog{m: m}
}

// A TxLog stages a transaction's redo records privately until
// PreCommit/Commit move them into the shared log buffer.
type TxLog struct {
	m      *Manager
	staged []byte
	res    *reservation
}

// Insert stages the first version of an object, carrying the user key so
// backups can rebuild their index from the log alone.
func (t *TxLog) Insert(fid uint32, oid vos.OID, key, value []byte) {
	t.staged = appendRecord(t.staged, &Record{Kind: RecordInsert, FID: fid, OID: uint32(oid), Key: key, Value: value})
}

// Update stages a new version of an existing object.
func (t *TxLog) Update(fid uint32, oid vos.OID, value []byte) {
	t.staged = appendRecord(t.staged, &Record{Kind: RecordUpdate, FID: fid, OID: uint32(oid), Value: value})
}

// PreCommit reserves the transaction's byte range and returns its commit
// LSN, or InvalidLSN when the log is shut down.
func (t *TxLog) PreCommit() fatptr.LSN {
	m := t.m
	size := uint64(len(t.staged))
	if size > m.conf.LogSegmentBytes {
		return fatptr.InvalidLSN
	}
	m.mu.Lock()
	if m.closer.IsClosed() {
		m.mu.Unlock()
		return fatptr.InvalidLSN
	}
	if size > 0 {
		// A transaction's records never cross a segment boundary; pad
		// the remainder of the segment instead.
		boundary := (m.cur/m.conf.LogSegmentBytes + 1) * m.conf.LogSegmentBytes
		if m.cur+size > boundary {
			m.resq = append(m.resq, &reservation{off: m.cur, size: boundary - m.cur, state: resDiscarded})
			m.cur = boundary
		}
	}
	r := &reservation{off: m.cur, size: size}
	m.cur += r.size
	m.resq = append(m.resq, r)
	end := r.off + r.size
	m.mu.Unlock()
	t.res = r
	return m.lsnAt(end)
}

// Commit finalizes the reservation made by PreCommit with the staged
// bytes and kicks the flusher.
func (t *TxLog) Commit() {
	m := t.m
	m.mu.Lock()
	t.res.state = resCommitted
	t.res.bytes = t.staged
	m.drainLocked()
	m.mu.Unlock()
	m.kickFlusher()
}

// Discard voids the staged transaction. After PreCommit, the reserved
// range is filled with a skip record (the abort record) so the log stays
// dense.
func (t *TxLog) Discard() {
	if t.res == nil {
		t.staged = nil
		return
	}
	m := t.m
	m.mu.Lock()
	t.res.state = resDiscarded
	m.drainLocked()
	m.mu.Unlock()
	m.kickFlusher()
}

// drainLocked moves finalized reservations, in offset order, into the
// contiguous log buffer.
func (m *Manager) drainLocked() {
	for len(m.resq) > 0 && m.resq[0].state != resPending {
		r := m.resq[0]
		m.resq = m.resq[1:]
		switch r.state {
		case resCommitted:
			m.buf = append(m.buf, r.bytes...)
		case resDiscarded:
			if r.size > 0 {
				m.buf = appendSkip(m.buf, r.size)
			}
		}
		if r.size > 0 {
			m.bounds = append(m.bounds, r.off+r.size)
		}
		r.bytes = nil
	}
}

// AppendShipped appends a received log window on a backup. Windows
// arrive in offset order from the primary; the returned range feeds the
// replay pipeline.
func (m *Manager) AppendShipped(chunk []byte) (start, end uint64) {
	m.mu.Lock()
	start = m.cur
	m.buf = append(m.buf, chunk...)
	m.cur += uint64(len(chunk))
	end = m.cur
	if len(chunk) > 0 {
		m.bounds = append(m.bounds, end)
	}
	m.mu.Unlock()
	return start, end
}

// ReadRange returns a copy of the log bytes in [start, end), served from
// the in-memory buffer when possible and from segment files otherwise.
func (m *Manager) ReadRange(start, end uint64) ([]byte, error) {
	if end < start {
		return nil, errors.Errorf("wal: bad range [%d,%d)", start, end)
	}
	out := make([]byte, 0, end-start)
	m.mu.Lock()
	base := m.bufBase
	if start < base {
		m.mu.Unlock()
		fileEnd := end
		if fileEnd > base {
			fileEnd = base
		}
		part, err := m.readFileRange(start, fileEnd)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
		start = fileEnd
		if start == end {
			return out, nil
		}
		m.mu.Lock()
		base = m.bufBase
	}
	complete := base + uint64(len(m.buf))
	if end > complete {
		m.mu.Unlock()
		return nil, errors.Errorf("wal: range [%d,%d) past complete log end %d", start, end, complete)
	}
	out = append(out, m.buf[start-base:end-base]...)
	m.mu.Unlock()
	return out, nil
}

// readFileRange reads [start, end) from segment files.
func (m *Manager) readFileRange(start, end uint64) ([]byte, error) {
	out := make([]byte, 0, end-start)
	m.segMu.Lock()
	segs := append([]*Segment(nil), m.segments...)
	m.segMu.Unlock()
	for _, s := range segs {
		if start >= end {
			break
		}
		if !s.Contains(start) {
			continue
		}
		n := end
		if n > s.End {
			n = s.End
		}
		chunk := make([]byte, n-start)
		if err := s.ReadAt(chunk, start); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		start = n
	}
	if start < end {
		return nil, errors.Errorf("wal: no segment covers offset %d", start)
	}
	return out, nil
}

func (m *Manager) kickFlusher() {
	select {
	case m.flushCh <- struct{}{}:
	default:
	}
}

// StartFlusher runs the group-commit flush daemon until Stop.
func (m *Manager) StartFlusher() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.closer.Done():
				return
			case <-m.flushCh:
				if err := m.flushThrough(^uint64(0)); err != nil {
					log.Fatalf("wal: flush failed: %v", err)
				}
			}
		}
	}()
}

// Flush persists everything finalized so far.
func (m *Manager) Flush() error {
	return m.flushThrough(^uint64(0))
}

// BackupFlushLog persists the log through at least the given offset.
// Called by the backup's flush daemon off its own end-offset watermark.
func (m *Manager) BackupFlushLog(end uint64) error {
	return m.flushThrough(end)
}

// flushThrough writes finalized buffer bytes to segment files in windows
// of at most GroupCommitBytes (a single larger transaction gets a window
// of its own), record-aligned and never spanning a segment boundary, until the durable offset reaches min(target,
// complete end). Each window is handed to onFlush (the shipping hook)
// before the durable offset advances, so a backup attaching against the
// durable marker never receives a window twice.
func (m *Manager) flushThrough(target uint64) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	for {
		d := atomic.LoadUint64(&m.durable)
		m.mu.Lock()
		complete := m.bufBase + uint64(len(m.buf))
		if d >= target || d >= complete {
			m.mu.Unlock()
			return nil
		}
		end := m.snapWindowLocked(d, d+m.conf.GroupCommitBytes)
		if end <= d {
			m.mu.Unlock()
			return nil
		}
		chunk := append([]byte(nil), m.buf[d-m.bufBase:end-m.bufBase]...)
		m.mu.Unlock()

		seg, newSeg, err := m.segmentForWrite(d)
		if err != nil {
			return err
		}
		if end > seg.End {
			// Windows never span a segment boundary. A single
			// transaction larger than a segment cannot be flushed.
			if m.snapBoundary(d, seg.End) <= d {
				log.Fatalf("wal: transaction spans segment boundary at 0x%x", seg.End)
			}
			// snapWindowLocked already pruned the bounds up to the uncut
			// end; put it back so the rest of the window still flushes.
			m.mu.Lock()
			m.bounds = append([]uint64{end}, m.bounds...)
			m.mu.Unlock()
			end = m.snapBoundary(d, seg.End)
			chunk = chunk[:end-d]
		}
		if err := seg.WriteAt(chunk, d); err != nil {
			return err
		}
		if m.onFlush != nil {
			m.onFlush(chunk, d, end, newSeg, seg.Start)
		}
		atomic.StoreUint64(&m.durable, end)
		if err := updateDurableMarker(m.dir, end); err != nil {
			return err
		}
	}
}

// snapWindowLocked picks the flush window end: the largest record
// boundary at most limit, or the first boundary past it when a single
// oversized transaction fills the window. Consumed boundaries are
// pruned. Returns d when nothing aligned is available yet.
func (m *Manager) snapWindowLocked(d, limit uint64) uint64 {
	end := d
	for _, bd := range m.bounds {
		if bd <= d {
			continue
		}
		if bd > limit && end > d {
			break
		}
		end = bd
		if bd >= limit {
			break
		}
	}
	i := 0
	for i < len(m.bounds) && m.bounds[i] <= end {
		i++
	}
	m.bounds = m.bounds[i:]
	return end
}

// snapBoundary returns the largest pruned-window boundary in (d, limit]
// for the already extracted chunk; record boundaries within a chunk are
// rediscovered by scanning its records.
func (m *Manager) snapBoundary(d, limit uint64) uint64 {
	// The chunk was cut at a record boundary; walk its records to find
	// the last boundary not past limit.
	end := d
	m.mu.Lock()
	base := m.bufBase
	buf := m.buf
	m.mu.Unlock()
	off := d
	for off < limit {
		if off-base >= uint64(len(buf)) {
			break
		}
		rec, n, err := decodeRecord(buf[off-base:])
		if err != nil || n == 0 {
			break
		}
		_ = rec
		if off+n > limit {
			break
		}
		off += n
		end = off
	}
	return end
}

// segmentForWrite returns the segment holding offset d, rotating to a
// fresh segment when d sits exactly past the last one.
func (m *Manager) segmentForWrite(d uint64) (*Segment, bool, error) {
	for {
		m.segMu.Lock()
		for i, s := range m.segments {
			if s.Contains(d) {
				m.active = i
				m.segMu.Unlock()
				return s, s.Start == d && i > 0, nil
			}
		}
		last := m.segments[len(m.segments)-1]
		m.segMu.Unlock()
		if _, err := m.rotateSegment(last); err != nil {
			return nil, false, err
		}
	}
}

// rotateSegment opens the next segment after prev and records the
// next-segment marker.
func (m *Manager) rotateSegment(prev *Segment) (*Segment, error) {
	m.segMu.Lock()
	defer m.segMu.Unlock()
	last := m.segments[len(m.segments)-1]
	if last != prev {
		// Another flusher already rotated.
		return last, nil
	}
	next, err := openSegment(m.dir, prev.ID+1, prev.End, prev.End+m.conf.LogSegmentBytes)
	if err != nil {
		return nil, err
	}
	m.segments = append(m.segments, next)
	m.active = len(m.segments) - 1
	if err := updateNxtSegMarker(m.dir, next.ID+1); err != nil {
		return nil, err
	}
	log.Infof("wal: rotated to segment %d [%d,%d)", next.ID, next.Start, next.End)
	return next, nil
}

// Segments snapshots the current segment list, newest last.
func (m *Manager) Segments() []*Segment {
	m.segMu.Lock()
	defer m.segMu.Unlock()
	return append([]*Segment(nil), m.segments...)
}

// Dir returns the log directory.
func (m *Manager) Dir() string { return m.dir }

// Closed exposes the shutdown flag to daemons layered on the log.
func (m *Manager) Closed() *util.Closer { return m.closer }

// Stop shuts the flusher down after a final flush.
func (m *Manager) Stop() error {
	m.closer.Close()
	m.wg.Wait()
	if err := m.flushThrough(^uint64(0)); err != nil {
		return err
	}
	m.segMu.Lock()
	defer m.segMu.Unlock()
	for _, s := range m.segments {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}
