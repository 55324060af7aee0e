package replication

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyoltp/kv/config"
	"github.com/pingcap-incubator/tinyoltp/kv/txn"
	"github.com/pingcap-incubator/tinyoltp/kv/util"
	"github.com/pingcap-incubator/tinyoltp/kv/util/worker"
	"github.com/pingcap-incubator/tinyoltp/kv/wal"
	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"
)

// Backup receives the primary's log stream, persists it, and replays it
// into its own object store under the configured replay and persistence
// policies. Read-only transactions run against the replayed state.
type Backup struct {
	conf *config.Config
	lm   *wal.Manager
	db   *txn.DB

	conn   net.Conn
	closer *util.Closer
	wg     sync.WaitGroup

	stages   [2]*ReplayPipelineStage
	stageIdx int

	replayedLSNOffset    *uatomic.Uint64
	persistedLSNOffset   *uatomic.Uint64
	persistedNVRAMOffset *uatomic.Uint64
	persistedNVRAMSize   *uatomic.Uint64
	newEndLSNOffset      *uatomic.Uint64
	receivedLogSize      *uatomic.Uint64

	boundsFile    *os.File
	boundsReadOff int64
	bgMu          sync.Mutex
	bgCond        *sync.Cond

	redoWorkers []*worker.Worker
	redoWg      sync.WaitGroup
}

type redoTask struct {
	stage *ReplayPipelineStage
}

type redoHandler struct {
	b        *Backup
	workerID int
}

func (h *redoHandler) Handle(t worker.Task) {
	h.b.redoStage(t.(redoTask).stage, h.workerID)
}

// StartBackup dials the primary, materializes its starting point, opens
// the local store, and begins tailing the log stream.
func StartBackup(conf *config.Config) (*Backup, error) {
	if conf.LogShipByRDMA {
		return nil, errors.New("rep: rdma log shipping is not supported by this build")
	}
	conn, err := net.Dial("tcp", conf.PrimaryAddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	md, chkptData, tails, err := readStartMetadata(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if md.ChkptSize > 0 && crc32.ChecksumIEEE(chkptData) != md.ChkptCRC {
		conn.Close()
		return nil, errors.New("rep: checkpoint checksum mismatch in startup metadata")
	}
	if err := md.materialize(conf.LogDir, chkptData, tails); err != nil {
		conn.Close()
		return nil, err
	}
	lm, err := wal.NewManager(conf)
	if err != nil {
		conn.Close()
		return nil, err
	}
	db := txn.OpenWithLog(conf, lm)
	b := &Backup{
		conf:                 conf,
		lm:                   lm,
		db:                   db,
		conn:                 conn,
		closer:               util.NewCloser(),
		replayedLSNOffset:    uatomic.NewUint64(0),
		persistedLSNOffset:   uatomic.NewUint64(0),
		persistedNVRAMOffset: uatomic.NewUint64(0),
		persistedNVRAMSize:   uatomic.NewUint64(0),
		newEndLSNOffset:      uatomic.NewUint64(0),
		receivedLogSize:      uatomic.NewUint64(0),
	}
	b.bgCond = sync.NewCond(&b.bgMu)
	b.stages[0] = NewReplayPipelineStage()
	b.stages[1] = NewReplayPipelineStage()
	if err := b.recover(md, chkptData); err != nil {
		conn.Close()
		return nil, err
	}
	b.startReplication()
	b.wg.Add(1)
	go b.receiveDaemon()
	log.Infof("rep: backup attached to %s, durable 0x%x", conf.PrimaryAddr,
		lm.DurableFlushedLSN().Offset())
	return b, nil
}

// DB exposes the replayed store for read-only transactions.
func (b *Backup) DB() *txn.DB { return b.db }

// ReplayedLSNOffset reports the replay watermark.
func (b *Backup) ReplayedLSNOffset() uint64 { return b.replayedLSNOffset.Load() }

// PersistedLSNOffset reports the persistence watermark.
func (b *Backup) PersistedLSNOffset() uint64 { return b.persistedLSNOffset.Load() }

// readStartMetadata consumes the handshake: blob, checkpoint bytes,
// then each nonempty segment tail.
func readStartMetadata(conn net.Conn) (*BackupStartMetadata, []byte, [][]byte, error) {
	var sz [4]byte
	if _, err := io.ReadFull(conn, sz[:]); err != nil {
		return nil, nil, nil, errors.WithStack(err)
	}
	blob := make([]byte, binary.LittleEndian.Uint32(sz[:]))
	if _, err := io.ReadFull(conn, blob); err != nil {
		return nil, nil, nil, errors.WithStack(err)
	}
	md, err := decodeStartMetadata(blob)
	if err != nil {
		return nil, nil, nil, err
	}
	var csz [8]byte
	if _, err := io.ReadFull(conn, csz[:]); err != nil {
		return nil, nil, nil, errors.WithStack(err)
	}
	chkpt := make([]byte, binary.LittleEndian.Uint64(csz[:]))
	if _, err := io.ReadFull(conn, chkpt); err != nil {
		return nil, nil, nil, errors.WithStack(err)
	}
	tails := make([][]byte, len(md.Segments))
	for i, s := range md.Segments {
		tails[i] = make([]byte, s.TailSize)
		if _, err := io.ReadFull(conn, tails[i]); err != nil {
			return nil, nil, nil, errors.WithStack(err)
		}
	}
	return md, chkpt, tails, nil
}

// recover loads the checkpoint and rolls the materialized log forward
// so the store matches the primary's durable state at attach time.
func (b *Backup) recover(md *BackupStartMetadata, chkptData []byte) error {
	if md.ChkptSize > 0 {
		name := filepath.Join(b.conf.LogDir, fmt.Sprintf("o%016x", md.ChkptStartLSN))
		if err := wal.LoadCheckpoint(name, md.ChkptStartLSN, b.db.Store(), b.db.Index()); err != nil {
			return err
		}
	}
	durable := b.lm.DurableFlushedLSN().Offset()
	if durable > md.ChkptStartLSN {
		next, err := b.lm.RedoWindow(md.ChkptStartLSN, durable, b.db.Store(), b.db.Index())
		if err != nil {
			return err
		}
		b.replayedLSNOffset.Store(next)
	}
	return nil
}

// startReplication initializes the watermarks and launches the flusher,
// redo workers, and background replayer the policies call for.
func (b *Backup) startReplication() {
	durable := b.lm.DurableFlushedLSN().Offset()
	if b.replayedLSNOffset.Load() == 0 {
		b.replayedLSNOffset.Store(b.lm.CurLSN().Offset())
	}
	b.persistedLSNOffset.Store(durable)
	b.persistedNVRAMOffset.Store(durable)
	b.persistedNVRAMSize.Store(0)

	if b.conf.ReplayPolicy == config.ReplayBackground {
		path := filepath.Join(b.conf.LogDir, "replay_bounds")
		f, err := os.OpenFile(path, os.O_SYNC|os.O_CREATE|os.O_RDWR, 0600)
		if err != nil {
			log.Fatalf("rep: unable to open bounds file: %v", err)
		}
		b.boundsFile = f
	}
	if b.conf.ReplayPolicy != config.ReplayNone {
		if b.conf.ReplayPolicy == config.ReplayBackground {
			b.wg.Add(1)
			go b.backgroundReplay()
		}
		if b.conf.PersistPolicy != config.PersistAsync {
			b.startRedoWorkers()
		}
	}
	b.wg.Add(1)
	go b.logFlushDaemon()
}

func (b *Backup) startRedoWorkers() {
	for i := 0; i < b.conf.ReplayThreads; i++ {
		w := worker.NewWorker("backup-redo", &b.redoWg)
		w.Start(&redoHandler{b: b, workerID: i})
		b.redoWorkers = append(b.redoWorkers, w)
	}
}

// logFlushDaemon watches the shared end-offset watermark and persists
// up to it. A separate watermark is used, not the log's own durable
// LSN, because segment rotation transiently invalidates the
// segment-offset mapping while a new segment's start is adjusted.
func (b *Backup) logFlushDaemon() {
	defer b.wg.Done()
	for !b.closer.IsClosed() {
		lsn := b.newEndLSNOffset.Load()
		if lsn > b.persistedLSNOffset.Load() {
			if err := b.lm.BackupFlushLog(lsn); err != nil {
				log.Fatalf("rep: backup flush: %v", err)
			}
			b.persistedLSNOffset.Store(lsn)
			persistedLSNGauge.Set(float64(lsn))
		} else {
			time.Sleep(50 * time.Microsecond)
		}
	}
}

func (b *Backup) receiveDaemon() {
	defer b.wg.Done()
	for !b.closer.IsClosed() {
		buf, frameStart, _, _, err := readFrame(b.conn)
		if err != nil {
			if !b.closer.IsClosed() {
				log.Errorf("rep: receive: %v", err)
			}
			return
		}
		cur := b.lm.CurLSN().Offset()
		if frameStart+uint64(len(buf)) <= cur {
			// The startup tails already cover this window.
			var ack = [1]byte{ackByte}
			if _, err := b.conn.Write(ack[:]); err != nil {
				return
			}
			continue
		}
		if frameStart < cur {
			buf = buf[cur-frameStart:]
		} else if frameStart > cur {
			log.Fatalf("rep: log stream gap: have 0x%x, frame starts 0x%x", cur, frameStart)
		}
		start, end := b.lm.AppendShipped(buf)
		b.receivedLogSize.Add(uint64(len(buf)))
		b.processLogData(start, end)
		var ack = [1]byte{ackByte}
		if _, err := b.conn.Write(ack[:]); err != nil {
			if !b.closer.IsClosed() {
				log.Errorf("rep: ack: %v", err)
			}
			return
		}
	}
}

// processLogData drives one shipped window through the configured
// replay and persistence policies, returning when the persistence ack
// may be sent.
func (b *Backup) processLogData(start, end uint64) {
	// "Notify" the flusher to write the window out, asynchronously.
	b.newEndLSNOffset.Store(end)

	if b.conf.PersistPolicy != config.PersistAsync {
		stage := b.stages[b.stageIdx%2]
		b.stageIdx++
		// Double buffer: wait out the stage's previous occupant.
		for stage.Ready.Load() && !b.closer.IsClosed() {
			runtime.Gosched()
		}
		stage.Publish(start, end)
		switch b.conf.ReplayPolicy {
		case config.ReplayBackground:
			// Spill the stage to storage for the background replayer.
			if _, err := b.boundsFile.Write(stage.encodeBounds()); err != nil {
				log.Fatalf("rep: bounds write: %v", err)
			}
			b.bgMu.Lock()
			b.bgCond.Broadcast()
			b.bgMu.Unlock()
		case config.ReplaySync, config.ReplayPipelined:
			b.dispatchRedo(stage)
		}
	}

	if b.conf.NVRAMLogBuffer {
		size := end - start
		if b.conf.PersistNVRAMOnReplay {
			for b.persistedNVRAMSize.Load() < size && !b.closer.IsClosed() {
				runtime.Gosched()
			}
			b.persistedNVRAMSize.Store(0)
		} else {
			b.emulateNVRAMDelay(start, end)
		}
		b.persistedNVRAMOffset.Store(end)
	} else {
		// No NVRAM: the ack waits on the flusher.
		for b.persistedLSNOffset.Load() < end && !b.closer.IsClosed() {
			runtime.Gosched()
		}
	}

	if b.conf.ReplayPolicy == config.ReplaySync {
		for b.replayedLSNOffset.Load() < end && !b.closer.IsClosed() {
			runtime.Gosched()
		}
	}
}

// emulateNVRAMDelay models NVRAM write latency: clflush touches the
// log-buffer bytes as a cache-line flush would; clwb-emu busy-waits a
// modelled duration scaled by the window size.
func (b *Backup) emulateNVRAMDelay(start, end uint64) {
	switch b.conf.NVRAMDelayType {
	case config.DelayClflush:
		buf, err := b.lm.ReadRange(start, end)
		if err != nil {
			log.Errorf("rep: nvram clflush read: %v", err)
			return
		}
		var sink byte
		for i := 0; i < len(buf); i += 64 {
			sink ^= buf[i]
		}
		_ = sink
	case config.DelayClwbEmu:
		d := time.Duration((end-start)*uint64(b.conf.NVRAMDelayNanosPerKB)/1024) * time.Nanosecond
		deadline := time.Now().Add(d)
		for time.Now().Before(deadline) {
		}
	}
}

func (b *Backup) dispatchRedo(stage *ReplayPipelineStage) {
	stage.NumReplayingThreads.Store(int32(b.conf.ReplayThreads))
	stage.Ready.Store(true)
	for _, w := range b.redoWorkers {
		w.Sender() <- redoTask{stage: stage}
	}
}

// redoStage replays this worker's share of the stage's partitions. The
// last worker out advances the replayed watermark to the next start LSN
// and retires the stage.
func (b *Backup) redoStage(stage *ReplayPipelineStage, workerID int) {
	start := stage.StartLSN.Load()
	end := stage.EndLSN.Load()
	nparts := b.conf.LogRedoPartitions
	next := uint64(0)
	ran := false
	for part := workerID; part < nparts; part += b.conf.ReplayThreads {
		n, err := b.lm.RedoWindowPartition(start, end, b.db.Store(), b.db.Index(), part, nparts)
		if err != nil {
			log.Fatalf("rep: redo [%x,%x) part %d: %v", start, end, part, err)
		}
		next = n
		ran = true
	}
	if !ran {
		// More threads than partitions: scan for the boundary only.
		n, err := b.lm.RedoWindowPartition(start, end, b.db.Store(), b.db.Index(), nparts, nparts)
		if err != nil {
			log.Fatalf("rep: redo boundary scan: %v", err)
		}
		next = n
	}
	if stage.NumReplayingThreads.Dec() == 0 {
		if b.conf.NVRAMLogBuffer && b.conf.PersistNVRAMOnReplay {
			b.persistedNVRAMSize.Add(end - start)
		}
		b.replayedLSNOffset.Store(next)
		replayedLSNGauge.Set(float64(next))
		stage.Ready.Store(false)
		b.bgMu.Lock()
		b.bgCond.Broadcast()
		b.bgMu.Unlock()
	}
}

// backgroundReplay drives redo off the critical path. Under async
// persistence it tails the durable LSN directly, one group-commit
// window at a time; otherwise it consumes stage records from the
// replay-bounds side file.
func (b *Backup) backgroundReplay() {
	defer b.wg.Done()
	if b.conf.PersistPolicy == config.PersistAsync {
		start := b.lm.DurableFlushedLSN().Offset()
		for !b.closer.IsClosed() {
			end := b.lm.DurableFlushedLSN().Offset()
			if end <= start {
				time.Sleep(time.Millisecond)
				continue
			}
			if end > start+b.conf.GroupCommitBytes {
				end = start + b.conf.GroupCommitBytes
			}
			next, err := b.lm.RedoWindow(start, end, b.db.Store(), b.db.Index())
			if err != nil {
				log.Fatalf("rep: background redo [%x,%x): %v", start, end, err)
			}
			if next == start {
				// Partial trailing record; wait for more log.
				time.Sleep(time.Millisecond)
				continue
			}
			b.replayedLSNOffset.Store(next)
			replayedLSNGauge.Set(float64(next))
			start = next
		}
		return
	}
	for !b.closer.IsClosed() {
		for i := 0; i < 2 && !b.closer.IsClosed(); i++ {
			stage := b.stages[i]
			// Wait out the stage's previous replay.
			for stage.Ready.Load() && !b.closer.IsClosed() {
				runtime.Gosched()
			}
			start, end, ok := b.readStageBounds()
			if !ok {
				return
			}
			stage.Publish(start, end)
			// No reading ahead of durability from here: redo may serve
			// from the log buffer, but the stage only becomes ready once
			// its bytes are on storage.
			for b.lm.DurableFlushedLSN().Offset() < end && !b.closer.IsClosed() {
				runtime.Gosched()
			}
			b.dispatchRedo(stage)
			for b.replayedLSNOffset.Load() < end && !b.closer.IsClosed() {
				b.bgMu.Lock()
				b.bgCond.Wait()
				b.bgMu.Unlock()
			}
		}
	}
}

// readStageBounds reads the next stage record from the side file,
// sleeping on the shared condition while the read comes up short.
func (b *Backup) readStageBounds() (start, end uint64, ok bool) {
	var rec [stageBoundsSize]byte
	for {
		n, err := b.boundsFile.ReadAt(rec[:], b.boundsReadOff)
		if n == stageBoundsSize {
			b.boundsReadOff += stageBoundsSize
			s, e := decodeBounds(rec[:])
			return s, e, true
		}
		if err != nil && err != io.EOF {
			log.Fatalf("rep: bounds read: %v", err)
		}
		if b.closer.IsClosed() {
			return 0, 0, false
		}
		b.bgMu.Lock()
		b.bgCond.Wait()
		b.bgMu.Unlock()
	}
}

// Stop shuts every daemon down and closes the stream.
func (b *Backup) Stop() error {
	b.closer.Close()
	b.bgMu.Lock()
	b.bgCond.Broadcast()
	b.bgMu.Unlock()
	if b.conn != nil {
		b.conn.Close()
	}
	for _, w := range b.redoWorkers {
		w.Stop()
	}
	b.redoWg.Wait()
	b.wg.Wait()
	if b.boundsFile != nil {
		b.boundsFile.Close()
	}
	return b.lm.Stop()
}
