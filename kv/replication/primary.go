package replication

import (
	"encoding/binary"
	"io"
	"io/ioutil"
	"net"
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyoltp/kv/config"
	"github.com/pingcap-incubator/tinyoltp/kv/util"
	"github.com/pingcap-incubator/tinyoltp/kv/wal"
	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"
)

// Wire framing for the log stream: a fixed header then the window
// payload. The header carries the window's start offset so a backup
// attached mid-stream can drop bytes its startup tails already cover.
// The backup answers each frame with a one-byte persistence ack once
// its persist policy is satisfied.
const frameHeaderSize = 21 // size u32 | start u64 | newSeg u8 | newSegStart u64

const ackByte = 1

func writeFrame(conn net.Conn, buf []byte, start uint64, newSeg bool, newSegStart uint64) error {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(buf)))
	binary.LittleEndian.PutUint64(hdr[4:], start)
	if newSeg {
		hdr[12] = 1
	}
	binary.LittleEndian.PutUint64(hdr[13:], newSegStart)
	if _, err := conn.Write(hdr[:]); err != nil {
		return errors.WithStack(err)
	}
	_, err := conn.Write(buf)
	return errors.WithStack(err)
}

func readFrame(conn net.Conn) (buf []byte, start uint64, newSeg bool, newSegStart uint64, err error) {
	var hdr [frameHeaderSize]byte
	if _, err = io.ReadFull(conn, hdr[:]); err != nil {
		return nil, 0, false, 0, errors.WithStack(err)
	}
	size := binary.LittleEndian.Uint32(hdr[0:])
	start = binary.LittleEndian.Uint64(hdr[4:])
	newSeg = hdr[12] == 1
	newSegStart = binary.LittleEndian.Uint64(hdr[13:])
	buf = make([]byte, size)
	if _, err = io.ReadFull(conn, buf); err != nil {
		return nil, 0, false, 0, errors.WithStack(err)
	}
	return buf, start, newSeg, newSegStart, nil
}

// Primary owns the backup socket set and ships durable log windows to
// every attached backup, synchronously from the group commit path or
// from an asynchronous shipping daemon depending on the persist policy.
type Primary struct {
	conf *config.Config
	lm   *wal.Manager

	mu    sync.Mutex // backup socket set
	conns []net.Conn

	shippedLogSize *uatomic.Uint64

	ln     net.Listener
	closer *util.Closer
	wg     sync.WaitGroup
}

func NewPrimary(conf *config.Config, lm *wal.Manager) *Primary {
	return &Primary{
		conf:           conf,
		lm:             lm,
		shippedLogSize: uatomic.NewUint64(0),
		closer:         util.NewCloser(),
	}
}

// ShippedLogSize reports the total bytes shipped to backups.
func (p *Primary) ShippedLogSize() uint64 { return p.shippedLogSize.Load() }

// Addr returns the listen address backups dial.
func (p *Primary) Addr() string { return p.ln.Addr().String() }

// Start begins accepting backups. With sync persistence the group
// commit path ships each durable window in line; with async persistence
// a daemon tails the durable log instead.
func (p *Primary) Start() error {
	if p.conf.LogShipByRDMA {
		return errors.New("rep: rdma log shipping is not supported by this build")
	}
	ln, err := net.Listen("tcp", p.conf.PrimaryAddr)
	if err != nil {
		return errors.WithStack(err)
	}
	p.ln = ln
	p.wg.Add(1)
	go p.acceptDaemon()
	if p.conf.PersistPolicy == config.PersistAsync {
		p.wg.Add(1)
		go p.asyncShipDaemon()
	} else {
		p.lm.SetOnFlush(p.ShipLogBufferAll)
	}
	log.Infof("rep: primary listening on %s", p.conf.PrimaryAddr)
	return nil
}

func (p *Primary) acceptDaemon() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if p.closer.IsClosed() {
				return
			}
			log.Errorf("rep: accept: %v", err)
			continue
		}
		// The socket-set mutex covers the whole handshake: no window
		// ships between the tails the backup materializes and its
		// first live frame.
		p.mu.Lock()
		if err := p.attachBackup(conn); err != nil {
			p.mu.Unlock()
			log.Errorf("rep: backup attach failed: %v", err)
			conn.Close()
			continue
		}
		p.conns = append(p.conns, conn)
		p.mu.Unlock()
		log.Infof("rep: backup attached from %s", conn.RemoteAddr())
	}
}

// attachBackup runs the startup handshake: metadata blob, checkpoint
// bytes, then every segment tail. Caller holds the socket-set mutex.
func (p *Primary) attachBackup(conn net.Conn) error {
	md, chkptPath, err := PrepareStartMetadata(p.lm.Dir())
	if err != nil {
		return err
	}
	blob := md.encode()
	var sz [4]byte
	binary.LittleEndian.PutUint32(sz[:], uint32(len(blob)))
	if _, err := conn.Write(sz[:]); err != nil {
		return errors.WithStack(err)
	}
	if _, err := conn.Write(blob); err != nil {
		return errors.WithStack(err)
	}
	var chkpt []byte
	if chkptPath != "" {
		if chkpt, err = ioutil.ReadFile(chkptPath); err != nil {
			return errors.WithStack(err)
		}
	}
	var csz [8]byte
	binary.LittleEndian.PutUint64(csz[:], uint64(len(chkpt)))
	if _, err := conn.Write(csz[:]); err != nil {
		return errors.WithStack(err)
	}
	if _, err := conn.Write(chkpt); err != nil {
		return errors.WithStack(err)
	}
	for _, s := range md.Segments {
		if s.TailSize == 0 {
			continue
		}
		tail, err := p.lm.ReadRange(s.TailStart, s.TailStart+s.TailSize)
		if err != nil {
			return err
		}
		if _, err := conn.Write(tail); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// ShipLogBufferAll ships one window to every backup under the socket
// set mutex. TCP blocks until the bytes enter the kernel; the commit
// path then waits for the persistence ack when the policy demands one,
// but never for replay.
func (p *Primary) ShipLogBufferAll(buf []byte, start, end uint64, newSeg bool, newSegStart uint64) {
	p.mu.Lock()
	alive := p.conns[:0]
	for _, conn := range p.conns {
		if err := writeFrame(conn, buf, start, newSeg, newSegStart); err != nil {
			log.Errorf("rep: ship to %s failed: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		alive = append(alive, conn)
	}
	p.conns = alive
	if p.conf.PersistPolicy == config.PersistSync {
		alive = p.conns[:0]
		for _, conn := range p.conns {
			var ack [1]byte
			if _, err := io.ReadFull(conn, ack[:]); err != nil || ack[0] != ackByte {
				log.Errorf("rep: ack from %s failed: %v", conn.RemoteAddr(), err)
				conn.Close()
				continue
			}
			alive = append(alive, conn)
		}
		p.conns = alive
	}
	p.mu.Unlock()
	p.shippedLogSize.Add(uint64(len(buf)))
	shippedLogBytes.Add(float64(len(buf)))
}

// asyncShipDaemon ships durable log windows out of the commit path,
// one group-commit window per iteration.
func (p *Primary) asyncShipDaemon() {
	defer p.wg.Done()
	start := p.lm.DurableFlushedLSN().Offset()
	for !p.closer.IsClosed() {
		durable := p.lm.DurableFlushedLSN().Offset()
		if durable <= start {
			time.Sleep(time.Millisecond)
			continue
		}
		end := durable
		if end > start+p.conf.GroupCommitBytes {
			end = start + p.conf.GroupCommitBytes
		}
		buf, err := p.lm.ReadRange(start, end)
		if err != nil {
			log.Errorf("rep: async ship read [%d,%d): %v", start, end, err)
			continue
		}
		p.ShipLogBufferAll(buf, start, end, false, 0)
		start = end
	}
}

// Stop closes the listener and every backup connection.
func (p *Primary) Stop() {
	p.closer.Close()
	if p.ln != nil {
		p.ln.Close()
	}
	p.wg.Wait()
	p.mu.Lock()
	for _, conn := range p.conns {
		conn.Close()
	}
	p.conns = nil
	p.mu.Unlock()
}
