package xid

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pingcap-incubator/tinyoltp/kv/fatptr"
	"github.com/pingcap/errors"
)

// State is the lifecycle state of a transaction context.
type State uint64

const (
	StateEmbryo State = iota
	StateActive
	StateCommitting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateEmbryo:
		return "EMBRYO"
	case StateActive:
		return "ACTIVE"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// PoolSize is the number of contexts in a table. Slot indexes must fit
// the 16-bit slot field of an XID.
const PoolSize = 32768

// ErrPoolExhausted is returned by Alloc when every context is live.
var ErrPoolExhausted = errors.New("xid: context pool exhausted")

// A Context holds the per-transaction state other transactions consult:
// owner XID, begin/end LSNs, lifecycle state, and the SSN stamps. All
// fields are single words accessed atomically.
//
// Contexts are recycled. Any consumer reading a context it did not
// allocate must, after reading the fields of interest, re-read Owner and
// discard everything if it no longer equals the XID being looked up.
// That owner revalidation is the only protection against use after
// recycle.
type Context struct {
	owner  uint64 // fatptr.XID
	begin  uint64 // fatptr.LSN
	end    uint64 // fatptr.LSN
	state  uint64 // State
	pstamp uint64 // largest predecessor commit offset (eta)
	sstamp uint64 // smallest successor commit offset (pi)
}

func (c *Context) Owner() fatptr.XID     { return fatptr.XID(atomic.LoadUint64(&c.owner)) }
func (c *Context) Begin() fatptr.LSN     { return fatptr.LSN(atomic.LoadUint64(&c.begin)) }
func (c *Context) SetBegin(l fatptr.LSN) { atomic.StoreUint64(&c.begin, uint64(l)) }
func (c *Context) End() fatptr.LSN       { return fatptr.LSN(atomic.LoadUint64(&c.end)) }
func (c *Context) SetEnd(l fatptr.LSN)   { atomic.StoreUint64(&c.end, uint64(l)) }
func (c *Context) State() State          { return State(atomic.LoadUint64(&c.state)) }
func (c *Context) SetState(s State)      { atomic.StoreUint64(&c.state, uint64(s)) }
func (c *Context) Pstamp() uint64        { return atomic.LoadUint64(&c.pstamp) }
func (c *Context) SetPstamp(v uint64)    { atomic.StoreUint64(&c.pstamp, v) }
func (c *Context) Sstamp() uint64        { return atomic.LoadUint64(&c.sstamp) }
func (c *Context) SetSstamp(v uint64)    { atomic.StoreUint64(&c.sstamp, v) }

// InfiniteSstamp is the initial successor stamp: no successor seen yet.
const InfiniteSstamp = ^uint64(0)

// A Table is a fixed pool of recyclable transaction contexts.
type Table struct {
	mu          sync.Mutex
	free        []uint32
	incarnation [PoolSize]uint64
	pool        [PoolSize]Context
}

// NewTable returns a table with every slot free.
func NewTable() *Table {
	t := &Table{free: make([]uint32, 0, PoolSize)}
	for i := PoolSize - 1; i >= 1; i-- {
		// Slot 0 stays unused so the zero XID is never live.
		t.free = append(t.free, uint32(i))
	}
	return t
}

// Alloc claims a free context and returns its fresh XID. The context
// comes back in StateEmbryo with cleared stamps.
func (t *Table) Alloc() (fatptr.XID, *Context, error) {
	t.mu.Lock()
	if len(t.free) == 0 {
		t.mu.Unlock()
		return fatptr.InvalidXID, nil, errors.WithStack(ErrPoolExhausted)
	}
	slot := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.incarnation[slot]++
	x := fatptr.MakeXID(slot, t.incarnation[slot])
	t.mu.Unlock()

	c := &t.pool[slot]
	c.SetBegin(fatptr.InvalidLSN)
	c.SetEnd(fatptr.InvalidLSN)
	c.SetPstamp(0)
	c.SetSstamp(InfiniteSstamp)
	c.SetState(StateEmbryo)
	// Publish ownership last so a concurrent Get never sees a matching
	// owner with stale fields.
	atomic.StoreUint64(&c.owner, uint64(x))
	return x, c, nil
}

// Free releases the context behind x. After Free returns, Get(x) resolves
// to a context whose Owner no longer equals x.
func (t *Table) Free(x fatptr.XID) {
	slot := x.Slot()
	c := &t.pool[slot]
	atomic.StoreUint64(&c.owner, uint64(fatptr.InvalidXID))
	t.mu.Lock()
	t.free = append(t.free, slot)
	t.mu.Unlock()
}

// Get returns the context slot an XID maps to. The slot may have been
// recycled; the caller owns the revalidation discipline.
func (t *Table) Get(x fatptr.XID) *Context {
	return &t.pool[x.Slot()]
}

// WaitForCommitResult spins until the context owned by x leaves
// StateCommitting, returning true iff it committed. A recycled context
// resolves to false: the transaction finished and its outcome must be
// re-derived from the tuple it touched.
func WaitForCommitResult(c *Context, x fatptr.XID) bool {
	for {
		state := c.State()
		if c.Owner() != x {
			return false
		}
		switch state {
		case StateCommitted:
			return true
		case StateAborted:
			return false
		case StateCommitting:
			runtime.Gosched()
		default:
			// Not yet in precommit; the caller checked End() first, so
			// this only happens after a recycle raced us.
			return false
		}
	}
}
