package util

import "sync"

// Closer is the process-wide shutdown flag daemons poll between stages.
type Closer struct {
	once sync.Once
	ch   chan struct{}
}

func NewCloser() *Closer {
	return &Closer{ch: make(chan struct{})}
}

// Close flips the flag. Safe to call more than once.
func (c *Closer) Close() {
	c.once.Do(func() { close(c.ch) })
}

// IsClosed polls the flag without blocking.
func (c *Closer) IsClosed() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed at shutdown, for select loops.
func (c *Closer) Done() <-chan struct{} {
	return c.ch
}
