// Package bufpool provides a scoped byte-buffer pool for the frame codec and
// encryption paths, avoiding a fresh allocation per frame under load.
// Grounded on franz-go broker's cl.bufPool.get()/put() pattern, generalized
// to a standalone type instead of an unexported client field.
package bufpool

import "sync"

// Pool hands out byte slices of at least the requested capacity and expects
// them back via Put once the caller is done.
type Pool struct {
	sync.Pool
}

// New returns a Pool whose slices start at defaultCap capacity.
func New(defaultCap int) *Pool {
	p := &Pool{}
	p.Pool.New = func() interface{} {
		return make([]byte, 0, defaultCap)
	}
	return p
}

// Get returns a buffer with at least zero length, reusing a pooled one when
// available.
func (p *Pool) Get() []byte {
	return p.Pool.Get().([]byte)
}

// Put returns buf to the pool for reuse, resetting its length to zero.
func (p *Pool) Put(buf []byte) {
	p.Pool.Put(buf[:0])
}
