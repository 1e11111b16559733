// Package bufpool reuses block-sized byte slices across reads, so the
// hot Fetch/ReadBlock path doesn't allocate on every call.
package bufpool

import "sync"

// Pool hands out byte slices of a single fixed size: the cache's
// configured block size.
type Pool struct {
	size int
	pool sync.Pool
}

// New creates a Pool of blockSize-byte slices.
func New(blockSize int) *Pool {
	p := &Pool{size: blockSize}
	p.pool.New = func() interface{} {
		return make([]byte, p.size)
	}
	return p
}

// Get returns a slice of exactly the pool's block size.
func (p *Pool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns buf to the pool. A buf whose capacity is not the block
// size is dropped rather than reused; any other buf is resliced to the
// full block size before reuse.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	p.pool.Put(buf[:p.size])
}
