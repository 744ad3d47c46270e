package pipeline

import (
	"sync"

	"github.com/pkg/errors"
)

var debruijinPos = [...]byte{0, 9, 1, 10, 13, 21, 2, 29, 11, 14, 16, 18, 22, 25, 3, 30, 8, 12, 20, 28, 15, 17, 24, 7, 19, 27, 23, 6, 26, 5, 4, 31}

// BufferPool hands out power-of-two []byte buffers sized for decoded
// frame planes and encoded packets, so decode/encode elements running at
// a steady frame rate don't churn the allocator on every Frame. Waste
// from rounding up to the next power of two is bounded at 50%.
type BufferPool struct {
	buffers []sync.Pool
}

// NewBufferPool returns a pool serving buffers from 1 byte up to 16MiB,
// wide enough for a raw 4K-ish frame plane or a compressed detection
// packet.
func NewBufferPool() *BufferPool {
	p := new(BufferPool)
	p.buffers = make([]sync.Pool, 25) // 1B -> 16MiB
	for k := range p.buffers {
		i := k
		p.buffers[k].New = func() interface{} {
			b := make([]byte, 1<<uint32(i))
			return &b
		}
	}
	return p
}

// Get returns a buffer of exactly size bytes (len == size, cap a power
// of two >= size).
func (p *BufferPool) Get(size int) *[]byte {
	if size <= 0 || size > 1<<24 {
		return nil
	}
	bits := msb(size)
	if size == 1<<bits {
		b := p.buffers[bits].Get().(*[]byte)
		*b = (*b)[:size]
		return b
	}
	b := p.buffers[bits+1].Get().(*[]byte)
	*b = (*b)[:size]
	return b
}

// Put returns b to the pool; cap(*b) must be an exact power of two, as
// returned by Get.
func (p *BufferPool) Put(b *[]byte) error {
	if b == nil {
		return errors.New("pipeline: bufpool Put() on nil buffer")
	}
	bits := msb(cap(*b))
	if cap(*b) == 0 || cap(*b) > 1<<24 || cap(*b) != 1<<bits {
		return errors.New("pipeline: bufpool Put() incorrect buffer size")
	}
	p.buffers[bits].Put(b)
	return nil
}

// defaultFramePool backs GetFrameBuffer/PutFrameBuffer: one pool shared
// by every decode source and encode sink in a process, the same
// package-global-allocator shape smux uses for its frame buffers.
var defaultFramePool = NewBufferPool()

// GetFrameBuffer returns a buffer of exactly size bytes from the shared
// frame pool, falling back to a fresh allocation when size is outside
// the pool's range (<=0 or over 16MiB).
func GetFrameBuffer(size int) []byte {
	if b := defaultFramePool.Get(size); b != nil {
		return *b
	}
	return make([]byte, size)
}

// PutFrameBuffer returns b to the shared frame pool. Buffers not
// obtained from GetFrameBuffer (wrong size, or never pooled) are
// silently dropped rather than rejected, since callers pass ordinary
// []byte fields they don't otherwise track the provenance of.
func PutFrameBuffer(b []byte) {
	defaultFramePool.Put(&b)
}

// msb returns the position of the most significant set bit of size.
func msb(size int) byte {
	v := uint32(size)
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return debruijinPos[(v*0x07C4ACDD)>>27]
}
