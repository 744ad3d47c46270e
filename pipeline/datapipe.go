package pipeline

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by PushData once the pipe has been closed.
var ErrClosed = errors.New("pipeline: datapipe closed")

// DefaultCapacity is the queue depth of every input pipe an Element
// creates, and the fallback NewDataPipe uses for a capacity <= 0. The
// graph JSON has no field that sets a per-port queue depth.
const DefaultCapacity = 32

// PushHandler is invoked exactly once per successful push, after the item
// is already visible to consumers (see DataPipe.PushData).
type PushHandler func()

// DataPipe is a bounded FIFO queue connecting one producer port to one
// consumer port. It is intentionally built on a mutex plus two
// sync.Cond's (non-full / non-empty) rather than a buffered channel: the
// push-notifier must run strictly after the item becomes visible to a
// waiting consumer, which the cond-based implementation makes explicit,
// matching the wakeup-channel idiom used throughout smux's Session.
type DataPipe struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	items    []*ObjectMetadata
	capacity int
	closed   bool

	pushHandler PushHandler
}

// NewDataPipe creates a DataPipe with the given bounded capacity. A
// capacity <= 0 falls back to DefaultCapacity.
func NewDataPipe(capacity int) *DataPipe {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &DataPipe{capacity: capacity}
	p.notFull = sync.NewCond(&p.mu)
	p.notEmpty = sync.NewCond(&p.mu)
	return p
}

// SetPushHandler registers the notifier invoked after every successful
// push. Must be called before any producer can publish into this pipe.
func (p *DataPipe) SetPushHandler(fn PushHandler) {
	p.mu.Lock()
	p.pushHandler = fn
	p.mu.Unlock()
}

// PushData enqueues item, blocking up to timeout while the pipe is full.
// A timeout <= 0 returns Timeout immediately if the pipe is already full.
func (p *DataPipe) PushData(item *ObjectMetadata, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)

	p.mu.Lock()
	for !p.closed && len(p.items) >= p.capacity {
		if timeout <= 0 {
			p.mu.Unlock()
			return false, Timeout
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			return false, Timeout
		}
		p.waitWithTimeout(p.notFull, remaining)
		if time.Now().After(deadline) && len(p.items) >= p.capacity && !p.closed {
			p.mu.Unlock()
			return false, Timeout
		}
	}
	if p.closed {
		p.mu.Unlock()
		return false, ErrClosed
	}

	p.items = append(p.items, item)
	handler := p.pushHandler
	p.notEmpty.Signal()
	p.mu.Unlock()

	// invoked outside the lock, after the item is already visible.
	if handler != nil {
		handler()
	}
	return true, nil
}

// GetData returns the head item without removing it. Non-blocking.
func (p *DataPipe) GetData() (*ObjectMetadata, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return nil, false
	}
	return p.items[0], true
}

// PopData removes the head item. It is a no-op when the pipe is empty;
// callers are expected to have checked Size()/GetData() via the notify
// path first.
func (p *DataPipe) PopData() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return
	}
	p.items[0] = nil
	p.items = p.items[1:]
	p.notFull.Signal()
}

// Size returns the current number of queued items.
func (p *DataPipe) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Capacity returns the configured bound.
func (p *DataPipe) Capacity() int {
	return p.capacity
}

// Close marks the pipe closed, waking any blocked pushers/poppers. A
// closed pipe rejects further pushes with ErrClosed.
func (p *DataPipe) Close() {
	p.mu.Lock()
	p.closed = true
	p.notFull.Broadcast()
	p.notEmpty.Broadcast()
	p.mu.Unlock()
}

// waitWithTimeout blocks on cond for at most d. cond's lock (p.mu) must be
// held on entry and is held again on return; the caller re-checks its
// predicate and the deadline afterwards, since cond.Wait can also wake up
// spuriously or because of an unrelated Signal/Broadcast.
func (p *DataPipe) waitWithTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		p.mu.Lock()
		cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}
