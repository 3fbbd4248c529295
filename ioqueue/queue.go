// Package ioqueue implements the per-device queues (no fixed capacity;
// Enqueue never blocks):
// two bio queues (cow_bios, orig_bios) and one sector-set queue
// (pending_ssets), each a FIFO guarded by a lock plus a wait condition, with
// the dequeue_delay_read promotion policy that keeps snapshot reads correct
// with respect to writes that have arrived but not yet completed.
package ioqueue

import (
	"context"
	"sync"

	"github.com/snaptrace/engine/iopath"
)

// Kind discriminates the two kinds of cow_bios item describes:
// read-completed clones that need their data preserved, and snapshot-image
// reads that need to be served. Only KindSnapshotRead participates as the
// "read" side of the dequeue_delay_read promotion test; everything else
// (preserve writes, original bios, sector-sets) counts as a write for that
// test's purposes.
type Kind int

const (
	KindPreserve Kind = iota
	KindSnapshotRead
	KindOrigBio
	KindSectorSet
)

// Item is one queue entry: either a read-completed clone awaiting COW
// preservation, a snapshot-image read awaiting service, an original bio
// awaiting release to the base device, or a sector-set awaiting a filler
// mapping — keyed by its sector range for the overlap test
type Item struct {
	Kind        Kind
	Req         *iopath.Request
	StartSector int64
	EndSector   int64
}

func (it *Item) isRead() bool {
	return it.Kind == KindSnapshotRead
}

// Queue is a slice-backed FIFO guarded by a mutex plus a wait condition:
// enqueue wakes waiters, dequeue is nonblocking. Grounded on the
// TaskRunner/errgroup worker-loop pattern used throughout the root package,
// adapted here to a condition variable because the dequeue_delay_read policy
// requires peeking and rotating mid-queue, which a plain channel cannot do.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []*Item
	stopped bool
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends it to the tail and wakes one waiter.
func (q *Queue) Enqueue(it *Item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	q.cond.Signal()
}

// Dequeue pops the head without blocking. ok is false if the queue is empty.
func (q *Queue) Dequeue() (it *Item, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (*Item, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

// DequeueDelayRead implements promotion policy: pop the head,
// and if it is a read that overlaps any other enqueued write, rotate that
// overlapping write to the head position instead and return it. This keeps
// a snapshot read from observing a write that is already in flight for the
// same sectors but has not yet been preserved.
func (q *Queue) DequeueDelayRead() (it *Item, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	if !head.isRead() {
		q.items = q.items[1:]
		return head, true
	}
	for i := 1; i < len(q.items); i++ {
		w := q.items[i]
		if w.isRead() {
			continue
		}
		if iopath.Overlaps(head.StartSector, head.EndSector, w.StartSector, w.EndSector) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return w, true
		}
	}
	q.items = q.items[1:]
	return head, true
}

// Wait blocks until an item is available (via DequeueDelayRead's promotion
// policy), the queue is stopped, or ctx is canceled. ok is false on stop or
// cancellation.
func (q *Queue) Wait(ctx context.Context) (it *Item, ok bool) {
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				q.cond.Broadcast()
			case <-done:
			}
		}()
		defer close(done)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if it, ok := q.popLockedDelayRead(); ok {
			return it, true
		}
		if q.stopped {
			return nil, false
		}
		if ctx != nil && ctx.Err() != nil {
			return nil, false
		}
		q.cond.Wait()
	}
}

func (q *Queue) popLockedDelayRead() (*Item, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	if !head.isRead() {
		q.items = q.items[1:]
		return head, true
	}
	for i := 1; i < len(q.items); i++ {
		w := q.items[i]
		if w.isRead() {
			continue
		}
		if iopath.Overlaps(head.StartSector, head.EndSector, w.StartSector, w.EndSector) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return w, true
		}
	}
	q.items = q.items[1:]
	return head, true
}

// Stop marks the queue stopped and wakes every waiter, which then observe
// ok=false from Wait. Items already queued remain retrievable via Dequeue so
// a shutting-down worker can drain them ("workers must drain their queue on stop").
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every remaining item, used on worker shutdown
// to free cloned BIOs without processing (failure semantics).
func (q *Queue) Drain() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
