package peernet

import (
	"runtime"
	"sync"

	"github.com/nodenet/peernet/connpool"
)

// inboundItem pairs a fully decoded Msg with the Conn it arrived on.
type inboundItem struct {
	msg  *Msg
	conn *connpool.Conn
}

// inboundQueue is the bounded multi-producer/single-consumer FIFO spec.md
// describes: worker goroutines (producers) push decoded messages,
// the dispatcher goroutine (the sole consumer) drains them in arrival
// order. On full, a producer spins with runtime.Gosched() and retries —
// messages are never dropped. Capacity is fixed at construction.
type inboundQueue struct {
	mu    sync.Mutex
	buf   []inboundItem
	head  int
	count int
}

func newInboundQueue(capacity int) *inboundQueue {
	if capacity <= 0 {
		capacity = 65536
	}
	return &inboundQueue{buf: make([]inboundItem, capacity)}
}

// push enqueues item, yielding and retrying while the queue is full.
func (q *inboundQueue) push(item inboundItem) {
	for {
		q.mu.Lock()
		if q.count < len(q.buf) {
			tail := (q.head + q.count) % len(q.buf)
			q.buf[tail] = item
			q.count++
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		runtime.Gosched()
	}
}

// tryPop removes and returns the oldest item, if any.
func (q *inboundQueue) tryPop() (inboundItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return inboundItem{}, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = inboundItem{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return item, true
}

func (q *inboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
