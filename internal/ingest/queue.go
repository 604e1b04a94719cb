package ingest

import (
	"sync"

	"github.com/savegress/sensorhub/pkg/models"
)

// readingQueue is a bounded FIFO between the subscription handler and one
// downstream consumer. On overflow the oldest buffered reading is dropped
// and the caller is told, so drops stay countable.
type readingQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []*models.SensorReading
	cap    int
	closed bool
}

func newReadingQueue(capacity int) *readingQueue {
	q := &readingQueue{
		buf: make([]*models.SensorReading, 0, capacity),
		cap: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a reading, evicting the oldest entry when full. It
// reports whether an entry was dropped.
func (q *readingQueue) push(r *models.SensorReading) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.buf) >= q.cap {
		copy(q.buf, q.buf[1:])
		q.buf = q.buf[:len(q.buf)-1]
		dropped = true
	}
	q.buf = append(q.buf, r)
	q.cond.Signal()
	return dropped
}

// pop blocks until a reading is available or the queue is closed. It
// returns nil once the queue is closed and drained.
func (q *readingQueue) pop() *models.SensorReading {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		return nil
	}
	r := q.buf[0]
	q.buf[0] = nil
	q.buf = q.buf[1:]
	return r
}

// close wakes all blocked consumers. Buffered readings remain poppable.
func (q *readingQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *readingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
