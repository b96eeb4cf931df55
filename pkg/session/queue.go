package session

import (
	"sync/atomic"
	"time"

	"github.com/panorama/pkg/sdr"
)

// DefaultQueueCapacity absorbs scheduling jitter between the producer
// and consumer without letting blocks grow stale.
const DefaultQueueCapacity = 20

// blockQueue is the bounded single-producer single-consumer hand-off
// between the acquisition loop and the processing task. Push never
// blocks; a full queue drops the incoming block and counts it, because
// stalling the producer would stall the hardware read cadence.
type blockQueue struct {
	ch    chan sdr.SampleBlock
	drops atomic.Uint64
}

func newBlockQueue(capacity int) *blockQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &blockQueue{ch: make(chan sdr.SampleBlock, capacity)}
}

// Push hands a block to the consumer. It reports false when the queue
// was full and the block was dropped.
func (q *blockQueue) Push(b sdr.SampleBlock) bool {
	select {
	case q.ch <- b:
		return true
	default:
		q.drops.Add(1)
		return false
	}
}

// Pop waits up to timeout for a block so the consumer can re-check
// session liveness instead of parking forever.
func (q *blockQueue) Pop(timeout time.Duration) (sdr.SampleBlock, bool) {
	select {
	case b := <-q.ch:
		return b, true
	case <-time.After(timeout):
		return sdr.SampleBlock{}, false
	}
}

// Drops returns the monotonic count of blocks dropped at Push.
func (q *blockQueue) Drops() uint64 {
	return q.drops.Load()
}

// Drain discards everything queued and reports how many blocks it threw
// away. Only called during teardown, after the producer has exited.
func (q *blockQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
