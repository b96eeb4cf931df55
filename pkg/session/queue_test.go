package session

import (
	"testing"
	"time"

	"github.com/panorama/pkg/sdr"
)

func numberedBlock(seq int) sdr.SampleBlock {
	return sdr.SampleBlock{
		Samples:   []complex64{complex(float32(seq), 0)},
		Config:    sdr.DefaultConfig(),
		Timestamp: time.Unix(int64(seq), 0),
	}
}

func blockSeq(b sdr.SampleBlock) int {
	return int(real(b.Samples[0]))
}

func TestQueueDeliversInOrder(t *testing.T) {
	q := newBlockQueue(8)
	for i := 0; i < 5; i++ {
		if !q.Push(numberedBlock(i)) {
			t.Fatalf("push %d rejected with room to spare", i)
		}
	}
	for i := 0; i < 5; i++ {
		b, ok := q.Pop(time.Second)
		if !ok {
			t.Fatalf("pop %d timed out", i)
		}
		if got := blockSeq(b); got != i {
			t.Fatalf("pop %d: got block %d, want %d", i, got, i)
		}
	}
}

func TestQueueDropsNewestWhenFull(t *testing.T) {
	q := newBlockQueue(3)
	for i := 0; i < 3; i++ {
		if !q.Push(numberedBlock(i)) {
			t.Fatalf("push %d rejected before capacity", i)
		}
	}
	for i := 3; i < 5; i++ {
		if q.Push(numberedBlock(i)) {
			t.Fatalf("push %d accepted past capacity", i)
		}
	}
	if got := q.Drops(); got != 2 {
		t.Fatalf("drops = %d, want 2", got)
	}

	// The survivors are the oldest blocks, in order.
	for i := 0; i < 3; i++ {
		b, ok := q.Pop(time.Second)
		if !ok {
			t.Fatalf("pop %d timed out", i)
		}
		if got := blockSeq(b); got != i {
			t.Fatalf("pop %d: got block %d, want %d", i, got, i)
		}
	}

	// Space again: pushes succeed and the counter stays put.
	if !q.Push(numberedBlock(9)) {
		t.Fatal("push rejected after queue drained")
	}
	if got := q.Drops(); got != 2 {
		t.Fatalf("drops moved to %d after successful push, want 2", got)
	}
}

func TestQueuePopTimesOutWhenEmpty(t *testing.T) {
	q := newBlockQueue(2)
	start := time.Now()
	if _, ok := q.Pop(30 * time.Millisecond); ok {
		t.Fatal("pop returned a block from an empty queue")
	}
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Fatalf("pop returned after %v, want a bounded wait near 30ms", waited)
	}
}

func TestQueueDrainEmptiesBacklog(t *testing.T) {
	q := newBlockQueue(8)
	for i := 0; i < 4; i++ {
		q.Push(numberedBlock(i))
	}
	if got := q.Drain(); got != 4 {
		t.Fatalf("drain removed %d blocks, want 4", got)
	}
	if _, ok := q.Pop(10 * time.Millisecond); ok {
		t.Fatal("pop found a block after drain")
	}
}
