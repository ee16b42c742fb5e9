package queue

import (
	"runtime"
	"sync"
	"testing"

	"github.com/sharat910/pqharvest/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAll(q *SignalQueue) []uint64 {
	var seqs []uint64
	for {
		if _, ok := q.Admit(); !ok {
			break
		}
	}
	for {
		sig, ok := q.Peek()
		if !ok {
			return seqs
		}
		seqs = append(seqs, sig.Seq)
		q.Pop()
	}
}

func TestFullQueueDropsNewest(t *testing.T) {
	q := NewSignalQueue(4)
	dropped := 0
	for i := uint64(1); i <= 5; i++ {
		if err := q.Enqueue(common.Signal{Seq: i}); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			dropped++
		}
	}
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, []uint64{1, 2, 3, 4}, drainAll(q))
}

func TestEnqueueOnFullLeavesIndicesAlone(t *testing.T) {
	q := NewSignalQueue(2)
	require.NoError(t, q.Enqueue(common.Signal{Seq: 1}))
	require.NoError(t, q.Enqueue(common.Signal{Seq: 2}))
	head, tail := q.head.Load(), q.tail.Load()

	assert.ErrorIs(t, q.Enqueue(common.Signal{Seq: 3}), ErrQueueFull)
	assert.Equal(t, head, q.head.Load())
	assert.Equal(t, tail, q.tail.Load())
	assert.Equal(t, uint64(1), q.slots[0].Seq)
	assert.Equal(t, uint64(2), q.slots[1].Seq)
}

func TestPeekSeesOnlyAdmitted(t *testing.T) {
	q := NewSignalQueue(3)
	require.NoError(t, q.Enqueue(common.Signal{Seq: 7}))

	_, ok := q.Peek()
	assert.False(t, ok)
	assert.False(t, q.Pop())

	sig, ok := q.Admit()
	require.True(t, ok)
	sig.CapturedHighest = 1

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(7), head.Seq)
	assert.Equal(t, uint8(1), head.CapturedHighest)

	// peeking twice does not consume
	again, _ := q.Peek()
	assert.Same(t, head, again)
	assert.True(t, q.Pop())
	assert.Equal(t, 0, q.Len())
}

func TestWrapAround(t *testing.T) {
	q := NewSignalQueue(2)
	var want []uint64
	for round := uint64(0); round < 5; round++ {
		require.NoError(t, q.Enqueue(common.Signal{Seq: round*2 + 1}))
		require.NoError(t, q.Enqueue(common.Signal{Seq: round*2 + 2}))
		want = []uint64{round*2 + 1, round*2 + 2}
		assert.Equal(t, want, drainAll(q))
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	q := NewSignalQueue(8)
	const total = 10000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= total; {
			if q.Enqueue(common.Signal{Seq: i}) != nil {
				runtime.Gosched()
				continue
			}
			i++
		}
	}()

	var last uint64
	for last < total {
		q.Admit()
		sig, ok := q.Peek()
		if !ok {
			runtime.Gosched()
			continue
		}
		require.Equal(t, last+1, sig.Seq)
		last = sig.Seq
		q.Pop()
	}
	wg.Wait()
	assert.Equal(t, 0, q.Len())
}
