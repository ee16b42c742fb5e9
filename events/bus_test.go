package events

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	eb := New()
	var got []string
	eb.Subscribe(PORT_SWAP, func(topic Topic, event interface{}) {
		got = append(got, "a:"+event.(string))
	})
	eb.Subscribe(PORT_SWAP, func(topic Topic, event interface{}) {
		got = append(got, "b:"+event.(string))
	})
	eb.Subscribe(DRAIN_STEP, func(topic Topic, event interface{}) {
		got = append(got, "step")
	})

	eb.Publish(PORT_SWAP, "x")
	eb.Publish(SINK_ERROR, "nobody listens")

	assert.Equal(t, []string{"a:x", "b:x"}, got)
	assert.Equal(t, map[Topic]int{PORT_SWAP: 2, DRAIN_STEP: 1}, eb.GetSubscriptions())
}

func TestSubscribeWhilePublishing(t *testing.T) {
	eb := New()
	var n atomic.Int64
	eb.Subscribe(DRAIN_STEP, func(Topic, interface{}) { n.Add(1) })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			eb.Publish(DRAIN_STEP, i)
		}
	}()
	for i := 0; i < 10; i++ {
		eb.Subscribe(PORT_SWAP, func(Topic, interface{}) {})
	}
	wg.Wait()

	assert.Equal(t, int64(1000), n.Load())
	assert.Equal(t, uint64(1000), eb.Published())
	assert.Equal(t, 10, eb.GetSubscriptions()[PORT_SWAP])
}
