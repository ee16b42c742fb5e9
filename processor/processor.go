package processor

import (
	"github.com/sharat910/pqharvest/events"
)

// Processor observes harvester events. Handlers are called synchronously
// from the publishing goroutine (listener or scheduler), so they must be
// quick and safe for concurrent use.
type Processor interface {
	Name() string
	Subs() []events.Topic
	Pubs() []events.Topic
	EventHandler(topic events.Topic, event interface{})
	SetPubFunc(f events.PubFunc)
	Init()
	Teardown()
}

type BaseProcessor struct {
}

func (b BaseProcessor) Init()     {}
func (b BaseProcessor) Teardown() {}

type BaseSubscriber struct {
	BaseProcessor
}

func (b BaseProcessor) SetPubFunc(pf events.PubFunc) {}
func (b BaseSubscriber) Pubs() []events.Topic        { return nil }

type BasePublisher struct {
	BaseProcessor
	pf events.PubFunc
}

func (b *BasePublisher) SetPubFunc(f events.PubFunc)                   { b.pf = f }
func (b *BasePublisher) Publish(topic events.Topic, event interface{}) { b.pf(topic, event) }

// AllTopics lists every topic the listener and scheduler publish.
func AllTopics() []events.Topic {
	return []events.Topic{
		events.SIGNAL_RECEIVED,
		events.SIGNAL_DROPPED,
		events.SIGNAL_ADMITTED,
		events.SIGNAL_CLAIMED,
		events.PORT_SWAP,
		events.DRAIN_STEP,
		events.DRAIN_COMPLETED,
		events.SINK_ERROR,
	}
}

func ToTopics(ss []string) []events.Topic {
	topics := make([]events.Topic, len(ss))
	for i, t := range ss {
		topics[i] = events.Topic(t)
	}
	return topics
}
