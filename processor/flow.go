package processor

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sharat910/pqharvest/common"
	"github.com/sharat910/pqharvest/events"
)

// flowID is the comparable form of a FlowKey.
type flowID struct {
	src, dst         [4]byte
	srcPort, dstPort uint16
	proto            uint8
}

func idOf(k common.FlowKey) flowID {
	var id flowID
	copy(id.src[:], k.SrcIP.To4())
	copy(id.dst[:], k.DstIP.To4())
	id.srcPort, id.dstPort, id.proto = k.SrcPort, k.DstPort, k.Protocol
	return id
}

type entry struct {
	summary events.FlowSummaryEvent
	prev    *entry
	next    *entry
}

// FlowTracker counts the signals each flow triggers. A flow with no signal
// for Timeout is expired and published as a FLOW_EXPIRED summary; the rest
// are flushed at teardown.
type FlowTracker struct {
	BasePublisher
	Timeout time.Duration

	m      map[flowID]*entry
	latest *entry
	oldest *entry

	nEntries uint
	nExpired uint
}

func NewFlowTracker(timeout time.Duration) *FlowTracker {
	log.Debug().Str("proc", "flow").Dur("timeout", timeout).Msg("config")
	return &FlowTracker{
		m:       make(map[flowID]*entry, 64),
		Timeout: timeout,
	}
}

func (f *FlowTracker) Name() string {
	return "flow"
}

func (f *FlowTracker) Subs() []events.Topic {
	return []events.Topic{events.SIGNAL_ADMITTED}
}

func (f *FlowTracker) Pubs() []events.Topic {
	return []events.Topic{events.FLOW_EXPIRED}
}

// EventHandler only runs on the scheduler goroutine, which is the sole
// publisher of SIGNAL_ADMITTED.
func (f *FlowTracker) EventHandler(topic events.Topic, event interface{}) {
	sig := event.(common.Signal)
	id := idOf(sig.Flow)
	e, ok := f.m[id]
	if !ok {
		e = &entry{summary: events.FlowSummaryEvent{Flow: sig.Flow, Port: sig.PortIndex, FirstSignal: sig.ReceivedAt}}
		f.m[id] = e
		f.nEntries++
		f.push(e)
	} else {
		f.toTop(e)
	}
	s := &e.summary
	s.LastSignal = sig.ReceivedAt
	s.Signals++
	s.Kinds |= sig.Kind
	if q := sig.DequeueTS - sig.EnqueueTS; q > s.MaxQueueDelay {
		s.MaxQueueDelay = q
	}
	f.expire(sig.ReceivedAt)
}

func (f *FlowTracker) push(e *entry) {
	if f.latest == nil {
		f.oldest, f.latest = e, e
		return
	}
	e.prev = f.latest
	f.latest.next = e
	f.latest = e
}

func (f *FlowTracker) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		f.oldest = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		f.latest = e.prev
	}
	e.prev, e.next = nil, nil
}

func (f *FlowTracker) toTop(e *entry) {
	if f.latest == e {
		return
	}
	f.unlink(e)
	f.push(e)
}

// expire publishes and drops every flow idle since before now-Timeout.
func (f *FlowTracker) expire(now time.Time) {
	for f.oldest != nil && now.Sub(f.oldest.summary.LastSignal) >= f.Timeout {
		e := f.oldest
		f.unlink(e)
		delete(f.m, idOf(e.summary.Flow))
		f.nExpired++
		f.Publish(events.FLOW_EXPIRED, e.summary)
	}
}

func (f *FlowTracker) Len() int { return len(f.m) }

func (f *FlowTracker) Teardown() {
	for f.oldest != nil {
		e := f.oldest
		f.unlink(e)
		delete(f.m, idOf(e.summary.Flow))
		f.Publish(events.FLOW_EXPIRED, e.summary)
	}
	log.Info().Str("proc", f.Name()).Uint("flows", f.nEntries).Uint("expired", f.nExpired).Msg("teardown")
}
