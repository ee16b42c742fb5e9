package events

import (
	"time"

	"github.com/sharat910/pqharvest/common"
)

type Topic string

type PubFunc func(topic Topic, event interface{})

const (
	SIGNAL_RECEIVED = Topic("signal.received")
	SIGNAL_DROPPED  = Topic("signal.dropped")
	SIGNAL_ADMITTED = Topic("signal.admitted")
	SIGNAL_CLAIMED  = Topic("signal.claimed")

	PORT_SWAP = Topic("port.swap")

	DRAIN_STEP      = Topic("drain.step")
	DRAIN_COMPLETED = Topic("drain.completed")

	SINK_ERROR = Topic("sink.error")

	FLOW_EXPIRED = Topic("flow.expired")
)

type SwapEvent struct {
	Port          int
	Name          string
	At            time.Time
	Duration      time.Duration
	Address       uint32
	Highest       uint8
	SecondHighest uint8
	Wrap          bool
	Artifact      string
}

type SignalClaimedEvent struct {
	Signal common.Signal
	Start  uint32
	End    uint32
}

type DrainStepEvent struct {
	Port      int
	Seq       uint64
	Address   uint32
	Chunk     int
	Cursor    int
	Available time.Duration
}

type DrainCompletedEvent struct {
	Port     int
	Seq      uint64
	Steps    int
	Skips    int
	Elapsed  time.Duration
	Artifact string
}

type SinkErrorEvent struct {
	Name string
	Err  string
}

// FlowSummaryEvent sums up the signals one flow triggered.
type FlowSummaryEvent struct {
	Flow          common.FlowKey
	Port          int
	FirstSignal   time.Time
	LastSignal    time.Time
	Signals       int
	Kinds         common.SignalKind
	MaxQueueDelay uint32
}
