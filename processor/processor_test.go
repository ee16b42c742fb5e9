package processor

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sharat910/pqharvest/common"
	"github.com/sharat910/pqharvest/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Unix(1650000000, 250000000)

func testSignal() common.Signal {
	return common.Signal{
		Seq:        3,
		ReceivedAt: at,
		Kind:       common.KindQueueDepth,
		PortIndex:  1,
		Flow: common.FlowKey{
			SrcIP:   net.IPv4(10, 0, 0, 1).To4(),
			DstIP:   net.IPv4(10, 0, 0, 2).To4(),
			SrcPort: 5001,
			DstPort: 80,
		},
		EnqueueTS: 11,
		DequeueTS: 42,
	}
}

func TestDumper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "dump.json")
	d := NewDumper(path, []string{"port.swap", "drain.completed"}, "run-1")
	assert.Equal(t, []events.Topic{events.PORT_SWAP, events.DRAIN_COMPLETED}, d.Subs())

	d.Init()
	d.EventHandler(events.PORT_SWAP, events.SwapEvent{Port: 1, Address: 64})
	d.EventHandler(events.DRAIN_COMPLETED, events.DrainCompletedEvent{Port: 1, Seq: 3, Steps: 4})
	d.Teardown()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "run", lines[0]["Topic"])
	assert.Equal(t, "run-1", lines[0]["Event"].(map[string]interface{})["run_id"])
	assert.Equal(t, "port.swap", lines[1]["Topic"])
	assert.Equal(t, float64(64), lines[1]["Event"].(map[string]interface{})["Address"])
	assert.Equal(t, "drain.completed", lines[2]["Topic"])

	// a second run appends after the first
	d = NewDumper(path, []string{"port.swap"}, "run-2")
	d.Init()
	d.Teardown()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(b), "\n"))
	assert.Contains(t, string(b), `"run_id":"run-2"`)
}

func TestStats(t *testing.T) {
	s := NewStats(0)
	for i := 1; i <= 4; i++ {
		s.EventHandler(events.PORT_SWAP, events.SwapEvent{Duration: time.Duration(i) * 100 * time.Microsecond})
		s.EventHandler(events.DRAIN_STEP, events.DrainStepEvent{Chunk: 1024})
	}
	s.EventHandler(events.DRAIN_COMPLETED, events.DrainCompletedEvent{Elapsed: time.Millisecond, Skips: 2})
	s.EventHandler(events.SIGNAL_DROPPED, testSignal())

	sums := s.Summaries()
	require.Contains(t, sums, "swap_us")
	assert.Equal(t, 4, sums["swap_us"].N)
	assert.InDelta(t, 250, sums["swap_us"].Mean, 1e-9)
	assert.InDelta(t, 250, sums["swap_us"].Median, 1e-9)
	assert.InDelta(t, 400, sums["swap_us"].Max, 1e-9)
	assert.InDelta(t, 1024, sums["chunk_cells"].Mean, 1e-9)
	assert.InDelta(t, 1000, sums["drain_us"].Max, 1e-9)
	assert.InDelta(t, 2, sums["drain_skips"].Max, 1e-9)
	s.Teardown()
}

func TestStatsWindowIsBounded(t *testing.T) {
	s := NewStats(3)
	for i := 1; i <= 10; i++ {
		s.EventHandler(events.PORT_SWAP, events.SwapEvent{Duration: time.Duration(i) * time.Microsecond})
	}
	assert.Len(t, s.swapUS.data, 3)
	assert.Equal(t, 3, cap(s.swapUS.data))

	sum := s.Summaries()["swap_us"]
	assert.Equal(t, 10, sum.Total)
	assert.Equal(t, 3, sum.N)
	// only 8, 9 and 10 remain
	assert.InDelta(t, 9, sum.Mean, 1e-9)
	assert.InDelta(t, 10, sum.Max, 1e-9)
}

func TestStatsEmpty(t *testing.T) {
	assert.Empty(t, NewStats(0).Summaries())
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	sig := testSignal()
	m.EventHandler(events.SIGNAL_RECEIVED, sig)
	m.EventHandler(events.SIGNAL_RECEIVED, sig)
	m.EventHandler(events.SIGNAL_DROPPED, sig)
	m.EventHandler(events.SIGNAL_CLAIMED, events.SignalClaimedEvent{Signal: sig})
	m.EventHandler(events.PORT_SWAP, events.SwapEvent{Port: 0, Duration: time.Millisecond})
	m.EventHandler(events.DRAIN_STEP, events.DrainStepEvent{Chunk: 512})
	m.EventHandler(events.DRAIN_COMPLETED, events.DrainCompletedEvent{Port: 1, Skips: 3})
	m.EventHandler(events.SINK_ERROR, events.SinkErrorEvent{Name: "x", Err: "y"})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.signals.WithLabelValues("received", "1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.signals.WithLabelValues("dropped", "1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.signals.WithLabelValues("claimed", "1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.swaps.WithLabelValues("0")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.drains.WithLabelValues("1")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.drainSkips))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sinkErrors))

	n, err := testutil.GatherAndCount(m.Registry(), "pqharvest_drain_chunk_cells")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInfluxPoints(t *testing.T) {
	ix := NewInflux(InfluxConfig{Host: "tofino1"}, "run-1")
	sig := testSignal()

	p := ix.point(events.SIGNAL_CLAIMED, events.SignalClaimedEvent{Signal: sig, Start: 4096})
	require.NotNil(t, p)
	line := write.PointToLineProtocol(p, time.Nanosecond)
	assert.True(t, strings.HasPrefix(line, "pq_signal,"))
	assert.Contains(t, line, "kind=qdepth")
	assert.Contains(t, line, "port=1")
	assert.Contains(t, line, "run_id=run-1")
	assert.Contains(t, line, "enqueue_ts=11i")
	assert.Contains(t, line, "dequeue_ts=42i")
	assert.Contains(t, line, `src_ip="10.0.0.1"`)
	assert.Contains(t, line, "start=4096i")

	p = ix.point(events.PORT_SWAP, events.SwapEvent{Port: 0, At: at, Duration: 1500 * time.Microsecond, Wrap: true})
	line = write.PointToLineProtocol(p, time.Nanosecond)
	assert.Contains(t, line, "duration_us=1500i")
	assert.Contains(t, line, "wrap=true")

	assert.Nil(t, ix.point(events.DRAIN_STEP, events.DrainStepEvent{}))
}

func TestFlowTracker(t *testing.T) {
	f := NewFlowTracker(time.Second)
	var expired []events.FlowSummaryEvent
	f.SetPubFunc(func(topic events.Topic, event interface{}) {
		require.Equal(t, events.FLOW_EXPIRED, topic)
		expired = append(expired, event.(events.FlowSummaryEvent))
	})

	a := testSignal()
	b := testSignal()
	b.Flow.SrcPort = 6000
	b.Kind = common.KindTimeWindow

	f.EventHandler(events.SIGNAL_ADMITTED, a)
	b.ReceivedAt = at.Add(500 * time.Millisecond)
	f.EventHandler(events.SIGNAL_ADMITTED, b)
	a.ReceivedAt = at.Add(900 * time.Millisecond)
	a.DequeueTS = 100
	f.EventHandler(events.SIGNAL_ADMITTED, a)
	assert.Equal(t, 2, f.Len())
	assert.Empty(t, expired)

	// b is now the oldest and idle for a second
	late := testSignal()
	late.Flow.SrcPort = 7000
	late.ReceivedAt = at.Add(1500 * time.Millisecond)
	f.EventHandler(events.SIGNAL_ADMITTED, late)
	require.Len(t, expired, 1)
	assert.Equal(t, uint16(6000), expired[0].Flow.SrcPort)
	assert.Equal(t, 2, f.Len())

	f.Teardown()
	require.Len(t, expired, 3)
	first := expired[1]
	assert.Equal(t, uint16(5001), first.Flow.SrcPort)
	assert.Equal(t, 2, first.Signals)
	assert.Equal(t, uint32(89), first.MaxQueueDelay)
	assert.Equal(t, at, first.FirstSignal)
	assert.Equal(t, at.Add(900*time.Millisecond), first.LastSignal)
	assert.Equal(t, 0, f.Len())
}
