package pqharvest

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sharat910/pqharvest/common"
	"github.com/sharat910/pqharvest/events"
	"github.com/sharat910/pqharvest/listener"
	"github.com/sharat910/pqharvest/processor"
	"github.com/sharat910/pqharvest/queue"
	"github.com/sharat910/pqharvest/register"
	"github.com/sharat910/pqharvest/scheduler"
	"github.com/sharat910/pqharvest/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frames struct {
	data [][]byte
	i    int
}

func (f *frames) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if f.i >= len(f.data) {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	d := f.data[f.i]
	f.i++
	return d, gopacket.CaptureInfo{Timestamp: time.Now(), Length: len(d), CaptureLength: len(d)}, nil
}

func signalFrame(t *testing.T, id uint8, srcPort uint16) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: listener.EthernetTypePrintQueue,
		},
		&listener.SignalHeader{Kind: uint8(common.KindQueueDepth), IsolationID: id, EnqueueTS: 10, DequeueTS: 90},
		&layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
			SrcIP: net.IPv4(10, 1, 0, 1), DstIP: net.IPv4(10, 1, 0, 2)},
		&layers.TCP{SrcPort: layers.TCPPort(srcPort), DstPort: 80},
	)
	require.NoError(t, err)
	return buf.Bytes()
}

// recorder counts events per topic.
type recorder struct {
	processor.BaseSubscriber
	mu     sync.Mutex
	counts map[events.Topic]int
	torn   bool
}

func (r *recorder) Name() string         { return "recorder" }
func (r *recorder) Subs() []events.Topic { return processor.AllTopics() }
func (r *recorder) Init()                { r.counts = make(map[events.Topic]int) }

func (r *recorder) Teardown() {
	r.mu.Lock()
	r.torn = true
	r.mu.Unlock()
}

func (r *recorder) count(t events.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[t]
}

func (r *recorder) EventHandler(topic events.Topic, _ interface{}) {
	r.mu.Lock()
	r.counts[topic]++
	r.mu.Unlock()
}

type setup struct {
	h     *Harvester
	ctl   *common.ControlState
	sim   *register.SimBackend
	sink  *storage.MemSink
	l     *listener.Listener
	s     *scheduler.Scheduler
	rec   *recorder
	stats *processor.Stats
}

func newSetup(t *testing.T, src gopacket.PacketDataSource) *setup {
	t.Helper()
	hc := DefaultHarvestConfig()
	hc.Mode = "queue_monitor"
	hc.K = 6
	hc.MaxQdepth = 64
	hc.ReadIntervalUS = 20000
	hc.ReadingRatio = 1
	hc.MinSlackUS = 0
	layout, err := hc.Layout()
	require.NoError(t, err)

	ports := []scheduler.PortConfig{
		{Name: "p0", IsolationID: 0, GenerationKey: 10},
		{Name: "p1", IsolationID: 1, GenerationKey: 11},
	}
	st := &setup{
		h:     New(),
		ctl:   common.NewControlState(true, true),
		sim:   register.NewSimBackend(layout, len(ports)),
		sink:  storage.NewMemSink(),
		rec:   &recorder{},
		stats: processor.NewStats(0),
	}
	q := queue.NewSignalQueue(hc.QueueCapacity(len(ports)))
	st.s, err = scheduler.New(layout, st.sim, st.sink, q, ports,
		scheduler.WithPolicy(hc.Policy()), scheduler.WithPubFunc(st.h.Publish))
	require.NoError(t, err)
	st.l = listener.New(src, q, st.s.PortLookup(), st.ctl, st.h.Publish)

	require.NoError(t, st.h.RegisterProc(st.rec))
	require.NoError(t, st.h.RegisterProc(st.stats))
	require.NoError(t, st.h.InitProcessors())
	return st
}

func artifacts(sink *storage.MemSink, dir string) int {
	n := 0
	for _, name := range sink.Names() {
		if strings.Contains(name, "/"+dir+"/") {
			n++
		}
	}
	return n
}

func TestHarvestEndToEnd(t *testing.T) {
	src := &frames{}
	st := newSetup(t, src)
	src.data = [][]byte{signalFrame(t, 1, 5001), signalFrame(t, 0, 5002), signalFrame(t, 7, 5003)}

	done := make(chan error, 1)
	go func() { done <- st.h.Run(context.Background(), st.ctl, st.l, st.s) }()

	require.Eventually(t, func() bool {
		return artifacts(st.sink, "query_data") == 2
	}, 10*time.Second, 5*time.Millisecond)
	st.ctl.Stop()
	require.NoError(t, <-done)

	assert.Equal(t, 2, artifacts(st.sink, "signal_data"))
	assert.GreaterOrEqual(t, artifacts(st.sink, "qm_data"), 2)
	assert.Equal(t, 1, st.sim.Releases(0))
	assert.Equal(t, 1, st.sim.Releases(1))
	assert.Equal(t, 2, st.rec.count(events.SIGNAL_RECEIVED))
	assert.Equal(t, 2, st.rec.count(events.SIGNAL_ADMITTED))
	assert.Equal(t, 2, st.rec.count(events.DRAIN_COMPLETED))
	assert.Positive(t, st.rec.count(events.PORT_SWAP))
	assert.True(t, st.rec.torn)
	assert.Contains(t, st.stats.Summaries(), "swap_us")
	assert.NotEmpty(t, st.h.RunID)
}

func TestHarvestStopsOnBackendFailure(t *testing.T) {
	st := newSetup(t, &frames{})
	st.sim.Fault = errors.New("device unreachable")

	err := st.h.Run(context.Background(), st.ctl, st.l, st.s)
	assert.ErrorIs(t, err, st.sim.Fault)
	assert.False(t, st.ctl.Running())
	assert.True(t, st.rec.torn)
}

type orphan struct {
	processor.BaseSubscriber
}

func (orphan) Name() string                           { return "orphan" }
func (orphan) Subs() []events.Topic                   { return []events.Topic{"nobody.publishes"} }
func (orphan) EventHandler(events.Topic, interface{}) {}

func TestInitProcessorsChecksTopics(t *testing.T) {
	h := New()
	require.NoError(t, h.RegisterProc(orphan{}))
	assert.Error(t, h.RegisterProc(orphan{}))
	assert.Error(t, h.InitProcessors())

	h = New()
	require.NoError(t, h.RegisterProc(processor.NewFlowTracker(time.Minute)))
	require.NoError(t, h.RegisterProc(processor.NewStats(0)))
	require.NoError(t, h.InitProcessors())
	assert.Equal(t, 1, h.Subscriptions()[events.SIGNAL_ADMITTED])
	assert.Equal(t, 1, h.Subscriptions()[events.PORT_SWAP])
}

func TestHarvestConfig(t *testing.T) {
	hc := DefaultHarvestConfig()
	l, err := hc.Layout()
	require.NoError(t, err)
	assert.Equal(t, register.TIME_WINDOWS, l.Mode)
	assert.Equal(t, uint(12), l.K)
	assert.Equal(t, 22272*time.Microsecond, l.RetrieveInterval)
	assert.Equal(t, 4096, l.CellCount)
	assert.Equal(t, scheduler.Policy{ReadingRatio: 0.05, MinSlack: 2 * time.Millisecond}, hc.Policy())
	assert.Equal(t, 3, hc.QueueCapacity(2))

	hc.Mode = "qm"
	l, err = hc.Layout()
	require.NoError(t, err)
	assert.Equal(t, uint(15), l.K)
	assert.Equal(t, 25000, l.CellCount)
	assert.Equal(t, 100*time.Millisecond, l.RetrieveInterval)

	hc.K = 12
	_, err = hc.Layout()
	assert.Error(t, err, "25000 cells do not fit a 2^12 stack")

	hc.Mode = "bogus"
	_, err = hc.Layout()
	assert.Error(t, err)
}

func TestParseCaptureMode(t *testing.T) {
	m, err := ParseCaptureMode("pcap")
	require.NoError(t, err)
	assert.Equal(t, PCAPFILE, m)
	m, err = ParseCaptureMode("interface")
	require.NoError(t, err)
	assert.Equal(t, INTERFACE, m)
	_, err = ParseCaptureMode("afpacket")
	assert.Error(t, err)

	assert.Error(t, SanityCheck(CaptureConfig{}))
	assert.Error(t, SanityCheck(CaptureConfig{CapMode: INTERFACE}))
	assert.NoError(t, SanityCheck(CaptureConfig{CapMode: INTERFACE, CapSource: "bf_pci0"}))
}
