package processor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sharat910/pqharvest/common"
	"github.com/sharat910/pqharvest/events"
)

// Metrics exposes harvester events as Prometheus metrics on its own
// registry.
type Metrics struct {
	BaseSubscriber
	registry *prometheus.Registry

	signals      *prometheus.CounterVec
	swaps        *prometheus.CounterVec
	swapDuration *prometheus.HistogramVec
	chunkCells   prometheus.Histogram
	drains       *prometheus.CounterVec
	drainTime    prometheus.Histogram
	drainSkips   prometheus.Counter
	sinkErrors   prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pqharvest",
			Name:      "signals_total",
			Help:      "Data plane signals by outcome.",
		}, []string{"outcome", "port"}),
		swaps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pqharvest",
			Name:      "swaps_total",
			Help:      "Periodic generation swaps.",
		}, []string{"port"}),
		swapDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pqharvest",
			Name:      "swap_duration_seconds",
			Help:      "Generation write plus full half-buffer read.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"port"}),
		chunkCells: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pqharvest",
			Name:      "drain_chunk_cells",
			Help:      "Cells read per incremental drain step.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
		drains: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pqharvest",
			Name:      "drains_completed_total",
			Help:      "Incremental drains completed.",
		}, []string{"port"}),
		drainTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pqharvest",
			Name:      "drain_duration_seconds",
			Help:      "Time from claim to completion of an incremental drain.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		drainSkips: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pqharvest",
			Name:      "drain_skips_total",
			Help:      "Drain steps skipped for lack of slack.",
		}),
		sinkErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pqharvest",
			Name:      "sink_errors_total",
			Help:      "Artifacts the sink failed to persist.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Name() string {
	return "metrics"
}

func (m *Metrics) Subs() []events.Topic {
	return AllTopics()
}

func (m *Metrics) EventHandler(topic events.Topic, event interface{}) {
	switch topic {
	case events.SIGNAL_RECEIVED:
		m.signals.WithLabelValues("received", port(event.(common.Signal).PortIndex)).Inc()
	case events.SIGNAL_DROPPED:
		m.signals.WithLabelValues("dropped", port(event.(common.Signal).PortIndex)).Inc()
	case events.SIGNAL_ADMITTED:
		m.signals.WithLabelValues("admitted", port(event.(common.Signal).PortIndex)).Inc()
	case events.SIGNAL_CLAIMED:
		m.signals.WithLabelValues("claimed", port(event.(events.SignalClaimedEvent).Signal.PortIndex)).Inc()
	case events.PORT_SWAP:
		e := event.(events.SwapEvent)
		m.swaps.WithLabelValues(port(e.Port)).Inc()
		m.swapDuration.WithLabelValues(port(e.Port)).Observe(e.Duration.Seconds())
	case events.DRAIN_STEP:
		m.chunkCells.Observe(float64(event.(events.DrainStepEvent).Chunk))
	case events.DRAIN_COMPLETED:
		e := event.(events.DrainCompletedEvent)
		m.drains.WithLabelValues(port(e.Port)).Inc()
		m.drainTime.Observe(e.Elapsed.Seconds())
		m.drainSkips.Add(float64(e.Skips))
	case events.SINK_ERROR:
		m.sinkErrors.Inc()
	}
}

func port(i int) string { return strconv.Itoa(i) }
