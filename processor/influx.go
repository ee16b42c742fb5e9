package processor

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"
	"github.com/sharat910/pqharvest/common"
	"github.com/sharat910/pqharvest/events"
	"golang.org/x/time/rate"
)

type InfluxConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
	Host   string `mapstructure:"host"`
	// FlushInterval is in milliseconds.
	FlushInterval uint `mapstructure:"flush_interval"`
}

// Influx exports signal metadata and drain results as InfluxDB points. Writes
// are batched by the client in the background.
type Influx struct {
	BaseSubscriber
	config InfluxConfig
	runID  string
	client influxdb2.Client
	writer api.WriteAPI
	warn   *rate.Limiter
}

func NewInflux(c InfluxConfig, runID string) *Influx {
	return &Influx{config: c, runID: runID, warn: rate.NewLimiter(rate.Every(10*time.Second), 1)}
}

func (ix *Influx) Name() string {
	return "influx"
}

func (ix *Influx) Subs() []events.Topic {
	return []events.Topic{events.SIGNAL_CLAIMED, events.DRAIN_COMPLETED, events.PORT_SWAP}
}

func (ix *Influx) Init() {
	options := influxdb2.DefaultOptions()
	if ix.config.FlushInterval > 0 {
		options.SetFlushInterval(ix.config.FlushInterval)
	}
	ix.client = influxdb2.NewClientWithOptions(ix.config.URL, ix.config.Token, options)
	ix.writer = ix.client.WriteAPI(ix.config.Org, ix.config.Bucket)
	go func(errs <-chan error) {
		for err := range errs {
			if ix.warn.Allow() {
				log.Warn().Err(err).Str("proc", ix.Name()).Msg("influx write failed")
			}
		}
	}(ix.writer.Errors())
	log.Debug().Str("proc", ix.Name()).Str("url", ix.config.URL).Str("bucket", ix.config.Bucket).Msg("Init")
}

func (ix *Influx) EventHandler(topic events.Topic, event interface{}) {
	if p := ix.point(topic, event); p != nil {
		ix.writer.WritePoint(p)
	}
}

func (ix *Influx) tags(p int) map[string]string {
	return map[string]string{
		"host":   ix.config.Host,
		"run_id": ix.runID,
		"port":   port(p),
	}
}

func (ix *Influx) point(topic events.Topic, event interface{}) *write.Point {
	switch topic {
	case events.SIGNAL_CLAIMED:
		e := event.(events.SignalClaimedEvent)
		sig := e.Signal
		tags := ix.tags(sig.PortIndex)
		tags["kind"] = sig.Kind.String()
		return influxdb2.NewPoint("pq_signal", tags, signalFields(sig, e.Start), sig.ReceivedAt)
	case events.DRAIN_COMPLETED:
		e := event.(events.DrainCompletedEvent)
		return influxdb2.NewPoint("pq_drain", ix.tags(e.Port), map[string]interface{}{
			"seq":        int64(e.Seq),
			"steps":      int64(e.Steps),
			"skips":      int64(e.Skips),
			"elapsed_us": e.Elapsed.Microseconds(),
		}, time.Now())
	case events.PORT_SWAP:
		e := event.(events.SwapEvent)
		return influxdb2.NewPoint("pq_swap", ix.tags(e.Port), map[string]interface{}{
			"duration_us": e.Duration.Microseconds(),
			"address":     int64(e.Address),
			"wrap":        e.Wrap,
		}, e.At)
	}
	return nil
}

func signalFields(sig common.Signal, start uint32) map[string]interface{} {
	return map[string]interface{}{
		"seq":        int64(sig.Seq),
		"enqueue_ts": int64(sig.EnqueueTS),
		"dequeue_ts": int64(sig.DequeueTS),
		"src_ip":     sig.Flow.SrcIP.String(),
		"dst_ip":     sig.Flow.DstIP.String(),
		"src_port":   int64(sig.Flow.SrcPort),
		"dst_port":   int64(sig.Flow.DstPort),
		"start":      int64(start),
	}
}

func (ix *Influx) Teardown() {
	ix.writer.Flush()
	ix.client.Close()
}
