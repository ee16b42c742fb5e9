package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sharat910/pqharvest"
	"github.com/sharat910/pqharvest/common"
	"github.com/sharat910/pqharvest/events"
	"github.com/sharat910/pqharvest/listener"
	"github.com/sharat910/pqharvest/processor"
	"github.com/sharat910/pqharvest/queue"
	"github.com/sharat910/pqharvest/register"
	"github.com/sharat910/pqharvest/scheduler"
	"github.com/sharat910/pqharvest/storage"
	"github.com/spf13/viper"
)

func main() {
	SetupConfig()
	if err := pqharvest.SetupLogging(viper.GetString("log.level"), viper.GetString("log.dir")); err != nil {
		log.Fatal().Err(err).Msg("logging setup failed")
	}

	hc := GetHarvestConfig()
	layout, err := hc.Layout()
	if err != nil {
		log.Fatal().Err(err).Msg("bad harvest config")
	}
	ports := GetPorts()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := GetBackend(ctx, layout, ports)
	if err != nil {
		log.Fatal().Err(err).Msg("backend error")
	}
	defer backend.Close()

	sink, err := storage.NewFileSink(viper.GetString("storage.dir"), viper.GetBool("storage.fsync"))
	if err != nil {
		log.Fatal().Err(err).Msg("storage error")
	}

	manager := pqharvest.New()
	q := queue.NewSignalQueue(hc.QueueCapacity(len(ports)))
	sched, err := scheduler.New(layout, backend, sink, q, ports,
		scheduler.WithPolicy(hc.Policy()),
		scheduler.WithDuration(hc.Duration),
		scheduler.WithPubFunc(manager.Publish))
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler config error")
	}
	WatchPolicy(sched)

	capMode, err := pqharvest.ParseCaptureMode(viper.GetString("signals.capture"))
	if err != nil {
		log.Fatal().Err(err).Msg("bad signal capture")
	}
	src, closeSrc, err := pqharvest.OpenSource(pqharvest.CaptureConfig{
		CapMode:   capMode,
		CapSource: viper.GetString("signals.source"),
		BPF:       viper.GetString("signals.bpf"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("signal source error")
	}
	defer closeSrc()

	ctl := common.NewControlState(true, true)
	lis := listener.New(src, q, sched.PortLookup(), ctl, manager.Publish)

	metrics := RegisterProcessors(manager)
	if err := manager.InitProcessors(); err != nil {
		log.Fatal().Err(err).Msg("init error")
	}

	stopSignals := pqharvest.WatchSignals(ctl)
	defer stopSignals()
	if addr := viper.GetString("control.listen"); addr != "" {
		go func() {
			if err := pqharvest.ServeControl(ctx, addr, pqharvest.NewControlRouter(ctl, metrics.Registry())); err != nil {
				log.Error().Err(err).Msg("control server failed")
			}
		}()
	}

	if err := manager.Run(ctx, ctl, lis, sched); err != nil {
		log.Fatal().Err(err).Msg("harvest failed")
	}
}

// GetBackend opens the register backend named by device.backend.
func GetBackend(ctx context.Context, l register.Layout, ports []scheduler.PortConfig) (register.Backend, error) {
	switch viper.GetString("device.backend") {
	case "sim":
		partitions := 1
		for _, p := range ports {
			prefix := p.Prefix
			if prefix == 0 {
				prefix = l.DefaultPrefix(p.IsolationID)
			}
			if n := int(prefix/l.PortSpan()) + 1; n > partitions {
				partitions = n
			}
		}
		log.Warn().Int("partitions", partitions).Msg("using simulated registers")
		return register.NewSimBackend(l, partitions), nil
	default:
		var c register.P4RTConfig
		if err := viper.UnmarshalKey("device.p4runtime", &c); err != nil {
			return nil, err
		}
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return register.DialP4RT(dctx, c, l)
	}
}

// RegisterProcessors adds the configured processors. Metrics are always
// collected so the control server can expose them.
func RegisterProcessors(manager *pqharvest.Harvester) *processor.Metrics {
	metrics := processor.NewMetrics()
	procs := []processor.Processor{metrics, processor.NewStats(viper.GetInt("processors.stats.window"))}

	flows := viper.IsSet("processors.flow")
	if flows {
		procs = append(procs, processor.NewFlowTracker(viper.GetDuration("processors.flow.timeout")))
	}
	if path := viper.GetString("processors.dump.path"); path != "" {
		topics := viper.GetStringSlice("processors.dump.topics")
		if len(topics) == 0 {
			for _, t := range processor.AllTopics() {
				topics = append(topics, string(t))
			}
			if flows {
				topics = append(topics, string(events.FLOW_EXPIRED))
			}
		}
		procs = append(procs, processor.NewDumper(path, topics, manager.RunID))
	}
	if viper.IsSet("processors.influx") {
		var c processor.InfluxConfig
		if err := viper.UnmarshalKey("processors.influx", &c); err != nil {
			log.Fatal().Err(err).Msg("unable to parse influx config")
		}
		procs = append(procs, processor.NewInflux(c, manager.RunID))
	}

	for _, p := range procs {
		if err := manager.RegisterProc(p); err != nil {
			log.Fatal().Err(err).Msg("register error")
		}
	}
	return metrics
}
