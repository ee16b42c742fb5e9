package main

import (
	"flag"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/sharat910/pqharvest"
	"github.com/sharat910/pqharvest/scheduler"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func OverridingFlags() {
	flag.String("log.level", "info", "Log level for logger")
	flag.String("log.dir", "./files/logs", "Directory for dated log files (empty => stdout only)")
	flag.String("harvest.mode", "time_windows", "Harvesting mode: time_windows|queue_monitor")
	flag.Duration("harvest.duration", 0, "Disable the harvest loop after this long (0 => never)")
	flag.String("device.backend", "p4runtime", "Register backend: sim|p4runtime")
	flag.String("signals.capture", "interface", "Signal capture: interface|pcap")
	flag.String("signals.source", "", "Interface or pcap file to read signals from")
	flag.String("storage.dir", "./files/data", "Directory for harvested artifacts")
	flag.String("control.listen", "", "Address of the control and metrics server (empty => off)")
}

func SetupConfig() {
	OverridingFlags()
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to bind pflags")
	}
	err = viper.ReadInConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("unable to read config")
	}
}

func GetHarvestConfig() pqharvest.HarvestConfig {
	hc := pqharvest.DefaultHarvestConfig()
	if err := viper.UnmarshalKey("harvest", &hc); err != nil {
		log.Fatal().Err(err).Msg("unable to parse harvest config")
	}
	return hc
}

func GetPorts() []scheduler.PortConfig {
	var ports []scheduler.PortConfig
	if err := viper.UnmarshalKey("ports", &ports); err != nil {
		log.Fatal().Err(err).Msg("unable to parse ports")
	}
	return ports
}

// WatchPolicy reloads the drain policy whenever the config file changes. The
// rest of the config only takes effect on restart.
func WatchPolicy(s *scheduler.Scheduler) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		hc := pqharvest.DefaultHarvestConfig()
		if err := viper.UnmarshalKey("harvest", &hc); err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("unable to parse reloaded config")
			return
		}
		p := hc.Policy()
		if p == s.Policy() {
			return
		}
		if err := s.SetPolicy(p); err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("policy reload rejected")
		}
	})
	viper.WatchConfig()
}
