package pqharvest

import (
	"fmt"
	"time"

	"github.com/sharat910/pqharvest/register"
	"github.com/sharat910/pqharvest/scheduler"
)

// HarvestConfig is the harvest section of the configuration file.
type HarvestConfig struct {
	Mode string `mapstructure:"mode"`
	// K of 0 picks the mode default: 12 for time windows, 15 for queue monitor.
	K uint `mapstructure:"k"`

	// time windows
	T     uint `mapstructure:"t"`
	Alpha uint `mapstructure:"alpha"`
	TW0TB uint `mapstructure:"tw0_tb"`

	// queue monitor
	MaxQdepth      int   `mapstructure:"max_qdepth"`
	ReadIntervalUS int64 `mapstructure:"read_interval_us"`

	ReadingRatio float64       `mapstructure:"reading_ratio"`
	MinSlackUS   int64         `mapstructure:"min_slack_us"`
	QueueSlack   int           `mapstructure:"queue_slack"`
	Duration     time.Duration `mapstructure:"duration"`
}

const (
	DefaultTimeWindowK   = 12
	DefaultQueueMonitorK = 15
)

func DefaultHarvestConfig() HarvestConfig {
	return HarvestConfig{
		Mode:           "time_windows",
		T:              4,
		Alpha:          2,
		TW0TB:          6,
		MaxQdepth:      25000,
		ReadIntervalUS: 100000,
		ReadingRatio:   0.05,
		MinSlackUS:     2000,
		QueueSlack:     2,
	}
}

func (c HarvestConfig) Layout() (register.Layout, error) {
	mode, err := register.ParseMode(c.Mode)
	if err != nil {
		return register.Layout{}, err
	}
	k := c.K
	switch mode {
	case register.TIME_WINDOWS:
		if k == 0 {
			k = DefaultTimeWindowK
		}
		return register.NewTimeWindowLayout(k, c.T, c.Alpha, c.TW0TB)
	case register.QUEUE_MONITOR:
		if k == 0 {
			k = DefaultQueueMonitorK
		}
		return register.NewQueueMonitorLayout(k, c.MaxQdepth, time.Duration(c.ReadIntervalUS)*time.Microsecond)
	}
	return register.Layout{}, fmt.Errorf("unsupported mode %s", mode)
}

func (c HarvestConfig) Policy() scheduler.Policy {
	return scheduler.Policy{
		ReadingRatio: c.ReadingRatio,
		MinSlack:     time.Duration(c.MinSlackUS) * time.Microsecond,
	}
}

// QueueCapacity is the number of signals the queue holds for n ports: a
// ring of ports+slack slots, one of which always stays empty.
func (c HarvestConfig) QueueCapacity(ports int) int {
	n := ports + c.QueueSlack - 1
	if n < 1 {
		n = 1
	}
	return n
}
