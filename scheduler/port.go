package scheduler

import (
	"time"

	"github.com/sharat910/pqharvest/register"
)

type PortConfig struct {
	Name        string `mapstructure:"name"`
	IsolationID uint8  `mapstructure:"isolation_id"`
	// Prefix is the first cell address of the port's partition. Zero selects
	// the default partition for the isolation id.
	Prefix        uint32 `mapstructure:"prefix"`
	GenerationKey uint32 `mapstructure:"generation_key"`
}

// PortMonitor is the scheduler's view of one monitored port. Only the
// scheduler goroutine reads or writes it.
type PortMonitor struct {
	Index         int
	Name          string
	IsolationID   uint8
	Prefix        uint32
	GenerationKey uint32

	// SecondHighest is the half the device writes next period, Highest
	// selects the readable half.
	Highest       uint8
	SecondHighest uint8

	LastSwapAt     time.Time
	EstimatedDrain time.Duration
	WrapPending    bool

	Swaps int

	periodicBuf []byte
	queryBuf    []byte
}

func newPortMonitor(i int, c PortConfig, l register.Layout) *PortMonitor {
	p := &PortMonitor{
		Index:         i,
		Name:          c.Name,
		IsolationID:   c.IsolationID,
		Prefix:        c.Prefix,
		GenerationKey: c.GenerationKey,
		periodicBuf:   make([]byte, l.HalfBytes()),
		queryBuf:      make([]byte, l.HalfBytes()),
	}
	if p.Prefix == 0 {
		p.Prefix = l.DefaultPrefix(c.IsolationID)
	}
	return p
}

// Due reports whether the retrieve interval has elapsed since the last swap.
func (p *PortMonitor) Due(now time.Time, interval time.Duration) bool {
	return now.Sub(p.LastSwapAt) >= interval
}

// Available is the time left before the port's next mandatory swap.
func (p *PortMonitor) Available(now time.Time, interval time.Duration) time.Duration {
	return p.LastSwapAt.Add(interval).Sub(now)
}
