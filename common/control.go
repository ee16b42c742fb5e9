package common

import (
	"fmt"
	"sync/atomic"
)

const (
	FlagRunning = "running"
	FlagLoop    = "loop"
	FlagSignal  = "signal"
)

// ControlState holds the externally toggled process flags shared by the
// listener and scheduler goroutines.
type ControlState struct {
	running       atomic.Bool
	loopEnabled   atomic.Bool
	signalEnabled atomic.Bool
}

func NewControlState(loop, signal bool) *ControlState {
	c := &ControlState{}
	c.running.Store(true)
	c.loopEnabled.Store(loop)
	c.signalEnabled.Store(signal)
	return c
}

func (c *ControlState) Running() bool       { return c.running.Load() }
func (c *ControlState) LoopEnabled() bool   { return c.loopEnabled.Load() }
func (c *ControlState) SignalEnabled() bool { return c.signalEnabled.Load() }

func (c *ControlState) Stop()             { c.running.Store(false) }
func (c *ControlState) SetLoop(on bool)   { c.loopEnabled.Store(on) }
func (c *ControlState) SetSignal(on bool) { c.signalEnabled.Store(on) }

// ToggleLoop flips loop_enabled and returns the new value.
func (c *ControlState) ToggleLoop() bool {
	for {
		old := c.loopEnabled.Load()
		if c.loopEnabled.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (c *ControlState) ToggleSignal() bool {
	for {
		old := c.signalEnabled.Load()
		if c.signalEnabled.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Set changes a flag by name. Setting running back on after a stop is refused.
func (c *ControlState) Set(flag string, on bool) error {
	switch flag {
	case FlagLoop:
		c.SetLoop(on)
	case FlagSignal:
		c.SetSignal(on)
	case FlagRunning:
		if on {
			if !c.Running() {
				return fmt.Errorf("cannot restart a stopped harvester")
			}
			return nil
		}
		c.Stop()
	default:
		return fmt.Errorf("unknown flag: %s", flag)
	}
	return nil
}

type ControlSnapshot struct {
	Running       bool `json:"running"`
	LoopEnabled   bool `json:"loop_enabled"`
	SignalEnabled bool `json:"signal_enabled"`
}

func (c *ControlState) Snapshot() ControlSnapshot {
	return ControlSnapshot{
		Running:       c.Running(),
		LoopEnabled:   c.LoopEnabled(),
		SignalEnabled: c.SignalEnabled(),
	}
}
