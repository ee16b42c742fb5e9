// Package scheduler runs the harvesting loop: periodic generation swaps of
// every monitored port and incremental drains of the half-buffers captured by
// data plane signals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sharat910/pqharvest/common"
	"github.com/sharat910/pqharvest/events"
	"github.com/sharat910/pqharvest/queue"
	"github.com/sharat910/pqharvest/register"
	"github.com/sharat910/pqharvest/storage"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// idlePoll is how long the loop sleeps while loop_enabled is off.
const idlePoll = 10 * time.Millisecond

// drain is the incremental drain in flight for the signal at the queue head.
type drain struct {
	sig       *common.Signal
	port      *PortMonitor
	start     uint32
	end       uint32
	cursor    int
	steps     int
	skips     int
	claimedAt time.Time
}

type Scheduler struct {
	layout  register.Layout
	backend register.Backend
	sink    storage.Sink
	q       *queue.SignalQueue
	ports   []*PortMonitor

	clock    Clock
	pf       events.PubFunc
	policy   atomic.Pointer[Policy]
	duration time.Duration

	finishLast bool
	cur        drain

	iterations int
	completed  int
}

type Option func(*Scheduler)

func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithPubFunc(pf events.PubFunc) Option { return func(s *Scheduler) { s.pf = pf } }

func WithPolicy(p Policy) Option { return func(s *Scheduler) { s.policy.Store(&p) } }

// WithDuration clears loop_enabled d after Run starts. Zero runs until stopped.
func WithDuration(d time.Duration) Option { return func(s *Scheduler) { s.duration = d } }

func New(l register.Layout, b register.Backend, sink storage.Sink, q *queue.SignalQueue,
	ports []PortConfig, opts ...Option) (*Scheduler, error) {
	if len(ports) == 0 {
		return nil, errors.New("scheduler: no ports configured")
	}
	s := &Scheduler{
		layout:     l,
		backend:    b,
		sink:       sink,
		q:          q,
		clock:      systemClock{},
		pf:         events.Discard,
		finishLast: true,
	}
	ids := make(map[uint8]struct{})
	prefixes := make(map[uint32]struct{})
	for i, c := range ports {
		p := newPortMonitor(i, c, l)
		if _, ok := ids[p.IsolationID]; ok {
			return nil, fmt.Errorf("scheduler: duplicate isolation id %d", p.IsolationID)
		}
		if _, ok := prefixes[p.Prefix]; ok {
			return nil, fmt.Errorf("scheduler: duplicate isolation prefix %d", p.Prefix)
		}
		ids[p.IsolationID] = struct{}{}
		prefixes[p.Prefix] = struct{}{}
		s.ports = append(s.ports, p)
	}
	def := DefaultPolicy()
	s.policy.Store(&def)
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Policy().Validate(); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if s.pf == nil {
		s.pf = events.Discard
	}
	return s, nil
}

func (s *Scheduler) Policy() Policy { return *s.policy.Load() }

// SetPolicy swaps the drain policy. It is safe to call from any goroutine;
// the next drain step picks it up.
func (s *Scheduler) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.policy.Store(&p)
	log.Info().Float64("reading_ratio", p.ReadingRatio).Dur("min_slack", p.MinSlack).Msg("drain policy updated")
	return nil
}

// PortLookup maps isolation ids to port indices for the listener.
func (s *Scheduler) PortLookup() map[uint8]int {
	m := make(map[uint8]int, len(s.ports))
	for _, p := range s.ports {
		m[p.IsolationID] = p.Index
	}
	return m
}

// Ports returns a copy of the port states.
func (s *Scheduler) Ports() []PortMonitor {
	out := make([]PortMonitor, len(s.ports))
	for i, p := range s.ports {
		out[i] = *p
	}
	return out
}

func (s *Scheduler) Completed() int { return s.completed }

// Init points every port's device writes at the second_highest=0 half and
// starts the first period.
func (s *Scheduler) Init() error {
	now := s.clock.Now()
	for _, p := range s.ports {
		if err := s.backend.SetGenerationBit(p.GenerationKey, 0); err != nil {
			return fmt.Errorf("port %s: init generation bit: %w", p.Name, err)
		}
		p.SecondHighest = 1
		p.Highest = 0
		p.LastSwapAt = now
		log.Info().Str("port", p.Name).Uint8("isolation_id", p.IsolationID).
			Uint32("prefix", p.Prefix).Uint32("generation_key", p.GenerationKey).Msg("port initialized")
	}
	return nil
}

// Run drives Step until the running flag clears or the context ends. While
// loop_enabled is off the loop idles.
func (s *Scheduler) Run(ctx context.Context, ctl *common.ControlState) error {
	if err := s.Init(); err != nil {
		return err
	}
	log.Info().Str("mode", s.layout.Mode.String()).Int("ports", len(s.ports)).
		Dur("retrieve_interval", s.layout.RetrieveInterval).Int("cell_count", s.layout.CellCount).
		Msg("scheduler started")
	started := s.clock.Now()
	timed := s.duration > 0
	for ctl.Running() {
		if ctx.Err() != nil {
			break
		}
		if timed && s.clock.Now().Sub(started) >= s.duration {
			log.Info().Dur("duration", s.duration).Msg("harvest duration reached, disabling loop")
			ctl.SetLoop(false)
			timed = false
		}
		if !ctl.LoopEnabled() {
			time.Sleep(idlePoll)
			continue
		}
		if err := s.Step(); err != nil {
			return err
		}
	}
	log.Info().Int("iterations", s.iterations).Int("drains_completed", s.completed).
		Int("queued", s.q.Len()).Msg("scheduler stopped")
	return nil
}

// Step runs one iteration: admit new signals, swap every due port in fixed
// order, then advance the incremental drain by at most one chunk.
func (s *Scheduler) Step() error {
	s.iterations++
	s.admit()

	for _, p := range s.ports {
		if p.Due(s.clock.Now(), s.layout.RetrieveInterval) {
			if err := s.periodic(p); err != nil {
				return err
			}
		}
	}

	// Incremental work only once every port had its swap checked.
	if s.finishLast && !s.claim() {
		return nil
	}
	return s.advance()
}

// admit stamps the generation bits of every newly queued signal in arrival
// order and flips the owning port's highest bit.
func (s *Scheduler) admit() {
	for {
		sig, ok := s.q.Admit()
		if !ok {
			return
		}
		p := s.ports[sig.PortIndex]
		sig.CapturedHighest = p.Highest
		sig.CapturedSecondHighest = p.SecondHighest ^ 1
		p.Highest ^= 1
		if sig.Kind.Has(common.KindSeqOverflow) && s.layout.Mode == register.QUEUE_MONITOR {
			p.WrapPending = true
		}
		log.Debug().Uint64("seq", sig.Seq).Str("port", p.Name).Str("kind", sig.Kind.String()).
			Uint8("highest", sig.CapturedHighest).Uint8("second_highest", sig.CapturedSecondHighest).
			Msg("signal admitted")
		s.pf(events.SIGNAL_ADMITTED, *sig)
	}
}

func (s *Scheduler) periodic(p *PortMonitor) error {
	start := s.clock.Now()
	if err := s.backend.SetGenerationBit(p.GenerationKey, p.SecondHighest); err != nil {
		return fmt.Errorf("port %s: set generation bit: %w", p.Name, err)
	}
	p.LastSwapAt = s.clock.Now()

	stable := p.SecondHighest ^ 1
	addr := s.layout.HalfAddress(p.Prefix, p.Highest, stable)
	if err := s.readFull(addr, p.periodicBuf); err != nil {
		return fmt.Errorf("port %s: periodic read at %d: %w", p.Name, addr, err)
	}
	p.EstimatedDrain = s.clock.Now().Sub(start)

	var name string
	wrap := false
	if s.layout.Mode == register.QUEUE_MONITOR {
		if err := s.backend.ResetRange(addr, s.layout.CellCount); err != nil {
			return fmt.Errorf("port %s: reset range at %d: %w", p.Name, addr, err)
		}
		wrap = p.WrapPending
		p.WrapPending = false
		name = storage.QueueMonitorName(p.Index, p.LastSwapAt, wrap)
	} else {
		name = storage.PeriodicName(p.Index, p.LastSwapAt)
	}
	p.SecondHighest ^= 1
	p.Swaps++

	s.persist(name, p.periodicBuf)
	log.Trace().Str("port", p.Name).Uint32("addr", addr).Dur("took", p.EstimatedDrain).Msg("periodic swap")
	s.pf(events.PORT_SWAP, events.SwapEvent{
		Port:          p.Index,
		Name:          p.Name,
		At:            p.LastSwapAt,
		Duration:      p.EstimatedDrain,
		Address:       addr,
		Highest:       p.Highest,
		SecondHighest: p.SecondHighest,
		Wrap:          wrap,
		Artifact:      name,
	})
	return nil
}

// readFull fills buf with the half-buffer at addr, re-issuing reads after a
// short read. A read returning no cells is fatal.
func (s *Scheduler) readFull(addr uint32, buf []byte) error {
	cb := s.layout.CellBytes()
	total := len(buf) / cb
	for done := 0; done < total; {
		n, err := s.readInto(addr+uint32(done), total-done, buf[done*cb:])
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}

func (s *Scheduler) readInto(addr uint32, count int, dst []byte) (int, error) {
	data, actual, err := s.backend.ReadRange(addr, count)
	if err != nil {
		return 0, err
	}
	if actual <= 0 {
		return 0, fmt.Errorf("%w: 0 of %d cells at %d", register.ErrShortRead, count, addr)
	}
	if actual > count {
		actual = count
	}
	n := actual * s.layout.CellBytes()
	if len(data) < n {
		return 0, fmt.Errorf("%w: %d bytes for %d cells", register.ErrShortRead, len(data), actual)
	}
	copy(dst, data[:n])
	return actual, nil
}

// claim starts draining the head signal. It persists the signal metadata
// right away so the record survives an interrupted drain.
func (s *Scheduler) claim() bool {
	sig, ok := s.q.Peek()
	if !ok {
		return false
	}
	p := s.ports[sig.PortIndex]
	if p.EstimatedDrain <= 0 {
		return false
	}
	start := s.layout.HalfAddress(p.Prefix, sig.CapturedHighest, sig.CapturedSecondHighest)
	s.cur = drain{
		sig:       sig,
		port:      p,
		start:     start,
		end:       start + uint32(s.layout.CellCount),
		claimedAt: s.clock.Now(),
	}
	s.persist(storage.SignalName(p.Index, sig.ReceivedAt, sig.Seq), sig.Record())
	s.finishLast = false
	log.Debug().Uint64("seq", sig.Seq).Str("port", p.Name).Uint32("start", s.cur.start).
		Uint32("end", s.cur.end).Msg("signal claimed")
	s.pf(events.SIGNAL_CLAIMED, events.SignalClaimedEvent{Signal: *sig, Start: s.cur.start, End: s.cur.end})
	return true
}

// slack is the time left before the earliest swap deadline of any port. A
// chunk sized for it cannot delay another port's swap.
func (s *Scheduler) slack(now time.Time) time.Duration {
	least := s.ports[0].Available(now, s.layout.RetrieveInterval)
	for _, p := range s.ports[1:] {
		if a := p.Available(now, s.layout.RetrieveInterval); a < least {
			least = a
		}
	}
	return least
}

// advance reads at most one budgeted chunk of the drain in flight.
func (s *Scheduler) advance() error {
	d := &s.cur
	p := d.port
	now := s.clock.Now()
	available := s.slack(now)
	chunk := s.Policy().Chunk(available, p.EstimatedDrain, s.layout.CellCount)
	if rem := int(d.end - d.start); chunk > rem {
		chunk = rem
	}
	if chunk <= 0 {
		d.skips++
		return nil
	}

	cb := s.layout.CellBytes()
	n, err := s.readInto(d.start, chunk, p.queryBuf[d.cursor*cb:])
	if err != nil {
		return fmt.Errorf("port %s: drain read at %d: %w", p.Name, d.start, err)
	}
	d.start += uint32(n)
	d.cursor += n
	d.steps++
	s.pf(events.DRAIN_STEP, events.DrainStepEvent{
		Port:      p.Index,
		Seq:       d.sig.Seq,
		Address:   d.start - uint32(n),
		Chunk:     n,
		Cursor:    d.cursor,
		Available: available,
	})
	if d.start == d.end {
		return s.complete()
	}
	return nil
}

func (s *Scheduler) complete() error {
	d := s.cur
	p := d.port
	sig := *d.sig
	name := storage.QueryName(p.Index, sig.ReceivedAt, sig.Seq)
	s.persist(name, p.queryBuf[:d.cursor*s.layout.CellBytes()])
	if err := s.backend.ReleaseQueryLock(sig.IsolationID); err != nil {
		return fmt.Errorf("port %s: release query lock: %w", p.Name, err)
	}
	s.q.Pop()
	s.finishLast = true
	s.cur = drain{}
	s.completed++

	elapsed := s.clock.Now().Sub(d.claimedAt)
	log.Debug().Uint64("seq", sig.Seq).Str("port", p.Name).Int("steps", d.steps).
		Int("skips", d.skips).Dur("elapsed", elapsed).Msg("drain completed")
	s.pf(events.DRAIN_COMPLETED, events.DrainCompletedEvent{
		Port:     p.Index,
		Seq:      sig.Seq,
		Steps:    d.steps,
		Skips:    d.skips,
		Elapsed:  elapsed,
		Artifact: name,
	})
	return nil
}

// persist hands data to the sink. Sink failures are reported, not fatal.
func (s *Scheduler) persist(name string, data []byte) {
	if err := s.sink.Write(name, data); err != nil {
		log.Error().Err(err).Str("artifact", name).Msg("unable to persist artifact")
		s.pf(events.SINK_ERROR, events.SinkErrorEvent{Name: name, Err: err.Error()})
	}
}
