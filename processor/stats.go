package processor

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog/log"
	"github.com/sharat910/pqharvest/events"
)

type Summary struct {
	// Total counts every sample seen, N only those still in the window.
	Total  int     `json:"total"`
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P99    float64 `json:"p99"`
	Max    float64 `json:"max"`
}

func summarize(data stats.Float64Data) (Summary, error) {
	s := Summary{N: data.Len()}
	var err error
	if s.Mean, err = stats.Mean(data); err != nil {
		return s, err
	}
	if s.Median, err = stats.Median(data); err != nil {
		return s, err
	}
	if s.P99, err = stats.Percentile(data, 99); err != nil {
		return s, err
	}
	if s.Max, err = stats.Max(data); err != nil {
		return s, err
	}
	return s, nil
}

// DefaultStatsWindow is the number of recent samples kept per series.
const DefaultStatsWindow = 10000

// window keeps the last cap(data) samples of a series.
type window struct {
	data  stats.Float64Data
	next  int
	total int
}

func newWindow(n int) *window {
	return &window{data: make(stats.Float64Data, 0, n)}
}

func (w *window) add(v float64) {
	w.total++
	if len(w.data) < cap(w.data) {
		w.data = append(w.data, v)
		return
	}
	w.data[w.next] = v
	w.next = (w.next + 1) % len(w.data)
}

// Stats keeps recent swap and drain timings and logs their summary at
// teardown. Each series holds at most the last window samples.
type Stats struct {
	BaseSubscriber
	mu         sync.Mutex
	swapUS     *window
	chunkCells *window
	drainUS    *window
	drainSkips *window
	dropped    int
	sinkErrors int
}

func NewStats(n int) *Stats {
	if n <= 0 {
		n = DefaultStatsWindow
	}
	return &Stats{
		swapUS:     newWindow(n),
		chunkCells: newWindow(n),
		drainUS:    newWindow(n),
		drainSkips: newWindow(n),
	}
}

func (s *Stats) Name() string {
	return "stats"
}

func (s *Stats) Subs() []events.Topic {
	return []events.Topic{events.PORT_SWAP, events.DRAIN_STEP, events.DRAIN_COMPLETED,
		events.SIGNAL_DROPPED, events.SINK_ERROR}
}

func micros(d time.Duration) float64 { return float64(d) / float64(time.Microsecond) }

func (s *Stats) EventHandler(topic events.Topic, event interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch topic {
	case events.PORT_SWAP:
		s.swapUS.add(micros(event.(events.SwapEvent).Duration))
	case events.DRAIN_STEP:
		s.chunkCells.add(float64(event.(events.DrainStepEvent).Chunk))
	case events.DRAIN_COMPLETED:
		e := event.(events.DrainCompletedEvent)
		s.drainUS.add(micros(e.Elapsed))
		s.drainSkips.add(float64(e.Skips))
	case events.SIGNAL_DROPPED:
		s.dropped++
	case events.SINK_ERROR:
		s.sinkErrors++
	}
}

// Summaries returns the summary of every non-empty series.
func (s *Stats) Summaries() map[string]Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Summary)
	for name, w := range map[string]*window{
		"swap_us":     s.swapUS,
		"chunk_cells": s.chunkCells,
		"drain_us":    s.drainUS,
		"drain_skips": s.drainSkips,
	} {
		if w.total == 0 {
			continue
		}
		sum, err := summarize(w.data)
		if err != nil {
			log.Warn().Err(err).Str("series", name).Msg("unable to summarize")
			continue
		}
		sum.Total = w.total
		out[name] = sum
	}
	return out
}

func (s *Stats) Teardown() {
	for name, sum := range s.Summaries() {
		log.Info().Str("series", name).Int("total", sum.Total).Int("n", sum.N).Float64("mean", sum.Mean).
			Float64("median", sum.Median).Float64("p99", sum.P99).Float64("max", sum.Max).Msg("run stats")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Info().Int("signals_dropped", s.dropped).Int("sink_errors", s.sinkErrors).Msg("run totals")
}
