package pqharvest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sharat910/pqharvest/common"
	"github.com/sharat910/pqharvest/events"
	"github.com/sharat910/pqharvest/listener"
	"github.com/sharat910/pqharvest/processor"
	"github.com/sharat910/pqharvest/scheduler"
	"golang.org/x/sync/errgroup"
)

// Harvester runs the signal listener and the scheduler and fans their events
// out to the registered processors.
type Harvester struct {
	RunID      string
	eb         *events.EventBus
	processors []processor.Processor
	pMap       map[string]struct{}
}

func New() *Harvester {
	return &Harvester{
		RunID:      uuid.NewString(),
		eb:         events.New(),
		processors: nil,
		pMap:       make(map[string]struct{}),
	}
}

// Publish is the PubFunc the listener and scheduler publish with.
func (h *Harvester) Publish(topic events.Topic, event interface{}) {
	h.eb.Publish(topic, event)
}

func (h *Harvester) Subscriptions() map[events.Topic]int {
	return h.eb.GetSubscriptions()
}

func (h *Harvester) RegisterProc(p processor.Processor) error {
	if _, ok := h.pMap[p.Name()]; ok {
		return fmt.Errorf("processor %s already registered", p.Name())
	}
	h.pMap[p.Name()] = struct{}{}
	h.processors = append(h.processors, p)
	return nil
}

func (h *Harvester) InitProcessors() error {
	if err := h.SanityCheck(); err != nil {
		return err
	}

	for _, proc := range h.processors {

		// Initialize the processor
		proc.Init()

		// Subscribe to topics by passing proc's event handlers
		for _, topic := range proc.Subs() {
			log.Info().Str("proc", proc.Name()).Str("topic", string(topic)).Msg("subscription")
			h.eb.Subscribe(topic, proc.EventHandler)
		}

		// Pass events to procs that publish
		if len(proc.Pubs()) > 0 {
			proc.SetPubFunc(h.eb.Publish)
		}

	}
	return nil
}

// SanityCheck fails when a processor subscribes to a topic nobody publishes.
func (h *Harvester) SanityCheck() error {
	pubs := make(map[events.Topic]struct{})
	for _, t := range processor.AllTopics() {
		pubs[t] = struct{}{}
	}
	for _, proc := range h.processors {
		for _, pub := range proc.Pubs() {
			pubs[pub] = struct{}{}
		}
	}
	for _, proc := range h.processors {
		for _, sub := range proc.Subs() {
			if _, ok := pubs[sub]; !ok {
				return fmt.Errorf("proc: %s wants %s: no publishers for %s", proc.Name(), sub, sub)
			}
		}
	}
	return nil
}

// Run starts the listener and the scheduler and waits for both. Either one
// failing stops the other; processors are torn down once both returned.
func (h *Harvester) Run(ctx context.Context, ctl *common.ControlState, l *listener.Listener, s *scheduler.Scheduler) error {
	log.Info().Str("run_id", h.RunID).Int("processors", len(h.processors)).Msg("harvest started")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := l.Run(gctx)
		if err != nil {
			ctl.Stop()
		}
		return err
	})
	g.Go(func() error {
		err := s.Run(gctx, ctl)
		if err != nil {
			ctl.Stop()
		}
		return err
	})
	err := g.Wait()
	h.teardown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Str("run_id", h.RunID).Msg("harvest completed")
	return nil
}

// teardown runs publishers first so their final events reach subscribers
// that are still open.
func (h *Harvester) teardown() {
	for _, proc := range h.processors {
		if len(proc.Pubs()) > 0 {
			proc.Teardown()
		}
	}
	for _, proc := range h.processors {
		if len(proc.Pubs()) == 0 {
			proc.Teardown()
		}
	}
}
