// Package listener decodes data plane signal frames and hands them to the
// scheduler through the signal queue.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"
	"github.com/sharat910/pqharvest/common"
	"github.com/sharat910/pqharvest/events"
	"github.com/sharat910/pqharvest/queue"
	"golang.org/x/time/rate"
)

var (
	ErrMalformed   = errors.New("malformed signal frame")
	ErrUnknownPort = errors.New("unknown isolation id")
	// ErrNoFrame is returned by a source when its read timed out without a
	// frame. The listener re-checks its flags and polls again.
	ErrNoFrame = errors.New("no frame available")
)

type Listener struct {
	src   gopacket.PacketDataSource
	q     *queue.SignalQueue
	ports map[uint8]int
	ctl   *common.ControlState
	pf    events.PubFunc
	warn  *rate.Limiter

	// Will reuse these for each frame
	eth     layers.Ethernet
	hdr     SignalHeader
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	seq       uint64
	received  int
	dropped   int
	malformed int
}

// New builds a listener reading from src. ports maps isolation ids to port
// indices; it is not modified afterwards.
func New(src gopacket.PacketDataSource, q *queue.SignalQueue, ports map[uint8]int,
	ctl *common.ControlState, pf events.PubFunc) *Listener {
	if pf == nil {
		pf = events.Discard
	}
	l := &Listener{
		src:   src,
		q:     q,
		ports: ports,
		ctl:   ctl,
		pf:    pf,
		warn:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
	l.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&l.eth,
		&l.hdr,
		&l.ip4,
		&l.tcp,
		&l.udp,
	)
	l.parser.IgnoreUnsupported = true
	return l
}

// Run reads frames until the running flag clears, the context ends or an
// offline source is exhausted. Source errors other than timeouts are fatal.
func (l *Listener) Run(ctx context.Context) error {
	log.Info().Int("ports", len(l.ports)).Int("queue_cap", l.q.Cap()).Msg("signal listener started")
	defer func() {
		log.Info().Int("received", l.received).Int("dropped", l.dropped).
			Int("malformed", l.malformed).Msg("signal listener stopped")
	}()
	for l.ctl.Running() {
		if ctx.Err() != nil {
			return nil
		}
		data, ci, err := l.src.ReadPacketData()
		switch {
		case errors.Is(err, ErrNoFrame):
			continue
		case err == io.EOF:
			log.Info().Msg("signal source exhausted")
			return nil
		case err != nil:
			return fmt.Errorf("listener: read frame: %w", err)
		}
		if !l.ctl.SignalEnabled() {
			continue
		}
		ts := ci.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if err := l.HandleFrame(data, ts); err != nil {
			switch {
			case errors.Is(err, queue.ErrQueueFull):
				if l.warn.Allow() {
					log.Warn().Int("dropped", l.dropped).Msg("signal queue full, dropping signals")
				}
			default:
				log.Debug().Err(err).Int("len", len(data)).Msg("ignoring frame")
			}
		}
	}
	return nil
}

// HandleFrame decodes one frame and enqueues the signal it carries. The
// signal is published on SIGNAL_RECEIVED, or SIGNAL_DROPPED when the queue
// is full.
func (l *Listener) HandleFrame(data []byte, ts time.Time) error {
	sig, err := l.decode(data)
	if err != nil {
		l.malformed++
		return err
	}
	l.seq++
	sig.Seq = l.seq
	sig.ReceivedAt = ts
	l.received++

	if err := l.q.Enqueue(sig); err != nil {
		l.dropped++
		l.pf(events.SIGNAL_DROPPED, sig)
		return err
	}
	log.Trace().Uint64("seq", sig.Seq).Int("port", sig.PortIndex).Str("kind", sig.Kind.String()).
		Str("flow", sig.Flow.String()).Msg("signal queued")
	l.pf(events.SIGNAL_RECEIVED, sig)
	return nil
}

func (l *Listener) decode(data []byte) (common.Signal, error) {
	var sig common.Signal
	if err := l.parser.DecodeLayers(data, &l.decoded); err != nil {
		return sig, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var haveHdr, haveIP bool
	for _, layerType := range l.decoded {
		switch layerType {
		case LayerTypeSignal:
			haveHdr = true
			sig.Kind = common.SignalKind(l.hdr.Kind)
			sig.IsolationID = l.hdr.IsolationID
			sig.EnqueueTS = l.hdr.EnqueueTS
			sig.DequeueTS = l.hdr.DequeueTS
		case layers.LayerTypeIPv4:
			haveIP = true
			sig.Flow.SrcIP = append(net.IP(nil), l.ip4.SrcIP.To4()...)
			sig.Flow.DstIP = append(net.IP(nil), l.ip4.DstIP.To4()...)
			sig.Flow.Protocol = uint8(l.ip4.Protocol)
		case layers.LayerTypeTCP:
			sig.Flow.SrcPort = uint16(l.tcp.SrcPort)
			sig.Flow.DstPort = uint16(l.tcp.DstPort)
		case layers.LayerTypeUDP:
			sig.Flow.SrcPort = uint16(l.udp.SrcPort)
			sig.Flow.DstPort = uint16(l.udp.DstPort)
		}
	}
	if !haveHdr {
		return sig, fmt.Errorf("%w: ethertype %s", ErrMalformed, l.eth.EthernetType)
	}
	if !haveIP {
		return sig, fmt.Errorf("%w: no ipv4 header after signal header", ErrMalformed)
	}
	port, ok := l.ports[sig.IsolationID]
	if !ok {
		return sig, fmt.Errorf("%w: %d", ErrUnknownPort, sig.IsolationID)
	}
	sig.PortIndex = port
	return sig, nil
}

func (l *Listener) Received() int { return l.received }
func (l *Listener) Dropped() int  { return l.dropped }
