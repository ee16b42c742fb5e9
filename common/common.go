package common

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

type FlowKey struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Protocol         uint8
}

func (fk FlowKey) String() string {
	return fmt.Sprintf("%s:%d =%d= %s:%d", fk.SrcIP, fk.SrcPort, fk.Protocol, fk.DstIP, fk.DstPort)
}

// SignalKind is the bitmap carried in a data plane signal frame.
type SignalKind uint8

const (
	KindQueueDepth SignalKind = 1 << iota
	KindSeqOverflow
	KindTimeWindow
)

func (k SignalKind) Has(o SignalKind) bool { return k&o != 0 }

func (k SignalKind) String() string {
	if k == 0 {
		return "none"
	}
	s := ""
	for _, e := range []struct {
		k    SignalKind
		name string
	}{{KindQueueDepth, "qdepth"}, {KindSeqOverflow, "overflow"}, {KindTimeWindow, "twindow"}} {
		if k.Has(e.k) {
			if s != "" {
				s += "|"
			}
			s += e.name
		}
	}
	if s == "" {
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
	return s
}

// Signal is an anomaly notification from the data plane. The captured
// generation bits are stamped once when the scheduler admits the signal and
// are never re-derived from the live port state.
type Signal struct {
	Seq         uint64
	ReceivedAt  time.Time
	Kind        SignalKind
	PortIndex   int
	IsolationID uint8
	Flow        FlowKey
	EnqueueTS   uint32
	DequeueTS   uint32

	CapturedHighest       uint8
	CapturedSecondHighest uint8
}

// SignalRecordLen is the size of a persisted signal metadata record.
const SignalRecordLen = 24

// Record encodes the signal metadata as
// kind | enqueue_ts | dequeue_ts | src_ip | dst_ip | src_port | dst_port,
// little endian, matching the 12 byte record the analysis tools read first.
func (s Signal) Record() []byte {
	b := make([]byte, SignalRecordLen)
	binary.LittleEndian.PutUint32(b[0:], uint32(s.Kind))
	binary.LittleEndian.PutUint32(b[4:], s.EnqueueTS)
	binary.LittleEndian.PutUint32(b[8:], s.DequeueTS)
	if ip := s.Flow.SrcIP.To4(); ip != nil {
		copy(b[12:16], ip)
	}
	if ip := s.Flow.DstIP.To4(); ip != nil {
		copy(b[16:20], ip)
	}
	binary.LittleEndian.PutUint16(b[20:], s.Flow.SrcPort)
	binary.LittleEndian.PutUint16(b[22:], s.Flow.DstPort)
	return b
}

// MarshalBinary implements encoding.BinaryMarshaler with Record.
func (s Signal) MarshalBinary() ([]byte, error) {
	return s.Record(), nil
}
