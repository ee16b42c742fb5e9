package listener

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// EthernetTypePrintQueue marks frames mirrored to the CPU port as signals.
const EthernetTypePrintQueue layers.EthernetType = 0x080c

const signalHeaderLen = 12

var LayerTypeSignal = gopacket.RegisterLayerType(2080, gopacket.LayerTypeMetadata{
	Name:    "PrintQueueSignal",
	Decoder: gopacket.DecodeFunc(decodeSignalHeader),
})

func init() {
	layers.EthernetTypeMetadata[EthernetTypePrintQueue] = layers.EnumMetadata{
		DecodeWith: gopacket.DecodeFunc(decodeSignalHeader),
		Name:       "PrintQueueSignal",
		LayerType:  LayerTypeSignal,
	}
}

// SignalHeader precedes the mirrored IPv4 packet in a signal frame:
//
//	kind u8 | isolation_id u8 | reserved u16 | enqueue_ts u32 | dequeue_ts u32
type SignalHeader struct {
	layers.BaseLayer
	Kind        uint8
	IsolationID uint8
	Reserved    uint16
	EnqueueTS   uint32
	DequeueTS   uint32
}

func (h *SignalHeader) LayerType() gopacket.LayerType     { return LayerTypeSignal }
func (h *SignalHeader) CanDecode() gopacket.LayerClass    { return LayerTypeSignal }
func (h *SignalHeader) NextLayerType() gopacket.LayerType { return layers.LayerTypeIPv4 }

func (h *SignalHeader) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < signalHeaderLen {
		df.SetTruncated()
		return fmt.Errorf("%w: signal header has %d bytes", ErrMalformed, len(data))
	}
	h.Kind = data[0]
	h.IsolationID = data[1]
	h.Reserved = binary.BigEndian.Uint16(data[2:4])
	h.EnqueueTS = binary.BigEndian.Uint32(data[4:8])
	h.DequeueTS = binary.BigEndian.Uint32(data[8:12])
	h.BaseLayer = layers.BaseLayer{Contents: data[:signalHeaderLen], Payload: data[signalHeaderLen:]}
	return nil
}

func (h *SignalHeader) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(signalHeaderLen)
	if err != nil {
		return err
	}
	bytes[0] = h.Kind
	bytes[1] = h.IsolationID
	binary.BigEndian.PutUint16(bytes[2:4], h.Reserved)
	binary.BigEndian.PutUint32(bytes[4:8], h.EnqueueTS)
	binary.BigEndian.PutUint32(bytes[8:12], h.DequeueTS)
	return nil
}

func decodeSignalHeader(data []byte, p gopacket.PacketBuilder) error {
	h := &SignalHeader{}
	if err := h.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(h)
	return p.NextDecoder(h.NextLayerType())
}
