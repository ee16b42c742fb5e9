package pqharvest

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog/log"
	"github.com/sharat910/pqharvest/listener"
)

type CaptureMode int

const (
	UNDEFINEDCM CaptureMode = iota
	PCAPFILE
	INTERFACE
)

func ParseCaptureMode(s string) (CaptureMode, error) {
	switch s {
	case "pcap":
		return PCAPFILE, nil
	case "interface":
		return INTERFACE, nil
	default:
		return UNDEFINEDCM, fmt.Errorf("unknown capture mode: %q", s)
	}
}

// DefaultBPF keeps only PrintQueue signal frames.
const DefaultBPF = "ether proto 0x080c"

type CaptureConfig struct {
	CapMode   CaptureMode
	CapSource string
	BPF       string
	SnapLen   int32
	// Timeout bounds a blocking live read so the listener can re-check its
	// flags.
	Timeout time.Duration
}

func SanityCheck(c CaptureConfig) error {
	if c.CapMode == UNDEFINEDCM {
		return errors.New("capture mode undefined")
	}
	if c.CapSource == "" {
		return errors.New("capture source undefined")
	}
	return nil
}

func GetHandle(c CaptureConfig) (*pcap.Handle, error) {
	var err error
	var handle *pcap.Handle
	switch c.CapMode {
	case PCAPFILE:
		handle, err = pcap.OpenOffline(c.CapSource)
		if err != nil {
			return nil, fmt.Errorf("unable to open pcap: %w", err)
		}
		log.Info().Str("pcap_path", c.CapSource).Msg("handle created")
	case INTERFACE:
		snap, timeout := c.SnapLen, c.Timeout
		if snap == 0 {
			snap = 9600
		}
		if timeout == 0 {
			timeout = 100 * time.Millisecond
		}
		handle, err = pcap.OpenLive(c.CapSource, snap, true, timeout)
		if err != nil {
			return nil, fmt.Errorf("unable to open interface: %w", err)
		}
		log.Info().Str("interface", c.CapSource).Dur("timeout", timeout).Msg("handle created")
	default:
		return nil, errors.New("unknown capture mode")
	}
	bpf := c.BPF
	if bpf == "" {
		bpf = DefaultBPF
	}
	if err := handle.SetBPFFilter(bpf); err != nil {
		handle.Close()
		return nil, fmt.Errorf("unable to set bpf filter %q: %w", bpf, err)
	}
	return handle, nil
}

// pcapSource turns read timeouts of a live handle into listener.ErrNoFrame.
type pcapSource struct {
	h *pcap.Handle
}

func (s pcapSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.h.ReadPacketData()
	if err == pcap.NextErrorTimeoutExpired {
		return nil, ci, listener.ErrNoFrame
	}
	return data, ci, err
}

// OpenSource opens the signal source described by c. The returned func
// closes it.
func OpenSource(c CaptureConfig) (gopacket.PacketDataSource, func(), error) {
	if err := SanityCheck(c); err != nil {
		return nil, nil, err
	}
	handle, err := GetHandle(c)
	if err != nil {
		return nil, nil, err
	}
	return pcapSource{h: handle}, handle.Close, nil
}
