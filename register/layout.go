package register

import (
	"errors"
	"fmt"
	"time"
)

type Mode int

const (
	UNDEFINEDMODE Mode = iota
	TIME_WINDOWS
	QUEUE_MONITOR
)

func (m Mode) String() string {
	switch m {
	case TIME_WINDOWS:
		return "time_windows"
	case QUEUE_MONITOR:
		return "queue_monitor"
	default:
		return "undefined"
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "time_windows", "tw":
		return TIME_WINDOWS, nil
	case "queue_monitor", "qm":
		return QUEUE_MONITOR, nil
	default:
		return UNDEFINEDMODE, fmt.Errorf("unknown harvest mode: %q", s)
	}
}

// WordBytes is the width of one register field.
const WordBytes = 4

// Layout describes how one port's partition of the register arrays is
// addressed. Each partition holds four half-buffers of 2^K cells selected by
// the two generation bits: second_highest at bit K and highest at bit K+1.
type Layout struct {
	Mode Mode
	K    uint
	// CellCount is the number of cells drained per half-buffer.
	CellCount int
	// Fields is the number of 4 byte register words per cell.
	Fields           int
	RetrieveInterval time.Duration
}

// NewTimeWindowLayout builds the layout for t time windows of 2^k cells with
// compression factor alpha and a first-window time base of 2^tw0TB ns. Each
// window stores tts, src ip and dst ip per cell.
func NewTimeWindowLayout(k, t, alpha, tw0TB uint) (Layout, error) {
	if k == 0 || t == 0 || alpha == 0 {
		return Layout{}, errors.New("time windows: k, t and alpha must be positive")
	}
	if k+2 > 30 {
		return Layout{}, fmt.Errorf("time windows: k=%d too large", k)
	}
	l := Layout{
		Mode:             TIME_WINDOWS,
		K:                k,
		CellCount:        1 << k,
		Fields:           3 * int(t),
		RetrieveInterval: TimeWindowInterval(k, t, alpha, tw0TB),
	}
	if l.RetrieveInterval <= 0 {
		return Layout{}, fmt.Errorf("time windows: retrieve interval %s not positive", l.RetrieveInterval)
	}
	return l, nil
}

// TimeWindowInterval is the total duration covered by the windows, in µs,
// less 10µs so the swap triggers slightly ahead of the overwrite.
func TimeWindowInterval(k, t, alpha, tw0TB uint) time.Duration {
	total := ((uint64(1) << (alpha * t)) - 1) * (uint64(1) << (k + tw0TB)) / ((uint64(1) << alpha) - 1)
	us := int64(total/1000) - 10
	return time.Duration(us) * time.Microsecond
}

// NewQueueMonitorLayout builds the layout for a queue monitor stack of depth
// 2^k of which maxQdepth cells are drained. Cells hold src ip, dst ip and seq.
func NewQueueMonitorLayout(k uint, maxQdepth int, readInterval time.Duration) (Layout, error) {
	if k == 0 || k+2 > 30 {
		return Layout{}, fmt.Errorf("queue monitor: bad k=%d", k)
	}
	if maxQdepth <= 0 || maxQdepth > 1<<k {
		return Layout{}, fmt.Errorf("queue monitor: max_qdepth %d must be in (0, %d]", maxQdepth, 1<<k)
	}
	if readInterval <= 0 {
		return Layout{}, errors.New("queue monitor: read interval must be positive")
	}
	return Layout{
		Mode:             QUEUE_MONITOR,
		K:                k,
		CellCount:        maxQdepth,
		Fields:           3,
		RetrieveInterval: readInterval,
	}, nil
}

func (l Layout) SecondBit() uint  { return l.K }
func (l Layout) HighestBit() uint { return l.K + 1 }
func (l Layout) CellBytes() int   { return l.Fields * WordBytes }
func (l Layout) HalfBytes() int   { return l.CellCount * l.CellBytes() }

// PortSpan is the number of cell addresses owned by one port partition.
func (l Layout) PortSpan() uint32 { return 1 << (l.K + 2) }

// DefaultPrefix is the isolation prefix of the partition with the given id.
func (l Layout) DefaultPrefix(isolationID uint8) uint32 {
	return uint32(isolationID) * l.PortSpan()
}

// HalfAddress returns the first cell address of the half-buffer selected by
// the generation bits inside the partition starting at prefix.
func (l Layout) HalfAddress(prefix uint32, highest, secondHighest uint8) uint32 {
	return prefix + uint32(highest&1)<<l.HighestBit() + uint32(secondHighest&1)<<l.SecondBit()
}
