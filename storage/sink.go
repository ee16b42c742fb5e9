package storage

import (
	"fmt"
	"path"
	"time"
)

// Sink persists harvested buffers. Implementations must not retain data
// after Write returns; callers reuse their buffers.
type Sink interface {
	Write(name string, data []byte) error
}

func stamp(t time.Time) string {
	us := t.UnixMicro()
	return fmt.Sprintf("%d_%d", us/1e6, us%1e6)
}

func portDir(port int) string {
	return fmt.Sprintf("port%d", port)
}

// PeriodicName names a periodic drain of a time windows half-buffer, stamped
// with the time the generation flip completed.
func PeriodicName(port int, at time.Time) string {
	return path.Join(portDir(port), "tw_data", stamp(at)+".bin")
}

// QueueMonitorName names a periodic queue monitor drain; the last field is 1
// when the sequence numbers wrapped during the period.
func QueueMonitorName(port int, at time.Time, wrap bool) string {
	w := 0
	if wrap {
		w = 1
	}
	return path.Join(portDir(port), "qm_data", fmt.Sprintf("%s_%d.bin", stamp(at), w))
}

func SignalName(port int, at time.Time, seq uint64) string {
	return path.Join(portDir(port), "signal_data", fmt.Sprintf("%s_%d.bin", stamp(at), seq))
}

func QueryName(port int, at time.Time, seq uint64) string {
	return path.Join(portDir(port), "query_data", fmt.Sprintf("%s_%d.bin", stamp(at), seq))
}
