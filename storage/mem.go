package storage

import (
	"fmt"
	"sync"
)

// MemSink keeps artifacts in memory, in write order.
type MemSink struct {
	mu    sync.Mutex
	data  map[string][]byte
	names []string
}

func NewMemSink() *MemSink {
	return &MemSink{data: make(map[string][]byte)}
}

func (m *MemSink) Write(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[name]; ok {
		return fmt.Errorf("artifact exists: %s", name)
	}
	m.data[name] = append([]byte(nil), data...)
	m.names = append(m.names, name)
	return nil
}

func (m *MemSink) Get(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[name]
	return b, ok
}

func (m *MemSink) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.names...)
}
