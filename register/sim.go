package register

import (
	"fmt"
	"sync"
)

// SimBackend is an in-memory stand-in for the device: one flat register
// array covering every port partition, the generation-select entries and the
// query locks. It is used for dry runs and tests.
type SimBackend struct {
	mu     sync.Mutex
	layout Layout
	cells  []byte
	gen    map[uint32]uint8
	writes map[uint32]int
	locks  map[uint8]int

	// MaxRead caps the cells returned by one ReadRange (0 means no cap).
	MaxRead int
	// OnRead is called before every ReadRange, outside the lock.
	OnRead func(addr uint32, count int)
	// Fault, when set, is returned by every operation.
	Fault error
}

func NewSimBackend(l Layout, partitions int) *SimBackend {
	return &SimBackend{
		layout: l,
		cells:  make([]byte, int(l.PortSpan())*partitions*l.CellBytes()),
		gen:    make(map[uint32]uint8),
		writes: make(map[uint32]int),
		locks:  make(map[uint8]int),
	}
}

func (s *SimBackend) span(addr uint32, count int) (int, int, error) {
	cb := s.layout.CellBytes()
	start := int(addr) * cb
	end := start + count*cb
	if count < 0 || end > len(s.cells) {
		return 0, 0, fmt.Errorf("%w: addr=%d count=%d", ErrOutOfRange, addr, count)
	}
	return start, end, nil
}

func (s *SimBackend) ReadRange(addr uint32, count int) ([]byte, int, error) {
	if s.OnRead != nil {
		s.OnRead(addr, count)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fault != nil {
		return nil, 0, s.Fault
	}
	if s.MaxRead > 0 && count > s.MaxRead {
		count = s.MaxRead
	}
	start, end, err := s.span(addr, count)
	if err != nil {
		return nil, 0, err
	}
	out := make([]byte, end-start)
	copy(out, s.cells[start:end])
	return out, count, nil
}

func (s *SimBackend) SetGenerationBit(key uint32, value uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fault != nil {
		return s.Fault
	}
	s.gen[key] = value & 1
	s.writes[key]++
	return nil
}

func (s *SimBackend) ReleaseQueryLock(isolationID uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fault != nil {
		return s.Fault
	}
	s.locks[isolationID]++
	return nil
}

func (s *SimBackend) ResetRange(addr uint32, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fault != nil {
		return s.Fault
	}
	start, end, err := s.span(addr, count)
	if err != nil {
		return err
	}
	for i := start; i < end; i++ {
		s.cells[i] = 0
	}
	return nil
}

func (s *SimBackend) Close() error { return nil }

// WriteCells overwrites cells starting at addr with data (whole cells).
func (s *SimBackend) WriteCells(addr uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb := s.layout.CellBytes()
	if len(data)%cb != 0 {
		return fmt.Errorf("sim: %d bytes is not a whole number of %d byte cells", len(data), cb)
	}
	start, end, err := s.span(addr, len(data)/cb)
	if err != nil {
		return err
	}
	copy(s.cells[start:end], data)
	return nil
}

// Fill sets every cell in [addr, addr+count) using f.
func (s *SimBackend) Fill(addr uint32, count int, f func(i int, cell []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, _, err := s.span(addr, count)
	if err != nil {
		return err
	}
	cb := s.layout.CellBytes()
	for i := 0; i < count; i++ {
		off := start + i*cb
		f(i, s.cells[off:off+cb])
	}
	return nil
}

// Generation returns the last value written for key and how many writes it saw.
func (s *SimBackend) Generation(key uint32) (uint8, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen[key], s.writes[key]
}

func (s *SimBackend) Releases(isolationID uint8) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[isolationID]
}
