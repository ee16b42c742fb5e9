package register

import "errors"

var (
	ErrShortRead  = errors.New("register read returned no cells")
	ErrOutOfRange = errors.New("register address out of range")
)

// Backend is the control channel to the device register arrays.
//
// ReadRange returns count cells starting at addr, cell-major, each cell laid
// out as consecutive little endian 4 byte words. It may short-read: callers
// must use the returned cell count, not count.
type Backend interface {
	ReadRange(addr uint32, count int) ([]byte, int, error)
	// SetGenerationBit writes the next write-target half into the port's
	// generation-select table entry.
	SetGenerationBit(key uint32, value uint8) error
	// ReleaseQueryLock tells the device it may reuse the half-buffer it froze
	// for the given isolation id.
	ReleaseQueryLock(isolationID uint8) error
	// ResetRange zeroes count cells starting at addr.
	ResetRange(addr uint32, count int) error
	Close() error
}
