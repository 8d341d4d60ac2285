package firmware

import "time"

// Port is the byte-level transport a protocol driver runs over. A real
// serial port implements it in internal/serialio; tests substitute
// scripted devices. The port is exclusively owned by one operation for
// its whole duration.
type Port interface {
	// ReadExact returns up to n bytes, waiting no longer than the
	// configured read timeout. Fewer than n bytes means the read
	// timed out.
	ReadExact(n int) ([]byte, error)
	Write(p []byte) error
	ResetInputBuffer() error
	SetDTR(on bool) error
	SetRTS(on bool) error
	Close() error
}

// PortOpener opens the named serial device at the given baud rate with a
// per-read timeout.
type PortOpener func(name string, baud int, readTimeout time.Duration) (Port, error)
