// Package serialio is the thin transport layer between the protocol
// drivers and a physical UART. It owns the go.bug.st/serial specifics so
// the firmware package only sees the Port interface.
package serialio

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"artemisflash/internal/firmware"
)

// Port wraps an open serial device with the read semantics the
// bootloader protocols expect: a read returns after at most the
// configured timeout, and a short result signals that timeout.
type Port struct {
	port    serial.Port
	name    string
	timeout time.Duration
}

// Open opens the named device at the given baud rate. It satisfies
// firmware.PortOpener.
func Open(name string, baud int, readTimeout time.Duration) (firmware.Port, error) {
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", name, err)
	}
	return &Port{port: port, name: name, timeout: readTimeout}, nil
}

// ReadExact reads up to n bytes. It keeps reading while data is arriving
// and stops as soon as one underlying read times out empty, so a quiet
// line costs at most one timeout interval.
func (p *Port) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		r, err := p.port.Read(buf[got:])
		if err != nil {
			return buf[:got], fmt.Errorf("serial read on %s failed: %w", p.name, err)
		}
		if r == 0 {
			// Timeout elapsed with nothing new on the line.
			break
		}
		got += r
	}
	return buf[:got], nil
}

func (p *Port) Write(data []byte) error {
	for len(data) > 0 {
		n, err := p.port.Write(data)
		if err != nil {
			return fmt.Errorf("serial write on %s failed: %w", p.name, err)
		}
		data = data[n:]
	}
	return nil
}

func (p *Port) ResetInputBuffer() error {
	return p.port.ResetInputBuffer()
}

func (p *Port) SetDTR(on bool) error {
	return p.port.SetDTR(on)
}

func (p *Port) SetRTS(on bool) error {
	return p.port.SetRTS(on)
}

func (p *Port) Close() error {
	return p.port.Close()
}
