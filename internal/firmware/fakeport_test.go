package firmware

import "time"

// scriptPort is an in-memory serial device for protocol tests. Reads are
// served from a byte stream the script enqueues; an empty stream models a
// read timeout. Writes are recorded and handed to the script's onWrite
// hook so it can react the way the device would.
type scriptPort struct {
	in      []byte
	writes  [][]byte
	onWrite func(p *scriptPort, data []byte)

	resets int
	dtr    []bool
	rts    []bool
	closed bool
}

func (p *scriptPort) enqueue(data []byte) {
	p.in = append(p.in, data...)
}

func (p *scriptPort) ReadExact(n int) ([]byte, error) {
	if n >= len(p.in) {
		out := p.in
		p.in = nil
		return out, nil
	}
	out := p.in[:n]
	p.in = p.in[n:]
	return out, nil
}

func (p *scriptPort) Write(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	p.writes = append(p.writes, buf)
	if p.onWrite != nil {
		p.onWrite(p, buf)
	}
	return nil
}

func (p *scriptPort) ResetInputBuffer() error {
	p.resets++
	return nil
}

func (p *scriptPort) SetDTR(on bool) error {
	p.dtr = append(p.dtr, on)
	return nil
}

func (p *scriptPort) SetRTS(on bool) error {
	p.rts = append(p.rts, on)
	return nil
}

func (p *scriptPort) Close() error {
	p.closed = true
	return nil
}

// openerFor adapts a port factory into a PortOpener, recording how many
// times the operation (re)opened the port.
func openerFor(factory func() *scriptPort) (PortOpener, *int) {
	opens := 0
	opener := func(name string, baud int, readTimeout time.Duration) (Port, error) {
		opens++
		return factory(), nil
	}
	return opener, &opens
}

// devicePacket frames a packet the way the SVL device does, sharing the
// host's length and CRC conventions.
func devicePacket(cmd byte, data []byte) []byte {
	numBytes := 3 + len(data)
	payload := append([]byte{cmd}, data...)
	crc := CRC16(payload)
	payload = append(payload, byte(crc>>8), byte(crc))
	return append([]byte{byte(numBytes >> 8), byte(numBytes)}, payload...)
}

// collectSink gathers progress lines for assertions.
type collectSink struct {
	lines []string
	steps []int
}

func (s *collectSink) Message(msg string) { s.lines = append(s.lines, msg) }

func (s *collectSink) Step(phase string, current, total int) { s.steps = append(s.steps, current) }
