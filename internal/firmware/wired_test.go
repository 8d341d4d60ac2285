package firmware

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWUMessageFraming(t *testing.T) {
	cases := []struct {
		msgType uint32
		words   []uint32
		wantLen uint32
	}{
		{wuMsgHello, nil, 8},
		{wuMsgAbort, []uint32{0}, 12},
		{wuMsgOTADesc, []uint32{0xFE000}, 12},
		{wuMsgUpdate, []uint32{0x1000, 0xDEADBEEF, 0}, 20},
		{wuMsgReset, []uint32{2}, 12},
	}
	for _, tc := range cases {
		msg := wuMessage(tc.msgType, tc.words...)
		header := wordFrom(msg, 0)
		assert.Equal(t, tc.msgType, header&0xFFFF)
		assert.Equal(t, tc.wantLen, header>>16, "length includes the CRC word")
		assert.Len(t, msg, int(tc.wantLen)-4)
	}
}

func TestSendCommandPrependsCRC(t *testing.T) {
	port := &scriptPort{}
	port.enqueue([]byte{0x00})
	u := &wuUpdater{port: port, opt: &Options{}, sink: nopSink{}}

	params := wuMessage(wuMsgHello)
	_, err := u.sendCommand(params, 1, "HelloStatus")
	require.NoError(t, err)

	require.Len(t, port.writes, 2)
	assert.Equal(t, CRC32(params), binary.LittleEndian.Uint32(port.writes[0]))
	assert.Equal(t, params, port.writes[1])
}

func TestSendCommandShortResponse(t *testing.T) {
	port := &scriptPort{}
	port.enqueue([]byte{0x01, 0x02})
	u := &wuUpdater{port: port, opt: &Options{}, sink: nopSink{}}

	_, err := u.sendCommand(wuMessage(wuMsgHello), 88, "HelloStatus")
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "HelloStatus", timeout.Phase)
}

// statusResponse builds the 88-byte HELLO reply.
func statusResponse() []byte {
	body := make([]byte, 84)
	fillWord(body, 0, 88<<16|wuMsgStatus)
	fillWord(body, 4, 0x30000) // version
	fillWord(body, 8, 0x4B000) // max storage
	fillWord(body, 12, 0x1)    // status
	fillWord(body, 16, 0x2)    // state
	out := make([]byte, 4, 88)
	binary.LittleEndian.PutUint32(out, CRC32(body))
	return append(out, body...)
}

// ackResponse builds a 20-byte ACK with the given status.
func ackResponse(msgType, status, seq uint32) []byte {
	body := make([]byte, 16)
	fillWord(body, 0, 20<<16|wuMsgAck)
	fillWord(body, 4, msgType)
	fillWord(body, 8, status)
	fillWord(body, 12, seq)
	out := make([]byte, 4, 20)
	binary.LittleEndian.PutUint32(out, CRC32(body))
	return append(out, body...)
}

// wuDevice replays scripted responses and records every host message.
type wuDevice struct {
	t *testing.T

	// pending writes pair up as crc+params; the device answers after
	// each complete message.
	expectCRC bool
	lastCRC   uint32
	messages  [][]byte
	nackOn    uint32 // message type to NACK, 0xFFFFFFFF for none
	nackWith  uint32
}

func newWUDevice(t *testing.T) *wuDevice {
	return &wuDevice{t: t, expectCRC: true, nackOn: 0xFFFFFFFF}
}

func (d *wuDevice) attach(port *scriptPort) {
	port.onWrite = func(p *scriptPort, data []byte) {
		d.handle(p, data)
	}
}

func (d *wuDevice) handle(port *scriptPort, data []byte) {
	if d.expectCRC {
		require.Len(d.t, data, 4, "message must start with the CRC word")
		d.lastCRC = binary.LittleEndian.Uint32(data)
		d.expectCRC = false
		return
	}
	d.expectCRC = true

	require.Equal(d.t, CRC32(data), d.lastCRC, "host CRC must cover the message body")
	header := wordFrom(data, 0)
	msgType := header & 0xFFFF
	require.Equal(d.t, int(header>>16), len(data)+4, "header length must count CRC plus body")
	d.messages = append(d.messages, data)

	switch msgType {
	case wuMsgHello:
		port.enqueue(statusResponse())
	case wuMsgAbort, wuMsgOTADesc, wuMsgUpdate, wuMsgData, wuMsgReset:
		if msgType == d.nackOn {
			port.enqueue(ackResponse(msgType, d.nackWith, 0))
			return
		}
		port.enqueue(ackResponse(msgType, wuAckSuccess, 0))
	default:
		d.t.Errorf("device received unexpected message type 0x%x", msgType)
	}
}

func (d *wuDevice) messagesOfType(msgType uint32) [][]byte {
	var out [][]byte
	for _, m := range d.messages {
		if wordFrom(m, 0)&0xFFFF == msgType {
			out = append(out, m)
		}
	}
	return out
}

func TestUpdateBootloaderHappyPath(t *testing.T) {
	image := bytes.Repeat([]byte{0xA5}, 20000)

	device := newWUDevice(t)
	var ports []*scriptPort
	opener := func(name string, baud int, readTimeout time.Duration) (Port, error) {
		port := &scriptPort{}
		device.attach(port)
		ports = append(ports, port)
		return port, nil
	}

	sink := &collectSink{}
	u := NewUploader(opener, sink)
	u.Opts.Rand = &patternReader{}
	err := u.UpdateBootloader(writeTempImage(t, image), "COM7", 115200)
	require.NoError(t, err)

	// Probe plus one successful attempt.
	require.Len(t, ports, 2)
	attempt := ports[1]
	assert.Equal(t, []bool{false}, attempt.dtr, "DTR released for the boot pin sequence")
	assert.Equal(t, []bool{false}, attempt.rts)
	assert.Equal(t, 1, attempt.resets)
	assert.True(t, attempt.closed)

	// One HELLO, one OTADESC, one UPDATE for the single chunk, no ABORT.
	assert.Len(t, device.messagesOfType(wuMsgHello), 1)
	assert.Empty(t, device.messagesOfType(wuMsgAbort))
	otadesc := device.messagesOfType(wuMsgOTADesc)
	require.Len(t, otadesc, 1)
	assert.Equal(t, uint32(0xFE000), wordFrom(otadesc[0], 4))

	blobLen := imgHdrSizeAux + len(image) + wuHdrSize
	updates := device.messagesOfType(wuMsgUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, uint32(blobLen), wordFrom(updates[0], 4), "UPDATE applen covers the whole wired blob")

	// DATA messages cover exactly the blob, bodies capped at 8180 bytes,
	// sequence numbers equal the running byte offset.
	datas := device.messagesOfType(wuMsgData)
	covered := 0
	for _, m := range datas {
		body := m[8:]
		assert.LessOrEqual(t, len(body), maxUARTMsgSize-12)
		assert.Equal(t, uint32(covered), wordFrom(m, 4), "seqNo is the chunk's byte offset")
		covered += len(body)
	}
	assert.Equal(t, blobLen, covered, "DATA bodies must cover the full update")

	resets := device.messagesOfType(wuMsgReset)
	require.Len(t, resets, 1, "reset_after != 0 sends a final RESET")
	assert.Equal(t, uint32(2), wordFrom(resets[0], 4))

	assert.Contains(t, sink.lines, "Bootloader updated!")
}

func TestUpdateBootloaderMultipleUpdatesAscending(t *testing.T) {
	device := newWUDevice(t)
	opener := func(name string, baud int, readTimeout time.Duration) (Port, error) {
		port := &scriptPort{}
		device.attach(port)
		return port, nil
	}

	u := NewUploader(opener, nil)
	u.Opts.Split = flashPageSize // shrink updates so several are needed
	image := bytes.Repeat([]byte{0x3C}, 3*flashPageSize)
	err := u.UpdateBootloader(writeTempImage(t, image), "COM7", 115200)
	require.NoError(t, err)

	blobLen := 0
	for _, m := range device.messagesOfType(wuMsgUpdate) {
		blobLen += int(wordFrom(m, 4))
	}
	updates := device.messagesOfType(wuMsgUpdate)
	require.Greater(t, len(updates), 1)

	// Every update except the last is full-sized; sizes are announced in
	// ascending on-wire order, so the full updates come first.
	maxUpdate := wuHdrSize + int(u.Opts.Split)
	for i, m := range updates[:len(updates)-1] {
		assert.Equal(t, uint32(maxUpdate), wordFrom(m, 4), "update %d", i)
	}
	assert.Equal(t, uint32(blobLen-(len(updates)-1)*maxUpdate), wordFrom(updates[len(updates)-1], 4))
}

func TestUpdateBootloaderNack(t *testing.T) {
	device := newWUDevice(t)
	device.nackOn = wuMsgOTADesc
	device.nackWith = wuAckInvalidAddr

	opener := func(name string, baud int, readTimeout time.Duration) (Port, error) {
		port := &scriptPort{}
		device.attach(port)
		return port, nil
	}

	u := NewUploader(opener, nil)
	err := u.UpdateBootloader(writeTempImage(t, []byte{0x01, 0x02, 0x03, 0x04}), "COM7", 115200)
	require.Error(t, err)

	var proto *ProtocolError
	require.ErrorAs(t, err, &proto)
	assert.Equal(t, 3, proto.Attempts)

	var nack *NackError
	require.ErrorAs(t, err, &nack)
	assert.Equal(t, uint32(wuMsgOTADesc), nack.MsgType)
	assert.Equal(t, uint32(wuAckInvalidAddr), nack.Status)
}

func TestUpdateBootloaderPortUnavailable(t *testing.T) {
	calls := 0
	opener := func(name string, baud int, readTimeout time.Duration) (Port, error) {
		calls++
		return nil, assert.AnError
	}

	u := NewUploader(opener, nil)
	err := u.UpdateBootloader(writeTempImage(t, []byte{0x01}), "COM7", 115200)
	assert.ErrorIs(t, err, ErrPortUnavailable)
	assert.Equal(t, 1, calls, "port-open failure is reported without retries")
}

func TestUpdateBootloaderAbortConfigured(t *testing.T) {
	device := newWUDevice(t)
	opener := func(name string, baud int, readTimeout time.Duration) (Port, error) {
		port := &scriptPort{}
		device.attach(port)
		return port, nil
	}

	u := NewUploader(opener, nil)
	u.Opts.Abort = 0
	err := u.UpdateBootloader(writeTempImage(t, []byte{0x01, 0x02, 0x03, 0x04}), "COM7", 115200)
	require.NoError(t, err)

	aborts := device.messagesOfType(wuMsgAbort)
	require.Len(t, aborts, 1)
	assert.Equal(t, uint32(0), wordFrom(aborts[0], 4))
}
