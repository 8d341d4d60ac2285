package firmware

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPacketFraming(t *testing.T) {
	cases := []struct {
		cmd  byte
		data []byte
	}{
		{svlCmdBL, nil},
		{svlCmdDone, nil},
		{svlCmdFrame, []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		{svlCmdFrame, bytes.Repeat([]byte{0xAA}, svlFrameSize)},
	}

	for _, tc := range cases {
		port := &scriptPort{}
		l := &svlLoader{port: port, sink: nopSink{}}
		require.NoError(t, l.sendPacket(tc.cmd, tc.data))
		require.Len(t, port.writes, 1)

		frame := port.writes[0]
		wantLen := 3 + len(tc.data)
		assert.Equal(t, uint16(wantLen), binary.BigEndian.Uint16(frame[:2]))
		assert.Equal(t, tc.cmd, frame[2])
		assert.True(t, bytes.Equal(tc.data, frame[3:3+len(tc.data)]))
		// The whole payload must satisfy the zero-residue property.
		assert.Equal(t, uint16(0), CRC16(frame[2:]))
	}
}

func TestWaitForPacketEmpty(t *testing.T) {
	port := &scriptPort{}
	port.enqueue([]byte{0x00, 0x00})
	l := &svlLoader{port: port, sink: nopSink{}}

	packet := l.waitForPacket()
	assert.True(t, packet.timeout)
	assert.Zero(t, packet.length)
	assert.Empty(t, port.in, "empty packet must not trigger further reads")
}

func TestWaitForPacketShortRead(t *testing.T) {
	port := &scriptPort{}
	// Length promises five bytes but only two arrive.
	port.enqueue([]byte{0x00, 0x05, 0x03, 0x00})
	l := &svlLoader{port: port, sink: nopSink{}}

	packet := l.waitForPacket()
	assert.True(t, packet.timeout)
}

func TestWaitForPacketRoundTrip(t *testing.T) {
	port := &scriptPort{}
	port.enqueue(devicePacket(svlCmdNext, []byte{0x01, 0x02}))
	l := &svlLoader{port: port, sink: nopSink{}}

	packet := l.waitForPacket()
	assert.False(t, packet.timeout)
	assert.True(t, packet.crcOK)
	assert.Equal(t, byte(svlCmdNext), packet.cmd)
	assert.Equal(t, []byte{0x01, 0x02}, packet.data)
}

// svlDevice simulates the SVL bootloader behind a scriptPort.
type svlDevice struct {
	t           *testing.T
	image       []byte
	retryAfter  map[int]int // frame number -> RETRYs to send before the next NEXT
	alwaysRetry bool

	frames  [][]byte
	gotDone bool
}

func (d *svlDevice) attach(port *scriptPort) {
	port.onWrite = func(p *scriptPort, data []byte) {
		d.handle(p, data)
	}
}

func (d *svlDevice) handle(port *scriptPort, data []byte) {
	if len(data) == 1 && data[0] == svlBaudDetect {
		port.enqueue(devicePacket(svlCmdVer, []byte{0x00, 0x00, 0x00, 0x05}))
		return
	}

	require.GreaterOrEqual(d.t, len(data), 5, "host packet too short")
	length := int(binary.BigEndian.Uint16(data[:2]))
	require.Equal(d.t, length, len(data)-2, "host length prefix mismatch")
	require.Equal(d.t, uint16(0), CRC16(data[2:]), "host packet CRC residue")

	cmd := data[2]
	payload := data[3 : len(data)-2]

	switch cmd {
	case svlCmdBL:
		port.enqueue(devicePacket(svlCmdNext, nil))
	case svlCmdFrame:
		if d.alwaysRetry {
			port.enqueue(devicePacket(svlCmdRetry, nil))
			return
		}
		frameNo := len(d.frames) + 1
		if d.retryAfter[frameNo] > 0 {
			d.retryAfter[frameNo]--
			port.enqueue(devicePacket(svlCmdRetry, nil))
			return
		}
		// Verify the payload is the right slice of the image.
		start := len(d.frames) * svlFrameSize
		end := start + svlFrameSize
		if end > len(d.image) {
			end = len(d.image)
		}
		require.Equal(d.t, d.image[start:end], payload, "frame %d payload", frameNo)
		d.frames = append(d.frames, payload)
		port.enqueue(devicePacket(svlCmdNext, nil))
	case svlCmdDone:
		d.gotDone = true
	default:
		d.t.Errorf("device received unexpected command 0x%02x", cmd)
	}
}

func writeTempImage(t *testing.T, image []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firmware.bin")
	require.NoError(t, os.WriteFile(path, image, 0644))
	return path
}

func TestUploadFirmwareHappyPath(t *testing.T) {
	image := bytes.Repeat([]byte{0xAA}, 5000)
	device := &svlDevice{t: t, image: image}
	opener, opens := openerFor(func() *scriptPort {
		port := &scriptPort{}
		device.attach(port)
		return port
	})

	sink := &collectSink{}
	u := NewUploader(opener, sink)
	err := u.UploadFirmware(writeTempImage(t, image), "COM7", 115200)
	require.NoError(t, err)

	assert.Equal(t, 1, *opens)
	assert.Len(t, device.frames, 3)
	assert.Len(t, device.frames[0], svlFrameSize)
	assert.Len(t, device.frames[2], 5000-2*svlFrameSize)
	assert.True(t, device.gotDone)
	assert.Contains(t, sink.lines, "Sending 5000 bytes in 3 frames")
}

func TestUploadFirmwareRetryOnceThenSucceed(t *testing.T) {
	image := bytes.Repeat([]byte{0x42}, 3*svlFrameSize)
	device := &svlDevice{t: t, image: image, retryAfter: map[int]int{2: 1}}
	opener, _ := openerFor(func() *scriptPort {
		port := &scriptPort{}
		device.attach(port)
		return port
	})

	u := NewUploader(opener, nil)
	err := u.UploadFirmware(writeTempImage(t, image), "COM7", 115200)
	require.NoError(t, err)

	// All three frames landed despite the retry in the middle.
	assert.Len(t, device.frames, 3)
	assert.True(t, device.gotDone)
}

func TestUploadFirmwareRetryCap(t *testing.T) {
	image := bytes.Repeat([]byte{0x17}, svlFrameSize)

	var devices []*svlDevice
	opener, opens := openerFor(func() *scriptPort {
		device := &svlDevice{t: t, image: image, alwaysRetry: true}
		devices = append(devices, device)
		port := &scriptPort{}
		device.attach(port)
		return port
	})

	u := NewUploader(opener, nil)
	err := u.UploadFirmware(writeTempImage(t, image), "COM7", 115200)
	require.Error(t, err)

	var proto *ProtocolError
	require.ErrorAs(t, err, &proto)
	assert.Equal(t, svlNumTries, proto.Attempts)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, svlNumTries, *opens)
	for _, d := range devices {
		assert.False(t, d.gotDone, "DONE must not be sent after retry exhaustion")
	}
}

func TestUploadFirmwareTimeout(t *testing.T) {
	// A device that never answers the baud detect byte.
	opener, _ := openerFor(func() *scriptPort { return &scriptPort{} })

	u := NewUploader(opener, nil)
	err := u.UploadFirmware(writeTempImage(t, []byte{0x01}), "COM7", 115200)
	require.Error(t, err)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "Setup", timeout.Phase)
}

func TestUploadFirmwareRejectsUnknownBaud(t *testing.T) {
	u := NewUploader(nil, nil)
	err := u.UploadFirmware("nonexistent.bin", "COM7", 57600)
	var invalid *InvalidImageError
	require.ErrorAs(t, err, &invalid)
}

func TestUploadFirmwareMissingFile(t *testing.T) {
	opened := false
	u := NewUploader(func(string, int, time.Duration) (Port, error) {
		opened = true
		return &scriptPort{}, nil
	}, nil)
	err := u.UploadFirmware(filepath.Join(t.TempDir(), "missing.bin"), "COM7", 115200)
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.False(t, opened, "file errors must surface before any port I/O")
}
