package firmware

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// svlPacket is one framed SVL exchange as it came off the wire.
type svlPacket struct {
	length  int
	cmd     byte
	data    []byte
	crcOK   bool
	timeout bool
}

// svlLoader drives the SparkFun Variable Loader protocol over an open
// port.
type svlLoader struct {
	port Port
	sink ProgressSink
}

// waitForPacket reads one length-prefixed packet. A short read at any
// point marks the packet timed out; CRC validity is the zero-residue
// property over cmd|payload|crc.
func (l *svlLoader) waitForPacket() svlPacket {
	var packet svlPacket

	n, err := l.port.ReadExact(2)
	if err != nil || len(n) < 2 {
		packet.timeout = true
		return packet
	}
	packet.length = int(binary.BigEndian.Uint16(n))
	if packet.length == 0 {
		// Empty packet, nothing further on the wire.
		packet.timeout = true
		return packet
	}

	payload, err := l.port.ReadExact(packet.length)
	if err != nil || len(payload) != packet.length {
		packet.timeout = true
		return packet
	}

	packet.cmd = payload[0]
	if packet.length >= 3 {
		packet.data = payload[1 : packet.length-2]
	}
	packet.crcOK = CRC16(payload) == 0
	return packet
}

// sendPacket frames and writes one packet: big-endian length covering
// cmd+data+crc, then cmd, data, and the big-endian CRC16 of cmd|data.
func (l *svlLoader) sendPacket(cmd byte, data []byte) error {
	numBytes := 3 + len(data)
	payload := make([]byte, 0, numBytes)
	payload = append(payload, cmd)
	payload = append(payload, data...)
	crc := CRC16(payload)
	payload = append(payload, byte(crc>>8), byte(crc))

	frame := make([]byte, 2, 2+numBytes)
	binary.BigEndian.PutUint16(frame, uint16(numBytes))
	frame = append(frame, payload...)
	return l.port.Write(frame)
}

// phaseSetup signals the baud rate, receives the bootloader version and
// commands the device into bootload mode.
func (l *svlLoader) phaseSetup() error {
	l.sink.Message("Phase: Setup")

	// Discard the serial startup blip.
	if err := l.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("input buffer reset failed: %w", err)
	}

	if err := l.port.Write([]byte{svlBaudDetect}); err != nil {
		return fmt.Errorf("baud detect write failed: %w", err)
	}

	packet := l.waitForPacket()
	if packet.timeout {
		return &TimeoutError{Phase: "Setup"}
	}
	if !packet.crcOK {
		return ErrCRCMismatch
	}

	version := 0
	for _, b := range packet.data {
		version = version<<8 | int(b)
	}
	l.sink.Message(fmt.Sprintf("Got SVL Bootloader Version: %d", version))
	l.sink.Message("Sending 'enter bootloader' command")

	return l.sendPacket(svlCmdBL, nil)
}

// phaseBootload streams the application in 2048-byte frames, honoring
// NEXT/RETRY requests until all frames are acknowledged.
func (l *svlLoader) phaseBootload(application []byte) error {
	startTime := time.Now()
	resendCount := 0

	l.sink.Message("Phase: Bootload")

	totalLen := len(application)
	totalFrames := int(math.Ceil(float64(totalLen) / float64(svlFrameSize)))
	currFrame := 0

	l.sink.Message(fmt.Sprintf("Sending %d bytes in %d frames", totalLen, totalFrames))

	for {
		packet := l.waitForPacket()
		if packet.timeout {
			return &TimeoutError{Phase: "Bootload"}
		}
		if !packet.crcOK {
			return ErrCRCMismatch
		}

		switch packet.cmd {
		case svlCmdNext:
			currFrame++
			resendCount = 0
		case svlCmdRetry:
			l.sink.Message("Retrying...")
			resendCount++
			if resendCount >= svlResendMax {
				return ErrRetryExhausted
			}
		default:
			return &UnexpectedMessageError{Got: uint32(packet.cmd), Expected: svlCmdNext}
		}

		if currFrame <= totalFrames {
			start := (currFrame - 1) * svlFrameSize
			end := start + svlFrameSize
			if end > totalLen {
				end = totalLen
			}
			frame := application[start:end]
			l.sink.Step("Bootload", currFrame, totalFrames)
			if err := l.sendPacket(svlCmdFrame, frame); err != nil {
				return fmt.Errorf("frame %d write failed: %w", currFrame, err)
			}
		} else {
			if err := l.sendPacket(svlCmdDone, nil); err != nil {
				return fmt.Errorf("done write failed: %w", err)
			}
			break
		}
	}

	elapsed := time.Since(startTime).Seconds()
	if elapsed > 0 {
		l.sink.Message(fmt.Sprintf("Nominal bootload %.2f bytes/sec", float64(totalLen)/elapsed))
	}
	return nil
}

// svlUpload performs one full SVL upload attempt over an already open
// port: reset tail, setup phase, bootload phase.
func svlUpload(port Port, application []byte, sink ProgressSink) error {
	l := &svlLoader{port: port, sink: sink}

	// Allow the module to come out of reset before the baud detect byte.
	time.Sleep(150 * time.Millisecond)

	if err := l.phaseSetup(); err != nil {
		return err
	}
	return l.phaseBootload(application)
}
