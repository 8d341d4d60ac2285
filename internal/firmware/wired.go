package firmware

import (
	"encoding/binary"
	"fmt"
)

// wuUpdater drives the Apollo3 secure bootloader wired update protocol
// over an open port.
type wuUpdater struct {
	port Port
	opt  *Options
	sink ProgressSink
}

// sendCommand frames params with a leading little-endian CRC32, writes the
// message and waits for exactly responseLen bytes.
func (u *wuUpdater) sendCommand(params []byte, responseLen int, phase string) ([]byte, error) {
	crc := make([]byte, 4)
	binary.LittleEndian.PutUint32(crc, CRC32(params))
	if err := u.port.Write(crc); err != nil {
		return nil, fmt.Errorf("crc write failed: %w", err)
	}
	if err := u.port.Write(params); err != nil {
		return nil, fmt.Errorf("params write failed: %w", err)
	}

	response, err := u.port.ReadExact(responseLen)
	if err != nil {
		return nil, fmt.Errorf("response read failed: %w", err)
	}
	if len(response) != responseLen {
		if len(response) != 0 {
			u.sink.Message(fmt.Sprintf("Received %d bytes", len(response)))
		}
		return nil, &TimeoutError{Phase: phase}
	}
	return response, nil
}

// sendAckdCommand sends a command and verifies the 20-byte ACK response
// carries a SUCCESS status.
func (u *wuUpdater) sendAckdCommand(params []byte, phase string) ([]byte, error) {
	response, err := u.sendCommand(params, 20, phase)
	if err != nil {
		return nil, err
	}

	header := wordFrom(response, 4)
	if header&0xFFFF != wuMsgAck {
		return nil, &UnexpectedMessageError{Got: header & 0xFFFF, Expected: wuMsgAck}
	}
	if status := wordFrom(response, 12); status != wuAckSuccess {
		nack := &NackError{
			MsgType: wordFrom(response, 8),
			Status:  status,
			Seq:     wordFrom(response, 16),
		}
		u.sink.Message(fmt.Sprintf("Received NACK: msgType=0x%x error=0x%x seqNo=0x%x",
			nack.MsgType, nack.Status, nack.Seq))
		return nil, nack
	}
	return response, nil
}

// wuMessage builds a header-only message: total length in the high 16
// bits of the first word, message type in the low bits, then the payload
// words.
func wuMessage(msgType uint32, words ...uint32) []byte {
	total := uint32(4+4*len(words)) + 4 // crc + header + payload
	msg := make([]byte, 4+4*len(words))
	fillWord(msg, 0, total<<16|msgType)
	for i, w := range words {
		fillWord(msg, 4+4*i, w)
	}
	return msg
}

// hello performs the HELLO/STATUS exchange and logs the target state.
func (u *wuUpdater) hello() error {
	u.sink.Message("Sending Hello.")
	response, err := u.sendCommand(wuMessage(wuMsgHello), 88, "HelloStatus")
	if err != nil {
		return err
	}

	header := wordFrom(response, 4)
	if header&0xFFFF != wuMsgStatus {
		u.sink.Message(fmt.Sprintf("Received unknown message: msgType=0x%x length=0x%x",
			header&0xFFFF, header>>16))
		return &UnexpectedMessageError{Got: header & 0xFFFF, Expected: wuMsgStatus}
	}

	u.sink.Message("Bootloader connected")
	u.sink.Message(fmt.Sprintf("Length = 0x%x", header>>16))
	u.sink.Message(fmt.Sprintf("Version = 0x%x", wordFrom(response, 8)))
	u.sink.Message(fmt.Sprintf("Max Storage = 0x%x", wordFrom(response, 12)))
	u.sink.Message(fmt.Sprintf("Status = 0x%x", wordFrom(response, 16)))
	u.sink.Message(fmt.Sprintf("State = 0x%x", wordFrom(response, 20)))
	return nil
}

// sendUpdates streams the wired blob: one UPDATE command per chunk, each
// followed by its DATA messages, in ascending start-offset order.
func (u *wuUpdater) sendUpdates(blob []byte) error {
	totalLen := len(blob)

	maxImageSize := int(u.opt.Split)
	if maxImageSize&(flashPageSize-1) != 0 {
		return &InvalidImageError{Reason: "split needs to be multiple of flash page size"}
	}

	// Each update is one wired image header plus up to Split bytes of
	// image.
	maxUpdateSize := wuHdrSize + maxImageSize
	numUpdates := (totalLen + maxUpdateSize - 1) / maxUpdateSize
	u.sink.Message(fmt.Sprintf("Number of updates needed = %d", numUpdates))

	sent := 0
	for i := 0; i < numUpdates; i++ {
		start := i * maxUpdateSize
		end := start + maxUpdateSize
		if end > totalLen {
			end = totalLen
		}
		applen := end - start
		crc := CRC32(blob[start:end])
		u.sink.Message(fmt.Sprintf("Sending block of size 0x%x from 0x%x to 0x%x", applen, start, end))

		// Size word 0: no data piggybacked onto the UPDATE command.
		update := wuMessage(wuMsgUpdate, uint32(applen), crc, 0)
		if _, err := u.sendAckdCommand(update, "Ack"); err != nil {
			return err
		}

		// DATA bodies are capped by the bootloader's UART buffer less
		// the CRC, header and sequence words.
		maxChunkSize := maxUARTMsgSize - 12
		for x := 0; x < applen; x += maxChunkSize {
			chunkEnd := x + maxChunkSize
			if chunkEnd > applen {
				chunkEnd = applen
			}
			chunk := blob[start+x : start+chunkEnd]

			data := make([]byte, 8+len(chunk))
			fillWord(data, 0, uint32(len(chunk)+12)<<16|wuMsgData)
			fillWord(data, 4, uint32(x)) // seqNo: byte offset within this update
			copy(data[8:], chunk)

			if _, err := u.sendAckdCommand(data, "Data"); err != nil {
				return err
			}
			sent += len(chunk)
			u.sink.Step("Update", sent, totalLen)
		}
	}
	return nil
}

// connectDevice runs the full wired conversation: HELLO/STATUS, optional
// ABORT, OTA descriptor, the update stream, and the final RESET.
func (u *wuUpdater) connectDevice(blob []byte) error {
	if err := u.hello(); err != nil {
		return err
	}

	if u.opt.Abort != -1 {
		u.sink.Message("Sending Abort command.")
		if _, err := u.sendAckdCommand(wuMessage(wuMsgAbort, uint32(u.opt.Abort)), "Ack"); err != nil {
			return err
		}
	}

	if u.opt.OTADesc != 0xFFFFFFFF {
		u.sink.Message(fmt.Sprintf("Sending OTA Descriptor = 0x%x", u.opt.OTADesc))
		if _, err := u.sendAckdCommand(wuMessage(wuMsgOTADesc, u.opt.OTADesc), "Ack"); err != nil {
			return err
		}
	}

	if len(blob) > 0 {
		u.sink.Message("Sending Update Command.")
		if err := u.sendUpdates(blob); err != nil {
			return err
		}
	}

	if u.opt.ResetAfter != 0 {
		u.sink.Message("Sending Reset Command.")
		if _, err := u.sendAckdCommand(wuMessage(wuMsgReset, uint32(u.opt.ResetAfter)), "Ack"); err != nil {
			return err
		}
	}
	return nil
}
