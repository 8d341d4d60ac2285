package firmware

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// fillWord stores one little-endian word in a header byte array.
func fillWord(b []byte, offset int, w uint32) {
	binary.LittleEndian.PutUint32(b[offset:offset+4], w)
}

// wordFrom extracts one little-endian word from a byte array.
func wordFrom(b []byte, offset int) uint32 {
	return binary.LittleEndian.Uint32(b[offset : offset+4])
}

// padToBlock zero-pads data to a multiple of block. When zeroPad is set an
// already-aligned input grows by one full block, which the AES path needs.
func padToBlock(data []byte, block int, zeroPad bool) []byte {
	n := block - len(data)%block
	if n == block && !zeroPad {
		return data
	}
	return append(data, make([]byte, n)...)
}

func (o *Options) random(n int) ([]byte, error) {
	r := o.Rand
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("entropy read failed: %w", err)
	}
	return buf, nil
}

// encKeySize returns the AES session key size for the configured
// encryption algorithm, after validating the key index.
func (o *Options) encKeySize() (int, error) {
	if o.EncKeyIdx < minAESKeyIdx || o.EncKeyIdx > maxAESKeyIdx {
		return 0, &InvalidImageError{Reason: fmt.Sprintf("invalid encKey idx %d", o.EncKeyIdx)}
	}
	if o.EncAlgo == 2 {
		if o.EncKeyIdx&0x1 != 0 {
			return 0, &InvalidImageError{Reason: fmt.Sprintf("invalid encKey idx %d", o.EncKeyIdx)}
		}
		return 32, nil
	}
	return 16, nil
}

func (o *Options) checkAuthKeyIdx() error {
	if o.AuthKeyIdx < minHMACKeyIdx || o.AuthKeyIdx > maxHMACKeyIdx || o.AuthKeyIdx&0x1 != 0 {
		return &InvalidImageError{Reason: fmt.Sprintf("invalid authKey idx %d", o.AuthKeyIdx)}
	}
	return nil
}

func (o *Options) hmacKey() []byte {
	idx := int(o.AuthKeyIdx - minHMACKeyIdx)
	return o.KeyTblHMAC[idx*keyIdxBytes : idx*keyIdxBytes+hmacSigSize]
}

func (o *Options) aesKEK(keySize int) []byte {
	idx := int(o.EncKeyIdx - minAESKeyIdx)
	return o.KeyTblAES[idx*keyIdxBytes : idx*keyIdxBytes+keySize]
}

// BuildOTABlob converts a raw application binary into an OTA update blob:
// auxiliary header, optional HMAC signatures and AES-CBC encryption, and a
// CRC32 over the clear image.
func BuildOTABlob(app []byte, opt *Options, sink ProgressSink) ([]byte, error) {
	if sink == nil {
		sink = nopSink{}
	}
	if len(app) == 0 {
		return nil, &InvalidImageError{Reason: "application image is empty"}
	}
	loadAddress := opt.LoadAddressBlob

	encVal := uint32(0)
	keySize := 0
	if opt.EncAlgo != 0 {
		encVal = 1
		var err error
		if keySize, err = opt.encKeySize(); err != nil {
			return nil, err
		}
	}
	if opt.AuthAlgo != 0 {
		if err := opt.checkAuthKeyIdx(); err != nil {
			return nil, err
		}
	}

	var hdrLen int
	switch opt.MagicNum {
	case MagicMain:
		hdrLen = imgHdrSizeMain
	case MagicChild, MagicCustPatch, MagicNonsecure, MagicInfo0:
		hdrLen = imgHdrSizeAux
	default:
		return nil, &InvalidImageError{Reason: fmt.Sprintf("magic number 0x%x not supported", opt.MagicNum)}
	}
	sink.Message(fmt.Sprintf("Header Size = 0x%x", hdrLen))

	origLen := len(app)
	sink.Message(fmt.Sprintf("original app_size %d", origLen))
	sink.Message(fmt.Sprintf("load_address 0x%x", loadAddress))
	if loadAddress&0x3 != 0 {
		return nil, &InvalidImageError{Reason: "load address needs to be word aligned"}
	}
	if opt.MagicNum == MagicInfo0 {
		if origLen&0x3 != 0 {
			return nil, &InvalidImageError{Reason: "INFO0 blob length needs to be multiple of 4"}
		}
		if loadAddress+uint32(origLen) > infoSizeBytes {
			return nil, &InvalidImageError{Reason: "INFO0 offset and length exceed size"}
		}
	}

	if encVal == 1 {
		app = padToBlock(app, aesBlockSize, true)
	} else {
		app = padToBlock(app, 4, false)
	}
	appLen := len(app)
	sink.Message(fmt.Sprintf("app_size %d", appLen))

	hdr := make([]byte, hdrLen)

	w0 := uint32(opt.MagicNum)<<24 | (encVal&0x1)<<23 | uint32(hdrLen+appLen)
	sink.Message(fmt.Sprintf("w0 = 0x%08x", w0))
	fillWord(hdr, 0, w0)

	securityVal := (uint32(opt.AuthInstall)<<1|uint32(opt.CRCInstall))<<4 |
		uint32(opt.AuthBoot)<<1 | uint32(opt.CRCBoot)
	w2 := (securityVal<<24)&0xFF000000 | opt.AuthAlgo&0xF | (opt.AuthKeyIdx<<4)&0xF0 |
		(opt.EncAlgo<<8)&0xF00 | (opt.EncKeyIdx<<12)&0xF000
	sink.Message(fmt.Sprintf("w2 = 0x%08x", w2))
	fillWord(hdr, 8, w2)

	var addrWord, versionKeyWord uint32
	if opt.MagicNum == MagicInfo0 {
		// INFO0 carries a word-indexed offset and size instead of a
		// byte address.
		addrWord = (uint32(origLen)>>2)<<16 | (loadAddress>>2)&0xFFFF
		versionKeyWord = infoKey
	} else {
		addrWord = loadAddress | opt.Protection&0x3
		versionKeyWord = opt.Version&0x7FFF | (opt.ErasePrev&0x1)<<15
	}
	sink.Message(fmt.Sprintf("addrWord = 0x%08x", addrWord))
	fillWord(hdr, imgHdrOffsetAddr, addrWord)
	sink.Message(fmt.Sprintf("versionKeyWord = 0x%08x", versionKeyWord))
	fillWord(hdr, imgHdrOffsetVerKey, versionKeyWord)

	fillWord(hdr, imgHdrOffsetChild, opt.Child0)
	fillWord(hdr, imgHdrOffsetChild+4, opt.Child1)

	if opt.AuthBoot != 0 {
		sink.Message("Boot Authentication Enabled")
		sigClr := computeHMAC(opt.hmacKey(), concat(hdr[imgHdrStartHMAC:hdrLen], app))
		copy(hdr[imgHdrOffsetSigClr:], sigClr)
	}

	// All header fields covered by the encryption are now final.
	var body []byte
	if encVal == 1 {
		sink.Message("Encryption Enabled")
		iv, err := opt.random(aesBlockSize)
		if err != nil {
			return nil, err
		}
		sessionKey, err := opt.random(keySize)
		if err != nil {
			return nil, err
		}
		sink.Message(fmt.Sprintf("Encrypting blob of size %d", hdrLen-imgHdrStartEncrypt+appLen))
		body, err = encryptAESCBC(sessionKey, iv, concat(hdr[imgHdrStartEncrypt:hdrLen], app))
		if err != nil {
			return nil, err
		}
		kek, err := encryptAESCBC(opt.aesKEK(keySize), ivZero[:], sessionKey)
		if err != nil {
			return nil, err
		}
		copy(hdr[imgHdrOffsetIV:], iv)
		copy(hdr[imgHdrOffsetKEK:], kek)
	} else {
		body = concat(hdr[imgHdrStartEncrypt:hdrLen], app)
	}

	if opt.AuthInstall != 0 {
		sink.Message("Install Authentication Enabled")
		sig := computeHMAC(opt.hmacKey(), concat(hdr[imgHdrStartHMACInst:imgHdrStartEncrypt], body))
		copy(hdr[imgHdrOffsetSig:], sig)
	}

	// The CRC covers the clear image even when encryption is on.
	crc := CRC32(concat(hdr[imgHdrStartCRC:hdrLen], app))
	sink.Message(fmt.Sprintf("crc = 0x%08x", crc))
	fillWord(hdr, imgHdrOffsetCRC, crc)

	return concat(hdr[:imgHdrStartEncrypt], body), nil
}

// BuildWiredBlob splits an OTA blob into wired-update chunks, each headed
// by a 96-byte wired image header and no larger than opt.Split bytes of
// payload.
func BuildWiredBlob(ota []byte, opt *Options, sink ProgressSink) ([]byte, error) {
	if sink == nil {
		sink = nopSink{}
	}
	if opt.Split == 0 || opt.Split&(flashPageSize-1) != 0 {
		return nil, &InvalidImageError{Reason: "split needs to be multiple of flash page size"}
	}

	keySize := 0
	if opt.EncAlgo != 0 {
		var err error
		if keySize, err = opt.encKeySize(); err != nil {
			return nil, err
		}
	}
	if opt.AuthAlgo != 0 {
		if err := opt.checkAuthKeyIdx(); err != nil {
			return nil, err
		}
	}

	if opt.EncAlgo != 0 {
		ota = padToBlock(ota, keySize, true)
	} else {
		ota = padToBlock(ota, 4, false)
	}
	appLen := len(ota)
	sink.Message(fmt.Sprintf("app_size = %d", appLen))
	if appLen+wuHdrSize > int(opt.Split) {
		sink.Message("Image size bigger than max - creating split image")
	}

	loadAddress := opt.LoadAddressImage
	var out []byte
	for start := 0; start < appLen; {
		end := start + int(opt.Split)
		if end > appLen {
			end = appLen
		}

		hdr := make([]byte, wuHdrSize)

		if opt.ImageType == ImageTypeInfo0NoOTA {
			// INFO0 downloads address by word offset.
			fillWord(hdr, wuHdrOffsetKey, infoKey)
			fillWord(hdr, wuHdrOffsetAddr, loadAddress>>2)
		} else {
			fillWord(hdr, wuHdrOffsetKey, flashKey)
			fillWord(hdr, wuHdrOffsetAddr, loadAddress)
		}
		hdr[wuHdrOffsetImageType] = byte(opt.ImageType)
		// Options apply to the first block only.
		if start == 0 {
			hdr[wuHdrOffsetOptions] = opt.WiredOptions
		}
		fillWord(hdr, wuHdrOffsetSize, uint32(end-start))

		w0 := opt.AuthAlgo&0xF | (opt.AuthKeyIdx<<8)&0xF00 |
			(opt.EncAlgo<<16)&0xF0000 | (opt.EncKeyIdx<<24)&0x0F000000
		fillWord(hdr, 0, w0)

		var body []byte
		if opt.EncAlgo != 0 {
			iv, err := opt.random(aesBlockSize)
			if err != nil {
				return nil, err
			}
			sessionKey, err := opt.random(keySize)
			if err != nil {
				return nil, err
			}
			body, err = encryptAESCBC(sessionKey, iv, concat(hdr[wuHdrStartEncrypt:], ota[start:end]))
			if err != nil {
				return nil, err
			}
			kek, err := encryptAESCBC(opt.aesKEK(keySize), ivZero[:], sessionKey)
			if err != nil {
				return nil, err
			}
			copy(hdr[wuHdrOffsetIV:], iv)
			copy(hdr[wuHdrOffsetKEK:], kek)
		} else {
			body = concat(hdr[wuHdrStartEncrypt:], ota[start:end])
		}

		if opt.AuthAlgo != 0 {
			sig := computeHMAC(opt.hmacKey(), concat(hdr[wuHdrStartHMAC:wuHdrStartEncrypt], body))
			copy(hdr[wuHdrOffsetSig:], sig)
		}

		sink.Message(fmt.Sprintf("Image from 0x%x to 0x%x will be loaded at 0x%x", start, end, loadAddress))
		out = append(out, hdr[:wuHdrStartEncrypt]...)
		out = append(out, body...)

		start = end
		loadAddress += opt.Split
	}
	return out, nil
}

// concat joins byte slices into a fresh buffer, leaving the inputs intact.
func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
