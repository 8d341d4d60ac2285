package firmware

import "io"

// Options carries the image-build and wired-update parameters. The zero
// value is not useful; start from DefaultOptions.
type Options struct {
	// LoadAddressBlob is the flash address baked into the OTA blob header.
	LoadAddressBlob uint32
	// LoadAddressImage is the wired download destination address.
	LoadAddressImage uint32

	MagicNum  byte // OTA image magic (MagicNonsecure for this tool)
	ImageType int  // wired image type (ImageTypeNonsecure for this tool)

	// WiredOptions bit 0 instructs the bootloader to perform OTA of the
	// image after the wired download completes.
	WiredOptions byte

	ResetAfter int // 0 = no reset, 1 = POI, 2 = POR
	Abort      int // 0 = abort, 1 = abort and quit, -1 = no abort message
	OTADesc    uint32
	Split      uint32
	Version    uint32
	ErasePrev  uint32
	Protection uint32 // 2-bit copy/write protection

	CRCInstall  int
	CRCBoot     int
	AuthInstall int
	AuthBoot    int
	AuthAlgo    uint32
	EncAlgo     uint32 // 0 = disabled, 1 = AES-128, 2 = AES-256
	AuthKeyIdx  uint32
	EncKeyIdx   uint32

	Child0 uint32
	Child1 uint32

	// Key tables; defaults carry the bootloader's dummy key material.
	KeyTblHMAC []byte
	KeyTblAES  []byte

	// Rand supplies IV and session-key entropy. nil means crypto/rand.
	Rand io.Reader

	// KeepBlobs writes the intermediate OTA and wired blobs next to the
	// input file for inspection.
	KeepBlobs bool
}

// DefaultOptions returns the parameter set for a non-secure SVL
// bootloader update.
func DefaultOptions() Options {
	return Options{
		LoadAddressBlob:  0xC000,
		LoadAddressImage: 0x20000,
		MagicNum:         MagicNonsecure,
		ImageType:        ImageTypeNonsecure,
		WiredOptions:     0x1,
		ResetAfter:       2,
		Abort:            -1,
		OTADesc:          0xFE000,
		Split:            maxDownloadSize,
		Version:          0,
		CRCInstall:       1,
		AuthKeyIdx:       minHMACKeyIdx,
		EncKeyIdx:        minAESKeyIdx,
		Child0:           0xFFFFFFFF,
		Child1:           0xFFFFFFFF,
		KeyTblHMAC:       defaultKeyTblHMAC,
		KeyTblAES:        defaultKeyTblAES,
	}
}
