package firmware

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	wuConnectTimeout = 5 * time.Second
	wuReadTimeout    = 500 * time.Millisecond
	svlPortTimeout   = 500 * time.Millisecond
)

// Uploader is the host-side programmer. One Uploader runs one operation
// at a time; the serial port is exclusively held for the duration.
type Uploader struct {
	Opts     Options
	Sink     ProgressSink
	OpenPort PortOpener
}

// NewUploader returns an Uploader with default flash options. openPort is
// typically serialio.Open; tests pass scripted devices.
func NewUploader(openPort PortOpener, sink ProgressSink) *Uploader {
	if sink == nil {
		sink = nopSink{}
	}
	return &Uploader{
		Opts:     DefaultOptions(),
		Sink:     sink,
		OpenPort: openPort,
	}
}

// readImage loads the application binary, surfacing missing files before
// any port I/O happens.
func readImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, &InvalidImageError{Reason: "firmware file is empty"}
	}
	return data, nil
}

// UploadFirmware pushes an application image to a module running the SVL
// bootloader. The whole handshake is attempted up to three times.
func (u *Uploader) UploadFirmware(path, port string, baud int) error {
	if !ValidBaud(baud) {
		return &InvalidImageError{Reason: fmt.Sprintf("unsupported baud rate %d", baud)}
	}
	application, err := readImage(path)
	if err != nil {
		return err
	}

	u.Sink.Message("Artemis SVL Uploader")

	var lastErr error
	for try := 0; try < svlNumTries; try++ {
		lastErr = u.svlAttempt(application, port, baud)
		if lastErr == nil {
			u.Sink.Message("Upload complete!")
			return nil
		}
		u.Sink.Message(fmt.Sprintf("Upload attempt failed: %v", lastErr))
	}
	u.Sink.Message("Upload failed!")
	return &ProtocolError{Attempts: svlNumTries, Last: lastErr}
}

func (u *Uploader) svlAttempt(application []byte, portName string, baud int) error {
	port, err := u.OpenPort(portName, baud, svlPortTimeout)
	if err != nil {
		return fmt.Errorf("opening %s: %w", portName, err)
	}
	defer port.Close()
	return svlUpload(port, application, u.Sink)
}

// UpdateBootloader reflashes the SVL bootloader (or any non-secure image)
// through the factory secure bootloader's wired update protocol.
func (u *Uploader) UpdateBootloader(path, portName string, baud int) error {
	application, err := readImage(path)
	if err != nil {
		return err
	}

	u.Sink.Message("Artemis Bootloader Update")

	ota, err := BuildOTABlob(application, &u.Opts, u.Sink)
	if err != nil {
		return err
	}
	blob, err := BuildWiredBlob(ota, &u.Opts, u.Sink)
	if err != nil {
		return err
	}
	if u.Opts.KeepBlobs {
		u.writeBlobArtifacts(path, ota, blob)
	}

	u.Sink.Message("Connecting over serial port...")

	// Probe the port first so an unplugged adapter is reported
	// immediately instead of burning the retry loop.
	probe, err := u.OpenPort(portName, baud, wuConnectTimeout)
	if err != nil {
		u.Sink.Message("Could not open serial port!")
		return ErrPortUnavailable
	}
	probe.Close()

	// The auto-bootload sequence is good but not foolproof: the
	// bootloader misses the BOOT signal about one time in ten.
	var lastErr error
	for try := 0; try < 3; try++ {
		lastErr = u.wiredAttempt(blob, portName, baud)
		if lastErr == nil {
			u.Sink.Message(fmt.Sprintf("Tries = %d", try+1))
			u.Sink.Message("Bootloader updated!")
			return nil
		}
		u.Sink.Message(fmt.Sprintf("Attempt failed: %v", lastErr))
	}
	u.Sink.Message("Upload failed!")
	return &ProtocolError{Attempts: 3, Last: lastErr}
}

func (u *Uploader) wiredAttempt(blob []byte, portName string, baud int) error {
	port, err := u.OpenPort(portName, baud, wuReadTimeout)
	if err != nil {
		return fmt.Errorf("opening %s: %w", portName, err)
	}
	defer port.Close()

	// Opening the port drives DTR low, which pulls nRESET low.
	time.Sleep(8 * time.Millisecond)

	// Releasing DTR and RTS lets the reset line rise with the boot pin
	// held; the bootloader samples it within its 250 ms window, so
	// communication must start promptly after the settle delay.
	if err := port.SetDTR(false); err != nil {
		return fmt.Errorf("DTR control failed: %w", err)
	}
	if err := port.SetRTS(false); err != nil {
		return fmt.Errorf("RTS control failed: %w", err)
	}
	time.Sleep(100 * time.Millisecond)

	// Discard any UART traffic the device generated during reset.
	if err := port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("input buffer reset failed: %w", err)
	}

	updater := &wuUpdater{port: port, opt: &u.Opts, sink: u.Sink}
	return updater.connectDevice(blob)
}

// writeBlobArtifacts persists the intermediate blobs next to the input
// file, mirroring what the original command line tools emitted.
func (u *Uploader) writeBlobArtifacts(path string, ota, wired []byte) {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	for suffix, blob := range map[string][]byte{
		"_OTA_blob.bin":       ota,
		"_Wired_OTA_blob.bin": wired,
	} {
		name := base + suffix
		if err := os.WriteFile(name, blob, 0644); err != nil {
			u.Sink.Message(fmt.Sprintf("Could not write %s: %v", name, err))
			continue
		}
		u.Sink.Message("Writing to file " + name)
	}
}
