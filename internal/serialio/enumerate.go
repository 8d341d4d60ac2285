package serialio

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one enumerated serial device.
type PortInfo struct {
	Name    string
	Product string
	IsUSB   bool
	VID     string
	PID     string
}

// Label renders the port the way the uploader UI lists it.
func (p PortInfo) Label() string {
	if p.Product != "" {
		return fmt.Sprintf("%s (%s)", p.Product, p.Name)
	}
	return p.Name
}

// IsCH340 reports whether the port looks like a CH340-family USB-serial
// bridge, the adapter SparkFun carrier boards use for the auto-boot
// DTR/RTS wiring.
func (p PortInfo) IsCH340() bool {
	if strings.Contains(strings.ToUpper(p.Product), "CH340") {
		return true
	}
	// WCH vendor ID, for when the product string does not name the chip.
	return strings.EqualFold(p.VID, "1A86")
}

// ListPorts enumerates the serial devices on this host.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("port enumeration failed: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:    d.Name,
			Product: d.Product,
			IsUSB:   d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
		})
	}
	return ports, nil
}

// PreferredPort picks the first CH340-family adapter if one is present,
// otherwise the first port. Returns -1 for an empty list.
func PreferredPort(ports []PortInfo) int {
	if len(ports) == 0 {
		return -1
	}
	for i, p := range ports {
		if p.IsCH340() {
			return i
		}
	}
	return 0
}
