// Package devices describes a common API to access a CC2531 dongle over USB,
// independent of the underlying USB stack. The gousb-backed implementation
// lives in cmd/ccflash.
package devices

import (
	"github.com/google/gousb"

	"github.com/ccusbwpan/ccflash/pkg/layout"
)

// Texas Instruments CC2531USB-RD with stock packet sniffer firmware.
const (
	VID gousb.ID = 0x0451
	PID gousb.ID = 0x16ae
)

// Usb is one opened dongle.
type Usb interface {
	// Variant returns the firmware build identifier (bcdDevice).
	Variant() layout.Variant

	// Bus and Ports identify the physical topology slot the device sits
	// in. They stay stable across re-enumeration, unlike descriptors.
	Bus() int
	Ports() []int

	// Describe returns a human readable label for log output, built from
	// the device's string descriptors.
	Describe() string

	// Claim resets and configures the device and takes the default
	// interface. Right after re-enumeration this can fail transiently
	// while the device is still settling.
	Claim() error

	// Control sends a control request to the device.
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)

	// Close disposes of this device. No other functions may be called on
	// the interface afterwards.
	Close() error
}

// Locator finds dongles. Both methods return (nil, nil) when no matching
// device is present.
type Locator interface {
	// Find opens a device by USB identity.
	Find(vid, pid gousb.ID) (Usb, error)

	// FindOnPort opens whatever device currently sits on a physical
	// bus/port path, regardless of its USB identity. Used after the
	// exploit, when the uploaded code may enumerate as anything.
	FindOnPort(bus int, ports []int) (Usb, error)
}
