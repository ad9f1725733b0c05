package main

import (
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/slices"

	"github.com/ccusbwpan/ccflash/pkg/devices"
	"github.com/ccusbwpan/ccflash/pkg/layout"
)

// usbStack owns the gousb context for the lifetime of a command.
type usbStack struct {
	ctx *gousb.Context
}

func newStack() (*usbStack, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}
	return &usbStack{ctx: ctx}, nil
}

func (s *usbStack) Close() {
	s.ctx.Close()
}

func (s *usbStack) locator() devices.Locator {
	return &gousbLocator{ctx: s.ctx}
}

// newContext creates a gousb context, converting libusb panics (eg. no
// usbfs available) into errors.
func newContext() (*gousb.Context, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, err
	case res := <-resC:
		return res, nil
	}
}

type gousbLocator struct {
	ctx *gousb.Context
}

func (g *gousbLocator) Find(vid, pid gousb.ID) (devices.Usb, error) {
	usb, err := g.ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		return nil, err
	}
	if usb == nil {
		return nil, nil
	}
	return &dongle{usb: usb}, nil
}

func (g *gousbLocator) FindOnPort(bus int, ports []int) (devices.Usb, error) {
	devs, err := g.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == bus && slices.Equal(desc.Path, ports)
	})
	if len(devs) == 0 {
		return nil, err
	}
	// A port path identifies exactly one physical slot, but hubs can
	// briefly show stale entries during re-enumeration. Take the first
	// match and let go of the rest.
	var errs error
	for _, d := range devs[1:] {
		if cerr := d.Close(); cerr != nil {
			errs = multierror.Append(errs, cerr)
		}
	}
	if errs != nil {
		devs[0].Close()
		return nil, errs
	}
	return &dongle{usb: devs[0]}, nil
}

// dongle implements devices.Usb on top of gousb.
type dongle struct {
	usb  *gousb.Device
	done func()
}

func (d *dongle) Variant() layout.Variant {
	return layout.Variant(uint16(d.usb.Desc.Device))
}

func (d *dongle) Bus() int {
	return d.usb.Desc.Bus
}

func (d *dongle) Ports() []int {
	return d.usb.Desc.Path
}

func (d *dongle) Describe() string {
	manufacturer, err := d.usb.Manufacturer()
	if err != nil {
		manufacturer = "?"
	}
	product, err := d.usb.Product()
	if err != nil {
		product = "?"
	}
	ports := make([]string, 0, len(d.usb.Desc.Path))
	for _, p := range d.usb.Desc.Path {
		ports = append(ports, fmt.Sprintf("%d", p))
	}
	return fmt.Sprintf("%s %s (bcdDevice %s) on bus %d port %s",
		manufacturer, product, layout.Variant(uint16(d.usb.Desc.Device)), d.usb.Desc.Bus, strings.Join(ports, "."))
}

func (d *dongle) Claim() error {
	if err := d.usb.Reset(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	_, done, err := d.usb.DefaultInterface()
	if err != nil {
		return fmt.Errorf("claiming default interface: %w", err)
	}
	d.done = done
	return nil
}

func (d *dongle) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return d.usb.Control(rType, request, val, idx, data)
}

func (d *dongle) Close() error {
	if d.done != nil {
		d.done()
		d.done = nil
	}
	return d.usb.Close()
}

// findDongle opens the first CC2531 dongle present on the system.
func findDongle(s *usbStack) (devices.Usb, error) {
	glog.Infof("Looking for CC2531 USB dongle matching idVendor=%04x idProduct=%04x", uint16(devices.VID), uint16(devices.PID))
	dev, err := s.locator().Find(devices.VID, devices.PID)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, fmt.Errorf("failed to find a matching USB device")
	}
	glog.Infof("Found device: %s", dev.Describe())
	return dev, nil
}
