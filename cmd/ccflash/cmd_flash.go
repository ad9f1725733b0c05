package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/ulikunitz/xz"

	"github.com/ccusbwpan/ccflash/pkg/exploit"
	"github.com/ccusbwpan/ccflash/pkg/layout"
	"github.com/ccusbwpan/ccflash/pkg/watch"
)

var flashCmd = &cobra.Command{
	Use:   "flash binary [binary...]",
	Short: "Upload 8051 binaries to a dongle and execute them",
	Long: `Upload one or more 8051 binaries to a connected dongle's unused RAM and
jump into them. Multiple binaries are concatenated in the given order before
upload; xz-compressed binaries are decompressed transparently.

Code is placed at the start of the RAM region the sniffer firmware never
uses and executed through its code space alias (RAM + 0x8000). Total size is
limited by both the maximum control transfer size (4 kB on Linux) and the
amount of unused RAM.

Example: ccflash flash stub.bin bootloader.bin`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := readBinaries(args)
		if err != nil {
			return err
		}

		stack, err := newStack()
		if err != nil {
			return err
		}
		defer stack.Close()

		dev, err := findDongle(stack)
		if err != nil {
			return err
		}
		defer dev.Close()

		l, err := resolveLayout(dev.Variant())
		if err != nil {
			return err
		}
		if err := dev.Claim(); err != nil {
			return fmt.Errorf("failed to claim dongle: %w", err)
		}

		seq := exploit.New(l, &exploit.ControlWriter{Usb: dev})
		entry, err := seq.Run(code)
		if err != nil {
			return fmt.Errorf("exploit failed, dongle state is now undefined (power cycle it): %w", err)
		}
		glog.Infof("Dongle should now be running the uploaded binaries (code address %#06x)", entry)

		// The old handle points at a device that no longer exists; the
		// uploaded code re-enumerates on the same physical port.
		bus, ports := dev.Bus(), dev.Ports()
		dev.Close()

		newDev, err := watch.WaitForDevice(cmd.Context(), stack.locator(), bus, ports, watch.DefaultAttempts, watch.DefaultInterval)
		if err != nil {
			if errors.Is(err, watch.ErrGone) {
				return fmt.Errorf("uh oh, device fell off the USB port, try unplugging it and plugging it back in: %w", err)
			}
			return err
		}
		glog.Infof("Found device: %s", newDev.Describe())
		return newDev.Close()
	},
}

func resolveLayout(v layout.Variant) (*layout.Layout, error) {
	l, err := layout.Resolve(v)
	var unsupported *layout.UnsupportedError
	if errors.As(err, &unsupported) {
		return nil, fmt.Errorf("dongle firmware %s is not yet supported (known: %v), please open an issue", unsupported.Variant, layout.Supported())
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

var xzMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}

func readBinaries(paths []string) ([]byte, error) {
	var code []byte
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read binary: %w", err)
		}
		if bytes.HasPrefix(data, xzMagic) {
			r, err := xz.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			data, err = io.ReadAll(r)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
		code = append(code, data...)
	}
	return code, nil
}
