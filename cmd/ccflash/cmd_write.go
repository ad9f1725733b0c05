package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ccusbwpan/ccflash/pkg/exploit"
)

var writeIData bool

var writeCmd = &cobra.Command{
	Use:   "write address file",
	Short: "Write the contents of a file to an arbitrary address on the dongle",
	Long: `Perform a single arbitrary-address write on a connected dongle, using the
same buffer overflow the flash command uses. Mostly useful for poking at SFRs
and firmware state while developing payloads.

The write happens on the firmware's next processing step and cannot be
acknowledged; there is no way to tell from the host whether it landed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := parseNumber(args[0])
		if err != nil {
			return fmt.Errorf("invalid address: %w", err)
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
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

		space := exploit.XData
		if writeIData {
			space = exploit.IData
		}
		seq := exploit.New(l, &exploit.ControlWriter{Usb: dev})
		if err := seq.WriteBytes(data, addr, space); err != nil {
			return fmt.Errorf("write failed, dongle state is now undefined (power cycle it): %w", err)
		}
		return nil
	},
}
