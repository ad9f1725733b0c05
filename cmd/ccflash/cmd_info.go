package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ccusbwpan/ccflash/pkg/layout"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show information about a connected dongle",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		fmt.Printf("Device: %s\n", dev.Describe())
		_, err = layout.Resolve(dev.Variant())
		var unsupported *layout.UnsupportedError
		switch {
		case err == nil:
			fmt.Printf("Firmware: %s (supported)\n", dev.Variant())
		case errors.As(err, &unsupported):
			fmt.Printf("Firmware: %s (NOT supported, known: %v)\n", dev.Variant(), layout.Supported())
		default:
			return err
		}
		return nil
	},
}
