package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "ccflash",
	Short: "ccflash runs your own code on a stock TI CC2531 USB dongle",
	Long: `Flash your own bootloader to a stock TI CC2531USB-RD dongle, no tools
required.

The stock sniffer firmware accepts packet filtering parameters of limited
length on a vendor control transfer (bmRequestType 0x40, bRequest 0xD2), but
never checks the transfer length. An oversized transfer overwrites the
request handler's own write pointer, turning it into an arbitrary memory
write. ccflash uses that to upload a binary into unused RAM, enable
execution from RAM (XMAP), and redirect a return address on the stack into
the uploaded code.

ccflash comes with ABSOLUTELY NO WARRANTY. A wrong write can hang the dongle
until it is power cycled.`,
	SilenceUsage: true,
}

func main() {
	writeCmd.Flags().BoolVarP(&writeIData, "idata", "i", false, "Write to internal data memory (the 8051 idata space) instead of xdata")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(flashCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.Execute()
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}

func parseNumber(s string) (uint16, error) {
	var err error
	var res uint64
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		res, err = strconv.ParseUint(s[2:], 16, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid number")
		}
	} else {
		res, err = strconv.ParseUint(s, 10, 16)
		if err != nil {
			res, err = strconv.ParseUint(s, 16, 16)
			if err != nil {
				return 0, fmt.Errorf("invalid number")
			}
		}
	}
	return uint16(res), nil
}
