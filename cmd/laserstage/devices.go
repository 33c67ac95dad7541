package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"laserstage/cmd/laserstage/ui"
	"laserstage/pkg/transport"
)

func scanCmd(c *cli) *cobra.Command {
	var timeout string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List stage controllers advertising over Bluetooth LE",
		RunE: func(cmd *cobra.Command, args []string) error {
			bcfg := c.cfg.BluetoothTransport()
			if timeout != "" {
				d, err := parseDuration(timeout)
				if err != nil {
					return err
				}
				bcfg.ScanTimeout = d
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			fmt.Fprintln(os.Stderr, ui.InfoMsg("Scanning for %s", bcfg.ScanTimeout))
			found, err := transport.NewBluetooth(bcfg, transport.AutoPrompter{}).Scan(ctx)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Fprintln(os.Stderr, ui.WarnMsg("No stage controllers found"))
				return nil
			}

			rows := make([][]string, 0, len(found))
			for _, d := range found {
				rows = append(rows, []string{d.Name, d.Address, strconv.Itoa(int(d.RSSI))})
			}
			fmt.Println(ui.Table([]string{"NAME", "ADDRESS", "RSSI"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&timeout, "timeout", "", "Scan duration (overrides bluetooth.scan_timeout)")
	return cmd
}

func portsCmd(c *cli) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List USB serial ports that look like a stage controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			scfg := c.cfg.SerialTransport()
			if all {
				scfg.USBIDs = nil
			}
			found, err := transport.NewSerial(scfg, transport.AutoPrompter{}).Ports()
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Fprintln(os.Stderr, ui.WarnMsg("No matching serial ports"))
				return nil
			}

			rows := make([][]string, 0, len(found))
			for _, p := range found {
				rows = append(rows, []string{p.Address, p.Name})
			}
			fmt.Println(ui.Table([]string{"PORT", "DEVICE"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Show every USB serial port, not only known ESP32 bridges")
	return cmd
}
