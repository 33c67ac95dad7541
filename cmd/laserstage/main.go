// laserstage drives the laser height stage: it serves the browser UI and
// offers one-shot commands for scripting and bench work.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(&cli{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "laserstage",
		Short:         "Host for the ESP32 laser height stage",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.teardown()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Config file (default $XDG_CONFIG_HOME/laserstage/config.yaml)")
	root.PersistentFlags().BoolVar(&c.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&c.noInteraction, "no-interaction", false, "Never prompt; pick the first device found")

	root.AddCommand(serveCmd(c))
	root.AddCommand(scanCmd(c))
	root.AddCommand(portsCmd(c))
	root.AddCommand(moveCmd(c))
	root.AddCommand(homeCmd(c))
	root.AddCommand(focusCmd(c))
	root.AddCommand(stopCmd(c))
	root.AddCommand(presetsCmd(c))
	root.AddCommand(configCmd(c))
	return root
}
