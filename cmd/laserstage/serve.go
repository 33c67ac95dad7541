package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"laserstage/cmd/laserstage/ui"
	"laserstage/pkg/app"
	"laserstage/pkg/notify"
)

func serveCmd(c *cli) *cobra.Command {
	var (
		conn    connectionFlags
		listen  string
		connect bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web UI and API, and connect to the stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := conn.apply(c.cfg); err != nil {
				return err
			}
			if listen != "" {
				c.cfg.Server.Listen = listen
			}

			opts := app.Options{Prompter: c.prompter()}
			if ui.IsInteractive() {
				opts.Notifier = notify.NewConsole(os.Stderr)
			}
			a, err := app.New(c.cfg, opts)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			fmt.Fprintln(os.Stderr, ui.InfoMsg("Serving on %s", ui.Accent("http://"+c.cfg.Server.Listen)))
			if connect {
				fmt.Fprintln(os.Stderr, ui.InfoMsg("Connecting over %s", c.cfg.Connection.Transport))
			}
			return a.Run(ctx, connect)
		},
	}
	conn.register(cmd)
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides server.listen)")
	cmd.Flags().BoolVar(&connect, "connect", true, "Connect with the configured transport at startup")
	return cmd
}
