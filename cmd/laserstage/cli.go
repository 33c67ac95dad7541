package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"laserstage/cmd/laserstage/ui"
	"laserstage/pkg/app"
	"laserstage/pkg/config"
	"laserstage/pkg/log"
	"laserstage/pkg/notify"
	"laserstage/pkg/transport"
)

// skipConfig marks commands that must run even when the config file is
// broken.
const skipConfig = "skip-config"

// cli carries the global flags and what setup derived from them.
type cli struct {
	configPath    string
	debug         bool
	noInteraction bool

	cfg       *config.Config
	logCloser io.Closer
}

func (c *cli) setup(cmd *cobra.Command) error {
	ui.ConfigureInteraction(c.noInteraction)

	if cmd.Annotations[skipConfig] == "" {
		cfg, err := config.Load(c.configPath)
		if err != nil {
			return err
		}
		c.cfg = cfg
	} else {
		c.cfg = config.Default()
	}

	opts := c.cfg.LogOptions()
	if c.debug {
		opts.Level = "debug"
	} else if cmd.Name() != "serve" && opts.Level == "info" {
		// One-shot commands report through the console instead.
		opts.Level = "warn"
	}
	_, closer, err := log.Setup(opts)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	c.logCloser = closer
	return nil
}

func (c *cli) teardown() error {
	if c.logCloser == nil {
		return nil
	}
	return c.logCloser.Close()
}

func (c *cli) prompter() transport.Prompter {
	if !ui.IsInteractive() {
		return transport.AutoPrompter{}
	}
	return ui.NewPrompter(os.Stdin, os.Stderr)
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openApp builds the application without the HTTP server, for one-shot
// commands. Notifications are printed to stderr.
func (c *cli) openApp(ctx context.Context) (*app.App, error) {
	a, err := app.New(c.cfg, app.Options{
		Prompter:      c.prompter(),
		Notifier:      notify.NewConsole(os.Stderr),
		DisableAPI:    true,
		DisableButton: true,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// connectionFlags override the configured default connection.
type connectionFlags struct {
	transport string
	target    string
}

func (f *connectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.transport, "transport", "t", "", "Transport: bluetooth, wifi or serial")
	cmd.Flags().StringVar(&f.target, "target", "", "Device address, host or serial port")
}

func (f *connectionFlags) apply(cfg *config.Config) error {
	if f.transport != "" {
		kind, err := transport.ParseKind(f.transport)
		if err != nil {
			return err
		}
		cfg.Connection.Transport = string(kind)
		if f.target == "" {
			cfg.Connection.Target = ""
		}
	}
	if f.target != "" {
		cfg.Connection.Target = f.target
	}
	return nil
}

// withStage connects, runs fn and waits for the stage to settle before
// disconnecting. after, if set, runs once the stage is idle.
func (c *cli) withStage(cmd *cobra.Command, flags *connectionFlags, timeout time.Duration, fn func(ctx context.Context, a *app.App) error, after func(a *app.App)) error {
	if err := flags.apply(c.cfg); err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.Connection.ConnectTimeout+c.cfg.Bluetooth.ScanTimeout)
	err = a.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}

	if err := fn(ctx, a); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := a.Controller().WaitForIdle(waitCtx); err != nil {
		if ctx.Err() != nil {
			// Interrupted: stop the stage before leaving.
			a.Controller().EmergencyStop()
		}
		return fmt.Errorf("waiting for the stage: %w", err)
	}
	if after != nil {
		after(a)
	}
	return nil
}
