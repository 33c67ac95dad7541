package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/spf13/cobra"

	"laserstage/cmd/laserstage/ui"
	"laserstage/pkg/app"
	"laserstage/pkg/errors"
)

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errors.InvalidArgumentError("duration", fmt.Sprintf("%q is not a positive duration", s))
	}
	return d, nil
}

func printPosition(a *app.App) {
	st := a.Controller().State()
	fmt.Print(ui.KeyValues("",
		ui.KV("position", fmt.Sprintf("%.3f mm (%d steps)", st.PositionMM, st.PositionSteps)),
		ui.KV("homed", ui.Flag(st.HomingCompleted)),
		ui.KV("emergency", ui.Flag(st.EmergencyStop)),
	))
}

func moveCmd(c *cli) *cobra.Command {
	var (
		conn     connectionFlags
		steps    int64
		mm       float64
		relative float64
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "move",
		Short: "Move the stage to a position and wait until it arrives",
		Example: `  laserstage move --mm 2.5
  laserstage move --relative -0.25 -t wifi --target 192.168.4.1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			given := 0
			for _, name := range []string{"steps", "mm", "relative"} {
				if cmd.Flags().Changed(name) {
					given++
				}
			}
			if given != 1 {
				return errors.InvalidArgumentError("move", "give exactly one of --steps, --mm or --relative")
			}

			return c.withStage(cmd, &conn, timeout, func(ctx context.Context, a *app.App) error {
				ctrl := a.Controller()
				switch {
				case cmd.Flags().Changed("steps"):
					return ctrl.MoveToAbsolute(ctx, steps)
				case cmd.Flags().Changed("mm"):
					return ctrl.MoveToAbsolute(ctx, int64(math.Round(ctrl.MMToSteps(mm))))
				default:
					return ctrl.MoveRelative(ctx, relative)
				}
			}, func(a *app.App) { printPosition(a) })
		},
	}
	conn.register(cmd)
	cmd.Flags().Int64Var(&steps, "steps", 0, "Absolute target in steps")
	cmd.Flags().Float64Var(&mm, "mm", 0, "Absolute target in millimetres")
	cmd.Flags().Float64Var(&relative, "relative", 0, "Relative move in millimetres")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "How long to wait for the move")
	return cmd
}

func homeCmd(c *cli) *cobra.Command {
	var conn connectionFlags

	cmd := &cobra.Command{
		Use:   "home",
		Short: "Run the homing sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout := c.cfg.Motion.HomingTimeout + 5*time.Second
			return c.withStage(cmd, &conn, timeout, func(ctx context.Context, a *app.App) error {
				return a.Controller().ExecuteHoming(ctx)
			}, func(a *app.App) { printPosition(a) })
		},
	}
	conn.register(cmd)
	return cmd
}

func focusCmd(c *cli) *cobra.Command {
	var conn connectionFlags

	cmd := &cobra.Command{
		Use:   "focus",
		Short: "Scan the range for the focal point and park there",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStage(cmd, &conn, time.Minute, func(ctx context.Context, a *app.App) error {
				res, err := a.Controller().StartAutoFocus(ctx)
				if err != nil {
					return err
				}
				fmt.Print(ui.KeyValues("",
					ui.KV("best", fmt.Sprintf("%.3f mm (%d steps)", a.Controller().StepsToMM(float64(res.BestPosition)), res.BestPosition)),
					ui.KV("distance", fmt.Sprintf("%.2f mm", res.BestDistance)),
					ui.KV("samples", fmt.Sprint(res.Samples)),
				))
				return nil
			}, nil)
		},
	}
	conn.register(cmd)
	return cmd
}

func stopCmd(c *cli) *cobra.Command {
	var conn connectionFlags

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Send an emergency stop",
		Long: `Send an emergency stop to the stage. A latched stop on a running server
is cleared from its UI or with POST /api/emergency-reset.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStage(cmd, &conn, 5*time.Second, func(ctx context.Context, a *app.App) error {
				a.Controller().EmergencyStop()
				return nil
			}, nil)
		},
	}
	conn.register(cmd)
	return cmd
}
