package main

import (
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"laserstage/cmd/laserstage/ui"
	"laserstage/pkg/errors"
)

func presetsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "presets",
		Aliases: []string{"preset"},
		Short:   "Manage saved stage positions",
	}
	cmd.AddCommand(presetsListCmd(c))
	cmd.AddCommand(presetsSaveCmd(c))
	cmd.AddCommand(presetsDeleteCmd(c))
	return cmd
}

func presetsListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List built-in and saved presets",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctrl := a.Controller()
			presets := ctrl.Presets()
			if len(presets) == 0 {
				fmt.Fprintln(os.Stderr, ui.InfoMsg("No presets"))
				return nil
			}

			rows := make([][]string, 0, len(presets))
			for _, p := range presets {
				kind := "saved"
				if p.BuiltIn {
					kind = "built-in"
				}
				rows = append(rows, []string{
					p.Key,
					p.Label,
					strconv.FormatInt(p.PositionSteps, 10),
					fmt.Sprintf("%.3f", ctrl.StepsToMM(float64(p.PositionSteps))),
					kind,
				})
			}
			fmt.Println(ui.Table([]string{"KEY", "LABEL", "STEPS", "MM", "KIND"}, rows))
			return nil
		},
	}
}

func presetsSaveCmd(c *cli) *cobra.Command {
	var mm bool

	cmd := &cobra.Command{
		Use:   "save NAME POSITION",
		Short: "Save a preset at a position in steps (or mm with --mm)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctrl := a.Controller()
			var steps int64
			if mm {
				v, err := strconv.ParseFloat(args[1], 64)
				if err != nil {
					return errors.InvalidArgumentError("position", "not a number: "+args[1])
				}
				steps = int64(math.Round(ctrl.MMToSteps(v)))
			} else {
				steps, err = strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return errors.InvalidArgumentError("position", "not an integer step count: "+args[1])
				}
			}
			_, err = ctrl.SavePreset(cmd.Context(), args[0], steps)
			return err
		},
	}
	cmd.Flags().BoolVar(&mm, "mm", false, "POSITION is in millimetres")
	return cmd
}

func presetsDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "delete NAME",
		Aliases: []string{"rm"},
		Short:   "Delete a saved preset",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Controller().DeletePreset(cmd.Context(), args[0])
		},
	}
}
