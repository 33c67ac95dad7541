package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"laserstage/cmd/laserstage/ui"
	"laserstage/pkg/config"
)

func configCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(configInitCmd(c))
	cmd.AddCommand(configShowCmd(c))
	cmd.AddCommand(configCheckCmd(c))
	return cmd
}

func (c *cli) path() string {
	if c.configPath != "" {
		return c.configPath
	}
	return config.Path()
}

func configInitCmd(c *cli) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a config file with the default settings",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.path()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, ui.SuccessMsg("Wrote %s", ui.Accent(path)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func configShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}

func configCheckCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:         "check",
		Short:       "Validate the config file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.path()
			if _, err := config.Load(path); err != nil {
				fmt.Fprintln(os.Stderr, ui.ErrorMsg("%s", path))
				return err
			}
			fmt.Fprintln(os.Stderr, ui.SuccessMsg("%s is valid", path))
			return nil
		},
	}
}
