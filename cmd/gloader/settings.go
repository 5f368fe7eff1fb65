package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Record or forget the directory holding config.yaml",
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <dir>",
	Short: "Use dir as the settings directory, seeding a default config.yaml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := newSettings()
		if err != nil {
			return err
		}
		path, err := settings.Set(args[0])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Settings saved, edit %s to configure gloader.\n", path)
		return nil
	},
}

var settingsDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Forget the recorded settings directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := newSettings()
		if err != nil {
			return err
		}
		if err := settings.Drop(); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Settings dropped.")
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsSetCmd, settingsDropCmd)
}
