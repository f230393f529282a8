package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := LoadFileConfig(configPath)
			if err != nil {
				return err
			}
			if _, err := fc.ToSupervisorConfig(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "gosv.toml", "path to the TOML config file")
	return cmd
}
