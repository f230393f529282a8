package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gosvd",
		Short: "Multi-worker process supervisor",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newReloadCmd())
	return root
}
