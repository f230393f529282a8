package main

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
)

// newReloadCmd sends a reload/rescale/introspect signal to an already
// running gosvd process, identified by pid. It never touches the core
// directly — it is an external operator action, same as serve's own
// signal.Notify dispatch, just issued from a second process instead of
// caught in the first.
func newReloadCmd() *cobra.Command {
	var pid int
	var action string

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Send a reload/rescale/introspect signal to a running gosvd process",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sig syscall.Signal
			switch action {
			case "reload":
				sig = syscall.SIGHUP
			case "rescale":
				sig = syscall.SIGUSR2
			case "introspect":
				sig = syscall.SIGUSR1
			default:
				return fmt.Errorf("gosvd: unknown reload action %q (want reload, rescale, or introspect)", action)
			}
			if pid <= 0 {
				return fmt.Errorf("gosvd: --pid is required")
			}
			return syscall.Kill(pid, sig)
		},
	}

	cmd.Flags().IntVar(&pid, "pid", 0, "pid of the running gosvd process")
	cmd.Flags().StringVar(&action, "action", "reload", "one of: reload, rescale, introspect")
	return cmd
}
