package main

import (
	"time"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "stop and remove every registered service, then delete the registry",
	RunE:  runReset,
}

func init() {
	resetCmd.Flags().Bool("force", false, "continue past individual stop/remove failures")
	resetCmd.Flags().Duration("connection-timeout", 5*time.Second, "RPC probe timeout")
}

func runReset(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("connection-timeout")
	reg, err := openRegistry(timeout)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	return reg.Reset(force)
}
