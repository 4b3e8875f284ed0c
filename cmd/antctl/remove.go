package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "remove one or more stopped services",
	RunE:  runRemove,
}

func init() {
	addSelectorFlags(removeCmd)
	removeCmd.Flags().Bool("keep-directories", false, "do not delete the service's data/log directories")
	removeCmd.Flags().Duration("connection-timeout", 5*time.Second, "RPC probe timeout")
}

func runRemove(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("connection-timeout")
	reg, err := openRegistry(timeout)
	if err != nil {
		return err
	}
	names, err := resolveSelection(cmd, reg)
	if err != nil {
		return err
	}
	keepDirs, _ := cmd.Flags().GetBool("keep-directories")

	var firstErr error
	for _, name := range names {
		if err := reg.Remove(name, keepDirs); err != nil {
			fmt.Printf("remove %s: %v\n", name, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fmt.Printf("removed %s\n", name)
	}
	return firstErr
}
