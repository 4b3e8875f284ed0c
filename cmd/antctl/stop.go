package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop one or more running services",
	RunE:  runStop,
}

func init() {
	addSelectorFlags(stopCmd)
	stopCmd.Flags().Duration("connection-timeout", 5*time.Second, "RPC probe timeout")
}

func runStop(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("connection-timeout")
	reg, err := openRegistry(timeout)
	if err != nil {
		return err
	}
	names, err := resolveSelection(cmd, reg)
	if err != nil {
		return err
	}
	var firstErr error
	for _, name := range names {
		if err := reg.Stop(name); err != nil {
			fmt.Printf("stop %s: %v\n", name, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fmt.Printf("stopped %s\n", name)
	}
	return firstErr
}
