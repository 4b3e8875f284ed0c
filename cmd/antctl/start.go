package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start one or more registered services",
	RunE:  runStart,
}

func init() {
	addSelectorFlags(startCmd)
	startCmd.Flags().Duration("connection-timeout", 5*time.Second, "RPC probe timeout")
}

func runStart(cmd *cobra.Command, args []string) error {
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
		if err := reg.Start(name); err != nil {
			fmt.Printf("start %s: %v\n", name, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fmt.Printf("started %s\n", name)
	}
	return firstErr
}
