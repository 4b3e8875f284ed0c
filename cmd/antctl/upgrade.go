package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "replace a service's binary and restart it",
	RunE:  runUpgrade,
}

func init() {
	addSelectorFlags(upgradeCmd)
	upgradeCmd.Flags().String("url", "", "binary source: download URL (not yet implemented)")
	upgradeCmd.Flags().String("path", "", "binary source: local path to the new binary")
	upgradeCmd.Flags().String("version", "", "binary source: release version (exclusive with --path, which upgrade requires)")
	upgradeCmd.Flags().Bool("force", false, "reinstall even if the version is unchanged")
	upgradeCmd.Flags().Bool("do-not-start", false, "leave the service stopped after upgrading")
	upgradeCmd.Flags().Duration("connection-timeout", 5*time.Second, "RPC probe timeout")
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	binPath, version, err := binarySource(cmd)
	if err != nil {
		return err
	}
	if binPath == "" {
		return fmt.Errorf("antctl: upgrade: --path is required (binary must already be built)")
	}
	force, _ := cmd.Flags().GetBool("force")
	doNotStart, _ := cmd.Flags().GetBool("do-not-start")

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
		if err := reg.Upgrade(name, binPath, version, doNotStart, force); err != nil {
			fmt.Printf("upgrade %s: %v\n", name, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fmt.Printf("upgraded %s to %s\n", name, version)
	}
	return firstErr
}
