// Command antctl is the operator CLI for the node-lifecycle manager
// (spec.md §6): add/start/stop/remove/upgrade/reset/status/balance verbs
// against a persisted service registry.
//
// Grounded on the teacher's cmd/synnergy/main.go root-command shape
// (single rootCmd, subcommands registered via AddCommand) and
// cmd/cli/kademlia.go's per-verb cobra.Command-per-file pattern,
// generalised from Synnergy's toy DHT verbs to this system's service
// lifecycle verbs against internal/registry.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"antswarm/pkg/utils"
)

var (
	flagJSON bool
)

var rootCmd = &cobra.Command{
	Use:           "antctl",
	Short:         "operate antswarm storage/routing node services",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable JSON output (ignored: every verb prints plain text)")
	rootCmd.AddCommand(addCmd, startCmd, stopCmd, removeCmd, upgradeCmd, resetCmd, statusCmd, balanceCmd)
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, utils.Wrap(err, "antctl: .env load"))
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "antctl:", err)
		os.Exit(1)
	}
}
