package main

// balance.go — antctl balance: queries each selected running service's
// on-chain settlement balance via its status HTTP surface's /balance
// route (internal/statusapi.BalanceResponse's wire shape, decoded locally
// to avoid importing antnode's package).

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "show the settlement wallet balance for one or more services",
	RunE:  runBalance,
}

func init() {
	addSelectorFlags(balanceCmd)
	balanceCmd.Flags().Duration("connection-timeout", 5*time.Second, "RPC probe timeout")
}

type balanceResponse struct {
	Amount uint64 `json:"amount"`
	Error  string `json:"error,omitempty"`
}

func runBalance(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("connection-timeout")
	reg, err := openRegistry(timeout)
	if err != nil {
		return err
	}
	names, err := resolveSelection(cmd, reg)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: timeout}
	for _, name := range names {
		rec, ok := reg.Get(name)
		if !ok {
			fmt.Printf("%s: not found\n", name)
			continue
		}
		if rec.Status != "Running" {
			fmt.Printf("%s: not running\n", name)
			continue
		}
		resp, err := client.Get(fmt.Sprintf("http://%s/balance", rec.RPCSocket))
		if err != nil {
			fmt.Printf("%s: balance request failed: %v\n", name, err)
			continue
		}
		var b balanceResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&b)
		resp.Body.Close()
		if decodeErr != nil {
			fmt.Printf("%s: decode balance: %v\n", name, decodeErr)
			continue
		}
		if b.Error != "" {
			fmt.Printf("%s: %s\n", name, b.Error)
			continue
		}
		fmt.Printf("%s: %d\n", name, b.Amount)
	}
	return nil
}
