package main

// status.go — antctl status: reports each selected service's registry
// record plus a live snapshot fetched from its own status HTTP surface
// when the service is Running (mirrors internal/registry/http_rpc_probe.go's
// request shape rather than importing internal/statusapi, keeping antctl
// decoupled from antnode's in-process types).

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show lifecycle status for one or more services",
	RunE:  runStatus,
}

func init() {
	addSelectorFlags(statusCmd)
	statusCmd.Flags().Duration("connection-timeout", 5*time.Second, "RPC probe timeout")
}

type liveStatus struct {
	PID            int    `json:"pid"`
	PeerID         string `json:"peer_id"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ConnectedPeers int    `json:"connected_peers"`
	RecordsStored  uint64 `json:"records_stored"`
	Version        string `json:"version"`
}

func runStatus(cmd *cobra.Command, args []string) error {
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
		fmt.Printf("%s: status=%s version=%s pid=%d peer_id=%s\n", rec.Name, rec.Status, rec.Version, rec.PID, rec.PeerID)
		if rec.Status != "Running" {
			continue
		}
		live, err := fetchLiveStatus(client, rec.RPCSocket)
		if err != nil {
			fmt.Printf("  live status unavailable: %v\n", err)
			continue
		}
		fmt.Printf("  live: uptime=%ds connected_peers=%d records_stored=%d\n", live.UptimeSeconds, live.ConnectedPeers, live.RecordsStored)
	}
	return nil
}

func fetchLiveStatus(client *http.Client, rpcSocket string) (*liveStatus, error) {
	resp, err := client.Get(fmt.Sprintf("http://%s/status", rpcSocket))
	if err != nil {
		return nil, fmt.Errorf("antctl: status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("antctl: status request: unexpected code %d", resp.StatusCode)
	}
	var s liveStatus
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("antctl: decode status: %w", err)
	}
	return &s, nil
}
