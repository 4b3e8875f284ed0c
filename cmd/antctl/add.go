package main

// add.go — antctl add: register one or more new services with the
// registry (spec.md §6 "add" verb). Grounded on the teacher's
// cmd/cli/kademlia.go per-verb command shape.

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"antswarm/internal/registry"
	"antswarm/pkg/config"
)

var addCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "register a new antswarm node service",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdd,
}

func init() {
	addCmd.Flags().Int("count", 1, "number of instances to register (NAME gets a -N suffix beyond the first)")
	addCmd.Flags().String("url", "", "binary source: download URL (not yet implemented)")
	addCmd.Flags().String("path", "", "binary source: local path to an already-built binary")
	addCmd.Flags().String("version", "", "binary source: release version (exclusive with --path, which add requires)")
	addCmd.Flags().String("data-dir-path", "", "override the default data directory")
	addCmd.Flags().String("log-dir-path", "", "override the default log directory")
	addCmd.Flags().String("env", "", "comma-separated KEY=VAL environment overrides")
	addCmd.Flags().StringArray("bootstrap-peer", nil, "bootstrap peer multiaddr (repeatable)")
	addCmd.Flags().Bool("auto-restart", false, "restart the service automatically on failure")
	addCmd.Flags().Bool("home-network", false, "run with NAT-constrained address corroboration relaxed")
	addCmd.Flags().Bool("upnp", true, "attempt UPnP/NAT-PMP port mapping")
	addCmd.Flags().Bool("genesis", false, "mark this service as the network genesis node (at most one, implies --count=1)")
	addCmd.Flags().String("node-port", "30300-30400", "node listen port, single value or lo-hi range")
	addCmd.Flags().String("rpc-port", "9090-9190", "status/RPC port, single value or lo-hi range")
	addCmd.Flags().String("metrics-port", "9100-9200", "metrics port, single value or lo-hi range")
	addCmd.Flags().Duration("connection-timeout", 5*time.Second, "RPC probe timeout used by later start/stop calls")
}

func runAdd(cmd *cobra.Command, args []string) error {
	name := args[0]
	count, _ := cmd.Flags().GetInt("count")
	if count < 1 {
		return fmt.Errorf("antctl: add: --count must be >= 1")
	}

	genesis, _ := cmd.Flags().GetBool("genesis")
	if genesis && count != 1 {
		return registry.ErrGenesisConflict
	}

	binPath, version, err := binarySource(cmd)
	if err != nil {
		return err
	}
	if binPath == "" {
		return fmt.Errorf("antctl: add: --path is required (binary must already be built)")
	}

	envRaw, _ := cmd.Flags().GetString("env")
	env, err := parseEnvFlag(envRaw)
	if err != nil {
		return err
	}
	bootstrapPeers, _ := cmd.Flags().GetStringArray("bootstrap-peer")
	autoRestart, _ := cmd.Flags().GetBool("auto-restart")
	homeNetwork, _ := cmd.Flags().GetBool("home-network")
	upnp, _ := cmd.Flags().GetBool("upnp")
	if env == nil {
		env = make(map[string]string)
	}
	env["ANTSWARM_ROUTING_HOME_NETWORK"] = fmt.Sprintf("%t", homeNetwork)
	env["ANTSWARM_ROUTING_ENABLE_UPNP"] = fmt.Sprintf("%t", upnp)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("antctl: add: load config: %w", err)
	}
	dataDirRoot, _ := cmd.Flags().GetString("data-dir-path")
	if dataDirRoot == "" {
		dataDirRoot = cfg.Registry.DataDirRoot
	}
	logDirRoot, _ := cmd.Flags().GetString("log-dir-path")
	if logDirRoot == "" {
		logDirRoot = cfg.Registry.LogDirRoot
	}

	timeout, _ := cmd.Flags().GetDuration("connection-timeout")
	reg, err := openRegistry(timeout)
	if err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		instName := name
		if i > 0 {
			instName = fmt.Sprintf("%s-%d", name, i)
		}

		nodePort, err := resolvePort(cmd, reg, "node-port", "")
		if err != nil {
			return fmt.Errorf("antctl: add %s: node port: %w", instName, err)
		}
		rpcPort, err := resolvePort(cmd, reg, "rpc-port", "")
		if err != nil {
			return fmt.Errorf("antctl: add %s: rpc port: %w", instName, err)
		}
		metricsPort, err := resolvePort(cmd, reg, "metrics-port", "")
		if err != nil {
			return fmt.Errorf("antctl: add %s: metrics port: %w", instName, err)
		}
		instEnv := make(map[string]string, len(env)+2)
		for k, v := range env {
			instEnv[k] = v
		}
		instEnv["ANTSWARM_NODE_STATUS_ADDR"] = fmt.Sprintf("127.0.0.1:%d", rpcPort)
		instEnv["ANTSWARM_ROUTING_LISTEN_ADDR"] = fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", nodePort)

		rec := registry.ServiceRecord{
			Name:           instName,
			Number:         i,
			BinaryPath:     binPath,
			DataDir:        filepath.Join(dataDirRoot, instName),
			LogDir:         filepath.Join(logDirRoot, instName),
			RPCSocket:      fmt.Sprintf("127.0.0.1:%d", rpcPort),
			NodePort:       nodePort,
			MetricsPort:    metricsPort,
			Version:        version,
			Env:            instEnv,
			BootstrapPeers: bootstrapPeers,
			AutoRestart:    autoRestart,
			Genesis:        genesis,
		}
		if err := reg.Add(rec, count); err != nil {
			return fmt.Errorf("antctl: add %s: %w", instName, err)
		}
		fmt.Printf("added %s (data=%s log=%s node_port=%d rpc_port=%d)\n", instName, rec.DataDir, rec.LogDir, nodePort, rpcPort)
	}
	return nil
}
