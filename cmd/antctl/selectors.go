package main

// selectors.go — flag helpers shared by every verb: opening the
// registry, resolving the --peer-id/--service-name selector (mutually
// exclusive, empty means "all"), parsing --env KEY=VAL,... and the
// single|range port flags.

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"antswarm/internal/registry"
	"antswarm/pkg/config"
)

// openRegistry loads node config and opens the registry at its
// configured path, wiring a detached-process Supervisor and an
// HTTP-status RPCProbe.
func openRegistry(connectionTimeout time.Duration) (*registry.Registry, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("antctl: load config: %w", err)
	}

	var reg *registry.Registry
	sup := registry.NewExecSupervisor(func(name string) (*registry.ServiceRecord, bool) {
		return reg.Get(name)
	})
	probe := registry.NewHTTPRPCProbe(connectionTimeout)

	reg, err = registry.Open(cfg.Registry.RegistryFile, sup, probe)
	if err != nil {
		return nil, fmt.Errorf("antctl: open registry: %w", err)
	}
	return reg, nil
}

// addSelectorFlags registers --peer-id and --service-name on cmd.
func addSelectorFlags(cmd *cobra.Command) {
	cmd.Flags().StringArray("peer-id", nil, "select services by peer id (repeatable)")
	cmd.Flags().StringArray("service-name", nil, "select services by name (repeatable)")
}

// resolveSelection returns the service names the command should act on:
// an explicit --service-name list, names looked up by --peer-id, or
// every registered service when neither flag is given. --peer-id and
// --service-name are mutually exclusive.
func resolveSelection(cmd *cobra.Command, reg *registry.Registry) ([]string, error) {
	names, _ := cmd.Flags().GetStringArray("service-name")
	peerIDs, _ := cmd.Flags().GetStringArray("peer-id")
	if len(names) > 0 && len(peerIDs) > 0 {
		return nil, fmt.Errorf("--peer-id and --service-name are mutually exclusive")
	}
	if len(names) > 0 {
		return names, nil
	}
	if len(peerIDs) > 0 {
		want := make(map[string]bool, len(peerIDs))
		for _, id := range peerIDs {
			want[id] = true
		}
		var out []string
		for _, rec := range reg.List() {
			if want[rec.PeerID] {
				out = append(out, rec.Name)
			}
		}
		return out, nil
	}
	var out []string
	for _, rec := range reg.List() {
		out = append(out, rec.Name)
	}
	return out, nil
}

// parseEnvFlag parses "KEY=VAL,KEY2=VAL2" into a map.
func parseEnvFlag(s string) (map[string]string, error) {
	out := make(map[string]string)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --env entry %q, want KEY=VAL", pair)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

// binarySource resolves the mutually-exclusive --url/--path/--version
// binary-source flags into a binary path and version string; setting more
// than one is an error. Only --path yields a binary, so the returned
// version is empty whenever a path is returned. --url downloads are out of
// scope for this CLI (spec.md §1 excludes build/packaging) and --url is
// rejected with an error; --version alone returns an empty path.
func binarySource(cmd *cobra.Command) (binPath, version string, err error) {
	url, _ := cmd.Flags().GetString("url")
	path, _ := cmd.Flags().GetString("path")
	ver, _ := cmd.Flags().GetString("version")

	set := 0
	for _, v := range []string{url, path, ver} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return "", "", fmt.Errorf("--url, --path and --version are mutually exclusive")
	}
	if path != "" {
		return path, ver, nil
	}
	if url != "" {
		return "", "", fmt.Errorf("antctl: --url binary staging is not implemented; fetch the binary and pass --path")
	}
	return "", ver, nil
}

// resolvePort parses a --*-port flag (single port or lo-hi range) and
// allocates the next free port in that range via the registry.
func resolvePort(cmd *cobra.Command, reg *registry.Registry, flag string, defaultRange string) (int, error) {
	raw, _ := cmd.Flags().GetString(flag)
	if raw == "" {
		raw = defaultRange
	}
	pr, err := registry.ParsePortRange(raw)
	if err != nil {
		return 0, err
	}
	return reg.AllocatePort(pr)
}
