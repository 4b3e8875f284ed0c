package registry

// http_rpc_probe.go — RPCProbe implementation that polls a running
// service's internal/statusapi HTTP endpoint (SPEC_FULL.md §8). The
// ServiceRecord's RPCSocket field holds that endpoint's "host:port".

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type statusResponse struct {
	PID           int    `json:"pid"`
	PeerID        string `json:"peer_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HTTPRPCProbe implements RPCProbe against the statusapi HTTP surface.
type HTTPRPCProbe struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPRPCProbe constructs a probe with the given connection timeout
// (spec.md §6 "--connection-timeout <secs>").
func NewHTTPRPCProbe(timeout time.Duration) *HTTPRPCProbe {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRPCProbe{Client: &http.Client{Timeout: timeout}, Timeout: timeout}
}

func (p *HTTPRPCProbe) Probe(rpcSocket string) (pid int, peerID string, uptimeSeconds int64, err error) {
	url := fmt.Sprintf("http://%s/status", rpcSocket)
	resp, err := p.Client.Get(url)
	if err != nil {
		return 0, "", 0, fmt.Errorf("rpc probe: get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", 0, fmt.Errorf("rpc probe: %s: status %d", url, resp.StatusCode)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return 0, "", 0, fmt.Errorf("rpc probe: decode: %w", err)
	}
	return status.PID, status.PeerID, status.UptimeSeconds, nil
}
