// Package statusapi serves a read-only HTTP status/balance surface for a
// running antnode process (SPEC_FULL.md §8), separate from the lifecycle
// manager's RPC socket. It is the antctl-facing half of the RPCProbe
// contract internal/registry depends on: antctl polls this endpoint to
// learn a service's pid, peer id, and uptime after starting it.
//
// Grounded on the teacher's walletserver (controllers/routes/services
// layering around a single HTTP surface), generalised here to one
// chi.Mux with two read-only routes instead of wallet CRUD endpoints.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "statusapi")

// Status is the JSON body returned by GET /status.
type Status struct {
	PID            int    `json:"pid"`
	PeerID         string `json:"peer_id"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ConnectedPeers int    `json:"connected_peers"`
	RecordsStored  uint64 `json:"records_stored"`
	Version        string `json:"version"`
}

// BalanceResponse is the JSON body returned by GET /balance.
type BalanceResponse struct {
	Amount uint64 `json:"amount"`
	Error  string `json:"error,omitempty"`
}

// Provider is the narrow surface a running node exposes to this package;
// cmd/antnode implements it by reading the routing core, record store and
// payment processor directly.
type Provider interface {
	Status() Status
	Balance(ctx context.Context) (uint64, error)
}

// NewRouter builds the status/balance HTTP surface. Both routes are GET
// and read-only: nothing served here mutates node state.
func NewRouter(p Provider) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, p.Status())
	})

	r.Get("/balance", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
		defer cancel()
		amount, err := p.Balance(ctx)
		if err != nil {
			log.WithError(err).Warn("balance query failed")
			writeJSON(w, http.StatusServiceUnavailable, BalanceResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, BalanceResponse{Amount: amount})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("status response encode failed")
	}
}
