package main

// self_id.go — persists the node's routing-layer self identifier across
// restarts, since core.RoutingCore keys its K-bucket table and range
// tracker off a caller-supplied self RecordKey rather than deriving one
// from the libp2p host identity it creates internally.

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"antswarm/core"
)

func loadOrCreateSelfID(dataDir string) (core.RecordKey, error) {
	path := filepath.Join(dataDir, "self_id")
	if raw, err := os.ReadFile(path); err == nil {
		b, err := hex.DecodeString(string(raw))
		if err == nil && len(b) == 32 {
			var key core.RecordKey
			copy(key[:], b)
			return key, nil
		}
	}
	var key core.RecordKey
	if _, err := rand.Read(key[:]); err != nil {
		return core.RecordKey{}, fmt.Errorf("self id: generate: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return core.RecordKey{}, fmt.Errorf("self id: mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key[:])), 0o600); err != nil {
		return core.RecordKey{}, fmt.Errorf("self id: write: %w", err)
	}
	return key, nil
}
