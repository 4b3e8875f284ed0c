// Package registry persists the set of node services a host manages and
// enforces their lifecycle state machine (spec.md §4.6).
//
// Grounded on the teacher's channel/lock-free persistence idioms
// elsewhere in this codebase (core/record_store.go's atomic
// temp-then-rename writes via renameio) generalized here to a single
// JSON document guarded by an OS-level exclusive file lock held across
// every mutating operation, since multiple antctl invocations may race
// against each other on the same host.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"
)

var registryLog = logrus.WithField("component", "registry")

// Status is a ServiceRecord's lifecycle state.
type Status string

const (
	StatusAdded   Status = "Added"
	StatusRunning Status = "Running"
	StatusStopped Status = "Stopped"
	StatusRemoved Status = "Removed"
)

// ServiceRecord describes one managed node process (spec.md §3).
type ServiceRecord struct {
	Name            string            `json:"name"`
	Number          int               `json:"number"`
	BinaryPath      string            `json:"binary_path"`
	DataDir         string            `json:"data_dir"`
	LogDir          string            `json:"log_dir"`
	User            string            `json:"user"`
	RPCSocket       string            `json:"rpc_socket"`
	NodePort        int               `json:"node_port,omitempty"`
	PeerID          string            `json:"peer_id,omitempty"`
	PID             int               `json:"pid,omitempty"`
	Status          Status            `json:"status"`
	Version         string            `json:"version"`
	Env             map[string]string `json:"env,omitempty"`
	BootstrapPeers  []string          `json:"bootstrap_peers,omitempty"`
	AutoRestart     bool              `json:"auto_restart"`
	MetricsPort     int               `json:"metrics_port,omitempty"`
	Genesis         bool              `json:"genesis,omitempty"`
	ConnectedPeers  int               `json:"connected_peers,omitempty"`
	StartedAt       time.Time         `json:"started_at,omitempty"`
}

// ErrInvalidTransition signals a lifecycle operation refused due to the
// record's current state (spec.md §4.6 state machine).
type ErrInvalidTransition struct {
	Name string
	From Status
	Op   string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("registry: %s: cannot %s from state %s", e.Name, e.Op, e.From)
}

// ErrGenesisConflict signals an add() that would create a second genesis
// service, or a genesis add with count != 1.
var ErrGenesisConflict = fmt.Errorf("registry: at most one genesis service is allowed, and genesis implies count=1")

// Supervisor is the narrow platform boundary the registry drives
// services through; process supervision itself (systemd, launchd, a
// bespoke process manager) is out of scope (spec.md §1).
type Supervisor interface {
	Install(rec ServiceRecord) error
	Uninstall(name string) error
	Start(name string) error
	Stop(name string) error
	IsAlive(pid int) bool
}

// RPCProbe queries a running service's own RPC socket for liveness
// details needed by start()/stop() (pid, peer id, uptime).
type RPCProbe interface {
	Probe(rpcSocket string) (pid int, peerID string, uptimeSeconds int64, err error)
}

// Registry persists ServiceRecords under path, serializing every
// mutating operation behind an exclusive file lock.
type Registry struct {
	path string
	lock *flock.Flock
	sup  Supervisor
	rpc  RPCProbe

	mu      sync.Mutex
	records map[string]*ServiceRecord
}

// Open loads (or initializes) the registry at path.
func Open(path string, sup Supervisor, rpc RPCProbe) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("registry: mkdir: %w", err)
	}
	r := &Registry{
		path:    path,
		lock:    flock.New(path + ".lock"),
		sup:     sup,
		rpc:     rpc,
		records: make(map[string]*ServiceRecord),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("registry: read: %w", err)
	}
	var recs []*ServiceRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return fmt.Errorf("registry: decode: %w", err)
	}
	for _, rec := range recs {
		r.records[rec.Name] = rec
	}
	return nil
}

// persist must be called with r.mu held and r.lock already acquired.
func (r *Registry) persist() error {
	recs := make([]*ServiceRecord, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	return renameio.WriteFile(r.path, data, 0o644)
}

// withLock runs fn with the registry's exclusive file lock held across
// the whole read-modify-write, matching spec.md §4.6's "protected by an
// exclusive file lock held across mutation". It reloads the in-memory
// record set from disk before fn runs, so a second process's already
// persisted writes are never clobbered by this process's stale snapshot
// from Open (testable property 8).
func (r *Registry) withLock(fn func() error) error {
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("registry: acquire lock: %w", err)
	}
	defer r.lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*ServiceRecord)
	if err := r.load(); err != nil {
		return err
	}
	return fn()
}

// Add installs the service with the platform supervisor, creates its
// directories, and transitions it to Added. Ports are not allocated here:
// the caller fills them in beforehand (antctl uses AllocatePort).
func (r *Registry) Add(rec ServiceRecord, count int) error {
	return r.withLock(func() error {
		if rec.Genesis && count != 1 {
			return ErrGenesisConflict
		}
		if rec.Genesis {
			for _, existing := range r.records {
				if existing.Genesis {
					return ErrGenesisConflict
				}
			}
		}
		if err := os.MkdirAll(rec.DataDir, 0o755); err != nil {
			return fmt.Errorf("registry: add %s: mkdir data dir: %w", rec.Name, err)
		}
		if err := os.MkdirAll(rec.LogDir, 0o755); err != nil {
			return fmt.Errorf("registry: add %s: mkdir log dir: %w", rec.Name, err)
		}
		if err := r.sup.Install(rec); err != nil {
			return fmt.Errorf("registry: add %s: install: %w", rec.Name, err)
		}
		rec.Status = StatusAdded
		r.records[rec.Name] = &rec
		return r.persist()
	})
}

// Start refuses unless the target is Added or Stopped, instructs the
// supervisor, probes the RPC socket, and promotes the record to Running.
func (r *Registry) Start(name string) error {
	return r.withLock(func() error {
		rec, ok := r.records[name]
		if !ok {
			return fmt.Errorf("registry: %s: not found", name)
		}
		if rec.Status == StatusRunning {
			if r.sup.IsAlive(rec.PID) {
				return &ErrInvalidTransition{Name: name, From: rec.Status, Op: "start"}
			}
			// Recorded as Running but the pid is dead (e.g. after a crash):
			// reconcile to Stopped per spec.md §8 S6, then fall through and
			// proceed with the start rather than refusing.
			registryLog.Warnf("start %s: recorded as running with dead pid %d, reconciling to stopped", name, rec.PID)
			rec.Status = StatusStopped
			rec.PID = 0
			rec.ConnectedPeers = 0
		}
		if rec.Status != StatusAdded && rec.Status != StatusStopped {
			return &ErrInvalidTransition{Name: name, From: rec.Status, Op: "start"}
		}
		if err := r.sup.Start(name); err != nil {
			return fmt.Errorf("registry: start %s: %w", name, err)
		}
		pid, peerID, uptime, err := r.rpc.Probe(rec.RPCSocket)
		if err != nil {
			return fmt.Errorf("registry: start %s: rpc probe: %w", name, err)
		}
		if uptime < 60 {
			registryLog.Infof("start %s: fresh start detected (uptime %ds)", name, uptime)
		}
		rec.PID = pid
		rec.PeerID = peerID
		rec.Status = StatusRunning
		rec.StartedAt = time.Now()
		return r.persist()
	})
}

// Stop refuses unless Running, verifies the recorded pid is actually
// alive (a pid mismatch demotes to Stopped without touching the
// supervisor), clears pid/connected-peers, and preserves peer_id for
// forensics.
func (r *Registry) Stop(name string) error {
	return r.withLock(func() error {
		rec, ok := r.records[name]
		if !ok {
			return fmt.Errorf("registry: %s: not found", name)
		}
		if rec.Status != StatusRunning {
			return &ErrInvalidTransition{Name: name, From: rec.Status, Op: "stop"}
		}
		if !r.sup.IsAlive(rec.PID) {
			rec.Status = StatusStopped
			rec.PID = 0
			rec.ConnectedPeers = 0
			return r.persist()
		}
		if err := r.sup.Stop(name); err != nil {
			return fmt.Errorf("registry: stop %s: %w", name, err)
		}
		rec.PID = 0
		rec.ConnectedPeers = 0
		rec.Status = StatusStopped
		return r.persist()
	})
}

// Remove refuses while Running (even with a dead pid, that state is
// surfaced as an error and the record's status is corrected), otherwise
// uninstalls from the supervisor, optionally deletes directories, and
// transitions to Removed.
func (r *Registry) Remove(name string, keepDirs bool) error {
	return r.withLock(func() error {
		rec, ok := r.records[name]
		if !ok {
			return fmt.Errorf("registry: %s: not found", name)
		}
		if rec.Status == StatusRunning {
			if !r.sup.IsAlive(rec.PID) {
				rec.Status = StatusStopped
				rec.PID = 0
				_ = r.persist()
				return fmt.Errorf("registry: %s: marked running but actually stopped; state corrected, retry remove", name)
			}
			return &ErrInvalidTransition{Name: name, From: rec.Status, Op: "remove"}
		}
		if err := r.sup.Uninstall(name); err != nil {
			return fmt.Errorf("registry: remove %s: uninstall: %w", name, err)
		}
		if !keepDirs {
			if err := os.RemoveAll(rec.DataDir); err != nil {
				registryLog.WithError(err).Warnf("remove %s: data dir cleanup failed", name)
			}
			if err := os.RemoveAll(rec.LogDir); err != nil {
				registryLog.WithError(err).Warnf("remove %s: log dir cleanup failed", name)
			}
		}
		rec.Status = StatusRemoved
		return r.persist()
	})
}

// Upgrade composes stop -> replace binary -> start, skippable via
// doNotStart. Version gating can be bypassed with force.
func (r *Registry) Upgrade(name, newBinary, newVersion string, doNotStart, force bool) error {
	rec, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("registry: %s: not found", name)
	}
	if !force && rec.Version == newVersion {
		return fmt.Errorf("registry: %s: already at version %s (use force to reinstall)", name, newVersion)
	}
	if rec.Status == StatusRunning {
		if err := r.Stop(name); err != nil {
			return err
		}
	}
	if err := r.withLock(func() error {
		rec, ok := r.records[name]
		if !ok {
			return fmt.Errorf("registry: %s: not found", name)
		}
		rec.BinaryPath = newBinary
		rec.Version = newVersion
		return r.persist()
	}); err != nil {
		return err
	}
	if doNotStart {
		return nil
	}
	return r.Start(name)
}

// Reset stops and removes every service, then deletes the registry file
// itself.
func (r *Registry) Reset(force bool) error {
	names := make([]string, 0, len(r.records))
	r.mu.Lock()
	for name := range r.records {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		rec, _ := r.Get(name)
		if rec != nil && rec.Status == StatusRunning {
			if err := r.Stop(name); err != nil && !force {
				return fmt.Errorf("registry: reset: stop %s: %w", name, err)
			}
		}
		if err := r.Remove(name, false); err != nil && !force {
			return fmt.Errorf("registry: reset: remove %s: %w", name, err)
		}
	}
	return r.withLock(func() error {
		r.records = make(map[string]*ServiceRecord)
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("registry: reset: remove registry file: %w", err)
		}
		return nil
	})
}

// Get returns a copy of the named record.
func (r *Registry) Get(name string) (*ServiceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return nil, false
	}
	copyRec := *rec
	return &copyRec, true
}

// List returns a snapshot of every managed record.
func (r *Registry) List() []ServiceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServiceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}
