package registry

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeSupervisor struct {
	mu        sync.Mutex
	installed map[string]bool
	running   map[string]bool
	alive     map[int]bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		installed: make(map[string]bool),
		running:   make(map[string]bool),
		alive:     make(map[int]bool),
	}
}

func (s *fakeSupervisor) Install(rec ServiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installed[rec.Name] = true
	return nil
}

func (s *fakeSupervisor) Uninstall(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.installed, name)
	return nil
}

func (s *fakeSupervisor) Start(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
	return nil
}

func (s *fakeSupervisor) Stop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
	return nil
}

func (s *fakeSupervisor) IsAlive(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive[pid]
}

func (s *fakeSupervisor) setAlive(pid int, alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive[pid] = alive
}

type fakeProbe struct {
	pid    int32
	peerID string
}

func (p *fakeProbe) Probe(rpcSocket string) (int, string, int64, error) {
	pid := int(atomic.AddInt32(&p.pid, 1))
	return pid, p.peerID, 120, nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSupervisor, *fakeProbe) {
	t.Helper()
	dir := t.TempDir()
	sup := newFakeSupervisor()
	probe := &fakeProbe{peerID: "peer-x"}
	reg, err := Open(filepath.Join(dir, "registry.json"), sup, probe)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return reg, sup, probe
}

func baseRecord(name string, dir string) ServiceRecord {
	return ServiceRecord{
		Name:       name,
		BinaryPath: "/bin/true",
		DataDir:    filepath.Join(dir, name, "data"),
		LogDir:     filepath.Join(dir, name, "log"),
		RPCSocket:  "127.0.0.1:9090",
	}
}

func TestRegistryFullLifecycle(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	dir := t.TempDir()

	rec := baseRecord("node-1", dir)
	if err := reg.Add(rec, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, ok := reg.Get("node-1")
	if !ok || got.Status != StatusAdded {
		t.Fatalf("expected Added status after Add, got %+v ok=%v", got, ok)
	}

	if err := reg.Start("node-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, _ = reg.Get("node-1")
	if got.Status != StatusRunning || got.PID == 0 || got.PeerID == "" {
		t.Fatalf("expected Running status with pid/peer_id set, got %+v", got)
	}

	if err := reg.Stop("node-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, _ = reg.Get("node-1")
	if got.Status != StatusStopped || got.PID != 0 {
		t.Fatalf("expected Stopped status with pid cleared, got %+v", got)
	}

	if err := reg.Remove("node-1", false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, _ = reg.Get("node-1")
	if got.Status != StatusRemoved {
		t.Fatalf("expected Removed status, got %+v", got)
	}
}

func TestRegistryStateMachineRefusesNonAdjacentTransitions(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	dir := t.TempDir()
	rec := baseRecord("node-2", dir)
	if err := reg.Add(rec, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Stop before Start must fail: Added -> Running is required first.
	if err := reg.Stop("node-2"); err == nil {
		t.Fatalf("expected Stop to refuse from Added state")
	}
	// Remove while Running must fail: the fake supervisor reports the pid
	// dead, so Remove corrects the record to Stopped and still refuses.
	if err := reg.Start("node-2"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := reg.Remove("node-2", false); err == nil {
		t.Fatalf("expected Remove to refuse while Running")
	}
}

// S6 — service start on dead pid: the registry observes a stale Running
// record whose pid is not actually alive, reconciles to Stopped, then
// proceeds with the start.
func TestRegistryStartReconcilesDeadPid(t *testing.T) {
	reg, sup, _ := newTestRegistry(t)
	dir := t.TempDir()
	rec := baseRecord("node-3", dir)
	if err := reg.Add(rec, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Start("node-3"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, _ := reg.Get("node-3")
	sup.setAlive(got.PID, false)

	// Stop observes the dead pid and demotes to Stopped without calling
	// the supervisor's Stop.
	if err := reg.Stop("node-3"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, _ = reg.Get("node-3")
	if got.Status != StatusStopped {
		t.Fatalf("expected Stopped after dead-pid reconciliation, got %s", got.Status)
	}

	// A further Start should now succeed from the reconciled Stopped state.
	if err := reg.Start("node-3"); err != nil {
		t.Fatalf("Start after reconciliation: %v", err)
	}
}

// S6 (direct) — Start itself must perform the dead-pid reconciliation when
// invoked directly on a stale Running record, not only when a prior Stop
// call has already demoted it to Stopped.
func TestRegistryStartDirectlyReconcilesDeadPid(t *testing.T) {
	reg, sup, _ := newTestRegistry(t)
	dir := t.TempDir()
	rec := baseRecord("node-3b", dir)
	if err := reg.Add(rec, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Start("node-3b"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, _ := reg.Get("node-3b")
	sup.setAlive(got.PID, false)

	// The record is still Running (nothing reconciled it); Start must
	// observe the dead pid, reconcile to Stopped, and proceed with the
	// start rather than refusing with ErrInvalidTransition.
	if err := reg.Start("node-3b"); err != nil {
		t.Fatalf("Start on stale running/dead-pid record: %v", err)
	}
	got, _ = reg.Get("node-3b")
	if got.Status != StatusRunning {
		t.Fatalf("expected Running after reconciled restart, got %s", got.Status)
	}
}

// A Running record whose pid is genuinely still alive must still refuse a
// second Start.
func TestRegistryStartRefusesWhileGenuinelyRunning(t *testing.T) {
	reg, sup, _ := newTestRegistry(t)
	dir := t.TempDir()
	rec := baseRecord("node-3c", dir)
	if err := reg.Add(rec, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Start("node-3c"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, _ := reg.Get("node-3c")
	sup.setAlive(got.PID, true)

	if err := reg.Start("node-3c"); err == nil {
		t.Fatalf("expected Start to refuse while genuinely running")
	}
}

// S7 — add genesis refuses a second genesis.
func TestRegistryGenesisConflict(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	dir := t.TempDir()
	rec1 := baseRecord("genesis-1", dir)
	rec1.Genesis = true
	if err := reg.Add(rec1, 1); err != nil {
		t.Fatalf("Add genesis-1: %v", err)
	}

	rec2 := baseRecord("genesis-2", dir)
	rec2.Genesis = true
	if err := reg.Add(rec2, 1); err != ErrGenesisConflict {
		t.Fatalf("Add second genesis: got %v, want ErrGenesisConflict", err)
	}
}

func TestRegistryGenesisRequiresCountOne(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	dir := t.TempDir()
	rec := baseRecord("genesis-multi", dir)
	rec.Genesis = true
	if err := reg.Add(rec, 2); err != ErrGenesisConflict {
		t.Fatalf("Add genesis with count=2: got %v, want ErrGenesisConflict", err)
	}
}

func TestRegistryUpgradeComposesStopStart(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	dir := t.TempDir()
	rec := baseRecord("node-4", dir)
	rec.Version = "v1"
	if err := reg.Add(rec, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Start("node-4"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := reg.Upgrade("node-4", "/bin/false", "v2", false, false); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	got, _ := reg.Get("node-4")
	if got.Version != "v2" || got.BinaryPath != "/bin/false" || got.Status != StatusRunning {
		t.Fatalf("expected upgraded, restarted record, got %+v", got)
	}
}

func TestRegistryReset(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	dir := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		if err := reg.Add(baseRecord(name, dir), 1); err != nil {
			t.Fatalf("Add %s: %v", name, err)
		}
	}
	if err := reg.Start("a"); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := reg.Reset(false); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatalf("expected empty registry after Reset, got %d records", len(reg.List()))
	}
}

// TestRegistryLockExclusivity models two concurrent antctl invocations:
// each opens its own fresh Registry handle over the same file (the real
// usage pattern, since antctl is a short-lived process per command) and
// adds one record. The exclusive file lock (testable property 8) must
// serialize their read-modify-write cycles so neither process's add is
// lost to the other overwriting a stale in-memory snapshot.
func TestRegistryLockExclusivity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sup := newFakeSupervisor()
			probe := &fakeProbe{peerID: "p"}
			reg, err := Open(path, sup, probe)
			if err != nil {
				t.Errorf("Open: %v", err)
				return
			}
			name := "node-" + string(rune('a'+i))
			if err := reg.Add(baseRecord(name, dir), 1); err != nil {
				t.Errorf("Add %s: %v", name, err)
			}
		}(i)
	}
	wg.Wait()

	final, err := Open(path, newFakeSupervisor(), &fakeProbe{peerID: "p"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(final.List()) != 20 {
		t.Fatalf("expected 20 persisted records after concurrent adds, got %d", len(final.List()))
	}
}
