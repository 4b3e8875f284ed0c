package core

import (
	"fmt"
	"testing"
	"time"
)

func testKey(b byte) RecordKey {
	var k RecordKey
	k[31] = b
	return k
}

func TestKBucketAddAndClosest(t *testing.T) {
	self := testKey(0)
	table := NewKBucketTable(self)

	var peers []Peer
	for i := byte(1); i <= 10; i++ {
		p := Peer{ID: PeerID(fmt.Sprintf("peer-%d", i)), LastSeen: time.Now()}
		peers = append(peers, p)
		if !table.AddPeer(p) {
			t.Fatalf("AddPeer(%d) refused on an empty bucket", i)
		}
	}

	if got := table.Len(); got != 10 {
		t.Fatalf("Len() = %d, want 10", got)
	}

	closest := table.Closest(self, 3)
	if len(closest) != 3 {
		t.Fatalf("Closest returned %d peers, want 3", len(closest))
	}
	for i := 1; i < len(closest); i++ {
		d1 := Distance(closest[i-1].Key(), self)
		d2 := Distance(closest[i].Key(), self)
		if d1.Cmp(d2) > 0 {
			t.Fatalf("Closest not sorted ascending by distance: %v then %v", d1, d2)
		}
	}
}

func TestKBucketReinsertUpdatesInPlace(t *testing.T) {
	self := testKey(5)
	table := NewKBucketTable(self)
	p := Peer{ID: PeerID("self-peer")}
	table.AddPeer(p)
	if table.Len() != 1 {
		t.Fatalf("expected 1 peer after first insert, got %d", table.Len())
	}
	table.AddPeer(Peer{ID: PeerID("self-peer"), Agent: "updated"})
	if table.Len() != 1 {
		t.Fatalf("expected re-insert of same ID to update in place, got %d peers", table.Len())
	}
}

func TestKBucketRejectsSelf(t *testing.T) {
	self := testKey(5)
	table := NewKBucketTable(self)
	if table.bucketIndex(self) != -1 {
		t.Fatalf("bucketIndex(self) = %d, want -1", table.bucketIndex(self))
	}
}

func TestKBucketEvictsBootstrapWhenFull(t *testing.T) {
	self := testKey(0)
	table := NewKBucketTable(self)

	probe := Peer{ID: PeerID("probe")}
	idx := table.bucketIndex(probe.Key())

	// Pre-fill the bucket directly (same package, so the private slice is
	// reachable) rather than brute-forcing IDs that happen to hash into
	// this bucket index.
	table.mu.Lock()
	for i := 0; i < K; i++ {
		table.buckets[idx] = append(table.buckets[idx], Peer{ID: PeerID(fmt.Sprintf("boot-%d", i)), Bootstrap: true})
	}
	table.mu.Unlock()

	if !table.AddPeer(probe) {
		t.Fatalf("regular peer was refused even though the bucket holds only bootstrap peers")
	}
	table.mu.RLock()
	defer table.mu.RUnlock()
	found := false
	for _, p := range table.buckets[idx] {
		if p.ID == probe.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("probe peer not present in bucket after eviction insert")
	}
}

func TestKBucketRemovePeer(t *testing.T) {
	self := testKey(0)
	table := NewKBucketTable(self)
	p := Peer{ID: PeerID("gone")}
	table.AddPeer(p)
	table.RemovePeer(p.ID)
	if table.Len() != 0 {
		t.Fatalf("expected 0 peers after RemovePeer, got %d", table.Len())
	}
}
