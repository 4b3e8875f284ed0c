package core

import (
	"sort"
	"sync"
	"time"
)

// K is the maximum number of peers held per bucket (spec.md §3).
const K = 20

// NumBuckets covers the full 256-bit identifier space.
const NumBuckets = 256

// KBucketTable is a routing table of up to NumBuckets buckets keyed by
// ilog2(distance(self, peer)), each holding at most K entries.
//
// Insertion is manual, not automatic: AddPeer only succeeds after a caller
// has already completed a successful round-trip with the peer (spec.md
// §4.1 "Bucket-insert policy"). This mirrors the teacher's
// core/kademlia.go bucket slices, generalised from a fixed 160-bit/20-peer
// toy table to the full 256-bit keyspace with eviction policy.
type KBucketTable struct {
	self    RecordKey
	mu      sync.RWMutex
	buckets [NumBuckets][]Peer
}

func NewKBucketTable(self RecordKey) *KBucketTable {
	return &KBucketTable{self: self}
}

func (t *KBucketTable) bucketIndex(key RecordKey) int {
	return Ilog2(t.self, key)
}

// AddPeer inserts p if its bucket has room. If the bucket is full, a
// resident bootstrap peer is evicted in favor of a new regular peer;
// otherwise the insert is refused (caller should not retry without a
// fresh round-trip).
func (t *KBucketTable) AddPeer(p Peer) bool {
	idx := t.bucketIndex(p.Key())
	if idx < 0 {
		return false // peer IS self
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[idx]
	for i, existing := range bucket {
		if existing.ID == p.ID {
			bucket[i] = p
			return true
		}
	}
	if len(bucket) < K {
		t.buckets[idx] = append(bucket, p)
		return true
	}
	if !p.Bootstrap {
		for i, existing := range bucket {
			if existing.Bootstrap {
				bucket[i] = p
				return true
			}
		}
	}
	return false
}

// RemovePeer deletes a peer from its bucket, e.g. after eviction on a
// serious dial failure.
func (t *KBucketTable) RemovePeer(id PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, bucket := range t.buckets {
		for j, p := range bucket {
			if p.ID == id {
				t.buckets[i] = append(bucket[:j], bucket[j+1:]...)
				return
			}
		}
	}
}

// Touch refreshes a peer's liveness timestamp without re-running the
// insert policy.
func (t *KBucketTable) Touch(id PeerID, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, bucket := range t.buckets {
		for j, p := range bucket {
			if p.ID == id {
				t.buckets[i][j].LastSeen = at
				return
			}
		}
	}
}

// Closest returns up to n peers ordered by ascending XOR distance to
// target, scanning outward from target's own bucket index.
func (t *KBucketTable) Closest(target RecordKey, n int) []Peer {
	idx := t.bucketIndex(target)
	if idx < 0 {
		idx = 0
	}
	t.mu.RLock()
	candidates := make([]Peer, 0, n*2)
	for radius := 0; radius < NumBuckets && len(candidates) < n*4; radius++ {
		if i := idx - radius; i >= 0 {
			candidates = append(candidates, t.buckets[i]...)
		}
		if i := idx + radius; radius != 0 && i < NumBuckets {
			candidates = append(candidates, t.buckets[i]...)
		}
	}
	t.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return Distance(candidates[i].Key(), target).Cmp(Distance(candidates[j].Key(), target)) < 0
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// All returns a snapshot of every peer currently in the table.
func (t *KBucketTable) All() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0)
	for _, bucket := range t.buckets {
		out = append(out, bucket...)
	}
	return out
}

// Len reports the total number of peers across all buckets.
func (t *KBucketTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, bucket := range t.buckets {
		n += len(bucket)
	}
	return n
}
