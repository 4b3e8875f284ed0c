package core

// replication.go — holder-advertisement replication engine.
//
// Grounded on the teacher's inv/getdata block-gossip design in this same
// file (msgInv/msgGetData message types, Replicator.handleInv enqueuing
// RequestMissing for blocks the local ledger lacks): the shape survives
// —announce what you hold, fetch what you're missing— but the payload is
// now {holder, keys[]} against the record store's keyspace instead of
// block hashes against a ledger, and admission is gated by closeness
// rather than accepted from any peer.

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var replLog = logrus.WithField("component", "replication")

const (
	announceProtocol     = "/antswarm/replication/announce/1.0.0"
	fetchProtocol         = "/antswarm/replication/fetch/1.0.0"
	fetchQueueCapacity    = 4096
	maxConcurrentFetches  = 8
	closeRangeSlack       = 2 // spec.md §4.3: accept announcements from peers within CLOSE_GROUP_SIZE+2
)

type holderAnnounce struct {
	Holder PeerID
	Keys   []RecordKey
}

type fetchRequest struct {
	Key RecordKey
}

type fetchResponse struct {
	Found  bool
	Record *Record
}

// ReplicationEngine keeps a node's record store in sync with its close
// group: it accepts holder advertisements from nearby peers, fetches keys
// it is responsible for but doesn't yet hold, and advertises its own
// freshly-written keys back out to the group.
type ReplicationEngine struct {
	self  RecordKey
	host  host.Host
	table *KBucketTable
	store *RecordStore

	queue chan RecordKey
	sem   *semaphore.Weighted
}

// NewReplicationEngine wires the engine to an already-running host, table
// and store, and registers its stream handlers.
func NewReplicationEngine(h host.Host, table *KBucketTable, store *RecordStore, self RecordKey) *ReplicationEngine {
	e := &ReplicationEngine{
		self:  self,
		host:  h,
		table: table,
		store: store,
		queue: make(chan RecordKey, fetchQueueCapacity),
		sem:   semaphore.NewWeighted(maxConcurrentFetches),
	}
	e.registerHandlers()
	return e
}

func (e *ReplicationEngine) registerHandlers() {
	e.host.SetStreamHandler(announceProtocol, func(s network.Stream) {
		defer s.Close()
		remote := PeerID(s.Conn().RemotePeer().String())
		var msg holderAnnounce
		if err := readJSON(s, &msg); err != nil {
			replLog.Debugf("announce: bad message from %s: %v", remote, err)
			return
		}
		e.HandleAnnounce(remote, msg.Keys)
	})

	e.host.SetStreamHandler(fetchProtocol, func(s network.Stream) {
		defer s.Close()
		var req fetchRequest
		if err := readJSON(s, &req); err != nil {
			replLog.Debugf("fetch: bad request: %v", err)
			return
		}
		value, err := e.store.Get(req.Key)
		if err != nil {
			_ = writeJSON(s, fetchResponse{Found: false})
			return
		}
		typ, header, _ := e.store.Lookup(req.Key)
		_ = writeJSON(s, fetchResponse{Found: true, Record: &Record{Key: req.Key, Value: value, Type: typ, Header: header}})
	})
}

// HandleAnnounce validates that holder is within the accepted closeness
// band and enqueues a fetch for every advertised key this node is
// responsible for but doesn't yet hold. Announcements from self or from
// peers outside the band are dropped silently (spec.md §4.3).
func (e *ReplicationEngine) HandleAnnounce(holder PeerID, keys []RecordKey) {
	if holder == PeerID(e.host.ID().String()) {
		return
	}
	if !e.isWithinCloseBand(holder) {
		replLog.Debugf("announce: dropping out-of-band holder %s", holder)
		return
	}
	var est *RangeEstimate
	if e.store.rangeFn != nil {
		est = e.store.rangeFn()
	}
	for _, key := range keys {
		if e.store.Has(key) || !est.Contains(key) {
			continue
		}
		select {
		case e.queue <- key:
		default:
			replLog.Warn("fetch queue full, dropping replication candidate")
		}
	}
}

// isWithinCloseBand reports whether peerID ranks among the
// CLOSE_GROUP_SIZE+closeRangeSlack peers nearest to this node, by the
// current table snapshot.
func (e *ReplicationEngine) isWithinCloseBand(peerID PeerID) bool {
	peers := e.table.All()
	sort.Slice(peers, func(i, j int) bool {
		return Distance(peers[i].Key(), e.self).Cmp(Distance(peers[j].Key(), e.self)) < 0
	})
	limit := CloseGroupSize + closeRangeSlack
	if limit > len(peers) {
		limit = len(peers)
	}
	for _, p := range peers[:limit] {
		if p.ID == peerID {
			return true
		}
	}
	return false
}

// Run drains the fetch queue until ctx is cancelled, bounding concurrent
// in-flight fetches to maxConcurrentFetches.
func (e *ReplicationEngine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-e.queue:
			if err := e.sem.Acquire(ctx, 1); err != nil {
				return
			}
			go func(key RecordKey) {
				defer e.sem.Release(1)
				e.fetchAndStore(ctx, key)
			}(key)
		}
	}
}

func (e *ReplicationEngine) fetchAndStore(ctx context.Context, key RecordKey) {
	candidates := e.table.Closest(key, CloseGroupSize+closeRangeSlack)
	for _, p := range candidates {
		if p.ID == PeerID(e.host.ID().String()) {
			continue
		}
		rec, err := e.requestFetch(ctx, p, key)
		if err != nil || rec == nil {
			continue
		}
		if err := e.store.Put(*rec); err != nil {
			replLog.WithError(err).Warnf("replication: put %s failed", key.Hex())
			return
		}
		// Fetched content already passed another holder's acceptance
		// checks; this node promotes it straight to visible rather than
		// waiting on a second round of payment/signature verification.
		// The holder's response carries the record's true type/header
		// rather than assuming chunk for every fetch.
		if err := e.store.MarkAsStored(key, rec.Type, rec.Header); err != nil {
			replLog.WithError(err).Warnf("replication: mark stored %s failed", key.Hex())
		}
		return
	}
}

func (e *ReplicationEngine) requestFetch(ctx context.Context, p Peer, key RecordKey) (*Record, error) {
	pid, err := peer.Decode(string(p.ID))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	s, err := e.host.NewStream(ctx, pid, fetchProtocol)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	s.SetDeadline(time.Now().Add(requestTimeout))
	if err := writeJSON(s, fetchRequest{Key: key}); err != nil {
		return nil, err
	}
	var resp fetchResponse
	if err := readJSON(s, &resp); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, fmt.Errorf("replication: %s does not hold %s", p.ID, key.Hex())
	}
	return resp.Record, nil
}

// Advertise pushes a just-written key to up to CloseGroupSize of the
// nearest peers currently within range (spec.md §4.3 "push on write").
func (e *ReplicationEngine) Advertise(key RecordKey, rangeEstimate *RangeEstimate) {
	peers := e.table.Closest(key, CloseGroupSize)
	msg := holderAnnounce{Holder: PeerID(e.host.ID().String()), Keys: []RecordKey{key}}
	for _, p := range peers {
		if rangeEstimate != nil && !rangeEstimate.Contains(p.Key()) {
			continue
		}
		go e.sendAnnounce(p, msg)
	}
}

func (e *ReplicationEngine) sendAnnounce(p Peer, msg holderAnnounce) {
	pid, err := peer.Decode(string(p.ID))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	s, err := e.host.NewStream(ctx, pid, announceProtocol)
	if err != nil {
		replLog.Debugf("advertise: connect %s failed: %v", p.ID, err)
		return
	}
	defer s.Close()
	s.SetDeadline(time.Now().Add(requestTimeout))
	if err := writeJSON(s, msg); err != nil {
		replLog.Debugf("advertise: send to %s failed: %v", p.ID, err)
	}
}
