package core

// routing.go — Kademlia-style routing core: peer table maintenance,
// iterative GetClosest/GetRecord queries, bootstrap, external-address
// discovery and relay fallback.
//
// Grounded on the teacher's core/network.go (libp2p host construction,
// NAT manager wiring, mDNS discovery, DialSeed bootstrap) and
// core/peer_management.go (pubsub subscribe/unsubscribe, async stream
// send, peer sampling), generalised from Synnergy's single flat peer map
// to the K-bucket table in kbucket.go and the iterative-lookup contract
// in spec.md §4.1. Wire-level RPC framing is intentionally left at the
// Query/Cmd interface boundary — spec.md §1 places exact message
// serialization out of scope.

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	relayclient "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	libp2pws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var routingLog = logrus.WithField("component", "routing")

const (
	alpha             = 3  // parallel queries per lookup step
	lookupTimeout     = 10 * time.Second
	requestTimeout    = 30 * time.Second
	rangeTick         = 15 * time.Second
	rangeWindow       = 100
	maxRelayReservations = 3
)

// Querier is the narrow RPC surface the routing core needs from a peer:
// one "find closest peers to target" round trip and one "fetch record by
// key" round trip. A concrete transport (libp2p stream, in-proc test
// double) implements this; the iterative-lookup algorithm below never
// talks to libp2p directly.
type Querier interface {
	FindNode(ctx context.Context, p Peer, target RecordKey) ([]Peer, error)
	FindRecord(ctx context.Context, p Peer, key RecordKey) (*Record, error)
}

// DialFailureClass distinguishes failures that evict a peer from ones
// that don't (spec.md §4.1 "Failure semantics").
type DialFailureClass int

const (
	FailureBenign DialFailureClass = iota
	FailureSerious
)

// ClassifyDialFailure maps an error string to spec.md's dial-failure
// taxonomy. It matches on substrings rather than typed libp2p errors so
// it stays stable across transport implementations.
func ClassifyDialFailure(err error) DialFailureClass {
	if err == nil {
		return FailureBenign
	}
	msg := strings.ToLower(err.Error())
	serious := []string{"transport not supported", "connection refused", "wrong peer id", "local peer id"}
	for _, s := range serious {
		if strings.Contains(msg, s) {
			return FailureSerious
		}
	}
	return FailureBenign
}

// RoutingCore owns the K-bucket table and drives queries. Lookups
// (GetClosest, GetRecord) send each peer request from a short-lived
// goroutine that reports back over a channel, per spec.md §9's
// message-passing design note; DialSeed, RequestQuote, PutRecord,
// GetRegister and the mDNS notifee's HandlePeerFound make their host calls
// on the caller's goroutine.
type RoutingCore struct {
	self  RecordKey
	cfg   Config
	table *KBucketTable

	host   host.Host
	pubsub *pubsub.PubSub
	nat    *NATManager

	querier Querier

	mu            sync.RWMutex
	externalAddrs map[string]map[PeerID]bool // candidate -> observers

	rangeTracker *RangeTracker

	// relayMu guards relayCount, the number of circuit-v2 relay
	// reservations currently held by reserveRelays; capped at
	// maxRelayReservations.
	relayMu    sync.Mutex
	relayCount int

	cancel context.CancelFunc
}

// NewRoutingCore bootstraps a libp2p host, joins pubsub, starts mDNS
// discovery and dials the configured bootstrap peers.
func NewRoutingCore(cfg Config, self RecordKey) (*RoutingCore, error) {
	ctx, cancel := context.WithCancel(context.Background())

	listenAddrs := []string{cfg.ListenAddr}
	opts := []libp2p.Option{}
	// Non-goal per spec.md §1 excludes arbitrary plugin transports; UDP-based
	// streams (the default QUIC/TCP listen addr) plus an optional WebSocket
	// listener are the only transports this node offers.
	if cfg.EnableWebsocket && cfg.WebsocketAddr != "" {
		listenAddrs = append(listenAddrs, cfg.WebsocketAddr)
		opts = append(opts, libp2p.Transport(libp2pws.New))
	}
	opts = append(opts, libp2p.ListenAddrStrings(listenAddrs...))

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("routing: new host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("routing: new pubsub: %w", err)
	}

	rc := &RoutingCore{
		self:          self,
		cfg:           cfg,
		table:         NewKBucketTable(self),
		host:          h,
		pubsub:        ps,
		externalAddrs: make(map[string]map[PeerID]bool),
		rangeTracker:  NewRangeTracker(self, rangeWindow),
		cancel:        cancel,
	}
	rc.querier = &streamQuerier{host: h}

	if !cfg.HomeNetwork && cfg.EnableUPnP {
		nm, err := NewNATManager()
		if err != nil {
			routingLog.Warnf("NAT discovery failed: %v", err)
		} else {
			rc.nat = nm
			if port, perr := parsePort(cfg.ListenAddr); perr == nil {
				if err := nm.Map(port); err != nil {
					routingLog.Warnf("NAT map failed: %v", err)
				}
			}
		}
	}

	if err := rc.DialSeed(cfg.BootstrapPeers); err != nil {
		routingLog.Warnf("bootstrap dial warnings: %v", err)
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, &mdnsNotifee{rc: rc})

	return rc, nil
}

type mdnsNotifee struct{ rc *RoutingCore }

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.rc.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := n.rc.host.Connect(ctx, info); err != nil {
		routingLog.Warnf("mdns connect to %s failed: %v", info.ID, err)
		return
	}
	n.rc.onSuccessfulRoundTrip(Peer{ID: PeerID(info.ID.String()), Addrs: []string{info.String()}}, false)
}

// DialSeed connects to a list of bootstrap multi-addresses, inserting
// each as a bootstrap-flagged peer on success.
func (rc *RoutingCore) DialSeed(seeds []string) error {
	var errs []string
	for _, addr := range seeds {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			errs = append(errs, fmt.Sprintf("malformed bootstrap multiaddr %s: %v", addr, err))
			continue
		}
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid addr %s: %v", addr, err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		err = rc.host.Connect(ctx, *pi)
		cancel()
		if err != nil {
			if ClassifyDialFailure(err) == FailureSerious {
				rc.table.RemovePeer(PeerID(pi.ID.String()))
			}
			errs = append(errs, fmt.Sprintf("connect %s: %v", addr, err))
			continue
		}
		rc.onSuccessfulRoundTrip(Peer{ID: PeerID(pi.ID.String()), Addrs: []string{addr}}, true)
	}
	if len(errs) > 0 {
		return fmt.Errorf("dial errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// onSuccessfulRoundTrip applies the manual bucket-insert policy: a peer
// only enters the table after a successful round trip.
func (rc *RoutingCore) onSuccessfulRoundTrip(p Peer, bootstrap bool) {
	p.Bootstrap = bootstrap
	p.LastSeen = time.Now()
	rc.table.AddPeer(p)
}

// Identify records an identify-style observation of a candidate external
// address reported by observer. Once a globally routable IPv4 candidate
// has been observed by more than one distinct peer (or local mode is on),
// ConfirmedExternalAddrs reports it (spec.md §4.1 "External-address
// discovery").
func (rc *RoutingCore) Identify(observer PeerID, candidate string) {
	if !rc.cfg.HomeNetwork && !isGloballyRoutableIPv4(candidate) {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	observers, ok := rc.externalAddrs[candidate]
	if !ok {
		observers = make(map[PeerID]bool)
		rc.externalAddrs[candidate] = observers
	}
	observers[observer] = true
}

// ConfirmedExternalAddrs returns candidates corroborated by at least two
// distinct observers (or any candidate at all when running in local
// mode, where a single observation is accepted).
func (rc *RoutingCore) ConfirmedExternalAddrs() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	threshold := 2
	if rc.cfg.HomeNetwork {
		threshold = 1
	}
	var out []string
	for addr, observers := range rc.externalAddrs {
		if len(observers) >= threshold {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

func isGloballyRoutableIPv4(addr string) bool {
	// multiaddr-ish or host:port strings both contain dotted quads; this
	// is a best-effort filter, not a full multiaddr parser (wire format
	// is out of scope per spec.md §1).
	if strings.Contains(addr, "127.0.0.1") || strings.Contains(addr, "10.") ||
		strings.Contains(addr, "192.168.") || strings.Contains(addr, "169.254.") {
		return false
	}
	return strings.Count(addr, ".") >= 3
}

// --- Iterative lookup -------------------------------------------------

// queryResult carries one peer's response back to the lookup driver.
type queryResult struct {
	peer    Peer
	nearer  []Peer
	record  *Record
	err     error
}

// GetClosest performs an iterative, disjoint-path lookup for the K peers
// closest to target, per spec.md §4.1: alpha=3 parallel requests per
// round, terminating when the closest K peers have all responded/
// declined or a round makes no further progress, bounded by
// lookupTimeout.
func (rc *RoutingCore) GetClosest(ctx context.Context, target RecordKey) ([]Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	queryID := uuid.New().String()
	routingLog.WithField("query", queryID).Debugf("get_closest: starting lookup for %s", target.Hex())

	shortlist := rc.table.Closest(target, K)
	queried := make(map[PeerID]bool)
	best := make(map[PeerID]Peer)
	for _, p := range shortlist {
		best[p.ID] = p
	}

	for {
		candidates := closestUnqueried(best, queried, target, alpha)
		if len(candidates) == 0 {
			break
		}
		results := make(chan queryResult, len(candidates))
		for _, p := range candidates {
			queried[p.ID] = true
			go func(p Peer) {
				nearer, err := rc.querier.FindNode(ctx, p, target)
				results <- queryResult{peer: p, nearer: nearer, err: err}
			}(p)
		}
		progressed := false
		for i := 0; i < len(candidates); i++ {
			select {
			case res := <-results:
				if res.err != nil {
					if ClassifyDialFailure(res.err) == FailureSerious {
						rc.table.RemovePeer(res.peer.ID)
					}
					continue
				}
				rc.onSuccessfulRoundTrip(res.peer, false)
				for _, n := range res.nearer {
					if _, ok := best[n.ID]; !ok {
						best[n.ID] = n
						progressed = true
					}
				}
			case <-ctx.Done():
				return sortedClosest(best, target, K), ctx.Err()
			}
		}
		if !progressed {
			break
		}
	}
	return sortedClosest(best, target, K), nil
}

// GetRecord performs an iterative lookup toward key's closest peers,
// querying each for the record until one returns it or the closest K are
// exhausted.
func (rc *RoutingCore) GetRecord(ctx context.Context, key RecordKey) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	peers, err := rc.GetClosest(ctx, key)
	if err != nil && len(peers) == 0 {
		return nil, err
	}

	results := make(chan queryResult, len(peers))
	inFlight := 0
	next := 0
	launch := func() {
		for inFlight < alpha && next < len(peers) {
			p := peers[next]
			next++
			inFlight++
			go func(p Peer) {
				rec, err := rc.querier.FindRecord(ctx, p, key)
				results <- queryResult{peer: p, record: rec, err: err}
			}(p)
		}
	}
	launch()
	for inFlight > 0 {
		select {
		case res := <-results:
			inFlight--
			if res.err == nil && res.record != nil {
				return res.record, nil
			}
			launch()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, ErrNotFound
}

func closestUnqueried(best map[PeerID]Peer, queried map[PeerID]bool, target RecordKey, n int) []Peer {
	var out []Peer
	for id, p := range best {
		if !queried[id] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return Distance(out[i].Key(), target).Cmp(Distance(out[j].Key(), target)) < 0
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func sortedClosest(best map[PeerID]Peer, target RecordKey, n int) []Peer {
	out := make([]Peer, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return Distance(out[i].Key(), target).Cmp(Distance(out[j].Key(), target)) < 0
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// --- Range recomputation ----------------------------------------------

// RangeTracker maintains a sliding window of sampled distances and
// reports the median as the node's effective responsibility range
// (spec.md §4.1 "Range recomputation").
type RangeTracker struct {
	self RecordKey
	size int

	mu      sync.Mutex
	samples []*big.Int
}

func NewRangeTracker(self RecordKey, windowSize int) *RangeTracker {
	return &RangeTracker{self: self, size: windowSize}
}

// Sample records the distance at position len(peers)/(5*K) in the sorted
// distances of peers to addr, evicting the oldest sample once the window
// is full.
func (rt *RangeTracker) Sample(peers []Peer, addr RecordKey) {
	if len(peers) == 0 {
		return
	}
	dists := make([]*big.Int, len(peers))
	for i, p := range peers {
		dists[i] = Distance(p.Key(), addr)
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].Cmp(dists[j]) < 0 })
	idx := len(dists) / (5 * K)
	if idx >= len(dists) {
		idx = len(dists) - 1
	}
	if idx < 0 {
		idx = 0
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.samples = append(rt.samples, dists[idx])
	if len(rt.samples) > rt.size {
		rt.samples = rt.samples[1:]
	}
}

// Estimate returns the median of the current sample window as a
// RangeEstimate the record store can test keys against.
func (rt *RangeTracker) Estimate() *RangeEstimate {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.samples) == 0 {
		return nil
	}
	sorted := append([]*big.Int(nil), rt.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	median := sorted[len(sorted)/2]
	return &RangeEstimate{Self: rt.self, Radius: median}
}

// RunRangeRecomputation ticks every rangeTick, sampling distances from
// recent query addresses against the current table, until ctx is done.
func (rc *RoutingCore) RunRangeRecomputation(ctx context.Context, recentQueryAddrs func() []RecordKey) {
	ticker := time.NewTicker(rangeTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peers := rc.table.All()
			for _, addr := range recentQueryAddrs() {
				rc.rangeTracker.Sample(peers, addr)
			}
		}
	}
}

// Range exposes the current responsibility-range estimate.
func (rc *RoutingCore) Range() *RangeEstimate { return rc.rangeTracker.Estimate() }

// RunRelayFallback periodically attempts to reserve circuit-v2 relay
// slots through discovered peers when the node sits behind a home
// network (spec.md §4.1 "Relay fallback"), capped at
// maxRelayReservations simultaneous reservations. A no-op when
// cfg.HomeNetwork is false.
func (rc *RoutingCore) RunRelayFallback(ctx context.Context) {
	if !rc.cfg.HomeNetwork {
		return
	}
	ticker := time.NewTicker(rangeTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.reserveRelays(ctx)
		}
	}
}

// reserveRelays scans the current table for candidate relays and reserves
// circuits through them up to the simultaneous-reservation cap, releasing
// the slot back when the reservation's voucher expires.
func (rc *RoutingCore) reserveRelays(ctx context.Context) {
	rc.relayMu.Lock()
	slots := maxRelayReservations - rc.relayCount
	rc.relayMu.Unlock()
	if slots <= 0 {
		return
	}

	for _, p := range rc.table.All() {
		if slots <= 0 {
			return
		}
		pid, err := peer.Decode(string(p.ID))
		if err != nil || pid == rc.host.ID() {
			continue
		}
		ai := rc.host.Peerstore().PeerInfo(pid)
		if len(ai.Addrs) == 0 {
			continue
		}

		reserveCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		resv, err := relayclient.Reserve(reserveCtx, rc.host, ai)
		cancel()
		if err != nil {
			routingLog.WithError(err).Debugf("relay reservation via %s failed", pid)
			continue
		}

		rc.relayMu.Lock()
		rc.relayCount++
		rc.relayMu.Unlock()
		slots--
		routingLog.WithField("relay", pid.String()).Info("reserved relay circuit")

		ttl := time.Until(resv.Expiration)
		time.AfterFunc(ttl, func() {
			rc.relayMu.Lock()
			if rc.relayCount > 0 {
				rc.relayCount--
			}
			rc.relayMu.Unlock()
		})
	}
}

// Table exposes the K-bucket table (used by cmd/antnode for replication
// and wire-handler wiring, housekeeping logs and status reporting).
func (rc *RoutingCore) Table() *KBucketTable { return rc.table }

// Host exposes the underlying libp2p host for protocol registration.
func (rc *RoutingCore) Host() host.Host { return rc.host }

// Close tears down the host and background workers.
func (rc *RoutingCore) Close() error {
	rc.cancel()
	if rc.nat != nil {
		_ = rc.nat.Unmap()
	}
	return rc.host.Close()
}

// --- streamQuerier: libp2p-backed Querier implementation ---------------

const findNodeProtocol = protocol.ID("/antswarm/routing/find-node/1.0.0")
const findRecordProtocol = protocol.ID("/antswarm/routing/find-record/1.0.0")

type streamQuerier struct{ host host.Host }

func (q *streamQuerier) FindNode(ctx context.Context, p Peer, target RecordKey) ([]Peer, error) {
	pid, err := peer.Decode(string(p.ID))
	if err != nil {
		return nil, err
	}
	s, err := q.host.NewStream(ctx, pid, findNodeProtocol)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	s.SetDeadline(time.Now().Add(requestTimeout))
	// Wire framing is a narrow, versioned JSON request/response; this
	// codebase keeps exact byte layout behind the Querier boundary rather
	// than specifying it here (spec.md §1 Non-goals).
	if err := writeJSON(s, findNodeRequest{Target: target}); err != nil {
		return nil, err
	}
	var resp findNodeResponse
	if err := readJSON(s, &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// RequestQuote asks p for a cost quote on key, satisfying the Network
// interface core/upload_pipeline.go depends on.
func (rc *RoutingCore) RequestQuote(ctx context.Context, p Peer, key RecordKey) (Quote, error) {
	pid, err := peer.Decode(string(p.ID))
	if err != nil {
		return Quote{}, err
	}
	s, err := rc.host.NewStream(ctx, pid, quoteProtocol)
	if err != nil {
		return Quote{}, err
	}
	defer s.Close()
	s.SetDeadline(time.Now().Add(requestTimeout))
	if err := writeJSON(s, quoteRequest{Key: key}); err != nil {
		return Quote{}, err
	}
	var resp quoteResponse
	if err := readJSON(s, &resp); err != nil {
		return Quote{}, err
	}
	return resp.Quote, nil
}

// PutRecord pushes rec to p, satisfying the Network interface.
func (rc *RoutingCore) PutRecord(ctx context.Context, p Peer, rec Record) error {
	pid, err := peer.Decode(string(p.ID))
	if err != nil {
		return err
	}
	s, err := rc.host.NewStream(ctx, pid, putRecordProtocol)
	if err != nil {
		return err
	}
	defer s.Close()
	s.SetDeadline(time.Now().Add(requestTimeout))
	if err := writeJSON(s, putRecordRequest{Record: rec}); err != nil {
		return err
	}
	var resp putRecordResponse
	if err := readJSON(s, &resp); err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("routing: put record rejected by %s: %s", p.ID, resp.Error)
	}
	return nil
}

// GetRegister fetches key's current value from key's closest peers,
// satisfying the Network interface's register-merge lookup. Any local
// copy is the caller's concern (RecordStore.Get); this method only
// drives the remote side of the merge.
func (rc *RoutingCore) GetRegister(ctx context.Context, key RecordKey) (*Record, error) {
	peers, err := rc.GetClosest(ctx, key)
	if err != nil && len(peers) == 0 {
		return nil, err
	}
	for _, p := range peers {
		rec, ferr := rc.fetchRegisterFrom(ctx, p, key)
		if ferr == nil && rec != nil {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

func (rc *RoutingCore) fetchRegisterFrom(ctx context.Context, p Peer, key RecordKey) (*Record, error) {
	pid, err := peer.Decode(string(p.ID))
	if err != nil {
		return nil, err
	}
	s, err := rc.host.NewStream(ctx, pid, getRegisterProtocol)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	s.SetDeadline(time.Now().Add(requestTimeout))
	if err := writeJSON(s, getRegisterRequest{Key: key}); err != nil {
		return nil, err
	}
	var resp getRegisterResponse
	if err := readJSON(s, &resp); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, ErrNotFound
	}
	return resp.Record, nil
}

func (q *streamQuerier) FindRecord(ctx context.Context, p Peer, key RecordKey) (*Record, error) {
	pid, err := peer.Decode(string(p.ID))
	if err != nil {
		return nil, err
	}
	s, err := q.host.NewStream(ctx, pid, findRecordProtocol)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	s.SetDeadline(time.Now().Add(requestTimeout))
	if err := writeJSON(s, findRecordRequest{Key: key}); err != nil {
		return nil, err
	}
	var resp findRecordResponse
	if err := readJSON(s, &resp); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, ErrNotFound
	}
	return resp.Record, nil
}
