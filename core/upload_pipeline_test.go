package core

import (
	"context"
	"testing"
	"time"
)

// fakeNetwork is an in-memory Network double: every close peer offers a
// fixed quote, and PutRecord always succeeds for peers not in failPeers.
type fakeNetwork struct {
	quoteCost  uint64
	failPeers  map[PeerID]bool
	putCalls   int
	remoteReg  []byte // value GetRegister reports, nil for none
	lastPut    []byte
}

func (f *fakeNetwork) GetClosest(ctx context.Context, target RecordKey) ([]Peer, error) {
	return []Peer{{ID: PeerID("peer-a")}, {ID: PeerID("peer-b")}}, nil
}

func (f *fakeNetwork) RequestQuote(ctx context.Context, p Peer, key RecordKey) (Quote, error) {
	return Quote{Peer: p.ID, Cost: f.quoteCost}, nil
}

func (f *fakeNetwork) PutRecord(ctx context.Context, p Peer, rec Record) error {
	f.putCalls++
	f.lastPut = rec.Value
	if f.failPeers[p.ID] {
		return errFakePut
	}
	return nil
}

func (f *fakeNetwork) GetRegister(ctx context.Context, key RecordKey) (*Record, error) {
	if f.remoteReg == nil {
		return nil, nil
	}
	return &Record{Key: key, Value: f.remoteReg}, nil
}

var errFakePut = fakePutErr{}

type fakePutErr struct{}

func (fakePutErr) Error() string { return "fake network: put failed" }

func newTestPipeline(t *testing.T, net Network) (*UploadPipeline, *PaymentProcessor, context.Context, context.CancelFunc) {
	t.Helper()
	chain := &fakeChainClient{}
	pay, err := NewPaymentProcessor(newTestWallet(t), 0, 0, chain, 1, t.TempDir())
	if err != nil {
		t.Fatalf("NewPaymentProcessor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go pay.Run(ctx)

	pipeline := NewUploadPipeline(net, pay, PipelineConfig{
		BatchSize:            4,
		PaymentBatchSize:     1,
		MaxRepaymentsPerItem: 3,
	})
	return pipeline, pay, ctx, cancel
}

func TestUploadPipelineUploadsAllItems(t *testing.T) {
	net := &fakeNetwork{quoteCost: 10}
	pipeline, _, ctx, cancel := newTestPipeline(t, net)
	defer cancel()

	items := []UploadItem{
		{Kind: ItemChunk, Address: NewChunkAddress([]byte("one"))},
		{Kind: ItemChunk, Address: NewChunkAddress([]byte("two"))},
		{Kind: ItemChunk, Address: NewChunkAddress([]byte("three"))},
	}

	done := make(chan struct{})
	var results []PipelineResult
	var runErr error
	go func() {
		results, runErr = pipeline.Run(ctx, items)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for pipeline to finish")
	}
	if runErr != nil {
		t.Fatalf("Run returned an error: %v", runErr)
	}

	// Completeness invariant (testable property 6): every item ends up in
	// exactly one of uploaded / skipped / max-repayments-reached.
	seen := make(map[RecordKey]bool)
	for _, r := range results {
		if seen[r.Item.Key()] {
			t.Fatalf("item %s appeared more than once in results", r.Item.Key().Hex())
		}
		seen[r.Item.Key()] = true
		if !r.Uploaded && !r.Skipped {
			t.Fatalf("item %s neither uploaded nor skipped", r.Item.Key().Hex())
		}
	}
	for _, it := range items {
		if !seen[it.Key()] {
			t.Fatalf("item %s missing from results", it.Key().Hex())
		}
	}
}

func TestUploadPipelineRegisterMerge(t *testing.T) {
	net := &fakeNetwork{quoteCost: 5, remoteReg: []byte("remote")}
	pipeline, _, ctx, cancel := newTestPipeline(t, net)
	defer cancel()

	item := UploadItem{Kind: ItemRegister, Address: NewNamedAddress(KindRegister, []byte("reg-1")), Payload: []byte("local")}
	results, err := pipeline.Run(ctx, []UploadItem{item})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || !results[0].Uploaded {
		t.Fatalf("expected register item to upload, got %+v", results)
	}
	if string(net.lastPut) != "remotelocal" {
		t.Fatalf("uploaded register value = %q, want remote value merged ahead of local (%q)", net.lastPut, "remotelocal")
	}
}

func TestCheapestSelectsLowestCost(t *testing.T) {
	quotes := []Quote{{Peer: "a", Cost: 30}, {Peer: "b", Cost: 5}, {Peer: "c", Cost: 20}}
	got, err := Cheapest{}.Select(quotes)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Peer != "b" {
		t.Fatalf("Cheapest picked %s, want b", got.Peer)
	}
}

func TestSelectDifferentPayeeExcludesPriorPayees(t *testing.T) {
	s := SelectDifferentPayee{Excluded: map[PeerID]bool{"a": true}, MaxRepayments: 3}
	quotes := []Quote{{Peer: "a", Cost: 1}, {Peer: "b", Cost: 50}}
	got, err := s.Select(quotes)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Peer != "b" {
		t.Fatalf("expected to exclude prior payee a, got %s", got.Peer)
	}
}

func TestSelectDifferentPayeeReachesRepaymentCap(t *testing.T) {
	s := SelectDifferentPayee{Excluded: map[PeerID]bool{}, MaxRepayments: 2, RepaymentsSoFar: 2}
	_, err := s.Select([]Quote{{Peer: "a", Cost: 1}})
	if err != ErrMaximumRepaymentsReached {
		t.Fatalf("Select at repayment cap: got %v, want ErrMaximumRepaymentsReached", err)
	}
}
