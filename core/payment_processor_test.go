package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeChainClient struct {
	mu      sync.Mutex
	batches [][]PendingCost
	failNext bool
}

func (f *fakeChainClient) Submit(ctx context.Context, costs []PendingCost) (ChainReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return ChainReceipt{}, fmt.Errorf("fake chain: submit failed")
	}
	f.batches = append(f.batches, costs)
	return ChainReceipt{Success: true, BlockNumber: uint64(len(f.batches))}, nil
}

func (f *fakeChainClient) Balance(ctx context.Context) (uint64, error) { return 1000, nil }

func newTestWallet(t *testing.T) *HDWallet {
	t.Helper()
	w, _, err := NewRandomWallet(128)
	if err != nil {
		t.Fatalf("NewRandomWallet: %v", err)
	}
	return w
}

func TestPaymentProcessorFlushesOnBatchSize(t *testing.T) {
	chain := &fakeChainClient{}
	p, err := NewPaymentProcessor(newTestWallet(t), 0, 0, chain, 2, t.TempDir())
	if err != nil {
		t.Fatalf("NewPaymentProcessor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	item := UploadItem{Kind: ItemChunk, Address: NewChunkAddress([]byte("a"))}
	q := Quote{Peer: PeerID("payee-1"), Cost: 10}

	p.Enqueue(item, q)
	p.Enqueue(item, q)

	select {
	case res := <-p.Results():
		if res.Err != nil {
			t.Fatalf("expected successful batch, got error: %v", res.Err.Err)
		}
		if res.Ok == nil || len(res.Ok.Proofs) != 2 {
			t.Fatalf("expected 2 proofs, got %+v", res.Ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for batch flush")
	}
}

func TestPaymentProcessorForceFlushNoOp(t *testing.T) {
	chain := &fakeChainClient{}
	p, err := NewPaymentProcessor(newTestWallet(t), 0, 0, chain, 8, t.TempDir())
	if err != nil {
		t.Fatalf("NewPaymentProcessor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.ForceFlush()
	select {
	case res := <-p.Results():
		if !res.NoOp {
			t.Fatalf("expected NoOp result for a force-flush with nothing pending, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for force-flush result")
	}
}

func TestPaymentProcessorForceFlushDrainsPending(t *testing.T) {
	chain := &fakeChainClient{}
	p, err := NewPaymentProcessor(newTestWallet(t), 0, 0, chain, 8, t.TempDir())
	if err != nil {
		t.Fatalf("NewPaymentProcessor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	item := UploadItem{Kind: ItemChunk, Address: NewChunkAddress([]byte("b"))}
	p.Enqueue(item, Quote{Peer: PeerID("payee-2"), Cost: 5})
	p.ForceFlush()

	select {
	case res := <-p.Results():
		if res.Ok == nil || len(res.Ok.Proofs) != 1 {
			t.Fatalf("expected 1 proof after force-flush, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for force-flush batch")
	}
}

func TestPaymentProcessorRecoverResubmitsJournal(t *testing.T) {
	dir := t.TempDir()
	chain := &fakeChainClient{}
	wallet := newTestWallet(t)

	// First processor writes a journal entry via a batch whose settle
	// never clears it (simulated by pointing a second, fresh processor at
	// the same journal file after manually writing one).
	p1, err := NewPaymentProcessor(wallet, 0, 0, chain, 100, dir)
	if err != nil {
		t.Fatalf("NewPaymentProcessor p1: %v", err)
	}
	item := UploadItem{Kind: ItemChunk, Address: NewChunkAddress([]byte("c"))}
	cost := PendingCost{Item: item, Quote: Quote{Peer: PeerID("payee-3"), Cost: 7}}
	if err := p1.writeJournal([]PendingCost{cost}); err != nil {
		t.Fatalf("writeJournal: %v", err)
	}

	p2, err := NewPaymentProcessor(wallet, 0, 0, chain, 100, dir)
	if err != nil {
		t.Fatalf("NewPaymentProcessor p2: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p2.Run(ctx)

	if err := p2.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	select {
	case res := <-p2.Results():
		if res.Ok == nil || len(res.Ok.Proofs) != 1 {
			t.Fatalf("expected recovered batch to settle with 1 proof, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for recovered batch to settle")
	}
}

func TestPaymentProcessorSettleFailureReturnsErr(t *testing.T) {
	chain := &fakeChainClient{failNext: true}
	p, err := NewPaymentProcessor(newTestWallet(t), 0, 0, chain, 1, t.TempDir())
	if err != nil {
		t.Fatalf("NewPaymentProcessor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	item := UploadItem{Kind: ItemChunk, Address: NewChunkAddress([]byte("d"))}
	p.Enqueue(item, Quote{Peer: PeerID("payee-4"), Cost: 1})

	select {
	case res := <-p.Results():
		if res.Err == nil {
			t.Fatalf("expected a settlement error, got %+v", res)
		}
		if len(res.Err.Items) != 1 {
			t.Fatalf("expected the failed item to be returned for retry, got %d items", len(res.Err.Items))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for failure result")
	}
}
