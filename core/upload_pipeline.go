package core

// upload_pipeline.go — payment-coordinated upload scheduler (spec.md
// §4.4). Each item runs through the stages in its own goroutine, with a
// buffered channel used as a semaphore keeping at most BatchSize items in
// flight; the pipeline drives quote/payment/upload state transitions and
// tracks per-item repayment and consecutive-failure counters.
//
// Grounded on core/replication.go's channel-driven task-loop shape
// (readLoop select over a closing channel and an inbound channel) and on
// core/payment_processor.go's request/result channel pair, which this
// pipeline is the consumer of.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var uploadLog = logrus.WithField("component", "upload")

// ErrMaximumRepaymentsReached is returned once an item has already been
// quoted/paid maxRepaymentsPerItem+1 times.
var ErrMaximumRepaymentsReached = errors.New("upload pipeline: maximum repayments reached for item")

// Network is the narrow surface the upload pipeline needs from the
// routing core: find a register's current value for the merge stage,
// request a quote from a specific close peer, and push the finished
// record to that peer.
type Network interface {
	GetClosest(ctx context.Context, target RecordKey) ([]Peer, error)
	RequestQuote(ctx context.Context, p Peer, key RecordKey) (Quote, error)
	PutRecord(ctx context.Context, p Peer, rec Record) error
	GetRegister(ctx context.Context, key RecordKey) (*Record, error)
}

// QuoteStrategy selects one quote from a set of candidates.
type QuoteStrategy interface {
	Select(candidates []Quote) (Quote, error)
}

// Cheapest picks the lowest-cost quote with no payee filter.
type Cheapest struct{}

func (Cheapest) Select(candidates []Quote) (Quote, error) {
	if len(candidates) == 0 {
		return Quote{}, fmt.Errorf("upload pipeline: no quotes available")
	}
	best := candidates[0]
	for _, q := range candidates[1:] {
		if q.Cost < best.Cost {
			best = q
		}
	}
	return best, nil
}

// SelectDifferentPayee excludes any peer previously paid for this item. It
// fails with ErrMaximumRepaymentsReached once RepaymentsSoFar reaches
// MaxRepayments, whatever the candidates, and with a plain error when
// every candidate is excluded.
type SelectDifferentPayee struct {
	Excluded         map[PeerID]bool
	MaxRepayments    int
	RepaymentsSoFar  int
}

func (s SelectDifferentPayee) Select(candidates []Quote) (Quote, error) {
	if s.RepaymentsSoFar >= s.MaxRepayments {
		return Quote{}, ErrMaximumRepaymentsReached
	}
	var eligible []Quote
	for _, q := range candidates {
		if !s.Excluded[q.Peer] {
			eligible = append(eligible, q)
		}
	}
	if len(eligible) == 0 {
		return Quote{}, fmt.Errorf("upload pipeline: no eligible quotes after excluding prior payees")
	}
	return Cheapest{}.Select(eligible)
}

type itemState struct {
	item           UploadItem
	quote          Quote
	payeeHistory   map[PeerID]bool
	repaymentCount int
	uploadAttempts int
	sequentialFail int
}

// PipelineConfig bundles the scheduling caps from spec.md §4.4.
type PipelineConfig struct {
	BatchSize             int
	PaymentBatchSize       int
	MaxRepaymentsPerItem   int
	MaxPaymentFailures     int // abort threshold, consecutive (spec.md: 3)
	MaxNetworkFailures     int // abort threshold, consecutive (spec.md: 32)
	MaxUploadAttempts      int // retries before payee rotation (spec.md: 3)
}

// PipelineResult reports the terminal disposition of one item.
type PipelineResult struct {
	Item    UploadItem
	Uploaded bool
	Skipped  bool
	Reason   error
}

// UploadPipeline drives a fixed set of items from classify through done.
type UploadPipeline struct {
	net       Network
	processor *PaymentProcessor
	cfg       PipelineConfig

	mu              sync.Mutex
	states          map[RecordKey]*itemState
	results         []PipelineResult
	seqPaymentFail  int
	seqNetworkFail  int
}

// NewUploadPipeline constructs a pipeline bound to a routing/network
// facade and a running payment processor.
func NewUploadPipeline(net Network, pay *PaymentProcessor, cfg PipelineConfig) *UploadPipeline {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.MaxUploadAttempts < 1 {
		cfg.MaxUploadAttempts = 3
	}
	if cfg.MaxPaymentFailures < 1 {
		cfg.MaxPaymentFailures = 3
	}
	if cfg.MaxNetworkFailures < 1 {
		cfg.MaxNetworkFailures = 32
	}
	return &UploadPipeline{
		net:    net,
		processor: pay,
		cfg:    cfg,
		states: make(map[RecordKey]*itemState),
	}
}

// Run uploads every item in items exactly once, honoring the stage caps
// and error-classification table in spec.md §4.4. It returns when every
// item has reached a terminal state (uploaded, skipped, or
// max-repayments-reached) or a fatal local I/O error aborts the run.
//
// Completeness invariant: the union of results covers exactly items —
// every item ends up uploaded, skipped, or at its repayment ceiling.
func (p *UploadPipeline) Run(ctx context.Context, items []UploadItem) ([]PipelineResult, error) {
	for _, it := range items {
		p.states[it.Key()] = &itemState{item: it, payeeHistory: make(map[PeerID]bool)}
	}

	sem := make(chan struct{}, p.cfg.BatchSize)
	var wg sync.WaitGroup
	var fatal error
	var fatalOnce sync.Once

	for _, it := range items {
		it := it
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.process(ctx, it); err != nil {
				fatalOnce.Do(func() { fatal = err })
			}
		}()
	}
	wg.Wait()

	if fatal != nil {
		return p.snapshotResults(), fatal
	}
	return p.snapshotResults(), nil
}

func (p *UploadPipeline) snapshotResults() []PipelineResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PipelineResult, len(p.results))
	copy(out, p.results)
	return out
}

func (p *UploadPipeline) recordResult(r PipelineResult) {
	p.mu.Lock()
	p.results = append(p.results, r)
	p.mu.Unlock()
}

// process runs one item through classify -> (register merge) ->
// get_cost -> pay -> upload -> done, looping on retryable failures per
// the error-classification table.
func (p *UploadPipeline) process(ctx context.Context, item UploadItem) error {
	state := p.states[item.Key()]

	if item.Kind == ItemRegister {
		merged, err := p.mergeRegister(ctx, item)
		if err != nil {
			uploadLog.WithError(err).Warnf("register merge failed for %s, continuing with local value", item.Key().Hex())
		} else {
			item = merged
			state.item = merged
		}
	}

	strategy := QuoteStrategy(Cheapest{})

	for {
		quote, err := p.getQuote(ctx, item, strategy)
		if err != nil {
			if errors.Is(err, ErrMaximumRepaymentsReached) {
				p.recordResult(PipelineResult{Item: item, Skipped: true, Reason: err})
				return nil
			}
			if p.bumpNetworkFailure() {
				return fmt.Errorf("upload pipeline: aborting after %d consecutive network failures: %w", p.cfg.MaxNetworkFailures, err)
			}
			continue
		}
		p.resetNetworkFailure()
		state.quote = quote

		ok, err := p.pay(ctx, item, quote)
		if err != nil {
			if p.bumpPaymentFailure() {
				return fmt.Errorf("upload pipeline: aborting after %d consecutive payment failures: %w", p.cfg.MaxPaymentFailures, err)
			}
			continue // back to get_cost
		}
		if !ok {
			continue
		}
		p.resetPaymentFailure()
		state.repaymentCount++
		state.payeeHistory[quote.Peer] = true

		uploaded, rotate, ioErr := p.upload(ctx, item, quote, state)
		for !uploaded && !rotate && ioErr == nil {
			// upload failed, attempts <= MaxUploadAttempts: retry same payee/proof.
			uploaded, rotate, ioErr = p.upload(ctx, item, quote, state)
		}
		if ioErr != nil {
			return fmt.Errorf("upload pipeline: fatal local I/O error for %s: %w", item.Key().Hex(), ioErr)
		}
		if uploaded {
			p.recordResult(PipelineResult{Item: item, Uploaded: true})
			return nil
		}
		if rotate {
			strategy = SelectDifferentPayee{
				Excluded:        state.payeeHistory,
				MaxRepayments:   p.cfg.MaxRepaymentsPerItem + 1,
				RepaymentsSoFar: state.repaymentCount,
			}
			state.uploadAttempts = 0
			continue
		}
	}
}

func (p *UploadPipeline) mergeRegister(ctx context.Context, item UploadItem) (UploadItem, error) {
	rec, err := p.net.GetRegister(ctx, item.Key())
	if err != nil || rec == nil {
		return item, err
	}
	merged := item
	merged.Payload = mergeRegisterValues(item.Payload, rec.Value)
	return merged, nil
}

// mergeRegisterValues concatenates the remote and local register values,
// deduplicating identical content — registers are CRDT-like append sets
// at this layer; full CRDT merge semantics are out of scope (spec.md §1).
func mergeRegisterValues(local, remote []byte) []byte {
	if len(remote) == 0 {
		return local
	}
	if len(local) == 0 {
		return remote
	}
	if string(local) == string(remote) {
		return local
	}
	out := make([]byte, 0, len(remote)+len(local))
	out = append(out, remote...)
	out = append(out, local...)
	return out
}

func (p *UploadPipeline) getQuote(ctx context.Context, item UploadItem, strategy QuoteStrategy) (Quote, error) {
	peers, err := p.net.GetClosest(ctx, item.Key())
	if err != nil && len(peers) == 0 {
		return Quote{}, err
	}
	var candidates []Quote
	for _, peer := range peers {
		q, err := p.net.RequestQuote(ctx, peer, item.Key())
		if err != nil {
			continue
		}
		candidates = append(candidates, q)
	}
	return strategy.Select(candidates)
}

func (p *UploadPipeline) pay(ctx context.Context, item UploadItem, quote Quote) (bool, error) {
	p.processor.Enqueue(item, quote)
	select {
	case res := <-p.processor.Results():
		if res.Err != nil {
			return false, res.Err.Err
		}
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (p *UploadPipeline) upload(ctx context.Context, item UploadItem, quote Quote, state *itemState) (uploaded, rotate bool, ioErr error) {
	value := item.Payload
	if item.Kind == ItemChunk && item.Path != "" && len(value) == 0 {
		data, err := os.ReadFile(item.Path)
		if err != nil {
			return false, false, fmt.Errorf("upload pipeline: read payload %s for %s: %w", item.Path, item.Key().Hex(), err)
		}
		value = data
	}

	rec := Record{
		Key:    item.Key(),
		Value:  value,
		Header: headerFor(item.Kind),
		Type:   typeFor(item.Kind, value),
	}
	peer := Peer{ID: quote.Peer}
	state.uploadAttempts++
	err := p.net.PutRecord(ctx, peer, rec)
	if err == nil {
		return true, false, nil
	}
	if state.uploadAttempts > p.cfg.MaxUploadAttempts {
		return false, true, nil
	}
	return false, false, nil
}

func headerFor(kind UploadItemKind) RecordHeader {
	if kind == ItemRegister {
		return HeaderRegisterWithPayment
	}
	return HeaderChunkWithPayment
}

func typeFor(kind UploadItemKind, value []byte) RecordType {
	if kind == ItemRegister {
		return NonChunkType(value)
	}
	return ChunkType()
}

func (p *UploadPipeline) bumpPaymentFailure() (abort bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqPaymentFail++
	return p.seqPaymentFail >= p.cfg.MaxPaymentFailures
}

func (p *UploadPipeline) resetPaymentFailure() {
	p.mu.Lock()
	p.seqPaymentFail = 0
	p.mu.Unlock()
}

func (p *UploadPipeline) bumpNetworkFailure() (abort bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqNetworkFail++
	return p.seqNetworkFail >= p.cfg.MaxNetworkFailures
}

func (p *UploadPipeline) resetNetworkFailure() {
	p.mu.Lock()
	p.seqNetworkFail = 0
	p.mu.Unlock()
}
