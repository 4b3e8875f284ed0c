package core

import (
	"errors"
	"math/big"
	"sort"
	"testing"
)

func TestClassifyDialFailure(t *testing.T) {
	cases := []struct {
		err  error
		want DialFailureClass
	}{
		{nil, FailureBenign},
		{errors.New("i/o timeout"), FailureBenign},
		{errors.New("connection refused"), FailureSerious},
		{errors.New("dial backoff"), FailureBenign},
		{errors.New("Wrong Peer ID returned"), FailureSerious},
		{errors.New("transport not supported"), FailureSerious},
	}
	for _, c := range cases {
		if got := ClassifyDialFailure(c.err); got != c.want {
			t.Fatalf("ClassifyDialFailure(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestRangeTrackerEstimateIsMedianOfSamples(t *testing.T) {
	self := testKey(0)
	rt := NewRangeTracker(self, 10)

	if est := rt.Estimate(); est != nil {
		t.Fatalf("expected nil estimate with no samples, got %+v", est)
	}

	// Each Sample call picks one distance from a sorted peer set; using a
	// single peer per call makes that distance land at index 0 regardless
	// of the 5*K window divisor, giving a deterministic sample value.
	for i := byte(1); i <= 5; i++ {
		rt.Sample([]Peer{{ID: PeerID("p")}}, testKey(i))
	}

	est := rt.Estimate()
	if est == nil {
		t.Fatalf("expected non-nil estimate after sampling")
	}
	if est.Self != self {
		t.Fatalf("estimate.Self = %x, want %x", est.Self, self)
	}
	if est.Radius == nil || est.Radius.Cmp(big.NewInt(0)) < 0 {
		t.Fatalf("expected a non-negative radius, got %v", est.Radius)
	}
	var want []*big.Int
	for i := byte(1); i <= 5; i++ {
		want = append(want, Distance(Peer{ID: PeerID("p")}.Key(), testKey(i)))
	}
	sort.Slice(want, func(a, b int) bool { return want[a].Cmp(want[b]) < 0 })
	if est.Radius.Cmp(want[2]) != 0 {
		t.Fatalf("estimate radius = %v, want median sample %v", est.Radius, want[2])
	}
}

func TestRangeTrackerWindowEviction(t *testing.T) {
	self := testKey(0)
	rt := NewRangeTracker(self, 3)
	for i := byte(1); i <= 10; i++ {
		rt.Sample([]Peer{{ID: PeerID("p")}}, testKey(i))
	}
	rt.mu.Lock()
	n := len(rt.samples)
	rt.mu.Unlock()
	if n != 3 {
		t.Fatalf("sample window size = %d, want 3 (capped at windowSize)", n)
	}
}

func TestRangeEstimateContains(t *testing.T) {
	self := testKey(0)
	est := &RangeEstimate{Self: self, Radius: big.NewInt(10)}
	near := testKey(5)
	if !est.Contains(near) {
		t.Fatalf("expected key within radius to be contained")
	}
	var nilEst *RangeEstimate
	if !nilEst.Contains(near) {
		t.Fatalf("a nil estimate should treat every key as in range")
	}
}
