package core

import "testing"

func TestPriceScenarios(t *testing.T) {
	cases := []struct {
		name string
		in   PricingInput
		want uint64
	}{
		{
			name: "S1 65% capacity",
			in:   PricingInput{RecordsStored: 1331, MaxRecords: 2048, ReceivedPaymentCount: 1331, LiveTimeSeconds: 1},
			want: 2023120,
		},
		{
			name: "S2 50% capacity",
			in:   PricingInput{RecordsStored: 1024, MaxRecords: 2048, ReceivedPaymentCount: 1024, LiveTimeSeconds: 1},
			want: 10240,
		},
		{
			name: "S3 minimum cost",
			in:   PricingInput{RecordsStored: 0, MaxRecords: 2048, ReceivedPaymentCount: 0, LiveTimeSeconds: 1},
			want: 10,
		},
		{
			name: "S4 maximum cost cap",
			in:   PricingInput{RecordsStored: 2049, MaxRecords: 2048, ReceivedPaymentCount: 2049, LiveTimeSeconds: 1},
			want: MaxPriceCap,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Price(c.in)
			if got != c.want {
				t.Fatalf("Price(%+v) = %d, want %d", c.in, got, c.want)
			}
		})
	}
}

func TestPriceMonotonicInRecordsStored(t *testing.T) {
	prev := uint64(0)
	for stored := uint64(0); stored <= 2048; stored += 64 {
		cost := Price(PricingInput{RecordsStored: stored, MaxRecords: 2048, ReceivedPaymentCount: 500, LiveTimeSeconds: 1})
		if cost < prev {
			t.Fatalf("cost decreased at records_stored=%d: got %d, previous %d", stored, cost, prev)
		}
		prev = cost
	}
}

func TestPriceNeverExceedsCap(t *testing.T) {
	inputs := []PricingInput{
		{RecordsStored: 10_000_000, MaxRecords: 2048, ReceivedPaymentCount: 1},
		{RecordsStored: 1, MaxRecords: 1, ReceivedPaymentCount: 1, LiveTimeSeconds: 0},
		{RecordsStored: 5000, MaxRecords: 100, ReceivedPaymentCount: 5000, LiveTimeSeconds: 1_000_000},
	}
	for _, in := range inputs {
		if cost := Price(in); cost > MaxPriceCap {
			t.Fatalf("Price(%+v) = %d exceeds MaxPriceCap %d", in, cost, MaxPriceCap)
		}
	}
}

func TestPriceFloorsAtMinimum(t *testing.T) {
	cost := Price(PricingInput{RecordsStored: 0, MaxRecords: 2048, ReceivedPaymentCount: 0, LiveTimeSeconds: 0})
	if cost != 10 {
		t.Fatalf("expected floor of 10, got %d", cost)
	}
}

func TestPriceDefaultsMaxRecordsToOne(t *testing.T) {
	// MaxRecords == 0 must not divide by zero; it clamps to 1.
	cost := Price(PricingInput{RecordsStored: 1, MaxRecords: 0, ReceivedPaymentCount: 1, LiveTimeSeconds: 1})
	if cost < 10 {
		t.Fatalf("expected at least floor cost, got %d", cost)
	}
}
