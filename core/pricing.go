package core

import "math"

// CloseGroupSize is the system-wide constant defining how many peers
// nearest an address are jointly responsible for a record.
const CloseGroupSize = 5

// TotalSupply caps the pricing function's safety ceiling (spec.md §4.2,
// testable property 5).
const TotalSupply = 1_000_000_000_000_000 // 1e15 base units, matches the safety-cap scenarios in spec.md §8

// MaxPriceCap is cost's hard ceiling: TOTAL_SUPPLY / CLOSE_GROUP_SIZE.
const MaxPriceCap = TotalSupply / CloseGroupSize

// PricingInput bundles the quantities the pricing function reads.
type PricingInput struct {
	RecordsStored        uint64
	ReceivedPaymentCount uint64
	MaxRecords           uint64
	LiveTimeSeconds      uint64
}

// Price computes the adaptive storage cost described in spec.md §4.2.
//
// Every term is computed in float64. The two exponential terms are
// floored, the records-per-payment divisor is left unfloored, and the
// final cost is truncated to an integer (spec.md §9 Open Questions notes
// the rounding direction isn't documented upstream; flooring the
// exponential terms matches the longevity-discount and exp-multiplier
// worked examples in spec.md §8).
//
// A record already held by the node should short-circuit to cost 0
// before calling Price; that check lives in RecordStore.Quote, not here,
// since Price has no notion of "already held".
func Price(in PricingInput) uint64 {
	recordsStored := float64(in.RecordsStored)
	maxRecords := float64(in.MaxRecords)
	if maxRecords < 1 {
		maxRecords = 1
	}
	received := float64(in.ReceivedPaymentCount)

	base := 10 * recordsStored

	divisor := recordsStored / math.Max(1, received)
	if divisor < 1 {
		divisor = 1
	}

	dailySteps := float64(in.LiveTimeSeconds) / 86400
	longevityDiscount := math.Max(1, math.Floor(math.Pow(1.1, dailySteps)))

	// The trigger point is floored to an integer record count before the
	// gap to recordsStored is taken — matching the worked examples in
	// spec.md §8 (S1: 1331 stored, 2048 max → trigger 1228, gap 103, not
	// the un-floored gap of 102.2).
	expTrigger := math.Floor(0.6 * maxRecords)
	expMultiplier := math.Max(1, math.Floor(math.Pow(1.05, math.Max(0, recordsStored-expTrigger))))

	cost := math.Max(10, base*expMultiplier/divisor/longevityDiscount)
	if cost > MaxPriceCap {
		cost = MaxPriceCap
	}
	return uint64(cost)
}
