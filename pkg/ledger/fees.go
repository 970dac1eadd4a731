package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// BpsDenominator is the basis point base (1 bps = 1/10000)
const BpsDenominator = 10_000

// FeeSplit is the result of pricing one fill
type FeeSplit struct {
	Notional    uint64 `json:"notional"`
	TakerFee    uint64 `json:"takerFee"`
	MakerRebate uint64 `json:"makerRebate"`
	ReferralCut uint64 `json:"referralCut"`
	NetToVenue  uint64 `json:"netToVenue"`

	// ReferralForfeited is set when the taker has a referrer link but no
	// referrer record exists; the cut then stays with the venue.
	ReferralForfeited bool `json:"referralForfeited,omitempty"`
}

// ComputeSplit prices a fill of size units at price under p.
// payReferral is false when the taker has no referrer or the referrer record is missing.
// Division truncates; the order of operations is fixed so remainders are deterministic.
func ComputeSplit(p FeeParams, price, size uint64, payReferral bool) (FeeSplit, error) {
	notional, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(price), uint256.NewInt(size))
	if overflow || !notional.IsUint64() {
		return FeeSplit{}, fmt.Errorf("%w: notional %d x %d", ErrOverflow, price, size)
	}

	split := FeeSplit{
		Notional:    notional.Uint64(),
		TakerFee:    bpsOf(notional, p.TakerFeeBps),
		MakerRebate: bpsOf(notional, p.MakerRebateBps),
	}
	if payReferral {
		split.ReferralCut = bpsOf(notional, p.ReferralBps)
	}

	payout := split.MakerRebate + split.ReferralCut // both <= notional, cannot wrap
	if payout > split.TakerFee {
		return FeeSplit{}, fmt.Errorf("%w: fee %d < rebate %d + referral %d",
			ErrConfigInvariantViolated, split.TakerFee, split.MakerRebate, split.ReferralCut)
	}
	split.NetToVenue = split.TakerFee - payout
	return split, nil
}

// bpsOf returns floor(n * bps / 10000). n fits in uint64 and bps <= 65535,
// so the product fits comfortably in 256 bits and the quotient in 64.
func bpsOf(n *uint256.Int, bps uint16) uint64 {
	v := new(uint256.Int).Mul(n, uint256.NewInt(uint64(bps)))
	v.Div(v, uint256.NewInt(BpsDenominator))
	return v.Uint64()
}

// addU64 adds b to *a, failing with ErrOverflow instead of wrapping
func addU64(a *uint64, b uint64, field string) error {
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(*a), uint256.NewInt(b))
	if overflow || !sum.IsUint64() {
		return fmt.Errorf("%w: %s", ErrOverflow, field)
	}
	*a = sum.Uint64()
	return nil
}

// mulDiv returns floor(a * b / c) with a 256-bit intermediate; c must be non-zero
func mulDiv(a, b, c uint64) (uint64, error) {
	v := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	v.Div(v, uint256.NewInt(c))
	if !v.IsUint64() {
		return 0, ErrOverflow
	}
	return v.Uint64(), nil
}
