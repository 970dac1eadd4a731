package ledger

import (
	"math"
	"time"

	"github.com/holiman/uint256"
)

// ScoreCurve converts time in market and cumulative maker volume into
// liquidity score. Implementations must be non-decreasing in both arguments.
type ScoreCurve interface {
	Score(elapsed time.Duration, makerVolume uint64) uint64
}

// CurveFunc adapts a plain function to ScoreCurve
type CurveFunc func(elapsed time.Duration, makerVolume uint64) uint64

func (f CurveFunc) Score(elapsed time.Duration, makerVolume uint64) uint64 {
	return f(elapsed, makerVolume)
}

// LinearCurve accrues PointsPerUnit points per TimeUnit in market, pro rata
// at the resolution of elapsed, boosted by maker volume:
//
//	base  = elapsed * PointsPerUnit / TimeUnit
//	score = base + base * makerVolume * VolumeWeightBps / 10000
//
// Truncation loses less than one point per call, so scoring more often
// than once per TimeUnit still credits resting time. Results saturate at
// math.MaxUint64.
type LinearCurve struct {
	TimeUnit        time.Duration
	VolumeWeightBps uint64
}

// PointsPerUnit is the score of one TimeUnit in market with no volume
const PointsPerUnit = BpsDenominator

// DefaultCurve scores per minute with a 1 bps volume boost
func DefaultCurve() LinearCurve {
	return LinearCurve{TimeUnit: time.Minute, VolumeWeightBps: 1}
}

func (c LinearCurve) Score(elapsed time.Duration, makerVolume uint64) uint64 {
	if elapsed <= 0 {
		return 0
	}
	unit := c.TimeUnit
	if unit <= 0 {
		unit = time.Second
	}
	base := new(uint256.Int).Mul(uint256.NewInt(uint64(elapsed)), uint256.NewInt(PointsPerUnit))
	base.Div(base, uint256.NewInt(uint64(unit)))
	if base.IsZero() {
		return 0
	}

	boost := new(uint256.Int).Mul(base, uint256.NewInt(makerVolume))
	boost.Mul(boost, uint256.NewInt(c.VolumeWeightBps))
	boost.Div(boost, uint256.NewInt(BpsDenominator))
	total := boost.Add(boost, base)
	if !total.IsUint64() {
		return math.MaxUint64
	}
	return total.Uint64()
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
