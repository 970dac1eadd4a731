package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ScoreResult summarizes one scoring run
type ScoreResult struct {
	Epoch  uint64 `json:"epoch"`
	Active int    `json:"active"`
	Added  uint64 `json:"added"`
}

// ScoreLiquidity credits every account with at least one open order for the
// time since its last activity, resets that timestamp to now and opens a new
// scoring epoch. Accounts without open orders are not touched.
func (l *Ledger) ScoreLiquidity(ctx context.Context, caller common.Address) (ScoreResult, error) {
	var res ScoreResult
	err := l.transact(ctx, "score_liquidity", func(ctx context.Context, now int64) (*Batch, []Event, error) {
		venue, err := l.loadAuthorizedVenue(ctx, caller)
		if err != nil {
			return nil, nil, err
		}
		accounts, err := l.store.ListAccounts(ctx)
		if err != nil {
			return nil, nil, err
		}

		epoch := venue.ScoringEpoch
		if err := addU64(&epoch, 1, "scoring epoch"); err != nil {
			return nil, nil, err
		}
		venue.ScoringEpoch = epoch

		res = ScoreResult{Epoch: epoch}
		b := &Batch{Venue: venue}
		for _, acc := range accounts {
			if acc.Orders.Open() == 0 {
				continue
			}
			elapsed := now - acc.LastActivity
			if elapsed < 0 {
				elapsed = 0
			}
			add := l.cfg.Curve.Score(time.Duration(elapsed)*time.Second, acc.MakerVolume)
			acc.LiquidityScore = saturatingAdd(acc.LiquidityScore, add)
			acc.LastActivity = now
			res.Active++
			res.Added = saturatingAdd(res.Added, add)
			b.Stage(acc)
		}
		ev := newEvent(EventLiquidityScored, caller, now, ScoringEvent{Epoch: epoch, Active: res.Active, AddedSum: res.Added})
		return b, []Event{ev}, nil
	})
	if err != nil {
		return ScoreResult{}, err
	}
	return res, nil
}

// RewardShare is one account's cut of a distributed pool
type RewardShare struct {
	Account common.Address `json:"account"`
	Score   uint64         `json:"score"`
	Amount  uint64         `json:"amount"`
}

// RewardResult summarizes one distribution
type RewardResult struct {
	Epoch  uint64        `json:"epoch"`
	Pool   uint64        `json:"pool"`
	Paid   uint64        `json:"paid"`
	Shares []RewardShare `json:"shares"`
}

// DistributeRewards splits pool across accounts pro rata to liquidity score,
// floor(score * pool / totalScore) each, credits liquidityRewardsEarned and
// zeroes the scores. epoch must be the latest scoring epoch and may be paid
// only once; truncation dust stays undistributed.
func (l *Ledger) DistributeRewards(ctx context.Context, caller common.Address, epoch, pool uint64) (RewardResult, error) {
	var res RewardResult
	err := l.transact(ctx, "distribute_rewards", func(ctx context.Context, now int64) (*Batch, []Event, error) {
		venue, err := l.loadAuthorizedVenue(ctx, caller)
		if err != nil {
			return nil, nil, err
		}
		if pool == 0 {
			return nil, nil, ErrInvalidAmount
		}
		switch {
		case epoch == 0 || epoch > venue.ScoringEpoch:
			return nil, nil, fmt.Errorf("%w: epoch %d, latest scored %d", ErrEpochNotScored, epoch, venue.ScoringEpoch)
		case epoch <= venue.LastRewardEpoch:
			return nil, nil, fmt.Errorf("%w: epoch %d", ErrEpochAlreadyDistributed, epoch)
		case epoch < venue.ScoringEpoch:
			return nil, nil, fmt.Errorf("%w: epoch %d, latest scored %d", ErrStaleEpoch, epoch, venue.ScoringEpoch)
		}

		accounts, err := l.store.ListAccounts(ctx)
		if err != nil {
			return nil, nil, err
		}
		total := new(uint256.Int)
		for _, acc := range accounts {
			total.Add(total, uint256.NewInt(acc.LiquidityScore))
		}

		res = RewardResult{Epoch: epoch, Pool: pool}
		b := &Batch{Venue: venue}
		if !total.IsZero() {
			for _, acc := range accounts {
				if acc.LiquidityScore == 0 {
					continue
				}
				share := new(uint256.Int).Mul(uint256.NewInt(acc.LiquidityScore), uint256.NewInt(pool))
				share.Div(share, total)
				amount := share.Uint64() // <= pool

				earned := acc.LiquidityRewardsEarned
				if err := addU64(&earned, amount, "liquidity rewards"); err != nil {
					return nil, nil, err
				}
				res.Shares = append(res.Shares, RewardShare{Account: acc.Owner, Score: acc.LiquidityScore, Amount: amount})
				res.Paid += amount
				acc.LiquidityRewardsEarned = earned
				acc.LiquidityScore = 0
				b.Stage(acc)
			}
		}

		distributed := venue.TotalLiquidityRewardsDistributed
		if err := addU64(&distributed, res.Paid, "rewards distributed"); err != nil {
			return nil, nil, err
		}
		venue.TotalLiquidityRewardsDistributed = distributed
		venue.LastRewardEpoch = epoch

		ev := newEvent(EventRewardsDistributed, caller, now, RewardsEvent{
			Epoch: epoch, Pool: pool, Paid: res.Paid, Recipients: len(res.Shares),
		})
		return b, []Event{ev}, nil
	})
	if err != nil {
		return RewardResult{}, err
	}
	l.metrics.AddRewards(res.Paid)
	return res, nil
}
