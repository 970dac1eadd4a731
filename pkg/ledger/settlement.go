package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// FillRequest targets one resting maker order by slot index
type FillRequest struct {
	Maker      common.Address `json:"maker"`
	Taker      common.Address `json:"taker"`
	OrderIndex int            `json:"orderIndex"`
	FillSize   uint64         `json:"fillSize"`
}

// FillResult is what a committed fill changed
type FillResult struct {
	Split         FeeSplit        `json:"split"`
	Price         uint64          `json:"price"`
	SizeRemaining uint64          `json:"sizeRemaining"`
	SlotFreed     bool            `json:"slotFreed"`
	Referrer      *common.Address `json:"referrer,omitempty"` // credited referrer, nil if none or forfeited
}

// fillPlan holds the loaded records and the computed split of one fill
// attempt. Nothing in it has been mutated yet.
type fillPlan struct {
	venue    *Venue
	maker    *Account
	taker    *Account
	referrer *Account // nil: no referral paid; may alias maker
	order    Order
	split    FeeSplit
}

// planFill runs every precondition and the fee computation for req at now
func (l *Ledger) planFill(ctx context.Context, req FillRequest, now int64) (*fillPlan, error) {
	if req.Maker == req.Taker {
		return nil, fmt.Errorf("%w: %s", ErrSelfTrade, req.Maker.Hex())
	}
	if req.FillSize == 0 {
		return nil, ErrZeroFillSize
	}

	venue, err := l.store.LoadVenue(ctx)
	if err != nil {
		return nil, err
	}
	maker, err := l.store.LoadAccount(ctx, req.Maker)
	if err != nil {
		return nil, err
	}
	taker, err := l.store.LoadAccount(ctx, req.Taker)
	if err != nil {
		return nil, err
	}

	order, err := maker.Orders.Get(req.OrderIndex)
	if err != nil {
		return nil, err
	}
	if order.Expired(now) {
		return nil, fmt.Errorf("%w: slot %d expired at %d", ErrExpiredOrder, req.OrderIndex, order.ExpiresAt)
	}
	if req.FillSize > order.SizeRemaining {
		return nil, fmt.Errorf("%w: fill %d > remaining %d", ErrInsufficientRemainingSize, req.FillSize, order.SizeRemaining)
	}

	plan := &fillPlan{venue: venue, maker: maker, taker: taker, order: order}

	// The referrer link was never validated for existence. A missing record
	// forfeits the cut to the venue so fees still balance.
	forfeited := false
	if taker.Referrer != nil {
		switch ref := *taker.Referrer; ref {
		case maker.Owner:
			plan.referrer = maker
		default:
			acc, err := l.store.LoadAccount(ctx, ref)
			switch {
			case err == nil:
				plan.referrer = acc
			case errors.Is(err, ErrNotRegistered):
				forfeited = true
			default:
				return nil, err
			}
		}
	}

	split, err := ComputeSplit(venue.Fees, order.Price, req.FillSize, plan.referrer != nil)
	if err != nil {
		return nil, err
	}
	split.ReferralForfeited = forfeited
	plan.split = split
	return plan, nil
}

// apply computes every new accumulator value first and only then writes them
// into the loaded copies, so an overflow leaves the plan untouched.
func (p *fillPlan) apply(index int, size uint64) (*Batch, error) {
	s := p.split

	makerVolume, makerRebates := p.maker.MakerVolume, p.maker.MakerRebatesEarned
	takerVolume, takerFees := p.taker.TakerVolume, p.taker.TakerFeesPaid
	collected := p.venue.TotalFeesCollected
	var referral uint64
	if p.referrer != nil {
		referral = p.referrer.ReferralRewardsEarned
	}

	for _, step := range []struct {
		dst   *uint64
		delta uint64
		name  string
	}{
		{&makerVolume, size, "maker volume"},
		{&makerRebates, s.MakerRebate, "maker rebates"},
		{&takerVolume, size, "taker volume"},
		{&takerFees, s.TakerFee, "taker fees"},
		{&collected, s.NetToVenue, "fees collected"},
		{&referral, s.ReferralCut, "referral rewards"},
	} {
		if err := addU64(step.dst, step.delta, step.name); err != nil {
			return nil, err
		}
	}

	remaining := p.order.SizeRemaining - size
	if remaining == 0 {
		p.maker.Orders.free(index)
	} else {
		p.maker.Orders.Slots[index].SizeRemaining = remaining
	}
	p.maker.MakerVolume, p.maker.MakerRebatesEarned = makerVolume, makerRebates
	p.taker.TakerVolume, p.taker.TakerFeesPaid = takerVolume, takerFees
	p.venue.TotalFeesCollected = collected
	if p.referrer != nil {
		p.referrer.ReferralRewardsEarned = referral
	}

	b := &Batch{Venue: p.venue}
	b.Stage(p.maker)
	b.Stage(p.taker)
	if p.referrer != nil {
		b.Stage(p.referrer)
	}
	return b, nil
}

// FillOrder settles req.FillSize units of the maker's order in slot
// req.OrderIndex against the taker. caller must be the taker.
//
// The venue, maker, taker and (when paid) referrer records are committed in
// one batch. Fee rates are read in the same pass, so a concurrent
// UpdateFeeParams either fully precedes or fully follows the fill.
func (l *Ledger) FillOrder(ctx context.Context, caller common.Address, req FillRequest) (FillResult, error) {
	var res FillResult
	err := l.transact(ctx, "fill_order", func(ctx context.Context, now int64) (*Batch, []Event, error) {
		if caller != req.Taker {
			return nil, nil, fmt.Errorf("%w: %s is not the taker", ErrUnauthorized, caller.Hex())
		}
		plan, err := l.planFill(ctx, req, now)
		if err != nil {
			return nil, nil, err
		}
		batch, err := plan.apply(req.OrderIndex, req.FillSize)
		if err != nil {
			return nil, nil, err
		}

		res = FillResult{
			Split:         plan.split,
			Price:         plan.order.Price,
			SizeRemaining: plan.order.SizeRemaining - req.FillSize,
			SlotFreed:     plan.order.SizeRemaining == req.FillSize,
		}
		if plan.referrer != nil {
			ref := plan.referrer.Owner
			res.Referrer = &ref
		}
		ev := newEvent(EventOrderFilled, caller, now, FillEvent{
			Maker:         req.Maker,
			Taker:         req.Taker,
			Referrer:      res.Referrer,
			OrderIndex:    req.OrderIndex,
			FillSize:      req.FillSize,
			Price:         res.Price,
			SizeRemaining: res.SizeRemaining,
			Split:         res.Split,
		})
		return batch, []Event{ev}, nil
	})
	if err != nil {
		return FillResult{}, err
	}
	l.metrics.ObserveFill(res.Split)
	return res, nil
}

// QuoteFill prices req against current state without writing anything.
// It runs the same checks as FillOrder except caller authorization.
func (l *Ledger) QuoteFill(ctx context.Context, req FillRequest) (FeeSplit, error) {
	plan, err := l.planFill(ctx, req, l.clock.Now().Unix())
	if err != nil {
		return FeeSplit{}, err
	}
	return plan.split, nil
}
